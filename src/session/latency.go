package session

import (
	"time"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
)

// Timings holds the per-turn latency checkpoints. Zero values mean the
// checkpoint was never reached.
type Timings struct {
	VADEnd        time.Time
	LLMCall       time.Time
	LLMFirstToken time.Time
	TTSFirstChunk time.Time
}

// Report logs the four latency deltas for a completed turn. Deltas whose
// endpoints were never recorded are skipped.
func (t *Timings) Report(log *logger.Logger) {
	delta := func(from, to time.Time) (time.Duration, bool) {
		if from.IsZero() || to.IsZero() {
			return 0, false
		}
		return to.Sub(from), true
	}

	if d, ok := delta(t.VADEnd, t.LLMCall); ok {
		log.Info("latency vad_end->llm_call: %v", d)
	}
	if d, ok := delta(t.LLMCall, t.LLMFirstToken); ok {
		log.Info("latency llm_call->llm_first_token: %v", d)
	}
	if d, ok := delta(t.LLMFirstToken, t.TTSFirstChunk); ok {
		log.Info("latency llm_first_token->tts_first_chunk: %v", d)
	}
	if d, ok := delta(t.VADEnd, t.TTSFirstChunk); ok {
		log.Info("latency vad_end->tts_first_chunk (end-to-end): %v", d)
	}
}
