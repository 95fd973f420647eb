// Package openaitts implements the blocking text-to-speech vendor: the
// whole turn's text is synthesized in one HTTP call, then re-encoded to
// µ-law and paced out as 20 ms telephony frames. Interrupt semantics match
// the streaming vendor: mute, drop, stop emitting.
package openaitts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/audio"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/audio/speech"

	// pcmSampleRate is the rate of the vendor's raw PCM output.
	pcmSampleRate = 24000

	markInterval = 10
)

// Config holds the blocking TTS vendor parameters.
type Config struct {
	APIKey   string
	Model    string  // e.g. "tts-1"
	Voice    string  // e.g. "nova"
	Speed    float64 // 1.0 is normal
	Endpoint string  // defaults to the vendor endpoint
}

// TTSStreamer accumulates the turn's tokens and synthesizes them at Flush.
// It satisfies the same contract as the streaming vendor so the session
// does not care which one is configured.
type TTSStreamer struct {
	cfg        Config
	sink       services.MediaSink
	notify     func(frames.Frame)
	httpClient *http.Client
	log        *logger.Logger

	mu         sync.Mutex
	pending    strings.Builder
	muted      bool
	generation int
	frameCount int
}

// NewTTSStreamer creates a blocking-vendor streamer for one call.
func NewTTSStreamer(cfg Config, sink services.MediaSink, notify func(frames.Frame)) *TTSStreamer {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "nova"
	}
	if cfg.Speed == 0 {
		cfg.Speed = 1.0
	}
	return &TTSStreamer{
		cfg:        cfg,
		sink:       sink,
		notify:     notify,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        logger.WithPrefix("OpenAITTS"),
	}
}

// EnsureOpen resets the mute flag. There is no persistent upstream
// connection for the blocking vendor.
func (s *TTSStreamer) EnsureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = false
	s.pending.Reset()
	s.frameCount = 0
	return nil
}

// SendToken buffers one LLM token for the pending turn.
func (s *TTSStreamer) SendToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted {
		return nil
	}
	s.pending.WriteString(token)
	return nil
}

// Flush synthesizes everything buffered and streams it to the sink paced
// at one frame per 20 ms. Runs in its own goroutine; completion or failure
// is reported through notify.
func (s *TTSStreamer) Flush() error {
	s.mu.Lock()
	text := s.pending.String()
	s.pending.Reset()
	muted := s.muted
	generation := s.generation
	s.mu.Unlock()

	if muted || strings.TrimSpace(text) == "" {
		return nil
	}

	go func() {
		mulaw, err := s.synthesize(text)
		if err != nil {
			s.log.Error("synthesis failed: %v", err)
			s.notify(frames.NewErrorFrame("tts", err))
			return
		}
		s.emitPaced(mulaw, generation)
	}()
	return nil
}

// Interrupt mutes the streamer and drops any buffered text. Any paced
// emission in flight stops at the next frame boundary.
func (s *TTSStreamer) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = true
	s.generation++
	s.pending.Reset()
	s.log.Info("synthesis interrupted")
}

// Close stops emission permanently.
func (s *TTSStreamer) Close() error {
	s.Interrupt()
	return nil
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

// synthesize calls the speech endpoint and converts its 24 kHz PCM output
// to 8 kHz µ-law.
func (s *TTSStreamer) synthesize(text string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Model:          s.cfg.Model,
		Input:          text,
		Voice:          s.cfg.Voice,
		Speed:          s.cfg.Speed,
		ResponseFormat: "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("speech API error %d: %s", resp.StatusCode, string(respBody))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}

	pcm, err := audio.BytesToPCM(raw)
	if err != nil {
		return nil, fmt.Errorf("decode speech PCM: %w", err)
	}
	pcm = audio.Resample(pcm, pcmSampleRate, 8000)
	return audio.PCMToMulaw(pcm), nil
}

// emitPaced writes 160-byte frames at real-time rate, stopping as soon as
// the streamer is muted or a newer generation started.
func (s *TTSStreamer) emitPaced(mulaw []byte, generation int) {
	ticker := time.NewTicker(audio.FrameDurationMs * time.Millisecond)
	defer ticker.Stop()

	for offset := 0; offset < len(mulaw); offset += audio.FrameBytes {
		s.mu.Lock()
		if s.muted || generation != s.generation {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		end := offset + audio.FrameBytes
		frame := make([]byte, audio.FrameBytes)
		if end <= len(mulaw) {
			copy(frame, mulaw[offset:end])
		} else {
			n := copy(frame, mulaw[offset:])
			for i := n; i < audio.FrameBytes; i++ {
				frame[i] = audio.MulawSilence
			}
		}

		if err := s.sink.WriteMedia(frame); err != nil {
			s.log.Error("media write failed: %v", err)
			s.notify(frames.NewErrorFrame("telephony", err))
			return
		}
		s.notify(frames.NewTTSAudioSentFrame(time.Now(), len(frame)))

		s.mu.Lock()
		s.frameCount++
		count := s.frameCount
		s.mu.Unlock()
		if count%markInterval == 0 {
			name := fmt.Sprintf("tts-%s-%d", uuid.New().String()[:8], count)
			if err := s.sink.WriteMark(name); err != nil {
				s.log.Warn("mark write failed: %v", err)
			}
		}

		<-ticker.C
	}

	s.mu.Lock()
	interrupted := s.muted || generation != s.generation
	s.mu.Unlock()
	if !interrupted {
		s.log.Debug("emission complete")
		s.notify(frames.NewTTSStoppedFrame())
	}
}
