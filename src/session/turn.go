package session

import (
	"context"
	"time"
)

// Phase is the lifecycle stage of the current turn
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseTranscribing
	PhaseGenerating
	PhaseSpeaking
	PhaseCommitting
	PhaseInterrupted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCapturing:
		return "capturing"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseGenerating:
		return "generating"
	case PhaseSpeaking:
		return "speaking"
	case PhaseCommitting:
		return "committing"
	case PhaseInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// turn is the lifecycle record for one user→assistant exchange. All fields
// are owned by the session loop.
type turn struct {
	phase                Phase
	pendingAssistantText string
	wasInterrupted       bool
	llmCancel            context.CancelFunc
	historySavedAt       time.Time
	timings              Timings
}

// active reports whether an LLM or TTS stream may still be producing for
// this turn.
func (t *turn) active() bool {
	return t.phase == PhaseGenerating || t.phase == PhaseSpeaking
}

// cancelLLM fires the cooperative abort, if a stream is in flight.
func (t *turn) cancelLLM() {
	if t.llmCancel != nil {
		t.llmCancel()
		t.llmCancel = nil
	}
}

// reset clears the record back to idle.
func (t *turn) reset() {
	t.cancelLLM()
	t.phase = PhaseIdle
	t.pendingAssistantText = ""
	t.wasInterrupted = false
	t.historySavedAt = time.Time{}
	t.timings = Timings{}
}
