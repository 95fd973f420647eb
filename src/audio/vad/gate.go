package vad

import (
	"time"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
)

// EventKind identifies a gate edge
type EventKind int

const (
	SpeechStarted EventKind = iota
	SpeechEnded
)

func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// Event is an utterance-boundary edge emitted by the gate. SpeechEnded
// events carry the concatenated µ-law audio of the utterance.
type Event struct {
	Kind      EventKind
	Utterance []byte
	At        time.Time
}

// Gate turns per-frame voice decisions into utterance boundaries. An
// utterance ends only after the silence hangover elapses with no voice,
// so mid-sentence pauses do not split turns. The hangover is the primary
// latency knob of the whole pipeline.
//
// Gate is not safe for concurrent use; each session owns one and feeds it
// from its event loop.
type Gate struct {
	classifier *Classifier
	hangover   time.Duration
	log        *logger.Logger

	speaking        bool
	speechStartedAt time.Time
	lastVoiceAt     time.Time
	pending         []byte
}

// NewGate creates a gate over the given classifier with the given silence
// hangover.
func NewGate(classifier *Classifier, hangover time.Duration) *Gate {
	return &Gate{
		classifier: classifier,
		hangover:   hangover,
		log:        logger.WithPrefix("VADGate"),
		pending:    make([]byte, 0, 8000),
	}
}

// IsSpeaking reports whether the gate is inside an utterance.
func (g *Gate) IsSpeaking() bool {
	return g.speaking
}

// SpeechStartedAt returns the start time of the current utterance, or the
// zero time when idle.
func (g *Gate) SpeechStartedAt() time.Time {
	if !g.speaking {
		return time.Time{}
	}
	return g.speechStartedAt
}

// Push classifies one µ-law frame and advances the state machine.
// Returned events are emitted in order; at most one start and one end.
func (g *Gate) Push(frame []byte, now time.Time) []Event {
	decision := g.classifier.Classify(frame)
	if decision == Error {
		g.log.Warn("dropping unclassifiable frame (%d bytes)", len(frame))
		return nil
	}

	var events []Event

	switch {
	case !g.speaking && decision == Voice:
		g.speaking = true
		g.speechStartedAt = now
		g.lastVoiceAt = now
		g.pending = g.pending[:0]
		g.log.Debug("speech started")
		events = append(events, Event{Kind: SpeechStarted, At: now})

	case g.speaking && decision == Voice:
		g.lastVoiceAt = now
		g.pending = append(g.pending, frame...)

	case g.speaking && decision == Silence:
		if now.Sub(g.lastVoiceAt) <= g.hangover {
			g.pending = append(g.pending, frame...)
			return nil
		}
		utterance := make([]byte, len(g.pending))
		copy(utterance, g.pending)
		g.pending = g.pending[:0]
		g.speaking = false
		g.log.Debug("speech ended after %v of silence (%d bytes buffered)",
			now.Sub(g.lastVoiceAt), len(utterance))
		events = append(events, Event{Kind: SpeechEnded, Utterance: utterance, At: now})
	}

	return events
}

// Reset returns the gate to idle, discarding any pending utterance.
func (g *Gate) Reset() {
	g.speaking = false
	g.speechStartedAt = time.Time{}
	g.lastVoiceAt = time.Time{}
	g.pending = g.pending[:0]
}
