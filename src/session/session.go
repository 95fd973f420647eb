// Package session implements the per-call dialogue actor: one goroutine
// per call owns all conversation state and consumes a single frame queue
// that the transport, VAD gate, STT, LLM, and TTS collaborators post to.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/audio"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/audio/vad"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services"
)

// STTStream is the per-call speech-to-text stream.
type STTStream interface {
	SendAudio(frame []byte) error
	Close() error
}

// TTSStreamer is the per-call text-to-speech stream. Both the streaming
// and the blocking vendor satisfy it.
type TTSStreamer interface {
	EnsureOpen() error
	SendToken(token string) error
	Flush() error
	Interrupt()
	Close() error
}

// STTFactory opens the STT stream for one call; results arrive through
// notify on the stream's own goroutine.
type STTFactory func(callID string, notify func(frames.Frame)) (STTStream, error)

// TTSFactory creates the TTS streamer for one call bound to its media sink.
type TTSFactory func(sink services.MediaSink, notify func(frames.Frame)) TTSStreamer

// Tunables are the orchestration timing knobs.
type Tunables struct {
	VADSilence         time.Duration // silence hangover ending an utterance
	InterruptFast      time.Duration // barge-in with transcript present
	InterruptSafety    time.Duration // barge-in without transcript
	InterruptTTSRecent time.Duration // how long after last audio TTS counts as active
	HistoryRollback    time.Duration // window for un-committing an assistant entry
	VADMode            vad.Aggressiveness
	LLMTemperature     float64
}

// DefaultTunables returns the production defaults.
func DefaultTunables() Tunables {
	return Tunables{
		VADSilence:         800 * time.Millisecond,
		InterruptFast:      500 * time.Millisecond,
		InterruptSafety:    1500 * time.Millisecond,
		InterruptTTSRecent: 2000 * time.Millisecond,
		HistoryRollback:    2000 * time.Millisecond,
		VADMode:            vad.VeryAggressive,
	}
}

const queueDepth = 512

// Session is the single-writer actor for one call. All fields below the
// queue are owned by the run loop; collaborators interact only through
// Post.
type Session struct {
	CallID string

	deps Deps
	tun  Tunables
	log  *logger.Logger

	queue  chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// now is the loop's clock, injectable for tests.
	now func() time.Time

	// loop-owned state
	streamSid        string
	sink             services.MediaSink
	history          *services.LLMContext
	gate             *vad.Gate
	transcriptBuffer []string
	recording        []byte
	stt              STTStream
	tts              TTSStreamer
	turn             turn
	lastAudioSentAt  time.Time
	ttsPlaying       bool
}

func newSession(callID, systemPrompt string, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	tun := deps.Tunables
	if tun.VADSilence == 0 {
		tun = DefaultTunables()
	}

	s := &Session{
		CallID:  callID,
		deps:    deps,
		tun:     tun,
		log:     logger.WithPrefix("Session:" + callID),
		queue:   make(chan frames.Frame, queueDepth),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		now:     time.Now,
		history: services.NewLLMContext(systemPrompt),
		gate:    vad.NewGate(vad.NewClassifier(8000, tun.VADMode), tun.VADSilence),
	}
	go s.run()
	return s
}

// Bind attaches the outbound telephony writer. Must be called before the
// StartFrame is posted; the loop reads the sink only after that.
func (s *Session) Bind(sink services.MediaSink) {
	s.sink = sink
}

// Post delivers one frame to the session queue. Safe for concurrent use;
// frames posted after close are dropped.
func (s *Session) Post(frame frames.Frame) {
	select {
	case s.queue <- frame:
	case <-s.ctx.Done():
	}
}

// Done is closed when the session loop has exited and all collaborators
// are torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the loop. Idempotent; the registry serializes the observable
// close path through its closing set.
func (s *Session) Close() {
	s.cancel()
}

// History returns the conversation history. Only valid after Done.
func (s *Session) History() []services.LLMMessage {
	return s.history.Messages
}

// Recording returns the full inbound µ-law capture. Only valid after Done.
func (s *Session) Recording() []byte {
	return s.recording
}

func (s *Session) run() {
	defer close(s.done)
	defer s.shutdown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.queue:
			if _, ok := frame.(*frames.EndFrame); ok {
				s.log.Info("media stream ended")
				return
			}
			s.handle(frame)
		}
	}
}

// shutdown finalizes any in-flight turn as interrupted and tears down the
// three upstream collaborators.
func (s *Session) shutdown() {
	s.turn.wasInterrupted = true
	s.turn.cancelLLM()
	if s.tts != nil {
		s.tts.Close()
	}
	if s.stt != nil {
		s.stt.Close()
	}
	s.log.Info("session closed (history: %d entries, recording: %d bytes)",
		len(s.history.Messages), len(s.recording))
}

func (s *Session) handle(frame frames.Frame) {
	switch f := frame.(type) {
	case *frames.StartFrame:
		s.handleStart(f)
	case *frames.AudioFrame:
		s.handleAudio(f)
	case *frames.UserStartedSpeakingFrame:
		s.handleSpeechStarted()
	case *frames.UserStoppedSpeakingFrame:
		s.handleSpeechEnded(f.Utterance)
	case *frames.TranscriptionFrame:
		s.handleTranscription(f)
	case *frames.LLMFullResponseStartFrame:
		s.handleLLMFirstToken()
	case *frames.TextFrame:
		s.handleLLMToken(f)
	case *frames.LLMFullResponseEndFrame:
		s.handleLLMComplete(f)
	case *frames.TTSAudioSentFrame:
		s.handleTTSAudioSent(f)
	case *frames.TTSStoppedFrame:
		s.handleTTSComplete()
	case *frames.InterruptionFrame:
		s.handleInterrupt()
	case *frames.MarkAckFrame:
		s.log.Debug("playback mark acknowledged: %s", f.MarkName)
	case *frames.ErrorFrame:
		s.handleError(f)
	default:
		s.log.Debug("ignoring frame %s", frame.Name())
	}
}

// handleStart binds the media stream, opens the upstream collaborators,
// and drives the greeting turn.
func (s *Session) handleStart(f *frames.StartFrame) {
	s.streamSid = f.StreamSid
	s.log.Info("media stream started (streamSid %s)", f.StreamSid)

	stt, err := s.deps.STTFactory(s.CallID, s.Post)
	if err != nil {
		s.log.Error("stt open failed: %v", err)
		s.Close()
		return
	}
	s.stt = stt

	s.tts = s.deps.TTSFactory(s.sink, s.Post)
	if err := s.tts.EnsureOpen(); err != nil {
		s.log.Error("tts open failed: %v", err)
		s.Close()
		return
	}

	if s.history.SystemPrompt != "" {
		s.dispatchGreeting()
	}
}

// handleAudio fans one inbound media frame out to the recording buffer,
// the VAD gate, the STT forwarder, and the barge-in detector.
func (s *Session) handleAudio(f *frames.AudioFrame) {
	now := s.now()
	s.recording = append(s.recording, f.Data...)

	// Gate edges are dispatched synchronously so utterance ordering is
	// preserved against the frames already queued behind this one.
	events := s.gate.Push(f.Data, now)
	for _, ev := range events {
		switch ev.Kind {
		case vad.SpeechStarted:
			s.handle(frames.NewUserStartedSpeakingFrame())
		case vad.SpeechEnded:
			s.handle(frames.NewUserStoppedSpeakingFrame(ev.Utterance))
		}
	}

	// Audio outside an utterance is not forwarded, conserving upstream
	// quota and improving endpointing.
	if s.gate.IsSpeaking() && s.stt != nil {
		if err := s.stt.SendAudio(f.Data); err != nil {
			s.log.Warn("stt forward failed: %v", err)
		}
	}

	s.checkBargeIn(now)
}

func (s *Session) handleSpeechStarted() {
	s.log.Debug("user started speaking (phase %s)", s.turn.phase)
	if s.turn.phase == PhaseIdle {
		s.turn.phase = PhaseCapturing
	}
}

func (s *Session) handleSpeechEnded(utterance []byte) {
	s.log.Debug("user stopped speaking (%d bytes, phase %s)", len(utterance), s.turn.phase)

	// A turn still generating or speaking was not interrupted (too short,
	// or no transcript); buffered finals wait for the next utterance.
	if s.turn.active() {
		return
	}

	if len(s.transcriptBuffer) == 0 {
		s.turn.phase = PhaseIdle
		return
	}
	s.dispatchTurn()
}

func (s *Session) handleTranscription(f *frames.TranscriptionFrame) {
	if !f.IsFinal {
		s.log.Debug("partial transcript: %q", f.Text)
		return
	}
	s.log.Info("final transcript (seq %d): %q", f.Seq, f.Text)
	s.transcriptBuffer = append(s.transcriptBuffer, f.Text)
}

// dispatchTurn starts the LLM for the captured utterance.
func (s *Session) dispatchTurn() {
	now := s.now()
	text := strings.Join(s.transcriptBuffer, " ")
	s.transcriptBuffer = s.transcriptBuffer[:0]
	s.turn.phase = PhaseTranscribing

	s.history.AddUserMessage(text)
	s.turn.timings.VADEnd = now
	s.log.Info("turn dispatch: %q", text)

	s.startCompletion()
}

// dispatchGreeting drives the one-shot greeting turn with no user message.
func (s *Session) dispatchGreeting() {
	s.log.Info("dispatching greeting turn")
	s.startCompletion()
}

// startCompletion performs steps 4-8 of turn dispatch: reopen TTS if the
// last interrupt closed it, reset the turn record, and stream the LLM with
// the current history snapshot.
func (s *Session) startCompletion() {
	if err := s.tts.EnsureOpen(); err != nil {
		s.log.Error("tts reopen failed: %v", err)
		s.turn.reset()
		return
	}

	s.turn.wasInterrupted = false
	s.turn.pendingAssistantText = ""
	s.turn.historySavedAt = time.Time{}

	llmCtx, cancel := context.WithCancel(s.ctx)
	s.turn.llmCancel = cancel
	s.turn.phase = PhaseGenerating
	s.turn.timings.LLMCall = s.now()

	req := services.CompletionRequest{
		SystemPrompt: s.history.SystemPrompt,
		Messages:     append([]services.LLMMessage(nil), s.history.Messages...),
		Temperature:  s.tun.LLMTemperature,
	}

	go s.deps.LLM.StreamCompletion(llmCtx, req, services.StreamHandler{
		OnFirstToken: func() {
			s.Post(frames.NewLLMFullResponseStartFrame())
		},
		OnToken: func(token string) {
			s.Post(frames.NewTextFrame(token))
		},
		OnComplete: func(fullText string) {
			s.Post(frames.NewLLMFullResponseEndFrame(fullText))
		},
		OnError: func(err error) {
			s.Post(frames.NewErrorFrame("llm", err))
		},
	})
}

func (s *Session) handleLLMFirstToken() {
	if s.turn.timings.LLMFirstToken.IsZero() {
		s.turn.timings.LLMFirstToken = s.now()
	}
}

func (s *Session) handleLLMToken(f *frames.TextFrame) {
	if s.turn.wasInterrupted {
		return
	}
	if err := s.tts.SendToken(f.Text); err != nil {
		s.log.Warn("tts token push failed: %v", err)
	}
}

func (s *Session) handleLLMComplete(f *frames.LLMFullResponseEndFrame) {
	s.turn.pendingAssistantText = f.FullText
	if s.turn.wasInterrupted {
		return
	}
	s.log.Debug("llm complete (%d chars), flushing tts", len(f.FullText))
	if err := s.tts.Flush(); err != nil {
		s.log.Warn("tts flush failed: %v", err)
	}
}

func (s *Session) handleTTSAudioSent(f *frames.TTSAudioSentFrame) {
	if s.turn.wasInterrupted {
		return
	}
	s.lastAudioSentAt = f.SentAt
	s.ttsPlaying = true
	if s.turn.phase == PhaseGenerating {
		s.turn.phase = PhaseSpeaking
	}
	if s.turn.timings.TTSFirstChunk.IsZero() {
		s.turn.timings.TTSFirstChunk = s.now()
	}
}

// handleTTSComplete commits the assistant turn when it ran to completion
// uninterrupted.
func (s *Session) handleTTSComplete() {
	s.ttsPlaying = false

	if s.turn.wasInterrupted {
		return
	}

	s.turn.phase = PhaseCommitting
	if s.turn.pendingAssistantText != "" {
		s.history.AddAssistantMessage(s.turn.pendingAssistantText)
		s.turn.historySavedAt = s.now()
		s.log.Info("assistant turn committed (%d chars)", len(s.turn.pendingAssistantText))
	}

	s.turn.timings.Report(s.log)
	savedAt := s.turn.historySavedAt
	s.turn.reset()
	// The rollback window outlives the turn record: a barge-in right after
	// commit still needs to see when the entry landed.
	s.turn.historySavedAt = savedAt
}

// checkBargeIn runs on every inbound media frame while a turn is active.
func (s *Session) checkBargeIn(now time.Time) {
	ttsActive := s.ttsPlaying ||
		(!s.lastAudioSentAt.IsZero() && now.Sub(s.lastAudioSentAt) < s.tun.InterruptTTSRecent)
	if !ttsActive || !s.gate.IsSpeaking() {
		return
	}
	startedAt := s.gate.SpeechStartedAt()
	if startedAt.IsZero() {
		return
	}

	speakingFor := now.Sub(startedAt)
	confident := speakingFor > s.tun.InterruptFast && len(s.transcriptBuffer) > 0
	safety := speakingFor > s.tun.InterruptSafety
	if confident || safety {
		s.log.Info("barge-in detected (speaking %v, %d finals buffered)",
			speakingFor, len(s.transcriptBuffer))
		s.handle(frames.NewInterruptionFrame())
	}
}

// handleInterrupt runs the fixed barge-in sequence: clear the carrier
// buffer, mute and close TTS, cancel the LLM, then roll back a
// just-committed assistant entry.
func (s *Session) handleInterrupt() {
	now := s.now()
	s.turn.wasInterrupted = true
	s.turn.phase = PhaseInterrupted

	if s.sink != nil {
		if err := s.sink.WriteClear(); err != nil {
			s.log.Warn("clear write failed: %v", err)
		}
	}

	if s.tts != nil {
		s.tts.Interrupt()
	}

	s.turn.cancelLLM()

	if !s.turn.historySavedAt.IsZero() &&
		now.Sub(s.turn.historySavedAt) < s.tun.HistoryRollback {
		if s.history.RemoveLastAssistant() {
			s.log.Info("rolled back assistant entry committed %v ago",
				now.Sub(s.turn.historySavedAt))
		}
	}

	s.lastAudioSentAt = time.Time{}
	s.ttsPlaying = false
	wasInterrupted := true
	s.turn.reset()
	s.turn.wasInterrupted = wasInterrupted
	s.turn.phase = PhaseIdle
}

func (s *Session) handleError(f *frames.ErrorFrame) {
	if errors.Is(f.Error, services.ErrAborted) {
		s.log.Debug("%s stream aborted", f.Source)
		return
	}

	s.log.Error("%s error: %v", f.Source, f.Error)
	if f.Fatal {
		s.Close()
		return
	}

	// Provider failure aborts the turn but keeps the session alive; a
	// pending assistant text without completion is never committed.
	if s.turn.active() {
		s.turn.cancelLLM()
		s.turn.reset()
		s.ttsPlaying = false
	}
}

// frameDuration is the wall-clock length of one inbound media frame.
const frameDuration = audio.FrameDurationMs * time.Millisecond
