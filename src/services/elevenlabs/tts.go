// Package elevenlabs implements the streaming text-to-speech client:
// tokens in over WebSocket, µ-law audio out, re-framed to exact 20 ms
// telephony frames.
package elevenlabs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/audio"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services"
)

const (
	defaultBaseURL = "wss://api.elevenlabs.io"

	connectTimeout = 10 * time.Second

	// markInterval is how many media frames go out between playback marks.
	markInterval = 10
)

// Config holds the TTS voice and connection parameters.
type Config struct {
	APIKey     string
	VoiceID    string
	Model      string // e.g. "eleven_turbo_v2_5"
	Stability  float64
	Similarity float64
	Speed      float64
	FlushQuiet time.Duration // silence after flush that declares completion
	BaseURL    string        // defaults to the vendor endpoint
}

// TTSStreamer is the per-call streaming synthesizer. Tokens are pushed as
// they arrive from the LLM; decoded µ-law flows to the MediaSink in exact
// 160-byte frames. notify receives TTSAudioSentFrame per emitted frame,
// TTSStoppedFrame on completion, and ErrorFrame on upstream failure.
//
// Interrupt mutes and closes the upstream connection; the next turn
// reopens it through EnsureOpen.
type TTSStreamer struct {
	cfg    Config
	sink   services.MediaSink
	notify func(frames.Frame)
	log    *logger.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	contextID  string
	generation int
	muted      bool
	flushed    bool
	chunker    *audio.Chunker
	frameCount int
	quietTimer *time.Timer
}

// NewTTSStreamer creates a streamer for one call. The connection is opened
// lazily by EnsureOpen.
func NewTTSStreamer(cfg Config, sink services.MediaSink, notify func(frames.Frame)) *TTSStreamer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_turbo_v2_5"
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.75
	}
	if cfg.FlushQuiet == 0 {
		cfg.FlushQuiet = 500 * time.Millisecond
	}
	return &TTSStreamer{
		cfg:     cfg,
		sink:    sink,
		notify:  notify,
		log:     logger.WithPrefix("TTS"),
		chunker: audio.NewChunker(),
	}
}

// EnsureOpen dials the synthesis WebSocket if it is not already open and
// sends the voice configuration. Called at session start and again after
// an interrupt closed the previous connection.
func (s *TTSStreamer) EnsureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	wsURL := fmt.Sprintf("%s/v1/text-to-speech/%s/multi-stream-input?model_id=%s&output_format=ulaw_8000",
		s.cfg.BaseURL, s.cfg.VoiceID, s.cfg.Model)

	header := http.Header{}
	header.Set("xi-api-key", s.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("tts connect failed: %w", err)
	}

	contextID := uuid.New().String()
	voiceSettings := map[string]interface{}{
		"stability":        s.cfg.Stability,
		"similarity_boost": s.cfg.Similarity,
	}
	if s.cfg.Speed != 0 {
		voiceSettings["speed"] = s.cfg.Speed
	}
	init := map[string]interface{}{
		"text":           " ",
		"context_id":     contextID,
		"voice_settings": voiceSettings,
	}
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return fmt.Errorf("tts init failed: %w", err)
	}

	s.conn = conn
	s.contextID = contextID
	s.generation++
	s.muted = false
	s.flushed = false
	s.frameCount = 0
	s.chunker.Reset()
	s.stopQuietTimerLocked()

	go s.receiveLoop(conn, s.generation)

	s.log.Info("synthesis stream open (context %s)", contextID)
	return nil
}

// SendToken pushes one LLM token for synthesis.
func (s *TTSStreamer) SendToken(token string) error {
	if token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.muted {
		return nil
	}
	return s.conn.WriteJSON(map[string]interface{}{
		"text":                   token,
		"context_id":             s.contextID,
		"try_trigger_generation": true,
	})
}

// Flush signals end-of-input for the current turn and arms the quiet
// timer: completion is declared after FlushQuiet with no downstream audio
// even if the upstream never sends isFinal.
func (s *TTSStreamer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.muted {
		return nil
	}
	s.flushed = true
	s.armQuietTimerLocked()
	return s.conn.WriteJSON(map[string]interface{}{
		"text":       "",
		"context_id": s.contextID,
		"flush":      true,
	})
}

// Interrupt mutes the streamer, drops buffered audio, and closes the
// upstream connection so no further audio can reach the sink. Idempotent.
func (s *TTSStreamer) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muted = true
	s.flushed = false
	s.chunker.Reset()
	s.stopQuietTimerLocked()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.contextID = ""
		s.log.Info("synthesis interrupted, connection closed")
	}
}

// Close tears down the upstream connection at end of call.
func (s *TTSStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muted = true
	s.stopQuietTimerLocked()
	if s.conn == nil {
		return nil
	}
	s.conn.WriteJSON(map[string]interface{}{"close_socket": true})
	err := s.conn.Close()
	s.conn = nil
	s.contextID = ""
	return err
}

type downstreamMessage struct {
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"isFinal"`
	ContextID string `json:"contextId"`
	Error     string `json:"error"`
}

func (s *TTSStreamer) receiveLoop(conn *websocket.Conn, generation int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := generation != s.generation || s.conn == nil
			s.mu.Unlock()
			if !stale {
				s.log.Error("receive failed: %v", err)
				s.notify(frames.NewErrorFrame("tts", err))
			}
			return
		}

		var msg downstreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("dropping unparseable message: %v", err)
			continue
		}

		if msg.Error != "" {
			s.log.Error("upstream error: %s", msg.Error)
			s.notify(frames.NewErrorFrame("tts", errors.New(msg.Error)))
			continue
		}

		s.mu.Lock()
		if generation != s.generation || s.muted {
			s.mu.Unlock()
			continue
		}
		if msg.ContextID != "" && msg.ContextID != s.contextID {
			s.mu.Unlock()
			continue
		}

		if msg.IsFinal {
			s.completeLocked()
			s.mu.Unlock()
			continue
		}

		if msg.Audio == "" {
			s.mu.Unlock()
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			s.mu.Unlock()
			s.log.Warn("dropping undecodable audio chunk: %v", err)
			continue
		}

		s.chunker.Write(chunk)
		s.drainLocked()
		if s.flushed {
			s.armQuietTimerLocked()
		}
		s.mu.Unlock()
	}
}

// drainLocked emits every complete 160-byte frame currently buffered.
func (s *TTSStreamer) drainLocked() {
	for {
		frame, ok := s.chunker.Next()
		if !ok {
			return
		}
		s.emitFrameLocked(frame)
	}
}

func (s *TTSStreamer) emitFrameLocked(frame []byte) {
	if err := s.sink.WriteMedia(frame); err != nil {
		s.log.Error("media write failed: %v", err)
		s.notify(frames.NewErrorFrame("telephony", err))
		return
	}
	s.notify(frames.NewTTSAudioSentFrame(time.Now(), len(frame)))

	s.frameCount++
	if s.frameCount%markInterval == 0 {
		name := fmt.Sprintf("tts-%s-%d", uuid.New().String()[:8], s.frameCount)
		if err := s.sink.WriteMark(name); err != nil {
			s.log.Warn("mark write failed: %v", err)
		}
	}
}

// completeLocked pads and flushes any short tail, then reports the end of
// the current generation.
func (s *TTSStreamer) completeLocked() {
	s.stopQuietTimerLocked()
	s.flushed = false
	if tail, ok := s.chunker.FlushPadded(); ok {
		s.emitFrameLocked(tail)
	}
	s.log.Debug("generation complete after %d frames", s.frameCount)
	s.notify(frames.NewTTSStoppedFrame())
}

func (s *TTSStreamer) armQuietTimerLocked() {
	s.stopQuietTimerLocked()
	generation := s.generation
	s.quietTimer = time.AfterFunc(s.cfg.FlushQuiet, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if generation != s.generation || s.muted || !s.flushed {
			return
		}
		s.log.Debug("no audio for %v after flush, declaring complete", s.cfg.FlushQuiet)
		s.completeLocked()
	})
}

func (s *TTSStreamer) stopQuietTimerLocked() {
	if s.quietTimer != nil {
		s.quietTimer.Stop()
		s.quietTimer = nil
	}
}
