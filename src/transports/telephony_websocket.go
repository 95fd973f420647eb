// Package transports implements the telephony media-stream WebSocket
// server: the carrier dials in with a duplex JSON stream per call, which
// is demultiplexed into the call's session actor.
package transports

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/serializers"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/session"
)

// Config holds the media server settings.
type Config struct {
	Port int
	Path string // WebSocket path, default "/media"

	// AutoCreate makes the server create a session on the start event when
	// the control plane has not pre-created one. DefaultSystemPrompt seeds
	// those sessions.
	AutoCreate          bool
	DefaultSystemPrompt string
}

// TelephonyWebSocketTransport accepts carrier media streams and routes
// them to sessions.
type TelephonyWebSocketTransport struct {
	cfg      Config
	registry *session.Registry
	upgrader websocket.Upgrader
	server   *http.Server
	log      *logger.Logger
}

// NewTelephonyWebSocketTransport creates the media server.
func NewTelephonyWebSocketTransport(cfg Config, registry *session.Registry) *TelephonyWebSocketTransport {
	if cfg.Path == "" {
		cfg.Path = "/media"
	}
	return &TelephonyWebSocketTransport{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.WithPrefix("TelephonyWS"),
	}
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (t *TelephonyWebSocketTransport) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.Path, t.handleWebSocket)

	t.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", t.cfg.Port),
		Handler: mux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.log.Info("listening on :%d%s", t.cfg.Port, t.cfg.Path)
		err := t.server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// mediaWriter is the outbound half of one carrier connection. It
// implements services.MediaSink; the write mutex keeps TTS frames and the
// turn controller's clear/mark control messages serialized on the socket.
type mediaWriter struct {
	conn       *websocket.Conn
	serializer *serializers.TelephonySerializer
	mu         sync.Mutex
}

func (w *mediaWriter) write(data []byte, err error) error {
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *mediaWriter) WriteMedia(payload []byte) error {
	data, err := w.serializer.SerializeMedia(payload)
	return w.write(data, err)
}

func (w *mediaWriter) WriteMark(name string) error {
	data, err := w.serializer.SerializeMark(name)
	return w.write(data, err)
}

func (w *mediaWriter) WriteClear() error {
	data, err := w.serializer.SerializeClear()
	return w.write(data, err)
}

func (t *TelephonyWebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	serializer := serializers.NewTelephonySerializer()
	writer := &mediaWriter{conn: conn, serializer: serializer}

	var sess *session.Session
	var callID string

	defer func() {
		if sess != nil {
			t.registry.CloseAll(callID)
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Warn("read failed: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := serializer.Deserialize(data)
		if err != nil {
			t.log.Warn("dropping malformed message: %v", err)
			continue
		}
		if frame == nil {
			continue
		}

		if start, ok := frame.(*frames.StartFrame); ok {
			callID = t.resolveCallID(start)
			sess = t.resolveSession(callID)
			if sess == nil {
				t.log.Error("no session for call %s, closing stream", callID)
				return
			}
			sess.Bind(writer)
			sess.Post(start)
			continue
		}

		if sess == nil {
			t.log.Warn("dropping %s before start event", frame.Name())
			continue
		}
		sess.Post(frame)

		if _, ok := frame.(*frames.EndFrame); ok {
			return
		}
	}
}

// resolveCallID prefers the control plane's callId custom parameter and
// falls back to the carrier call SID.
func (t *TelephonyWebSocketTransport) resolveCallID(start *frames.StartFrame) string {
	if id, ok := start.CustomParameters["callId"]; ok && id != "" {
		return id
	}
	return start.CallSid
}

func (t *TelephonyWebSocketTransport) resolveSession(callID string) *session.Session {
	if sess := t.registry.Get(callID); sess != nil {
		return sess
	}
	if !t.cfg.AutoCreate {
		return nil
	}
	sess, err := t.registry.Create(callID, t.cfg.DefaultSystemPrompt)
	if err != nil {
		// Lost a race with another connection for the same call.
		return t.registry.Get(callID)
	}
	t.log.Info("auto-created session for call %s", callID)
	return sess
}
