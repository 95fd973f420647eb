// Package returnzero implements the streaming speech-to-text client:
// token-authenticated duplex WebSocket carrying raw µ-law upstream and
// JSON transcription results downstream.
package returnzero

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
)

const (
	defaultAuthURL   = "https://openapi.vito.ai/v1/authenticate"
	defaultStreamURL = "wss://openapi.vito.ai/v1/transcribe:streaming"

	connectTimeout = 10 * time.Second

	// closeGrace gives the upstream time to deliver last finals after the
	// EOS sentinel before the socket is torn down.
	closeGrace = 500 * time.Millisecond
)

// Config holds the credentials and endpoints for the STT service.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string // defaults to the vendor endpoint
	StreamURL    string // defaults to the vendor endpoint
}

// Client is the process-wide STT client. It caches the bearer token across
// calls and opens one Stream per session. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

// NewClient creates the shared STT client.
func NewClient(cfg Config) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultStreamURL
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: connectTimeout},
		log:        logger.WithPrefix("STT"),
	}
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpireAt    int64  `json:"expire_at"`
}

// bearerToken returns a valid cached token, authenticating when the cache
// is empty or expired. force discards the cache first (401 recovery).
func (c *Client) bearerToken(force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token != "" && time.Now().Before(c.expireAt) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	resp, err := c.httpClient.PostForm(c.cfg.AuthURL, form)
	if err != nil {
		return "", fmt.Errorf("stt auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("stt auth failed with status %d: %s", resp.StatusCode, string(body))
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("stt auth response decode failed: %w", err)
	}
	if auth.AccessToken == "" {
		return "", fmt.Errorf("stt auth returned empty token")
	}

	c.token = auth.AccessToken
	c.expireAt = time.Unix(auth.ExpireAt, 0)
	c.log.Info("acquired bearer token, expires %s", c.expireAt.Format(time.RFC3339))
	return c.token, nil
}

// resultMessage is one downstream transcription result
type resultMessage struct {
	Seq          int  `json:"seq"`
	Final        bool `json:"final"`
	Alternatives []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// Stream is one per-call STT stream. Audio goes up as binary frames;
// transcription results come back through the notify callback on the
// stream's receive goroutine.
type Stream struct {
	conn   *websocket.Conn
	log    *logger.Logger
	notify func(frames.Frame)

	writeMu sync.Mutex
	closed  bool
}

// OpenStream dials the transcription WebSocket for one call. notify
// receives TranscriptionFrames and, on failure, an ErrorFrame; it is
// invoked from the stream's own goroutine.
func (c *Client) OpenStream(callID string, notify func(frames.Frame)) (*Stream, error) {
	token, err := c.bearerToken(false)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("sample_rate", "8000")
	q.Set("encoding", "MULAW")
	q.Set("use_itn", "true")
	q.Set("use_disfluency_filter", "true")
	q.Set("use_profanity_filter", "false")
	streamURL := c.cfg.StreamURL + "?" + q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, resp, err := dialer.Dial(streamURL, header)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		// Stale token: refresh once and retry.
		token, err = c.bearerToken(true)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
		conn, _, err = dialer.Dial(streamURL, header)
	}
	if err != nil {
		return nil, fmt.Errorf("stt stream connect failed: %w", err)
	}

	s := &Stream{
		conn:   conn,
		log:    c.log.WithPrefix("STT:" + callID),
		notify: notify,
	}
	go s.receiveLoop()

	s.log.Info("transcription stream open")
	return s, nil
}

// SendAudio forwards one µ-law frame upstream. Called only while the VAD
// gate reports speech.
func (s *Stream) SendAudio(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return fmt.Errorf("stt stream closed")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close signals end-of-stream with the EOS sentinel, waits a short grace
// for trailing finals, then tears down the socket. Idempotent.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	err := s.conn.WriteMessage(websocket.TextMessage, []byte("EOS"))
	s.writeMu.Unlock()

	if err == nil {
		time.Sleep(closeGrace)
	}
	return s.conn.Close()
}

func (s *Stream) receiveLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.writeMu.Lock()
			wasClosed := s.closed
			s.writeMu.Unlock()
			if !wasClosed {
				s.log.Error("receive failed: %v", err)
				s.notify(frames.NewErrorFrame("stt", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var result resultMessage
		if err := json.Unmarshal(data, &result); err != nil {
			s.log.Warn("dropping unparseable result: %v", err)
			continue
		}
		if len(result.Alternatives) == 0 {
			continue
		}

		text := strings.TrimSpace(result.Alternatives[0].Text)
		if text == "" {
			continue
		}

		frame := frames.NewTranscriptionFrame(text, result.Final)
		frame.Seq = result.Seq
		frame.Confidence = result.Alternatives[0].Confidence
		s.notify(frame)
	}
}
