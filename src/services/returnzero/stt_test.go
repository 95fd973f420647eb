package returnzero

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
)

func newAuthServer(t *testing.T, expireIn time.Duration) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostFormValue("client_id") != "id" || r.PostFormValue("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := calls.Add(1)
		fmt.Fprintf(w, `{"access_token":"token-%d","expire_at":%d}`,
			n, time.Now().Add(expireIn).Unix())
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestBearerTokenIsCached(t *testing.T) {
	t.Parallel()

	srv, calls := newAuthServer(t, time.Hour)
	c := NewClient(Config{ClientID: "id", ClientSecret: "secret", AuthURL: srv.URL})

	tok1, err := c.bearerToken(false)
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := c.bearerToken(false)
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != tok2 {
		t.Fatalf("token changed between calls: %q vs %q", tok1, tok2)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("auth endpoint hit %d times, want 1", got)
	}
}

func TestBearerTokenRenewsOnExpiry(t *testing.T) {
	t.Parallel()

	srv, calls := newAuthServer(t, -time.Minute) // already expired
	c := NewClient(Config{ClientID: "id", ClientSecret: "secret", AuthURL: srv.URL})

	if _, err := c.bearerToken(false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.bearerToken(false); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("auth endpoint hit %d times, want 2 for expired token", got)
	}
}

func TestBearerTokenForceRefresh(t *testing.T) {
	t.Parallel()

	srv, calls := newAuthServer(t, time.Hour)
	c := NewClient(Config{ClientID: "id", ClientSecret: "secret", AuthURL: srv.URL})

	tok1, _ := c.bearerToken(false)
	tok2, err := c.bearerToken(true)
	if err != nil {
		t.Fatal(err)
	}
	if tok1 == tok2 {
		t.Fatal("forced refresh returned the cached token")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("auth endpoint hit %d times, want 2", got)
	}
}

func TestBearerTokenAuthFailure(t *testing.T) {
	t.Parallel()

	srv, _ := newAuthServer(t, time.Hour)
	c := NewClient(Config{ClientID: "wrong", ClientSecret: "wrong", AuthURL: srv.URL})

	if _, err := c.bearerToken(false); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
}

// newStreamServer upgrades to WebSocket, records upstream messages, and
// replies with one final transcription per binary frame.
func newStreamServer(t *testing.T) (*httptest.Server, *struct {
	mu     sync.Mutex
	binary int
	texts  []string
}) {
	t.Helper()
	rec := &struct {
		mu     sync.Mutex
		binary int
		texts  []string
	}{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "encoding=MULAW") {
			t.Errorf("missing encoding param in %q", r.URL.RawQuery)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		seq := 0
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rec.mu.Lock()
			switch msgType {
			case websocket.BinaryMessage:
				rec.binary++
				seq++
				msg := fmt.Sprintf(`{"seq":%d,"final":true,"alternatives":[{"text":"segment %d","confidence":0.9}]}`, seq, seq)
				conn.WriteMessage(websocket.TextMessage, []byte(msg))
			case websocket.TextMessage:
				rec.texts = append(rec.texts, string(data))
			}
			rec.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestStreamRoundTrip(t *testing.T) {
	t.Parallel()

	authSrv, _ := newAuthServer(t, time.Hour)
	streamSrv, rec := newStreamServer(t)

	c := NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		AuthURL:      authSrv.URL,
		StreamURL:    "ws" + strings.TrimPrefix(streamSrv.URL, "http"),
	})

	results := make(chan frames.Frame, 16)
	stream, err := c.OpenStream("call-1", func(f frames.Frame) { results <- f })
	if err != nil {
		t.Fatal(err)
	}

	if err := stream.SendAudio(make([]byte, 160)); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-results:
		tr, ok := f.(*frames.TranscriptionFrame)
		if !ok {
			t.Fatalf("got %T, want *frames.TranscriptionFrame", f)
		}
		if !tr.IsFinal || tr.Seq != 1 || tr.Text != "segment 1" {
			t.Fatalf("unexpected result: %+v", tr)
		}
		if tr.Confidence != 0.9 {
			t.Fatalf("confidence = %v", tr.Confidence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcription arrived")
	}

	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	// Close is idempotent.
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.binary != 1 {
		t.Fatalf("server saw %d binary frames, want 1", rec.binary)
	}
	found := false
	for _, txt := range rec.texts {
		if txt == "EOS" {
			found = true
		}
	}
	if !found {
		t.Fatalf("EOS sentinel never sent; texts: %v", rec.texts)
	}
}

func TestSendAudioAfterCloseFails(t *testing.T) {
	t.Parallel()

	authSrv, _ := newAuthServer(t, time.Hour)
	streamSrv, _ := newStreamServer(t)

	c := NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		AuthURL:      authSrv.URL,
		StreamURL:    "ws" + strings.TrimPrefix(streamSrv.URL, "http"),
	})

	stream, err := c.OpenStream("call-1", func(frames.Frame) {})
	if err != nil {
		t.Fatal(err)
	}
	stream.Close()
	if err := stream.SendAudio(make([]byte, 160)); err == nil {
		t.Fatal("SendAudio after Close succeeded")
	}
}
