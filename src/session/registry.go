package session

import (
	"fmt"
	"sync"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services"
)

// Deps are the collaborator factories shared by all sessions. The LLM
// streamer is stateless across calls; STT and TTS get one stream per call.
type Deps struct {
	STTFactory STTFactory
	TTSFactory TTSFactory
	LLM        services.LLMStreamer
	Tunables   Tunables
}

// CloseHook runs after a session is fully torn down, receiving the final
// conversation history and the inbound audio capture. Used for
// persistence and end-of-call webhooks.
type CloseHook func(callID string, history []services.LLMMessage, recording []byte)

// Registry is the process-wide map of active sessions.
type Registry struct {
	deps Deps
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  map[string]struct{}
	hooks    []CloseHook
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		log:      logger.WithPrefix("Registry"),
		sessions: make(map[string]*Session),
		closing:  make(map[string]struct{}),
	}
}

// OnClose registers an end-of-call hook. Hooks run in registration order
// on the goroutine that triggered the close.
func (r *Registry) OnClose(hook CloseHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Create starts a session for the call. Fails if one already exists.
func (r *Registry) Create(callID, systemPrompt string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[callID]; exists {
		return nil, fmt.Errorf("session already exists for call %s", callID)
	}

	s := newSession(callID, systemPrompt, r.deps)
	r.sessions[callID] = s
	r.log.Info("session created for call %s (%d active)", callID, len(r.sessions))
	return s, nil
}

// Get returns the session for the call, or nil.
func (r *Registry) Get(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

// CloseAll tears down the session and every upstream connection it owns,
// then runs the end-of-call hooks. Idempotent: concurrent close paths
// (socket close, stop event, upstream error) collapse into one teardown.
func (r *Registry) CloseAll(callID string) {
	r.mu.Lock()
	s, exists := r.sessions[callID]
	if !exists {
		r.mu.Unlock()
		return
	}
	if _, alreadyClosing := r.closing[callID]; alreadyClosing {
		r.mu.Unlock()
		return
	}
	r.closing[callID] = struct{}{}
	hooks := append([]CloseHook(nil), r.hooks...)
	r.mu.Unlock()

	s.Close()
	<-s.Done()

	for _, hook := range hooks {
		hook(callID, s.History(), s.Recording())
	}

	r.mu.Lock()
	delete(r.sessions, callID)
	delete(r.closing, callID)
	r.mu.Unlock()

	r.log.Info("session closed for call %s", callID)
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
