package services

import (
	"context"
	"errors"
)

// ErrAborted is returned by streaming services when cooperative
// cancellation ends a stream before completion. Turn orchestration uses
// it to distinguish barge-in from genuine provider failure.
var ErrAborted = errors.New("stream aborted")

// LLMMessage represents a message in the conversation
type LLMMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// LLMContext holds the conversation history for one call. It is owned by
// the session event loop and must not be mutated from other goroutines.
type LLMContext struct {
	SystemPrompt string
	Messages     []LLMMessage
}

// NewLLMContext creates a conversation context with the given system prompt.
func NewLLMContext(systemPrompt string) *LLMContext {
	return &LLMContext{
		SystemPrompt: systemPrompt,
		Messages:     make([]LLMMessage, 0),
	}
}

func (c *LLMContext) AddUserMessage(content string) {
	c.Messages = append(c.Messages, LLMMessage{Role: "user", Content: content})
}

func (c *LLMContext) AddAssistantMessage(content string) {
	c.Messages = append(c.Messages, LLMMessage{Role: "assistant", Content: content})
}

// RemoveLastAssistant removes the tail entry when it is an assistant
// message and reports whether it did. Rollback never touches anything but
// the tail, so user turns are preserved across barge-in.
func (c *LLMContext) RemoveLastAssistant() bool {
	n := len(c.Messages)
	if n == 0 || c.Messages[n-1].Role != "assistant" {
		return false
	}
	c.Messages = c.Messages[:n-1]
	return true
}

// Last returns the tail message, or false when the history is empty.
func (c *LLMContext) Last() (LLMMessage, bool) {
	if len(c.Messages) == 0 {
		return LLMMessage{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Clone creates a deep copy of the context, used to hand a stable snapshot
// to an in-flight completion while the live history keeps moving.
func (c *LLMContext) Clone() *LLMContext {
	clone := &LLMContext{
		SystemPrompt: c.SystemPrompt,
		Messages:     make([]LLMMessage, len(c.Messages)),
	}
	copy(clone.Messages, c.Messages)
	return clone
}

// CompletionRequest is one LLM turn: the full history snapshot to send.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []LLMMessage
	Temperature  float64
}

// StreamHandler receives LLM streaming callbacks. OnFirstToken fires
// exactly once before the first OnToken; OnComplete fires on clean end
// with the assembled text; OnError fires on failure or cancellation
// (ErrAborted). OnComplete and OnError are mutually exclusive.
type StreamHandler struct {
	OnFirstToken func()
	OnToken      func(token string)
	OnComplete   func(fullText string)
	OnError      func(err error)
}

// LLMStreamer issues one streaming chat completion. Cancelling ctx mid-
// stream terminates it and reports ErrAborted via OnError.
type LLMStreamer interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, handler StreamHandler)
}

// MediaSink is the outbound telephony leg: 20 ms µ-law frames, playback
// marks, and the clear control that discards carrier-buffered audio.
// Implementations must be safe for concurrent use.
type MediaSink interface {
	WriteMedia(payload []byte) error
	WriteMark(name string) error
	WriteClear() error
}
