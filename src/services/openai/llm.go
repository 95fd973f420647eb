// Package openai implements the streaming chat-completion client over the
// OpenAI API (SSE token stream with cooperative cancellation).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services"
)

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// Config holds OpenAI LLM configuration
type Config struct {
	APIKey      string
	Model       string // e.g. "gpt-4o-mini"
	Temperature float64
	Endpoint    string // defaults to the OpenAI API
}

// LLMService streams chat completions token by token.
type LLMService struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
}

// NewLLMService creates an OpenAI streamer.
func NewLLMService(cfg Config) *LLMService {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &LLMService{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        logger.WithPrefix("OpenAI"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamCompletion issues one streaming completion and drives the handler
// callbacks. Blocks until the stream ends; cancel ctx to abort.
func (s *LLMService) StreamCompletion(ctx context.Context, req services.CompletionRequest, handler services.StreamHandler) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = s.cfg.Temperature
	}

	body, err := json.Marshal(chatRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		Stream:      true,
	})
	if err != nil {
		s.fail(handler, fmt.Errorf("marshal completion request: %w", err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		s.fail(handler, fmt.Errorf("build completion request: %w", err))
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.fail(handler, s.classify(ctx, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		s.fail(handler, fmt.Errorf("completion API error %d: %s", resp.StatusCode, string(respBody)))
		return
	}

	var full strings.Builder
	firstToken := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}

		if firstToken {
			firstToken = false
			if handler.OnFirstToken != nil {
				handler.OnFirstToken()
			}
		}
		full.WriteString(token)
		if handler.OnToken != nil {
			handler.OnToken(token)
		}
	}

	if err := scanner.Err(); err != nil {
		s.fail(handler, s.classify(ctx, err))
		return
	}

	if handler.OnComplete != nil {
		handler.OnComplete(full.String())
	}
}

// classify maps context cancellation to the aborted sentinel so the caller
// can tell barge-in from provider failure.
func (s *LLMService) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return services.ErrAborted
	}
	return err
}

func (s *LLMService) fail(handler services.StreamHandler, err error) {
	if errors.Is(err, services.ErrAborted) {
		s.log.Debug("completion aborted")
	} else {
		s.log.Error("completion failed: %v", err)
	}
	if handler.OnError != nil {
		handler.OnError(err)
	}
}
