// Package gemini implements the streaming chat-completion client over the
// Google Gemini streamGenerateContent API (SSE).
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// Config holds Gemini LLM configuration
type Config struct {
	APIKey      string
	Model       string // e.g. "gemini-1.5-flash"
	Temperature float64
	BaseURL     string // defaults to the Gemini API
}

// LLMService streams generated content token by token.
type LLMService struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
}

// NewLLMService creates a Gemini streamer.
func NewLLMService(cfg Config) *LLMService {
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &LLMService{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        logger.WithPrefix("Gemini"),
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// StreamCompletion issues one streaming completion and drives the handler
// callbacks. Blocks until the stream ends; cancel ctx to abort.
func (s *LLMService) StreamCompletion(ctx context.Context, req services.CompletionRequest, handler services.StreamHandler) {
	var gr geminiRequest
	if req.SystemPrompt != "" {
		gr.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model" // Gemini uses "model" instead of "assistant"
		}
		if role == "system" {
			continue
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	gr.GenerationConfig.Temperature = req.Temperature
	if gr.GenerationConfig.Temperature == 0 {
		gr.GenerationConfig.Temperature = s.cfg.Temperature
	}

	body, err := json.Marshal(gr)
	if err != nil {
		s.fail(handler, fmt.Errorf("marshal generate request: %w", err))
		return
	}

	endpoint := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse&key=%s",
		s.cfg.BaseURL, s.cfg.Model, s.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		s.fail(handler, fmt.Errorf("build generate request: %w", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.fail(handler, s.classify(ctx, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		s.fail(handler, fmt.Errorf("generate API error %d: %s", resp.StatusCode, string(respBody)))
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

		var chunk geminiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			if firstToken {
				firstToken = false
				if handler.OnFirstToken != nil {
					handler.OnFirstToken()
				}
			}
			full.WriteString(part.Text)
			if handler.OnToken != nil {
				handler.OnToken(part.Text)
			}
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

func (s *LLMService) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return services.ErrAborted
	}
	return err
}

func (s *LLMService) fail(handler services.StreamHandler, err error) {
	if errors.Is(err, services.ErrAborted) {
		s.log.Debug("generation aborted")
	} else {
		s.log.Error("generation failed: %v", err)
	}
	if handler.OnError != nil {
		handler.OnError(err)
	}
}
