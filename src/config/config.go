// Package config loads the process configuration from environment
// variables. Credentials are required; everything else has production
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TTS vendor selection values
const (
	TTSVendorStreaming      = "streaming"
	TTSVendorOpenAIBlocking = "openai-blocking"
)

// Config is the full process configuration.
type Config struct {
	Port      int
	MediaPath string

	SystemPrompt string

	STTClientID     string
	STTClientSecret string

	LLMVendor      string // "openai" or "gemini"
	LLMAPIKey      string
	LLMModel       string
	LLMTemperature float64

	TTSVendor     string // "streaming" or "openai-blocking"
	TTSAPIKey     string
	TTSModel      string
	TTSVoice      string
	TTSSpeed      float64
	TTSStability  float64
	TTSSimilarity float64

	VADSilence         time.Duration
	InterruptFast      time.Duration
	InterruptSafety    time.Duration
	InterruptTTSRecent time.Duration
	TTSFlushQuiet      time.Duration
	HistoryRollback    time.Duration
}

// Load reads the environment. Missing required variables are reported
// together in one error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      envInt("PORT", 8080),
		MediaPath: envString("MEDIA_PATH", "/media"),

		SystemPrompt: os.Getenv("SYSTEM_PROMPT"),

		STTClientID:     os.Getenv("STT_CLIENT_ID"),
		STTClientSecret: os.Getenv("STT_CLIENT_SECRET"),

		LLMVendor:      envString("LLM_VENDOR", "openai"),
		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMModel:       os.Getenv("LLM_MODEL"),
		LLMTemperature: envFloat("LLM_TEMPERATURE", 0.7),

		TTSVendor:     envString("TTS_VENDOR", TTSVendorStreaming),
		TTSAPIKey:     os.Getenv("TTS_API_KEY"),
		TTSModel:      os.Getenv("TTS_MODEL"),
		TTSVoice:      os.Getenv("TTS_VOICE"),
		TTSSpeed:      envFloat("TTS_SPEED", 1.0),
		TTSStability:  envFloat("TTS_STABILITY", 0.5),
		TTSSimilarity: envFloat("TTS_SIMILARITY", 0.75),

		VADSilence:         envMillis("VAD_SILENCE_MS", 800),
		InterruptFast:      envMillis("INTERRUPT_FAST_MS", 500),
		InterruptSafety:    envMillis("INTERRUPT_SAFETY_MS", 1500),
		InterruptTTSRecent: envMillis("INTERRUPT_TTS_RECENT_MS", 2000),
		TTSFlushQuiet:      envMillis("TTS_FLUSH_QUIET_MS", 500),
		HistoryRollback:    envMillis("HISTORY_ROLLBACK_MS", 2000),
	}

	var missing []string
	if cfg.STTClientID == "" {
		missing = append(missing, "STT_CLIENT_ID")
	}
	if cfg.STTClientSecret == "" {
		missing = append(missing, "STT_CLIENT_SECRET")
	}
	if cfg.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch cfg.TTSVendor {
	case TTSVendorStreaming, TTSVendorOpenAIBlocking:
	default:
		return nil, fmt.Errorf("unknown TTS_VENDOR %q (want %q or %q)",
			cfg.TTSVendor, TTSVendorStreaming, TTSVendorOpenAIBlocking)
	}

	switch cfg.LLMVendor {
	case "openai", "gemini":
	default:
		return nil, fmt.Errorf("unknown LLM_VENDOR %q (want \"openai\" or \"gemini\")", cfg.LLMVendor)
	}

	if cfg.TTSAPIKey == "" {
		// The blocking vendor shares the LLM platform credential.
		cfg.TTSAPIKey = cfg.LLMAPIKey
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(envInt(key, fallbackMs)) * time.Millisecond
}
