package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/config"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/frames"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/logger"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services/elevenlabs"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services/gemini"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services/openai"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services/openaitts"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/services/returnzero"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/session"
	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/transports"
)

func main() {
	logger.Init()
	log := logger.WithPrefix("Main")

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration error: %v", err)
		os.Exit(1)
	}

	sttClient := returnzero.NewClient(returnzero.Config{
		ClientID:     cfg.STTClientID,
		ClientSecret: cfg.STTClientSecret,
	})

	var llm services.LLMStreamer
	switch cfg.LLMVendor {
	case "gemini":
		llm = gemini.NewLLMService(gemini.Config{
			APIKey:      cfg.LLMAPIKey,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
		})
	default:
		llm = openai.NewLLMService(openai.Config{
			APIKey:      cfg.LLMAPIKey,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
		})
	}

	var ttsFactory session.TTSFactory
	switch cfg.TTSVendor {
	case config.TTSVendorOpenAIBlocking:
		ttsFactory = func(sink services.MediaSink, notify func(frames.Frame)) session.TTSStreamer {
			return openaitts.NewTTSStreamer(openaitts.Config{
				APIKey: cfg.TTSAPIKey,
				Model:  cfg.TTSModel,
				Voice:  cfg.TTSVoice,
				Speed:  cfg.TTSSpeed,
			}, sink, notify)
		}
	default:
		ttsFactory = func(sink services.MediaSink, notify func(frames.Frame)) session.TTSStreamer {
			return elevenlabs.NewTTSStreamer(elevenlabs.Config{
				APIKey:     cfg.TTSAPIKey,
				VoiceID:    cfg.TTSVoice,
				Model:      cfg.TTSModel,
				Stability:  cfg.TTSStability,
				Similarity: cfg.TTSSimilarity,
				Speed:      cfg.TTSSpeed,
				FlushQuiet: cfg.TTSFlushQuiet,
			}, sink, notify)
		}
	}

	registry := session.NewRegistry(session.Deps{
		STTFactory: func(callID string, notify func(frames.Frame)) (session.STTStream, error) {
			return sttClient.OpenStream(callID, notify)
		},
		TTSFactory: ttsFactory,
		LLM:        llm,
		Tunables: session.Tunables{
			VADSilence:         cfg.VADSilence,
			InterruptFast:      cfg.InterruptFast,
			InterruptSafety:    cfg.InterruptSafety,
			InterruptTTSRecent: cfg.InterruptTTSRecent,
			HistoryRollback:    cfg.HistoryRollback,
			VADMode:            session.DefaultTunables().VADMode,
			LLMTemperature:     cfg.LLMTemperature,
		},
	})

	registry.OnClose(func(callID string, history []services.LLMMessage, recording []byte) {
		log.Info("call %s finished: %d history entries, %s of audio captured",
			callID, len(history),
			(time.Duration(len(recording)/160) * 20 * time.Millisecond).Round(time.Second))
	})

	transport := transports.NewTelephonyWebSocketTransport(transports.Config{
		Port:                cfg.Port,
		Path:                cfg.MediaPath,
		AutoCreate:          true,
		DefaultSystemPrompt: cfg.SystemPrompt,
	}, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting media server (llm=%s, tts=%s)", cfg.LLMVendor, cfg.TTSVendor)
	if err := transport.Run(ctx); err != nil {
		log.Error("server error: %v", err)
		os.Exit(1)
	}
	log.Info("shut down cleanly")
}
