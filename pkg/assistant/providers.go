package assistant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-voiceloop/internal/config"
	"github.com/teslashibe/go-voiceloop/pkg/inference"
	"github.com/teslashibe/go-voiceloop/pkg/transcription"
	"github.com/teslashibe/go-voiceloop/pkg/tts"
)

// Scripted replies used by the mock engines for dry runs.
var (
	mockTranscript = "Hello, can you hear me?"
	mockReply      = []string{"Yes, ", "I can hear you. ", "This is a dry run, ", "so every reply sounds the same."}
)

func newTranscriber(ctx context.Context, cfg config.TranscriptionConfig, logger *slog.Logger) (transcription.Engine, error) {
	opts := []transcription.Option{
		transcription.WithTimeout(cfg.Timeout),
		transcription.WithLogger(logger),
	}
	if cfg.Language != "" {
		opts = append(opts, transcription.WithLanguage(cfg.Language))
	}

	switch cfg.Provider {
	case config.ProviderWhisper:
		if cfg.Whisper.BaseURL != "" {
			opts = append(opts, transcription.WithBaseURL(cfg.Whisper.BaseURL))
		}
		if cfg.Whisper.Model != "" {
			opts = append(opts, transcription.WithModel(cfg.Whisper.Model))
		}
		opts = append(opts, transcription.WithAPIKey(cfg.Whisper.APIKey))
		return transcription.NewWhisper(opts...)
	case config.ProviderGoogle:
		if cfg.Google.Model != "" {
			opts = append(opts, transcription.WithModel(cfg.Google.Model))
		}
		return transcription.NewGoogle(ctx, opts...)
	case config.ProviderMock:
		return transcription.NewMock(mockTranscript), nil
	}
	return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
}

func newLLM(ctx context.Context, cfg config.InferenceConfig, logger *slog.Logger) (inference.Provider, error) {
	primary, err := llmProvider(ctx, cfg.Provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" || cfg.Fallback == cfg.Provider {
		return primary, nil
	}
	fallback, err := llmProvider(ctx, cfg.Fallback, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return inference.NewChain(logger, primary, fallback)
}

func llmProvider(ctx context.Context, name string, cfg config.InferenceConfig, logger *slog.Logger) (inference.Provider, error) {
	opts := []inference.Option{
		inference.WithStreamTimeout(cfg.StreamTimeout),
		inference.WithLogger(logger),
	}
	endpoint := func(e config.Endpoint) []inference.Option {
		out := append(opts, inference.WithAPIKey(e.APIKey))
		if e.BaseURL != "" {
			out = append(out, inference.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			out = append(out, inference.WithModel(e.Model))
		}
		return out
	}

	switch name {
	case config.ProviderOpenAI:
		return inference.NewClient(endpoint(cfg.OpenAI)...)
	case config.ProviderGemini:
		return inference.NewGemini(ctx, endpoint(cfg.Gemini)...)
	case config.ProviderMock:
		return inference.NewMock(mockReply...), nil
	}
	return nil, fmt.Errorf("unknown inference provider %q", name)
}

func newTTS(cfg config.TTSConfig, logger *slog.Logger) (tts.Provider, error) {
	primary, err := ttsProvider(cfg.Provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" || cfg.Fallback == cfg.Provider {
		return primary, nil
	}
	fallback, err := ttsProvider(cfg.Fallback, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return tts.NewChain(logger, primary, fallback)
}

func ttsProvider(name string, cfg config.TTSConfig, logger *slog.Logger) (tts.Provider, error) {
	endpoint := func(e config.Endpoint) []tts.Option {
		out := []tts.Option{
			tts.WithAPIKey(e.APIKey),
			tts.WithTimeout(cfg.Timeout),
			tts.WithLogger(logger),
		}
		if e.BaseURL != "" {
			out = append(out, tts.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			out = append(out, tts.WithModel(e.Model))
		}
		return out
	}

	switch name {
	case config.ProviderOpenAI:
		return tts.NewOpenAI(endpoint(cfg.OpenAI)...)
	case config.ProviderElevenLabs:
		return tts.NewElevenLabs(endpoint(cfg.ElevenLabs)...)
	case config.ProviderMock:
		return tts.NewMock(), nil
	}
	return nil, fmt.Errorf("unknown tts provider %q", name)
}
