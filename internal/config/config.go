// Package config builds the process configuration for voiceloop.
//
// Values are layered with viper: built-in defaults, then an optional YAML
// file, then VOICELOOP_* environment variables (a .env file is loaded
// first), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/chunker"
	"github.com/teslashibe/go-voiceloop/pkg/conversation"
	"github.com/teslashibe/go-voiceloop/pkg/response"
	"github.com/teslashibe/go-voiceloop/pkg/segmenter"
	"github.com/teslashibe/go-voiceloop/pkg/synthesis"
	"github.com/teslashibe/go-voiceloop/pkg/transcription"
	"github.com/teslashibe/go-voiceloop/pkg/web"
)

// Engine names accepted by the provider fields.
const (
	ProviderMock       = "mock"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderWhisper    = "whisper"
	ProviderGoogle     = "google"
	ProviderElevenLabs = "elevenlabs"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete process configuration.
type Config struct {
	// Listen starts capture as soon as the pipeline is up.
	Listen bool `yaml:"listen" json:"listen" mapstructure:"listen"`

	Log           LogConfig           `yaml:"log" json:"log" mapstructure:"log"`
	Audio         AudioConfig         `yaml:"audio" json:"audio" mapstructure:"audio"`
	Segmenter     segmenter.Config    `yaml:"segmenter" json:"segmenter" mapstructure:"segmenter"`
	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription" mapstructure:"transcription"`
	Inference     InferenceConfig     `yaml:"inference" json:"inference" mapstructure:"inference"`
	Response      response.Config     `yaml:"response" json:"response" mapstructure:"response"`
	Chunker       chunker.Config      `yaml:"chunker" json:"chunker" mapstructure:"chunker"`
	TTS           TTSConfig           `yaml:"tts" json:"tts" mapstructure:"tts"`
	Synthesis     synthesis.Config    `yaml:"synthesis" json:"synthesis" mapstructure:"synthesis"`
	Conversation  conversation.Config `yaml:"conversation" json:"conversation" mapstructure:"conversation"`
	Web           WebConfig           `yaml:"web" json:"web" mapstructure:"web"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
}

// AudioConfig holds the capture and playback devices.
type AudioConfig struct {
	Capture  audioio.Config `yaml:"capture" json:"capture" mapstructure:"capture"`
	Playback audioio.Config `yaml:"playback" json:"playback" mapstructure:"playback"`
}

// Endpoint is one remote engine.
type Endpoint struct {
	BaseURL string `yaml:"base_url" json:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" json:"-" mapstructure:"api_key"`
	Model   string `yaml:"model" json:"model" mapstructure:"model"`
}

// TranscriptionConfig selects the speech recognition engine.
type TranscriptionConfig struct {
	Provider string        `yaml:"provider" json:"provider" mapstructure:"provider"`
	Language string        `yaml:"language" json:"language" mapstructure:"language"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	Whisper  Endpoint      `yaml:"whisper" json:"whisper" mapstructure:"whisper"`
	Google   Endpoint      `yaml:"google" json:"google" mapstructure:"google"`
}

// InferenceConfig selects the language model. When Fallback is set the two
// providers are chained in order.
type InferenceConfig struct {
	Provider      string        `yaml:"provider" json:"provider" mapstructure:"provider"`
	Fallback      string        `yaml:"fallback" json:"fallback" mapstructure:"fallback"`
	StreamTimeout time.Duration `yaml:"stream_timeout" json:"stream_timeout" mapstructure:"stream_timeout"`
	OpenAI        Endpoint      `yaml:"openai" json:"openai" mapstructure:"openai"`
	Gemini        Endpoint      `yaml:"gemini" json:"gemini" mapstructure:"gemini"`
}

// TTSConfig selects the speech synthesis engine. Voice and speed live in
// the synthesis section.
type TTSConfig struct {
	Provider   string        `yaml:"provider" json:"provider" mapstructure:"provider"`
	Fallback   string        `yaml:"fallback" json:"fallback" mapstructure:"fallback"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	OpenAI     Endpoint      `yaml:"openai" json:"openai" mapstructure:"openai"`
	ElevenLabs Endpoint      `yaml:"elevenlabs" json:"elevenlabs" mapstructure:"elevenlabs"`
}

// WebConfig enables the presentation server.
type WebConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	web.Config `yaml:",inline" json:",inline" mapstructure:",squash"`
}

// Default returns the built-in configuration: local OpenAI-compatible
// servers for the model (Ollama) and synthesis (Kokoro-FastAPI).
func Default() Config {
	capture := audioio.DefaultConfig()
	playback := audioio.DefaultPlaybackConfig()
	stt := transcription.DefaultConfig()

	resp := response.DefaultConfig()
	resp.SystemPrompt = "You are a helpful AI assistant. Be concise."

	return Config{
		Listen:    true,
		Log:       LogConfig{Level: "info", Format: "text"},
		Audio:     AudioConfig{Capture: capture, Playback: playback},
		Segmenter: segmenter.DefaultConfig(),
		Transcription: TranscriptionConfig{
			Provider: ProviderWhisper,
			Timeout:  stt.Timeout,
			Whisper:  Endpoint{BaseURL: stt.BaseURL, Model: stt.Model},
			Google:   Endpoint{Model: "latest_short"},
		},
		Inference: InferenceConfig{
			Provider:      ProviderOpenAI,
			StreamTimeout: 2 * time.Minute,
			OpenAI:        Endpoint{BaseURL: "http://localhost:11434/v1", Model: "llama3.2"},
			Gemini:        Endpoint{Model: "gemini-2.0-flash"},
		},
		Response: resp,
		Chunker:  chunker.DefaultConfig(),
		TTS: TTSConfig{
			Provider:   ProviderOpenAI,
			Timeout:    30 * time.Second,
			OpenAI:     Endpoint{BaseURL: "http://localhost:8880/v1", Model: "kokoro"},
			ElevenLabs: Endpoint{Model: "eleven_flash_v2_5"},
		},
		Synthesis:    synthesis.DefaultConfig(),
		Conversation: conversation.DefaultConfig(),
		Web:          WebConfig{Config: web.DefaultConfig()},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	check(c.Audio.Capture.Validate())
	check(c.Audio.Playback.Validate())
	check(c.Segmenter.Validate())
	check(c.Chunker.Validate())
	check(c.Synthesis.Validate())
	check(c.Conversation.Validate())
	check(oneOf("transcription.provider", c.Transcription.Provider, ProviderWhisper, ProviderGoogle, ProviderMock))
	check(oneOf("inference.provider", c.Inference.Provider, ProviderOpenAI, ProviderGemini, ProviderMock))
	check(oneOf("tts.provider", c.TTS.Provider, ProviderOpenAI, ProviderElevenLabs, ProviderMock))
	if c.Inference.Fallback != "" {
		check(oneOf("inference.fallback", c.Inference.Fallback, ProviderOpenAI, ProviderGemini, ProviderMock))
	}
	if c.TTS.Fallback != "" {
		check(oneOf("tts.fallback", c.TTS.Fallback, ProviderOpenAI, ProviderElevenLabs, ProviderMock))
	}
	check(oneOf("log.format", c.Log.Format, "text", "json"))
	if c.Segmenter.SampleRate != c.Audio.Capture.SampleRate {
		check(fmt.Errorf("segmenter sample_rate %d does not match capture sample_rate %d",
			c.Segmenter.SampleRate, c.Audio.Capture.SampleRate))
	}
	if c.Web.Enabled && c.Web.Addr == "" {
		check(errors.New("web.addr is required when the web server is enabled"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (want one of %v)", key, value, allowed)
}
