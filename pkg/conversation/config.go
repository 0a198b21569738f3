package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrSpeaking is returned when listening cannot start over playback.
	ErrSpeaking = errors.New("conversation: speech in progress")
	// ErrResponding is returned when listening cannot start during a response.
	ErrResponding = errors.New("conversation: response in progress")
	// ErrNoSource is returned when no audio source was configured.
	ErrNoSource = errors.New("conversation: no audio source")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation: orchestrator closed")
)

// Config configures an Orchestrator.
type Config struct {
	// SpeechWaitTimeout bounds the wait for a response to finish playing.
	SpeechWaitTimeout time.Duration `yaml:"speech_wait_timeout" json:"speech_wait_timeout" mapstructure:"speech_wait_timeout"`

	// DirectSpeechTimeout bounds the wait after Speak.
	DirectSpeechTimeout time.Duration `yaml:"direct_speech_timeout" json:"direct_speech_timeout" mapstructure:"direct_speech_timeout"`

	// SettleDelay lets the audio device drain before listening resumes.
	SettleDelay time.Duration `yaml:"settle_delay" json:"settle_delay" mapstructure:"settle_delay"`

	Logger *slog.Logger `yaml:"-" json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		SpeechWaitTimeout:   30 * time.Second,
		DirectSpeechTimeout: 10 * time.Second,
		SettleDelay:         200 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SpeechWaitTimeout <= 0 {
		return fmt.Errorf("conversation: speech wait timeout must be positive, got %v", c.SpeechWaitTimeout)
	}
	if c.DirectSpeechTimeout <= 0 {
		return fmt.Errorf("conversation: direct speech timeout must be positive, got %v", c.DirectSpeechTimeout)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("conversation: settle delay must not be negative, got %v", c.SettleDelay)
	}
	return nil
}
