package segmenter

import (
	"fmt"
	"time"
)

// Config holds segmentation settings.
type Config struct {
	// SampleRate is the rate utterances are emitted at. Frames at other
	// rates are resampled.
	SampleRate int `yaml:"sample_rate" json:"sample_rate" mapstructure:"sample_rate"`

	// SilenceThreshold is the mean absolute amplitude below which a frame
	// counts as silence.
	SilenceThreshold float64 `yaml:"silence_threshold" json:"silence_threshold" mapstructure:"silence_threshold"`

	// SilenceDuration is how long silence must last after speech before
	// the utterance is emitted.
	SilenceDuration time.Duration `yaml:"silence_duration" json:"silence_duration" mapstructure:"silence_duration"`

	// MinRecording is the shortest utterance that may be emitted.
	MinRecording time.Duration `yaml:"min_recording" json:"min_recording" mapstructure:"min_recording"`

	// MaxRecording force-emits an utterance that never reaches silence.
	// Zero disables the limit.
	MaxRecording time.Duration `yaml:"max_recording" json:"max_recording" mapstructure:"max_recording"`
}

// DefaultConfig returns defaults tuned for a desk microphone.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		SilenceThreshold: 0.01,
		SilenceDuration:  time.Second,
		MinRecording:     time.Second,
		MaxRecording:     30 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("segmenter: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		return fmt.Errorf("segmenter: silence_threshold must be in [0, 1], got %v", c.SilenceThreshold)
	}
	if c.SilenceDuration <= 0 {
		return fmt.Errorf("segmenter: silence_duration must be positive, got %v", c.SilenceDuration)
	}
	if c.MinRecording < 0 {
		return fmt.Errorf("segmenter: min_recording must not be negative, got %v", c.MinRecording)
	}
	if c.MaxRecording != 0 && c.MaxRecording <= c.MinRecording {
		return fmt.Errorf("segmenter: max_recording %v must exceed min_recording %v", c.MaxRecording, c.MinRecording)
	}
	return nil
}

func (c Config) samples(d time.Duration) int {
	return int(d.Seconds() * float64(c.SampleRate))
}
