// Package synthesis turns speech units into ordered audio playback.
//
// Units are synthesized by a bounded pool of workers and may finish in any
// order. Finished audio is parked in a map keyed by sequence number and a
// single playback loop plays only the next expected sequence, so output
// order always matches submission order.
package synthesis

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrClosed is returned when submitting to a closed queue.
	ErrClosed = errors.New("synthesis: queue closed")
)

// Config configures a Queue.
type Config struct {
	// Voice and Speed are passed to every Synthesize call.
	Voice string  `yaml:"voice" json:"voice" mapstructure:"voice"`
	Speed float64 `yaml:"speed" json:"speed" mapstructure:"speed"`

	// Workers bounds concurrent Synthesize calls.
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`

	// SynthesisTimeout bounds one Synthesize call, zero disables it.
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout" json:"synthesis_timeout" mapstructure:"synthesis_timeout"`

	Logger *slog.Logger `yaml:"-" json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Voice:            "af_heart",
		Speed:            1.5,
		Workers:          2,
		SynthesisTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("synthesis: workers must be positive, got %d", c.Workers)
	}
	if c.Speed < 0 {
		return fmt.Errorf("synthesis: speed must not be negative, got %v", c.Speed)
	}
	return nil
}
