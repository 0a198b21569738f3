// Package audioio provides the audio device layer of the voice pipeline.
//
// A Source pushes fixed-size mono frames from an input device; a Sink plays
// complete buffers and blocks until they finish. Hardware backends live in
// the device subpackage; this package holds the contracts, mocks for tests
// and sample conversion helpers.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendPortAudio uses PortAudio for capture and playback.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses in-memory devices for testing and dry runs.
	BackendMock Backend = "mock"
)

// Config holds the configuration of one audio device.
type Config struct {
	// Backend selects the device implementation.
	Backend Backend `yaml:"backend" json:"backend" mapstructure:"backend"`

	// SampleRate is the device sample rate in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate" mapstructure:"sample_rate"`

	// FrameDuration is the length of each captured frame.
	FrameDuration time.Duration `yaml:"frame_duration" json:"frame_duration" mapstructure:"frame_duration"`

	// Device is a device name substring; empty selects the system default.
	Device string `yaml:"device" json:"device" mapstructure:"device"`

	// QueueFrames bounds the frames buffered between the device callback
	// and the consumer. Frames beyond it are dropped as overruns.
	QueueFrames int `yaml:"queue_frames" json:"queue_frames" mapstructure:"queue_frames"`
}

// DefaultConfig returns capture defaults: 16 kHz mono in 50 ms frames.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendPortAudio,
		SampleRate:    16000,
		FrameDuration: 50 * time.Millisecond,
		QueueFrames:   64,
	}
}

// DefaultPlaybackConfig returns playback defaults matching common TTS output.
func DefaultPlaybackConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = 24000
	cfg.FrameDuration = 20 * time.Millisecond
	return cfg
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audioio: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("audioio: frame_duration must be positive, got %v", c.FrameDuration)
	}
	if c.QueueFrames <= 0 {
		return fmt.Errorf("audioio: queue_frames must be positive, got %d", c.QueueFrames)
	}
	switch c.Backend {
	case BackendPortAudio, BackendMock:
	default:
		return fmt.Errorf("audioio: unsupported backend %q", c.Backend)
	}
	return nil
}

// FrameSize returns the number of samples per frame.
func (c *Config) FrameSize() int {
	return int(float64(c.SampleRate) * c.FrameDuration.Seconds())
}
