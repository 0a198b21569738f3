// Package device opens hardware audio devices for the voice pipeline.
//
// The PortAudio backend is compiled only with the portaudio build tag so the
// rest of the module builds without cgo; without the tag, requesting the
// portaudio backend returns ErrUnavailable.
package device

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

// ErrUnavailable is returned when a backend is not compiled in.
var ErrUnavailable = errors.New("device: backend not available in this build")

// Info describes an audio device.
type Info struct {
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	DefaultInput      bool    `json:"default_input"`
	DefaultOutput     bool    `json:"default_output"`
}

// NewSource creates a capture source for cfg.Backend.
func NewSource(cfg audioio.Config, logger *slog.Logger) (audioio.Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case audioio.BackendMock:
		return audioio.NewMockSource(cfg, logger), nil
	case audioio.BackendPortAudio:
		return newCapture(cfg, logger)
	default:
		return nil, fmt.Errorf("device: unknown backend %q", cfg.Backend)
	}
}

// NewSink creates a playback sink for cfg.Backend.
func NewSink(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case audioio.BackendMock:
		return audioio.NewMockSink(cfg, logger), nil
	case audioio.BackendPortAudio:
		return newPlayback(cfg, logger)
	default:
		return nil, fmt.Errorf("device: unknown backend %q", cfg.Backend)
	}
}

// List returns the devices known to the compiled-in hardware backend.
func List() ([]Info, error) {
	return listDevices()
}
