//go:build !portaudio

package device

import (
	"log/slog"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

func newCapture(audioio.Config, *slog.Logger) (audioio.Source, error) {
	return nil, ErrUnavailable
}

func newPlayback(audioio.Config, *slog.Logger) (audioio.Sink, error) {
	return nil, ErrUnavailable
}

func listDevices() ([]Info, error) {
	return nil, ErrUnavailable
}
