package audioio

import (
	"context"
	"io"
)

// Sink plays audio to a speaker or other output device.
type Sink interface {
	// Start opens the output device.
	Start(ctx context.Context) error

	// Play writes frame to the device and blocks until it has been played
	// or ctx is cancelled. On cancellation playback stops immediately and
	// ctx.Err() is returned.
	Play(ctx context.Context, frame Frame) error

	// Clear discards any audio buffered in the device.
	Clear() error

	// Config returns the device configuration.
	Config() Config

	// Name returns the backend name.
	Name() string

	// Close releases all resources.
	io.Closer
}

// SinkStats contains statistics about an audio sink.
type SinkStats struct {
	FramesPlayed  int64  `json:"frames_played"`
	SamplesPlayed int64  `json:"samples_played"`
	Interruptions int64  `json:"interruptions"`
	Running       bool   `json:"running"`
	Backend       string `json:"backend"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
