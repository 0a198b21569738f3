package audioio

import (
	"context"
	"io"
	"time"
)

// Frame is a slice of mono float32 samples in [-1, 1] at SampleRate.
type Frame struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count to a duration.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(sampleRate) * float64(time.Second))
}

// Source captures audio from a microphone or other input device.
//
// Frames are pushed from the device callback into a bounded channel; the
// callback never blocks, so a slow consumer loses frames (counted as
// overruns) instead of stalling the device.
type Source interface {
	// Start begins capture. Frames are delivered on Frames until Stop,
	// Close, ctx cancellation or a device failure.
	Start(ctx context.Context) error

	// Stop halts capture and closes the Frames channel.
	// It is safe to call Stop multiple times.
	Stop() error

	// Frames returns the channel of captured frames for the current session.
	Frames() <-chan Frame

	// Err reports why the last session ended, or nil after a clean stop.
	Err() error

	// Config returns the device configuration.
	Config() Config

	// Name returns the backend name.
	Name() string

	// Close releases all resources. The source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about an audio source.
type SourceStats struct {
	FramesRead  int64  `json:"frames_read"`
	SamplesRead int64  `json:"samples_read"`
	Overruns    int64  `json:"overruns"`
	Running     bool   `json:"running"`
	Backend     string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
