package audioio

import (
	"context"
	"sync"
)

// FrameTap receives a copy of every frame a TeeSink plays.
type FrameTap func(Frame)

// TeeSink plays through an underlying Sink and hands each frame to the
// registered taps before playback starts. Taps must not block.
type TeeSink struct {
	Sink

	mu   sync.RWMutex
	taps map[int]FrameTap
	next int
}

// NewTeeSink wraps sink.
func NewTeeSink(sink Sink) *TeeSink {
	return &TeeSink{Sink: sink, taps: make(map[int]FrameTap)}
}

// AddTap registers fn and returns a function that removes it.
func (t *TeeSink) AddTap(fn FrameTap) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.taps[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.taps, id)
		t.mu.Unlock()
	}
}

// Play forwards frame to the taps, then to the wrapped sink.
func (t *TeeSink) Play(ctx context.Context, frame Frame) error {
	t.mu.RLock()
	for _, fn := range t.taps {
		fn(frame)
	}
	t.mu.RUnlock()
	return t.Sink.Play(ctx, frame)
}
