package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
// All methods can be customized via function fields.
type Mock struct {
	// SynthesizeFunc is called when Synthesize is invoked.
	// If nil, returns silent audio of appropriate length.
	SynthesizeFunc func(ctx context.Context, text, voice string, speed float64) (*AudioResult, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Voice  string
	Speed  float64
	Time   time.Time
}

// MockSampleRate is the rate of audio produced by the default mock.
const MockSampleRate = 24000

// NewMock creates a mock producing 10 ms of low-level audio per character.
func NewMock() *Mock {
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, text, voice string, speed float64) (*AudioResult, error) {
			return MockAudio(text, MockSampleRate), nil
		},
	}
}

// MockAudio builds a result with 10 ms of audio per character of text.
func MockAudio(text string, sampleRate int) *AudioResult {
	samples := make([]float32, len(text)*sampleRate/100)
	for i := range samples {
		samples[i] = 0.1
	}
	return &AudioResult{
		Samples:    samples,
		SampleRate: sampleRate,
		Duration:   time.Duration(len(text)) * 10 * time.Millisecond,
		CharCount:  len(text),
		LatencyMs:  1,
	}
}

// Synthesize calls SynthesizeFunc and records the call.
func (m *Mock) Synthesize(ctx context.Context, text, voice string, speed float64) (*AudioResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{
		Method: "Synthesize",
		Text:   text,
		Voice:  voice,
		Speed:  speed,
		Time:   time.Now(),
	})
	fn := m.SynthesizeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice, speed)
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: "Close", Time: time.Now()})
	m.mu.Unlock()
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// LastCall returns the most recent call, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, text, voice string, speed float64) (*AudioResult, error) {
			return nil, err
		},
	}
}

// WithLatency wraps a mock to add artificial latency.
func WithLatency(m *Mock, delay time.Duration) *Mock {
	original := m.SynthesizeFunc
	m.SynthesizeFunc = func(ctx context.Context, text, voice string, speed float64) (*AudioResult, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if original != nil {
			return original(ctx, text, voice, speed)
		}
		return nil, WrapError("mock", ErrProviderUnavailable)
	}
	return m
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
