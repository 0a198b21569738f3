package transcription

import (
	"context"
	"sync"
)

// Mock is a scripted engine for tests.
type Mock struct {
	mu sync.Mutex

	// TranscribeFunc overrides the default behavior when set.
	TranscribeFunc func(ctx context.Context, samples []float32, sampleRate int) (*Result, error)

	// Results are returned in order, then the last one repeats.
	Results []Result

	// Err is returned instead of a result when set.
	Err error

	calls []int
}

// NewMock creates a mock returning text for every call.
func NewMock(text string) *Mock {
	return &Mock{Results: []Result{{Text: text, Confidence: 1}}}
}

// Transcribe records the call and returns the scripted result.
func (m *Mock) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, len(samples))
	n := len(m.calls)
	fn := m.TranscribeFunc
	err := m.Err
	results := m.Results
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, samples, sampleRate)
	}
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &Result{}, nil
	}
	r := results[min(n, len(results))-1]
	return &r, nil
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// CallCount returns the number of Transcribe calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns the sample count of each call.
func (m *Mock) Calls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.calls))
	copy(out, m.calls)
	return out
}

var _ Engine = (*Mock)(nil)
