package inference

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
//
// By default each Stream call replays Tokens. TokenDelay paces tokens and
// honors cancellation; FailAfter > 0 makes the stream fail with StreamErr
// after that many tokens.
type Mock struct {
	// StreamFunc, when set, replaces the scripted behavior.
	StreamFunc func(ctx context.Context, req *ChatRequest) (Stream, error)

	// Tokens are emitted in order by every stream.
	Tokens []string

	// OpenErr fails Stream itself.
	OpenErr error

	// StreamErr is returned by Recv after FailAfter tokens.
	StreamErr error
	FailAfter int

	// TokenDelay is waited before each token.
	TokenDelay time.Duration

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu       sync.Mutex
	requests []ChatRequest
}

// NewMock creates a mock streaming tokens.
func NewMock(tokens ...string) *Mock {
	return &Mock{Tokens: tokens}
}

// WithError returns a mock whose streams fail to open with err.
func WithError(err error) *Mock {
	return &Mock{OpenErr: err}
}

// Stream records the request and returns a scripted stream.
func (m *Mock) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	m.mu.Lock()
	recorded := *req
	recorded.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, recorded)
	fn := m.StreamFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	return &mockStream{
		ctx:       ctx,
		tokens:    append([]string(nil), m.Tokens...),
		delay:     m.TokenDelay,
		failAfter: m.FailAfter,
		err:       m.StreamErr,
	}, nil
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Close calls CloseFunc.
func (m *Mock) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Requests returns every request passed to Stream.
func (m *Mock) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Stream calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none.
func (m *Mock) LastRequest() *ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	r := m.requests[len(m.requests)-1]
	return &r
}

type mockStream struct {
	ctx       context.Context
	tokens    []string
	delay     time.Duration
	failAfter int
	err       error

	sent   int
	closed bool
}

func (s *mockStream) Recv() (*StreamChunk, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.err != nil && s.sent >= s.failAfter {
		return nil, s.err
	}
	if s.delay > 0 {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(s.delay):
		}
	} else if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.sent >= len(s.tokens) {
		return &StreamChunk{FinishReason: "stop", Done: true}, nil
	}
	tok := s.tokens[s.sent]
	s.sent++
	return &StreamChunk{Delta: tok}, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
