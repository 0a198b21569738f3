package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is an in-memory audio source for testing.
// It replays scripted frames, then optionally generates silence or a sine
// wave until stopped.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	frames  chan Frame
	stopCh  chan struct{}
	err     error
	script  []Frame
	failErr error

	framesRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64

	realtime  bool
	frequency float64
	amplitude float64
	phase     float64
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave generates a sine wave once the script is exhausted.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithScript queues frames to deliver before generated audio.
func WithScript(frames ...Frame) MockSourceOption {
	return func(m *MockSource) {
		m.script = append(m.script, frames...)
	}
}

// WithRealtime paces delivery at the configured frame duration. Without it,
// scripted frames are delivered as fast as the consumer reads them.
func WithRealtime() MockSourceOption {
	return func(m *MockSource) { m.realtime = true }
}

// WithFailure ends the session with err once the script is exhausted,
// simulating a device failure.
func WithFailure(err error) MockSourceOption {
	return func(m *MockSource) { m.failErr = err }
}

// NewMockSource creates a mock source. A nil logger uses slog.Default().
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MockSource{
		cfg:       cfg,
		logger:    logger.With("component", "audioio.mock_source"),
		frames:    make(chan Frame),
		amplitude: 0.5,
	}
	close(m.frames)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins delivering frames.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	m.running = true
	m.err = nil
	m.stopCh = make(chan struct{})
	m.frames = make(chan Frame, max(m.cfg.QueueFrames, 1))

	script := m.script
	m.script = nil
	go m.generateLoop(ctx, script, m.frames, m.stopCh)

	m.logger.Debug("mock source started", "scripted_frames", len(script))
	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, script []Frame, out chan Frame, stop chan struct{}) {
	defer close(out)

	var tick <-chan time.Time
	if m.realtime && m.cfg.FrameDuration > 0 {
		ticker := time.NewTicker(m.cfg.FrameDuration)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i := 0; ; i++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				m.finish(stop, nil)
				return
			case <-stop:
				return
			case <-tick:
			}
		}

		var frame Frame
		switch {
		case i < len(script):
			frame = script[i]
		case m.failErr != nil:
			m.finish(stop, m.failErr)
			return
		case m.frequency > 0 || m.realtime:
			frame = m.generateFrame()
		default:
			// Script exhausted and nothing to generate: idle until stopped.
			select {
			case <-ctx.Done():
				m.finish(stop, nil)
			case <-stop:
			}
			return
		}

		select {
		case <-ctx.Done():
			m.finish(stop, nil)
			return
		case <-stop:
			return
		case out <- frame:
			m.framesRead.Add(1)
			m.samplesRead.Add(int64(len(frame.Samples)))
		}
	}
}

func (m *MockSource) generateFrame() Frame {
	n := m.cfg.FrameSize()
	samples := make([]float32, n)
	if m.frequency > 0 {
		for i := range samples {
			samples[i] = float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate)))
			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}
	return Frame{Samples: samples, SampleRate: m.cfg.SampleRate}
}

// finish ends the session from the generator side. The generator closes the
// frame channel on return.
func (m *MockSource) finish(stop chan struct{}, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.stopCh != stop {
		return
	}
	m.running = false
	m.err = err
}

// Stop halts delivery. The frame channel is closed once the generator exits.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	close(m.stopCh)
	return nil
}

// Frames returns the frame channel of the current session.
func (m *MockSource) Frames() <-chan Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Err reports a simulated device failure.
func (m *MockSource) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config { return m.cfg }

// Name returns "mock".
func (m *MockSource) Name() string { return string(BackendMock) }

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		FramesRead:  m.framesRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Overruns:    m.overruns.Load(),
		Running:     running,
		Backend:     string(BackendMock),
	}
}

var _ SourceWithStats = (*MockSource)(nil)

// MockSink records played frames for testing.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	// PlayFunc, when set, replaces the default behavior of Play after the
	// frame has been recorded. Use it to block or fail playback.
	PlayFunc func(ctx context.Context, frame Frame) error

	// PlayDelay simulates device time per Play call when PlayFunc is nil.
	PlayDelay time.Duration

	mu      sync.Mutex
	running bool
	closed  bool
	played  []Frame
	clears  int

	framesPlayed  atomic.Int64
	samplesPlayed atomic.Int64
	interrupted   atomic.Int64
}

// NewMockSink creates a mock sink. A nil logger uses slog.Default().
func NewMockSink(cfg Config, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockSink{
		cfg:    cfg,
		logger: logger.With("component", "audioio.mock_sink"),
	}
}

// Start opens the sink.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return io.ErrClosedPipe
	}
	m.running = true
	return nil
}

// Play records frame and simulates playback.
func (m *MockSink) Play(ctx context.Context, frame Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return io.ErrClosedPipe
	}
	m.played = append(m.played, frame)
	fn := m.PlayFunc
	delay := m.PlayDelay
	m.mu.Unlock()

	m.framesPlayed.Add(1)
	m.samplesPlayed.Add(int64(len(frame.Samples)))

	var err error
	switch {
	case fn != nil:
		err = fn(ctx, frame)
	case delay > 0:
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
		}
	default:
		err = ctx.Err()
	}
	if err != nil && ctx.Err() != nil {
		m.interrupted.Add(1)
	}
	return err
}

// Clear records the call.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	m.clears++
	m.mu.Unlock()
	return nil
}

// Played returns a copy of every frame passed to Play.
func (m *MockSink) Played() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.played))
	copy(out, m.played)
	return out
}

// ClearCount returns how many times Clear was called.
func (m *MockSink) ClearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config { return m.cfg }

// Name returns "mock".
func (m *MockSink) Name() string { return string(BackendMock) }

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.running = false
	return nil
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SinkStats{
		FramesPlayed:  m.framesPlayed.Load(),
		SamplesPlayed: m.samplesPlayed.Load(),
		Interruptions: m.interrupted.Load(),
		Running:       running,
		Backend:       string(BackendMock),
	}
}

var _ SinkWithStats = (*MockSink)(nil)
