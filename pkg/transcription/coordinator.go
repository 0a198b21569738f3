package transcription

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voiceloop/pkg/events"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Timeout bounds one engine call. Zero means no limit.
	Timeout time.Duration

	// Accept, when set, is consulted before transcribing; returning false
	// drops the utterance. The orchestrator uses it to ignore audio captured
	// while listening was paused or stopped.
	Accept func() bool

	Logger *slog.Logger
}

// Coordinator runs an Engine for each utterance published on the bus,
// with at most one transcription in flight. Utterances arriving while one
// is running are dropped, not queued.
type Coordinator struct {
	engine Engine
	bus    *events.Bus
	cfg    CoordinatorConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	busy  atomic.Bool
	unsub func()

	// mu orders wg.Add against Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// NewCoordinator subscribes engine to UtteranceReady events on bus.
func NewCoordinator(engine Engine, bus *events.Bus, cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		engine: engine,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "transcription.coordinator", "engine", engine.Name()),
		ctx:    ctx,
		cancel: cancel,
	}
	c.unsub = events.On(bus, c.onUtterance)
	return c
}

func (c *Coordinator) onUtterance(e events.UtteranceReady) {
	if c.cfg.Accept != nil && !c.cfg.Accept() {
		c.logger.Debug("utterance ignored, not accepting", "utterance_id", e.Utterance.ID)
		return
	}
	if !c.tryAcquire() {
		c.dropped.Add(1)
		c.logger.Info("transcription in flight, dropping utterance", "utterance_id", e.Utterance.ID)
		return
	}

	// The capture goroutine must not wait on the engine.
	go func() {
		defer c.release()
		c.transcribe(e.Utterance)
	}()
}

// Transcribe runs utt synchronously, publishing the same events as for a
// bus-delivered utterance. It returns ErrBusy when a transcription is
// already running.
func (c *Coordinator) Transcribe(utt events.Utterance) (*Result, error) {
	if !c.tryAcquire() {
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, ErrBusy
	}
	defer c.release()
	return c.transcribe(utt)
}

func (c *Coordinator) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.busy.CompareAndSwap(false, true) {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) release() {
	c.busy.Store(false)
	c.wg.Done()
}

func (c *Coordinator) transcribe(utt events.Utterance) (result *Result, err error) {
	c.bus.Publish(events.TranscriptionStarted{UtteranceID: utt.ID})
	defer func() {
		c.bus.Publish(events.TranscriptionFinished{
			UtteranceID: utt.ID,
			Empty:       err == nil && result.Text == "",
			Failed:      err != nil,
		})
	}()

	ctx := c.ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err = c.engine.Transcribe(ctx, utt.Samples, utt.SampleRate)
	if err != nil {
		c.logger.Warn("transcription failed", "utterance_id", utt.ID, "error", err)
		c.bus.Publish(events.TranscriptionError{
			UtteranceID: utt.ID,
			Reason:      "transcription failed",
			Err:         err,
		})
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}
	if result.Latency == 0 {
		result.Latency = time.Since(start)
	}

	text := strings.TrimSpace(result.Text)
	result.Text = text
	if text == "" {
		c.logger.Debug("no speech recognized", "utterance_id", utt.ID)
		return result, nil
	}

	c.logger.Info("transcribed",
		"utterance_id", utt.ID,
		"text", text,
		"confidence", result.Confidence,
		"latency_ms", result.Latency.Milliseconds())
	c.bus.Publish(events.TranscriptionResult{
		UtteranceID: utt.ID,
		Text:        text,
		Confidence:  result.Confidence,
		Latency:     result.Latency,
	})
	return result, nil
}

// IsBusy reports whether a transcription is in flight.
func (c *Coordinator) IsBusy() bool { return c.busy.Load() }

// Dropped returns the number of utterances dropped while busy.
func (c *Coordinator) Dropped() uint64 { return c.dropped.Load() }

// Close unsubscribes, cancels the in-flight call and waits for it.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.unsub()
	c.cancel()
	c.wg.Wait()
	return nil
}
