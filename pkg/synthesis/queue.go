package synthesis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/tts"
)

// AudioChunk is a synthesized unit waiting for its turn to play.
type AudioChunk struct {
	ResponseID string
	Sequence   int
	Text       string
	Samples    []float32
	SampleRate int

	// Err is set when synthesis failed. The chunk still consumes its slot.
	Err error
}

// Audible reports whether the chunk has anything to play.
func (c AudioChunk) Audible() bool {
	return c.Err == nil && len(c.Samples) > 0
}

// Queue synthesizes speech units concurrently and plays them in order.
type Queue struct {
	provider tts.Provider
	sink     audioio.Sink
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu   sync.Mutex
	cond *sync.Cond

	// epoch is bumped by every clear. Workers and the playback loop drop
	// results whose epoch is stale.
	epoch      uint64
	responseID string
	pending    map[int]AudioChunk
	nextToPlay int
	submitted  int
	expected   int // total from UnitsComplete, -1 until known
	started    bool
	ended      bool
	paused     bool
	pauseCut   bool // Pause cancelled the playing chunk
	playing    bool
	closed     bool
	retired    map[string]struct{}

	workCtx    context.Context
	workCancel context.CancelFunc
	playCancel context.CancelFunc

	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	loopDone chan struct{}
	unsubs   []func()
}

// New creates a queue playing to sink and starts its playback loop. The
// queue subscribes to SpeechUnit and UnitsComplete events on bus.
func New(provider tts.Provider, sink audioio.Sink, bus *events.Bus, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		provider: provider,
		sink:     sink,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "synthesis.queue"),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		pending:  make(map[int]AudioChunk),
		expected: -1,
		retired:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.workCtx, q.workCancel = context.WithCancel(ctx)

	q.unsubs = []func(){
		events.On(bus, func(u events.SpeechUnit) {
			if err := q.Submit(u); err != nil {
				q.logger.Debug("unit rejected", "response_id", u.ResponseID, "seq", u.Sequence, "error", err)
			}
		}),
		events.On(bus, q.onUnitsComplete),
	}

	go q.playLoop()
	return q, nil
}

// Submit schedules a unit for synthesis. A unit of a new response
// supersedes an unfinished one, which is cleared first.
func (q *Queue) Submit(unit events.SpeechUnit) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, stale := q.retired[unit.ResponseID]; stale {
		q.mu.Unlock()
		return nil
	}

	var superseded string
	var dropped int
	if unit.ResponseID != q.responseID {
		if q.responseID != "" && !q.finishedLocked() {
			superseded = q.responseID
			dropped = q.clearLocked()
		}
		q.resetLocked(unit.ResponseID)
	}

	if unit.Sequence < q.nextToPlay || (q.expected >= 0 && unit.Sequence >= q.expected) {
		q.mu.Unlock()
		return nil
	}

	q.submitted++
	epoch := q.epoch
	ctx := q.workCtx
	q.workers.Add(1)
	q.mu.Unlock()

	if superseded != "" {
		q.logger.Info("response superseded", "response_id", superseded, "by", unit.ResponseID)
		q.afterClear(superseded, dropped)
	}

	go q.synthesize(ctx, epoch, unit)
	return nil
}

func (q *Queue) synthesize(ctx context.Context, epoch uint64, unit events.SpeechUnit) {
	defer q.workers.Done()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer q.sem.Release(1)

	callCtx := ctx
	if q.cfg.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, q.cfg.SynthesisTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := q.provider.Synthesize(callCtx, unit.Text, q.cfg.Voice, q.cfg.Speed)
	if ctx.Err() != nil {
		return
	}
	latency := time.Since(start)

	chunk := AudioChunk{
		ResponseID: unit.ResponseID,
		Sequence:   unit.Sequence,
		Text:       unit.Text,
		Err:        err,
	}
	logger := q.logger.With("response_id", unit.ResponseID, "seq", unit.Sequence)

	if err != nil {
		logger.Warn("synthesis failed", "error", err)
		q.bus.Publish(events.SpeechError{
			ResponseID: unit.ResponseID,
			Sequence:   unit.Sequence,
			Reason:     "synthesis failed",
			Err:        err,
		})
	} else if !result.Empty() {
		chunk.Samples, chunk.SampleRate = q.toSinkRate(result.Samples, result.SampleRate)
	} else {
		logger.Debug("empty audio, skipping slot", "text", unit.Text)
	}

	q.bus.Publish(events.UnitSynthesized{
		ResponseID: unit.ResponseID,
		Sequence:   unit.Sequence,
		Samples:    len(chunk.Samples),
		Latency:    latency,
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	if epoch != q.epoch {
		return
	}
	q.pending[unit.Sequence] = chunk
	q.cond.Broadcast()
}

func (q *Queue) toSinkRate(samples []float32, rate int) ([]float32, int) {
	sinkRate := q.sink.Config().SampleRate
	if sinkRate <= 0 || rate == sinkRate {
		return samples, rate
	}
	return audioio.Resample(samples, rate, sinkRate), sinkRate
}

// playLoop plays pending chunks strictly in sequence order.
func (q *Queue) playLoop() {
	defer close(q.loopDone)

	for {
		q.mu.Lock()
		for !q.closed && (q.paused || !q.hasNextLocked()) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}

		chunk := q.pending[q.nextToPlay]
		delete(q.pending, q.nextToPlay)
		epoch := q.epoch
		first := chunk.Audible() && !q.started
		if first {
			q.started = true
		}
		playCtx, cancel := context.WithCancel(q.ctx)
		q.playCancel = cancel
		q.playing = chunk.Audible()
		q.mu.Unlock()

		interrupted := q.play(playCtx, chunk, first)
		cancel()

		q.mu.Lock()
		q.playing = false
		q.playCancel = nil
		cut := q.pauseCut
		q.pauseCut = false
		var ended bool
		if epoch == q.epoch {
			if interrupted && cut {
				// Paused mid-chunk: replay it from the start on resume.
				q.pending[chunk.Sequence] = chunk
			} else {
				q.nextToPlay++
				ended = q.markEndedLocked()
			}
		}
		q.cond.Broadcast()
		q.mu.Unlock()

		if ended {
			q.publishEnded(chunk.ResponseID)
		}
	}
}

// play plays one chunk and reports whether it was cut off.
func (q *Queue) play(ctx context.Context, chunk AudioChunk, first bool) bool {
	if !chunk.Audible() {
		return false
	}
	if first {
		q.bus.Publish(events.SpeechStarted{ResponseID: chunk.ResponseID})
	}

	frame := audioio.Frame{Samples: chunk.Samples, SampleRate: chunk.SampleRate}
	q.bus.Publish(events.SpeechChunkStarted{
		ResponseID: chunk.ResponseID,
		Sequence:   chunk.Sequence,
		Text:       chunk.Text,
		Duration:   frame.Duration(),
	})

	err := q.sink.Play(ctx, frame)
	interrupted := ctx.Err() != nil
	if err != nil && !interrupted {
		q.logger.Error("playback failed", "response_id", chunk.ResponseID, "seq", chunk.Sequence, "error", err)
		q.bus.Publish(events.SpeechError{
			ResponseID: chunk.ResponseID,
			Sequence:   chunk.Sequence,
			Reason:     "playback failed",
			Err:        err,
		})
	}

	q.bus.Publish(events.SpeechChunkEnded{
		ResponseID:  chunk.ResponseID,
		Sequence:    chunk.Sequence,
		Interrupted: interrupted,
	})
	return interrupted
}

func (q *Queue) onUnitsComplete(e events.UnitsComplete) {
	q.mu.Lock()
	if e.ResponseID != q.responseID {
		q.mu.Unlock()
		return
	}
	q.expected = e.Total
	ended := q.markEndedLocked()
	q.cond.Broadcast()
	q.mu.Unlock()

	if ended {
		q.publishEnded(e.ResponseID)
	}
}

// markEndedLocked flags the response as ended once every unit has been
// played. It reports whether SpeechEnded should be published.
func (q *Queue) markEndedLocked() bool {
	if q.ended || !q.finishedLocked() {
		return false
	}
	q.ended = true
	return q.started
}

func (q *Queue) publishEnded(responseID string) {
	q.logger.Info("speech ended", "response_id", responseID)
	q.bus.Publish(events.SpeechEnded{ResponseID: responseID})
}

func (q *Queue) hasNextLocked() bool {
	_, ok := q.pending[q.nextToPlay]
	return ok
}

// finishedLocked reports whether the current response has been fully played.
func (q *Queue) finishedLocked() bool {
	return q.expected >= 0 && q.nextToPlay >= q.expected && !q.playing
}

func (q *Queue) resetLocked(responseID string) {
	q.responseID = responseID
	q.pending = make(map[int]AudioChunk)
	q.nextToPlay = 0
	q.submitted = 0
	q.expected = -1
	q.started = false
	q.ended = false
}

// clearLocked drops everything belonging to the current response and
// returns the number of units that will not be played.
func (q *Queue) clearLocked() int {
	dropped := q.submitted - q.nextToPlay
	if dropped < 0 {
		dropped = 0
	}

	q.epoch++
	q.workCancel()
	q.workCtx, q.workCancel = context.WithCancel(q.ctx)
	if q.playCancel != nil {
		q.playCancel()
	}

	if q.responseID != "" {
		if len(q.retired) >= 64 {
			q.retired = make(map[string]struct{})
		}
		q.retired[q.responseID] = struct{}{}
	}
	q.resetLocked("")
	q.cond.Broadcast()
	return dropped
}

func (q *Queue) afterClear(responseID string, dropped int) {
	if err := q.sink.Clear(); err != nil {
		q.logger.Warn("sink clear failed", "error", err)
	}
	q.bus.Publish(events.SpeechCleared{ResponseID: responseID, Dropped: dropped})
}

// Clear drops queued and in-flight units, stops the playing chunk and
// resets the sequence so the next response starts at 0.
func (q *Queue) Clear() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	responseID := q.responseID
	dropped := q.clearLocked()
	q.mu.Unlock()

	q.logger.Info("speech cleared", "response_id", responseID, "dropped", dropped)
	q.afterClear(responseID, dropped)
}

// Pause halts playback without discarding audio. A chunk cut off by the
// pause is replayed on Resume. It returns false if already paused.
func (q *Queue) Pause() bool {
	q.mu.Lock()
	if q.paused || q.closed {
		q.mu.Unlock()
		return false
	}
	q.paused = true
	if q.playCancel != nil {
		q.pauseCut = true
		q.playCancel()
	}
	q.mu.Unlock()

	q.bus.Publish(events.SpeechPaused{})
	return true
}

// Resume continues playback. It returns false if not paused.
func (q *Queue) Resume() bool {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return false
	}
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()

	q.bus.Publish(events.SpeechResumed{})
	return true
}

// IsPaused reports whether playback is paused.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// IsSpeaking reports whether the current response still has audio to play,
// including a chunk that is playing right now.
func (q *Queue) IsSpeaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busyLocked()
}

func (q *Queue) busyLocked() bool {
	if q.playing {
		return true
	}
	return q.responseID != "" && !q.finishedLocked()
}

// WaitForCompletion blocks until the current response has been fully
// played or cleared. It returns ctx.Err() if ctx ends first.
func (q *Queue) WaitForCompletion(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.busyLocked() && !q.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Status is a snapshot of the queue.
type Status struct {
	ResponseID string `json:"response_id"`
	NextToPlay int    `json:"next_to_play"`
	Pending    int    `json:"pending"`
	Submitted  int    `json:"submitted"`
	Expected   int    `json:"expected"`
	Speaking   bool   `json:"speaking"`
	Paused     bool   `json:"paused"`
}

// Status returns a snapshot of the queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		ResponseID: q.responseID,
		NextToPlay: q.nextToPlay,
		Pending:    len(q.pending),
		Submitted:  q.submitted,
		Expected:   q.expected,
		Speaking:   q.busyLocked(),
		Paused:     q.paused,
	}
}

// Close stops playback and waits for workers to exit.
func (q *Queue) Close() error {
	for _, unsub := range q.unsubs {
		unsub()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cancel()
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.loopDone
	q.workers.Wait()
	return nil
}
