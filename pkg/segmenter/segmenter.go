// Package segmenter turns a live audio stream into utterances.
//
// Each frame's level is its mean absolute amplitude. Audio is buffered from
// the first frame at or above the silence threshold; once speech has been
// followed by enough silence and the buffer holds at least the minimum
// recording, the buffer is published as an events.UtteranceReady and the
// segmenter starts over.
//
// Pausing freezes the segmenter: frames are dropped but the buffer and the
// silence run are kept, so a user cut off by a pause is not truncated.
package segmenter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/events"
)

var (
	// ErrAlreadyListening is returned by Start when a session is running.
	ErrAlreadyListening = errors.New("segmenter: already listening")
	// ErrNotListening is returned when no session is running.
	ErrNotListening = errors.New("segmenter: not listening")
)

// Segmenter detects utterance boundaries and owns the capture session.
type Segmenter struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []float32
	silenceRun int
	active     bool
	paused     bool

	silenceSamples int
	minSamples     int
	maxSamples     int

	sessMu    sync.Mutex
	source    audioio.Source
	cancel    context.CancelFunc
	done      chan struct{}
	listening bool
}

// New creates a segmenter publishing on bus.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		cfg:            cfg,
		bus:            bus,
		logger:         logger.With("component", "segmenter"),
		silenceSamples: cfg.samples(cfg.SilenceDuration),
		minSamples:     cfg.samples(cfg.MinRecording),
		maxSamples:     cfg.samples(cfg.MaxRecording),
	}, nil
}

// Feed processes one frame and publishes an utterance when a boundary is
// detected. It returns the emitted utterance, if any. Frames fed while
// paused are dropped.
func (s *Segmenter) Feed(frame audioio.Frame) (events.Utterance, bool) {
	samples := frame.Samples
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		samples = audioio.Resample(samples, frame.SampleRate, s.cfg.SampleRate)
	}
	if len(samples) == 0 {
		return events.Utterance{}, false
	}

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return events.Utterance{}, false
	}

	level := audioio.MeanAbs(samples)
	if level >= s.cfg.SilenceThreshold {
		if !s.active {
			s.logger.Debug("speech detected", "level", level)
		}
		s.active = true
		s.silenceRun = 0
	} else if s.active {
		s.silenceRun += len(samples)
	}

	if s.active {
		s.buffer = append(s.buffer, samples...)
	}

	var (
		utt  events.Utterance
		emit bool
	)
	switch {
	case s.active && s.silenceRun > s.silenceSamples && len(s.buffer) > s.minSamples:
		utt, emit = s.takeLocked(), true
	case s.maxSamples > 0 && len(s.buffer) >= s.maxSamples:
		s.logger.Warn("max recording reached, emitting without silence",
			"duration", audioio.SamplesDuration(len(s.buffer), s.cfg.SampleRate))
		utt, emit = s.takeLocked(), true
	}
	s.mu.Unlock()

	if emit {
		s.logger.Info("utterance ready", "utterance_id", utt.ID, "duration", utt.Duration)
		s.bus.Publish(events.UtteranceReady{Utterance: utt})
	}
	return utt, emit
}

// takeLocked hands the buffer off as an utterance and resets.
func (s *Segmenter) takeLocked() events.Utterance {
	utt := events.Utterance{
		ID:         uuid.NewString(),
		Samples:    s.buffer,
		SampleRate: s.cfg.SampleRate,
		Duration:   audioio.SamplesDuration(len(s.buffer), s.cfg.SampleRate),
	}
	s.buffer = nil
	s.silenceRun = 0
	s.active = false
	return utt
}

// Reset discards any partial utterance.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	s.buffer = nil
	s.silenceRun = 0
	s.active = false
	s.mu.Unlock()
}

// Buffered returns the number of samples held for the current utterance.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// IsActive reports whether speech has been detected in the current utterance.
func (s *Segmenter) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start opens src and feeds its frames until Stop, ctx cancellation or a
// device failure. A device failure publishes ListeningError and ends the
// session.
func (s *Segmenter) Start(ctx context.Context, src audioio.Source) error {
	s.sessMu.Lock()
	if s.listening {
		s.sessMu.Unlock()
		return ErrAlreadyListening
	}

	sessCtx, cancel := context.WithCancel(ctx)
	if err := src.Start(sessCtx); err != nil {
		s.sessMu.Unlock()
		cancel()
		return err
	}

	s.Reset()
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	done := make(chan struct{})
	s.source = src
	s.cancel = cancel
	s.done = done
	s.listening = true
	s.sessMu.Unlock()

	s.logger.Info("listening started", "source", src.Name(), "sample_rate", s.cfg.SampleRate)
	s.bus.Publish(events.ListeningStarted{Source: src.Name(), SampleRate: s.cfg.SampleRate})

	go s.run(src, done)
	return nil
}

func (s *Segmenter) run(src audioio.Source, done chan struct{}) {
	defer close(done)

	for frame := range src.Frames() {
		s.Feed(frame)
	}

	err := src.Err()
	if err == nil {
		return
	}

	s.sessMu.Lock()
	owned := s.source == src && s.listening
	if owned {
		s.listening = false
		s.source = nil
		s.cancel()
	}
	s.sessMu.Unlock()

	if owned {
		s.Reset()
		s.logger.Error("capture failed", "error", err)
		s.bus.Publish(events.ListeningError{Reason: "audio input device failed", Err: err})
	}
}

// Stop ends the capture session and discards any partial utterance.
func (s *Segmenter) Stop() error {
	s.sessMu.Lock()
	if !s.listening {
		s.sessMu.Unlock()
		return ErrNotListening
	}
	src, cancel, done := s.source, s.cancel, s.done
	s.listening = false
	s.source = nil
	s.sessMu.Unlock()

	cancel()
	err := src.Stop()
	<-done

	s.Reset()
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	s.logger.Info("listening stopped")
	s.bus.Publish(events.ListeningStopped{})
	return err
}

// Pause drops incoming frames until Resume. It reports whether the state
// changed.
func (s *Segmenter) Pause() bool {
	if !s.IsListening() {
		return false
	}
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return false
	}
	s.paused = true
	s.mu.Unlock()

	s.logger.Debug("listening paused")
	s.bus.Publish(events.ListeningPaused{})
	return true
}

// Resume continues feeding frames after Pause. It reports whether the
// state changed.
func (s *Segmenter) Resume() bool {
	if !s.IsListening() {
		return false
	}
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return false
	}
	s.paused = false
	s.mu.Unlock()

	s.logger.Debug("listening resumed")
	s.bus.Publish(events.ListeningResumed{})
	return true
}

// IsListening reports whether a capture session is running.
func (s *Segmenter) IsListening() bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.listening
}

// IsPaused reports whether frames are currently dropped.
func (s *Segmenter) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Config returns the segmenter configuration.
func (s *Segmenter) Config() Config { return s.cfg }
