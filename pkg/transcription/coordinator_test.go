package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voiceloop/pkg/events"
)

type collector struct {
	mu  sync.Mutex
	got []events.Event
}

func (c *collector) add(e events.Event) {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.got...)
}

func (c *collector) topics() []events.Topic {
	var out []events.Topic
	for _, e := range c.snapshot() {
		out = append(out, e.Topic())
	}
	return out
}

func setup(t *testing.T, engine Engine, cfg CoordinatorConfig) (*events.Bus, *Coordinator, *collector) {
	t.Helper()
	bus := events.NewBus(nil)
	col := &collector{}
	bus.Subscribe(events.TopicTranscriptionStarted, col.add)
	bus.Subscribe(events.TopicTranscriptionResult, col.add)
	bus.Subscribe(events.TopicTranscriptionError, col.add)

	c := NewCoordinator(engine, bus, cfg)
	t.Cleanup(func() {
		c.Close()
		bus.Close()
	})
	return bus, c, col
}

func utterance(id string) events.Utterance {
	return events.Utterance{ID: id, Samples: make([]float32, 1600), SampleRate: 16000}
}

func TestCoordinator_PublishesResult(t *testing.T) {
	engine := NewMock("  hello there  ")
	engine.Results[0].Confidence = 0.9
	bus, c, col := setup(t, engine, CoordinatorConfig{})

	bus.Publish(events.UtteranceReady{Utterance: utterance("u1")})

	require.Eventually(t, func() bool { return len(col.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.IsBusy())

	got := col.snapshot()
	assert.Equal(t, events.TranscriptionStarted{UtteranceID: "u1"}, got[0])
	result, ok := got[1].(events.TranscriptionResult)
	require.True(t, ok)
	assert.Equal(t, "hello there", result.Text)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, "u1", result.UtteranceID)
}

func TestCoordinator_EmptyTextIsSilent(t *testing.T) {
	_, c, col := setup(t, NewMock("   "), CoordinatorConfig{})

	result, err := c.Transcribe(utterance("u1"))
	require.NoError(t, err)
	assert.Equal(t, "", result.Text)
	assert.Equal(t, []events.Topic{events.TopicTranscriptionStarted}, col.topics())
}

func TestCoordinator_FinishedOnEveryPath(t *testing.T) {
	tests := []struct {
		name   string
		engine Engine
		want   events.TranscriptionFinished
	}{
		{"result", NewMock("hello"), events.TranscriptionFinished{UtteranceID: "u1"}},
		{"empty", NewMock("   "), events.TranscriptionFinished{UtteranceID: "u1", Empty: true}},
		{"nil result", &Mock{TranscribeFunc: func(context.Context, []float32, int) (*Result, error) { return nil, nil }},
			events.TranscriptionFinished{UtteranceID: "u1", Empty: true}},
		{"error", &Mock{Err: errors.New("engine down")}, events.TranscriptionFinished{UtteranceID: "u1", Failed: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, c, col := setup(t, tt.engine, CoordinatorConfig{})
			finished := &collector{}
			bus.Subscribe(events.TopicTranscriptionFinished, finished.add)

			c.Transcribe(utterance("u1"))

			require.Len(t, finished.snapshot(), 1)
			assert.Equal(t, tt.want, finished.snapshot()[0])
			assert.Equal(t, events.TopicTranscriptionStarted, col.topics()[0])
		})
	}
}

func TestCoordinator_EngineError(t *testing.T) {
	boom := errors.New("engine down")
	engine := &Mock{Err: boom}
	_, c, col := setup(t, engine, CoordinatorConfig{})

	_, err := c.Transcribe(utterance("u1"))
	require.ErrorIs(t, err, boom)
	assert.False(t, c.IsBusy(), "slot must be released after failure")

	got := col.snapshot()
	require.Len(t, got, 2)
	terr, ok := got[1].(events.TranscriptionError)
	require.True(t, ok)
	assert.ErrorIs(t, terr.Err, boom)

	// The coordinator keeps working after an error.
	engine.mu.Lock()
	engine.Err = nil
	engine.Results = []Result{{Text: "ok"}}
	engine.mu.Unlock()
	_, err = c.Transcribe(utterance("u2"))
	require.NoError(t, err)
}

func TestCoordinator_DropsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	engine := &Mock{
		TranscribeFunc: func(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
			<-release
			return &Result{Text: "first"}, nil
		},
	}
	bus, c, col := setup(t, engine, CoordinatorConfig{})

	bus.Publish(events.UtteranceReady{Utterance: utterance("u1")})
	require.Eventually(t, c.IsBusy, time.Second, time.Millisecond)

	bus.Publish(events.UtteranceReady{Utterance: utterance("u2")})
	_, err := c.Transcribe(utterance("u3"))
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, uint64(1), c.Dropped())

	close(release)
	require.Eventually(t, func() bool { return !c.IsBusy() }, time.Second, time.Millisecond)

	assert.Equal(t, 1, engine.CallCount())
	assert.Equal(t, []events.Topic{events.TopicTranscriptionStarted, events.TopicTranscriptionResult}, col.topics())
}

func TestCoordinator_AcceptGate(t *testing.T) {
	engine := NewMock("hello")
	bus, _, col := setup(t, engine, CoordinatorConfig{Accept: func() bool { return false }})

	bus.Publish(events.UtteranceReady{Utterance: utterance("u1")})
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, engine.CallCount())
	assert.Empty(t, col.snapshot())
}

func TestCoordinator_Timeout(t *testing.T) {
	engine := &Mock{
		TranscribeFunc: func(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	_, c, _ := setup(t, engine, CoordinatorConfig{Timeout: 10 * time.Millisecond})

	_, err := c.Transcribe(utterance("u1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_CloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	engine := &Mock{
		TranscribeFunc: func(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	bus, c, _ := setup(t, engine, CoordinatorConfig{})

	bus.Publish(events.UtteranceReady{Utterance: utterance("u1")})
	<-started

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	_, err := c.Transcribe(utterance("u2"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCoordinator_CloseRacesTranscribe(t *testing.T) {
	engine := &Mock{
		TranscribeFunc: func(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
			return &Result{Text: "hi"}, nil
		},
	}
	bus, c, _ := setup(t, engine, CoordinatorConfig{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for range 50 {
				if i%2 == 0 {
					bus.Publish(events.UtteranceReady{Utterance: utterance("bus")})
					continue
				}
				_, err := c.Transcribe(utterance("direct"))
				if err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrClosed) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(i)
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Close())
	wg.Wait()

	assert.False(t, c.IsBusy())
	_, err := c.Transcribe(utterance("after"))
	assert.ErrorIs(t, err, ErrClosed)
}
