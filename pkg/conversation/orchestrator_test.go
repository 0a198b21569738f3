package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/chunker"
	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/inference"
	"github.com/teslashibe/go-voiceloop/pkg/response"
	"github.com/teslashibe/go-voiceloop/pkg/segmenter"
	"github.com/teslashibe/go-voiceloop/pkg/synthesis"
	"github.com/teslashibe/go-voiceloop/pkg/transcription"
	"github.com/teslashibe/go-voiceloop/pkg/tts"
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

func (c *collector) count(topic events.Topic) int {
	n := 0
	for _, e := range c.snapshot() {
		if e.Topic() == topic {
			n++
		}
	}
	return n
}

// index returns the position of the first event on topic after from, or -1.
func (c *collector) index(topic events.Topic, from int) int {
	for i, e := range c.snapshot() {
		if i > from && e.Topic() == topic {
			return i
		}
	}
	return -1
}

func (c *collector) states() []State {
	var out []State
	for _, e := range c.snapshot() {
		if sc, ok := e.(events.StateChanged); ok {
			out = append(out, State(sc.To))
		}
	}
	return out
}

type options struct {
	llm      *inference.Mock
	speaker  Speaker
	source   *audioio.MockSource
	playFunc func(ctx context.Context, frame audioio.Frame) error
	delay    time.Duration
	cfg      *Config

	// engine, when set, puts a transcription coordinator in front of
	// the orchestrator.
	engine transcription.Engine
}

type pipeline struct {
	bus   *events.Bus
	seg   *segmenter.Segmenter
	llm   *inference.Mock
	gen   *response.Generator
	queue *synthesis.Queue
	sink  *audioio.MockSink
	orch  *Orchestrator
	coord *transcription.Coordinator
	col   *collector

	// pausedAtChunk records whether capture was paused when each
	// chunk started playing.
	pausedAtChunk []bool
	chunkMu       sync.Mutex
}

func newPipeline(t *testing.T, opts options) *pipeline {
	t.Helper()
	bus := events.NewBus(nil)
	p := &pipeline{bus: bus, col: &collector{}}
	bus.SubscribeAll(p.col.add)

	seg, err := segmenter.New(segmenter.DefaultConfig(), bus, nil)
	require.NoError(t, err)
	p.seg = seg
	events.On(bus, func(events.SpeechChunkStarted) {
		p.chunkMu.Lock()
		p.pausedAtChunk = append(p.pausedAtChunk, seg.IsPaused())
		p.chunkMu.Unlock()
	})

	p.llm = opts.llm
	if p.llm == nil {
		p.llm = inference.NewMock("Hi there. ", "How are you?")
	}
	p.gen = response.New(p.llm, bus, response.DefaultConfig())

	ch, err := chunker.New(bus, chunker.DefaultConfig())
	require.NoError(t, err)

	speaker := opts.speaker
	if speaker == nil {
		p.sink = audioio.NewMockSink(audioio.DefaultPlaybackConfig(), nil)
		p.sink.PlayFunc = opts.playFunc
		p.sink.PlayDelay = opts.delay
		if opts.playFunc == nil && opts.delay == 0 {
			p.sink.PlayDelay = 20 * time.Millisecond
		}
		p.queue, err = synthesis.New(tts.NewMock(), p.sink, bus, synthesis.DefaultConfig())
		require.NoError(t, err)
		speaker = p.queue
	}

	source := opts.source
	if source == nil {
		source = audioio.NewMockSource(audioio.DefaultConfig(), nil)
	}

	cfg := DefaultConfig()
	cfg.SettleDelay = 20 * time.Millisecond
	if opts.cfg != nil {
		cfg = *opts.cfg
	}
	p.orch, err = New(Components{
		Listener:  seg,
		Source:    source,
		Generator: p.gen,
		Speaker:   speaker,
	}, bus, cfg)
	require.NoError(t, err)

	if opts.engine != nil {
		p.coord = transcription.NewCoordinator(opts.engine, bus, transcription.CoordinatorConfig{
			Accept: p.orch.AcceptUtterance,
		})
	}

	t.Cleanup(func() {
		if p.coord != nil {
			p.coord.Close()
		}
		p.orch.Close()
		p.gen.Close()
		if p.queue != nil {
			p.queue.Close()
		}
		ch.Close()
		bus.Close()
	})
	return p
}

func (p *pipeline) listen(t *testing.T) {
	t.Helper()
	require.NoError(t, p.orch.StartListening())
	require.Eventually(t, func() bool { return p.orch.State() == StateListening }, time.Second, 5*time.Millisecond)
}

func (p *pipeline) say(text string) {
	p.bus.Publish(events.TranscriptionResult{UtteranceID: "u", Text: text})
}

func (p *pipeline) waitListening(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := p.orch.Snapshot()
		return s.State == StateListening && !s.Responding && !s.Speaking && !s.ListeningPaused
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_TurnTaking(t *testing.T) {
	p := newPipeline(t, options{})
	p.listen(t)
	assert.True(t, p.orch.AcceptUtterance())

	p.say("hello")
	require.Eventually(t, func() bool { return p.col.count(events.TopicSpeechEnded) == 1 }, 2*time.Second, 5*time.Millisecond)
	p.waitListening(t)

	p.chunkMu.Lock()
	paused := append([]bool(nil), p.pausedAtChunk...)
	p.chunkMu.Unlock()
	require.Len(t, paused, 2)
	assert.Equal(t, []bool{true, true}, paused, "capture is paused before any chunk plays")

	ended := p.col.index(events.TopicSpeechEnded, -1)
	require.GreaterOrEqual(t, ended, 0)
	assert.Greater(t, p.col.index(events.TopicListeningResumed, ended), ended, "listening resumes after speech ended")

	assert.Equal(t, []State{StateListening, StateThinking, StateSpeaking, StateListening}, p.col.states())

	var user events.UserMessage
	var assistant events.AssistantMessage
	for _, e := range p.col.snapshot() {
		switch v := e.(type) {
		case events.UserMessage:
			user = v
		case events.AssistantMessage:
			assistant = v
		}
	}
	assert.Equal(t, "hello", user.Text)
	assert.Equal(t, "Hi there. How are you?", assistant.Text)
	assert.Equal(t, 2, p.col.count(events.TopicAssistantChunk))
}

func (p *pipeline) utter(id string) {
	p.bus.Publish(events.UtteranceReady{Utterance: events.Utterance{
		ID:         id,
		Samples:    make([]float32, 1600),
		SampleRate: 16000,
	}})
}

func TestOrchestrator_TurnFromUtterance(t *testing.T) {
	p := newPipeline(t, options{engine: transcription.NewMock("hello")})
	p.listen(t)

	p.utter("u1")
	require.Eventually(t, func() bool { return p.col.count(events.TopicSpeechEnded) == 1 }, 2*time.Second, 5*time.Millisecond)
	p.waitListening(t)

	assert.Equal(t, []State{StateListening, StateProcessing, StateThinking, StateSpeaking, StateListening}, p.col.states())
	assert.Equal(t, 1, p.llm.CallCount())
}

func TestOrchestrator_EmptyTranscriptReturnsToListening(t *testing.T) {
	engine := &transcription.Mock{Results: []transcription.Result{{Text: "   "}, {Text: "hello"}}}
	p := newPipeline(t, options{engine: engine})
	p.listen(t)

	p.utter("u1")
	require.Eventually(t, func() bool { return p.col.count(events.TopicTranscriptionFinished) == 1 }, time.Second, 5*time.Millisecond)
	p.waitListening(t)

	assert.Equal(t, []State{StateListening, StateProcessing, StateListening}, p.col.states())
	assert.True(t, p.orch.AcceptUtterance())
	assert.Zero(t, p.col.count(events.TopicUserMessage))
	assert.Zero(t, p.llm.CallCount())

	// The next utterance is still answered.
	require.Eventually(t, func() bool { return !p.coord.IsBusy() }, time.Second, time.Millisecond)
	p.utter("u2")
	require.Eventually(t, func() bool { return p.col.count(events.TopicSpeechEnded) == 1 }, 2*time.Second, 5*time.Millisecond)
	p.waitListening(t)
	assert.Equal(t, 1, p.llm.CallCount())
}

func TestOrchestrator_SkipsTranscriptionDuringResponse(t *testing.T) {
	llm := inference.NewMock("slow ", "reply.")
	llm.TokenDelay = 50 * time.Millisecond
	p := newPipeline(t, options{llm: llm})
	p.listen(t)

	p.say("first")
	assert.False(t, p.orch.AcceptUtterance())
	p.say("second")

	p.waitListening(t)
	assert.Equal(t, 1, p.llm.CallCount())
	assert.Equal(t, 1, p.col.count(events.TopicUserMessage))
}

func TestOrchestrator_SkipsTranscriptionWhileSpeaking(t *testing.T) {
	p := newPipeline(t, options{delay: 100 * time.Millisecond})
	p.listen(t)

	_, err := p.orch.Speak("Some words to say.")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.col.count(events.TopicSpeechStarted) == 1 }, time.Second, 5*time.Millisecond)

	p.say("are you there")
	assert.Zero(t, p.llm.CallCount())
	assert.Zero(t, p.col.count(events.TopicUserMessage))

	p.waitListening(t)
}

func TestOrchestrator_SilentResponseKeepsListening(t *testing.T) {
	p := newPipeline(t, options{llm: inference.NewMock("   ")})
	p.listen(t)

	p.say("hello")
	require.Eventually(t, func() bool { return p.col.count(events.TopicResponseCompleted) == 1 }, time.Second, 5*time.Millisecond)
	p.waitListening(t)

	assert.Zero(t, p.col.count(events.TopicSpeechStarted))
	assert.Zero(t, p.col.count(events.TopicListeningPaused))
	assert.NotContains(t, p.col.states(), StateSpeaking)
}

func TestOrchestrator_GenerationErrorRecovers(t *testing.T) {
	p := newPipeline(t, options{llm: inference.WithError(errors.New("model offline"))})
	p.listen(t)

	p.say("hello")
	require.Eventually(t, func() bool { return p.col.count(events.TopicBotError) == 1 }, time.Second, 5*time.Millisecond)
	p.waitListening(t)

	var botErr events.BotError
	for _, e := range p.col.snapshot() {
		if be, ok := e.(events.BotError); ok {
			botErr = be
		}
	}
	assert.Equal(t, "response", botErr.Source)
	assert.True(t, p.orch.AcceptUtterance())
}

func TestOrchestrator_Interrupt(t *testing.T) {
	block := func(ctx context.Context, frame audioio.Frame) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p := newPipeline(t, options{playFunc: block})
	p.listen(t)

	p.say("tell me a story")
	require.Eventually(t, func() bool { return p.col.count(events.TopicSpeechChunkStarted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSpeaking, p.orch.State())

	assert.True(t, p.orch.Interrupt())
	p.waitListening(t)
	assert.Equal(t, 1, p.col.count(events.TopicSpeechCleared))

	assert.False(t, p.orch.Interrupt(), "nothing left to interrupt")
}

func TestOrchestrator_SpeechWaitTimeoutForcesRecovery(t *testing.T) {
	block := func(ctx context.Context, frame audioio.Frame) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := DefaultConfig()
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.SpeechWaitTimeout = 50 * time.Millisecond
	p := newPipeline(t, options{playFunc: block, cfg: &cfg})
	p.listen(t)

	p.say("hello")
	require.Eventually(t, func() bool { return p.col.count(events.TopicBotError) == 1 }, 2*time.Second, 5*time.Millisecond)
	p.waitListening(t)

	for _, e := range p.col.snapshot() {
		if be, ok := e.(events.BotError); ok {
			assert.Equal(t, "speech", be.Source)
			assert.ErrorIs(t, be.Err, context.DeadlineExceeded)
		}
	}
}

type panickySpeaker struct{ waits atomic.Int32 }

func (s *panickySpeaker) IsSpeaking() bool { return s.waits.Load() == 0 }
func (s *panickySpeaker) WaitForCompletion(ctx context.Context) error {
	s.waits.Add(1)
	panic("device gone")
}
func (s *panickySpeaker) Clear() {}

func TestOrchestrator_PanicInWaitIsRecovered(t *testing.T) {
	speaker := &panickySpeaker{}
	p := newPipeline(t, options{speaker: speaker})
	require.NoError(t, p.orch.startListening())
	p.orch.mu.Lock()
	p.orch.wantListening = true
	p.orch.mu.Unlock()

	p.orch.finishTurn("r1")
	require.Eventually(t, func() bool { return p.col.count(events.TopicBotError) == 1 }, time.Second, 5*time.Millisecond)

	for _, e := range p.col.snapshot() {
		if be, ok := e.(events.BotError); ok {
			assert.Equal(t, "conversation", be.Source)
		}
	}
	require.Eventually(t, func() bool { return p.orch.State() == StateListening }, time.Second, 5*time.Millisecond)
	assert.False(t, p.orch.isResponding())
}

func TestOrchestrator_ListeningControls(t *testing.T) {
	p := newPipeline(t, options{})
	p.listen(t)

	require.True(t, p.orch.PauseListening())
	require.Eventually(t, func() bool { return p.orch.State() == StateListeningPaused }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.orch.ResumeListening())
	require.Eventually(t, func() bool { return p.orch.State() == StateListening }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.orch.ToggleListening())
	require.Eventually(t, func() bool { return p.orch.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.False(t, p.orch.AcceptUtterance())

	require.NoError(t, p.orch.ToggleListening())
	require.Eventually(t, func() bool { return p.orch.State() == StateListening }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_StartListeningRefusedDuringResponse(t *testing.T) {
	llm := inference.NewMock("slow ", "reply.")
	llm.TokenDelay = 50 * time.Millisecond
	p := newPipeline(t, options{llm: llm})
	p.listen(t)

	p.say("hello")
	require.NoError(t, p.orch.StopListening())
	err := p.orch.StartListening()
	assert.True(t, errors.Is(err, ErrResponding) || errors.Is(err, ErrSpeaking), "got %v", err)

	// The refused start is remembered and listening resumes after the turn.
	p.waitListening(t)
}

func TestOrchestrator_StopListeningStaysIdleAfterTurn(t *testing.T) {
	p := newPipeline(t, options{})
	p.listen(t)

	p.say("hello")
	require.NoError(t, p.orch.StopListening())
	require.Eventually(t, func() bool { return p.col.count(events.TopicSpeechEnded) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s := p.orch.Snapshot()
		return !s.Responding && s.State == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, p.seg.IsListening())
}

func TestOrchestrator_Speak(t *testing.T) {
	p := newPipeline(t, options{})
	p.listen(t)

	id, err := p.orch.Speak("  ")
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = p.orch.Speak("Hello there.")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool { return p.col.count(events.TopicSpeechEnded) == 1 }, 2*time.Second, 5*time.Millisecond)
	p.waitListening(t)
	assert.Len(t, p.sink.Played(), 1)
	assert.Zero(t, p.llm.CallCount())
}

func TestOrchestrator_ListeningErrorGoesIdle(t *testing.T) {
	src := audioio.NewMockSource(audioio.DefaultConfig(), nil, audioio.WithFailure(errors.New("unplugged")))
	p := newPipeline(t, options{source: src})

	require.NoError(t, p.orch.StartListening())
	require.Eventually(t, func() bool { return p.col.count(events.TopicBotError) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.orch.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.False(t, p.seg.IsListening())
}

func TestOrchestrator_Close(t *testing.T) {
	p := newPipeline(t, options{})
	p.listen(t)

	require.NoError(t, p.orch.Close())
	require.NoError(t, p.orch.Close())
	assert.False(t, p.seg.IsListening())
	assert.ErrorIs(t, p.orch.StartListening(), ErrClosed)

	_, err := p.orch.Speak("hi")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_Validation(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	_, err := New(Components{}, bus, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.SpeechWaitTimeout = 0
	assert.Error(t, cfg.Validate())
}
