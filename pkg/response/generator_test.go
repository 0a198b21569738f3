package response

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/inference"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(e events.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) topics() []events.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Topic, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic()
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func waitIdle(t *testing.T, g *Generator) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not finish")
	}
}

func TestGenerate_StreamsAndCommits(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus)
	provider := inference.NewMock("Hello", " there", ".")

	g := New(provider, bus, Config{SystemPrompt: "be brief"})
	id := g.Generate(context.Background(), "hi")
	require.NotEmpty(t, id)
	waitIdle(t, g)

	assert.Equal(t, []events.Topic{
		events.TopicResponseStarted,
		events.TopicResponseChunk,
		events.TopicResponseChunk,
		events.TopicResponseChunk,
		events.TopicResponseCompleted,
	}, rec.topics())

	completed := rec.last().(events.ResponseCompleted)
	assert.Equal(t, id, completed.ResponseID)
	assert.Equal(t, "Hello there.", completed.Text)

	history := g.History()
	require.Len(t, history, 3)
	assert.Equal(t, inference.RoleSystem, history[0].Role)
	assert.Equal(t, inference.NewUserMessage("hi"), history[1])
	assert.Equal(t, inference.NewAssistantMessage("Hello there."), history[2])

	req := provider.LastRequest()
	require.NotNil(t, req)
	assert.Len(t, req.Messages, 2, "request carries system and user messages")

	session, ok := g.Current()
	require.True(t, ok)
	assert.True(t, session.Complete)
	assert.False(t, g.IsGenerating())
}

func TestGenerate_AccumulatesChunks(t *testing.T) {
	bus := events.NewBus(nil)
	var chunks []events.ResponseChunk
	events.On(bus, func(e events.ResponseChunk) { chunks = append(chunks, e) })

	g := New(inference.NewMock("a", "b", "c"), bus, DefaultConfig())
	g.Generate(context.Background(), "x")
	waitIdle(t, g)

	require.Len(t, chunks, 3)
	assert.Equal(t, "b", chunks[1].Token)
	assert.Equal(t, "ab", chunks[1].Accumulated)
	assert.Equal(t, "abc", chunks[2].Accumulated)
}

func TestGenerate_AtMostOne(t *testing.T) {
	bus := events.NewBus(nil)
	var completed int
	var mu sync.Mutex
	events.On(bus, func(events.ResponseCompleted) {
		mu.Lock()
		completed++
		mu.Unlock()
	})

	provider := &inference.Mock{Tokens: []string{"slow", " reply"}, TokenDelay: 20 * time.Millisecond}
	g := New(provider, bus, DefaultConfig())

	first := g.Generate(context.Background(), "one")
	second := g.Generate(context.Background(), "two")
	require.NotEmpty(t, first)
	assert.Empty(t, second)
	assert.True(t, g.IsGenerating())

	waitIdle(t, g)
	mu.Lock()
	assert.Equal(t, 1, completed)
	mu.Unlock()
	assert.Equal(t, 1, provider.CallCount())

	// The rejected turn never reached the history.
	for _, m := range g.History() {
		assert.NotEqual(t, "two", m.Content)
	}

	assert.NotEmpty(t, g.Generate(context.Background(), "three"), "guard released after completion")
	waitIdle(t, g)
}

func TestGenerate_CommitsBeforeReleasingGuard(t *testing.T) {
	bus := events.NewBus(nil)
	release := make(chan struct{})
	events.On(bus, func(events.ResponseCompleted) { <-release })

	g := New(inference.NewMock("answer"), bus, Config{})
	require.NotEmpty(t, g.Generate(context.Background(), "one"))

	require.Eventually(t, func() bool { return !g.IsGenerating() }, time.Second, time.Millisecond)
	require.NotEmpty(t, g.Generate(context.Background(), "two"))
	close(release)
	waitIdle(t, g)

	var got []string
	for _, m := range g.History() {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{"user:one", "assistant:answer", "user:two", "assistant:answer"}, got)
}

func TestGenerate_ErrorDoesNotCommit(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus)
	boom := errors.New("model crashed")
	provider := &inference.Mock{Tokens: []string{"par", "tial"}, StreamErr: boom, FailAfter: 1}

	g := New(provider, bus, DefaultConfig())
	id := g.Generate(context.Background(), "hi")
	waitIdle(t, g)

	e, ok := rec.last().(events.ResponseError)
	require.True(t, ok, "last event = %T", rec.last())
	assert.Equal(t, id, e.ResponseID)
	assert.ErrorIs(t, e.Err, boom)
	assert.Equal(t, "model crashed", e.Reason)

	history := g.History()
	require.Len(t, history, 1)
	assert.Equal(t, inference.RoleUser, history[0].Role)
	assert.False(t, g.IsGenerating())
}

func TestGenerate_OpenError(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus)
	g := New(inference.WithError(errors.New("connection refused")), bus, DefaultConfig())

	g.Generate(context.Background(), "hi")
	waitIdle(t, g)

	assert.Equal(t, []events.Topic{events.TopicResponseStarted, events.TopicResponseError}, rec.topics())
}

func TestGenerate_EmptyReplyNotCommitted(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus)
	g := New(inference.NewMock(), bus, DefaultConfig())

	g.Generate(context.Background(), "hi")
	waitIdle(t, g)

	_, ok := rec.last().(events.ResponseCompleted)
	assert.True(t, ok)
	assert.Len(t, g.History(), 1)
}

func TestGenerate_Timeout(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus)
	provider := &inference.Mock{Tokens: []string{"never"}, TokenDelay: time.Minute}

	g := New(provider, bus, Config{Timeout: 20 * time.Millisecond})
	g.Generate(context.Background(), "hi")
	waitIdle(t, g)

	e, ok := rec.last().(events.ResponseError)
	require.True(t, ok)
	assert.Equal(t, "generation timed out", e.Reason)
}

func TestCancel(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus)

	first := make(chan struct{})
	var once sync.Once
	events.On(bus, func(events.ResponseChunk) { once.Do(func() { close(first) }) })

	provider := &inference.Mock{Tokens: []string{"one", " two", " three"}, TokenDelay: 30 * time.Millisecond}
	g := New(provider, bus, DefaultConfig())

	assert.False(t, g.Cancel(), "nothing to cancel")

	id := g.Generate(context.Background(), "hi")
	<-first
	require.True(t, g.Cancel())
	assert.False(t, g.Cancel(), "second cancel is a no-op")
	waitIdle(t, g)

	e, ok := rec.last().(events.ResponseCancelled)
	require.True(t, ok, "last event = %T", rec.last())
	assert.Equal(t, id, e.ResponseID)
	assert.Equal(t, "one", e.Partial)

	assert.Len(t, g.History(), 1, "partial reply not committed")
	assert.NotContains(t, rec.topics(), events.TopicResponseCompleted)
}

func TestHistory(t *testing.T) {
	g := New(inference.NewMock(), events.NewBus(nil), DefaultConfig())

	g.AddMessage(inference.RoleUser, "u1")
	g.AddMessage(inference.RoleSystem, "first prompt")
	g.AddMessage(inference.RoleAssistant, "a1")
	g.AddMessage(inference.RoleSystem, "second prompt")

	h := g.History()
	require.Len(t, h, 3)
	assert.Equal(t, inference.NewSystemMessage("second prompt"), h[0])
	assert.Equal(t, "u1", h[1].Content)
	assert.Equal(t, "a1", h[2].Content)
	assert.Equal(t, "second prompt", g.SystemPrompt())

	h[0].Content = "mutated"
	assert.Equal(t, "second prompt", g.History()[0].Content, "History returns a copy")

	g.ClearHistory()
	assert.Equal(t, []inference.Message{inference.NewSystemMessage("second prompt")}, g.History())

	g.SetSystemPrompt("")
	assert.Empty(t, g.History())
	assert.Empty(t, g.SystemPrompt())

	g.AddMessage(inference.RoleUser, "u2")
	g.SetSystemPrompt("third")
	assert.Equal(t, inference.RoleSystem, g.History()[0].Role)
}

func TestClose(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus)
	provider := &inference.Mock{Tokens: []string{"x"}, TokenDelay: time.Minute}
	g := New(provider, bus, DefaultConfig())

	g.Generate(context.Background(), "hi")
	require.NoError(t, g.Close())

	_, ok := rec.last().(events.ResponseCancelled)
	assert.True(t, ok)
}
