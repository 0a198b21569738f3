package events_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voiceloop/pkg/events"
)

func TestPublishDeliversToTopicSubscribers(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	var got []string
	events.On(bus, func(e events.TranscriptionResult) {
		got = append(got, e.Text)
	})
	events.On(bus, func(e events.ResponseChunk) {
		t.Errorf("unexpected delivery to response.chunk: %+v", e)
	})

	bus.Publish(events.TranscriptionResult{Text: "hello"})
	bus.Publish(events.TranscriptionResult{Text: "world"})

	assert.Equal(t, []string{"hello", "world"}, got)
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := events.NewBus(nil)

	var topics []events.Topic
	bus.SubscribeAll(func(e events.Event) {
		topics = append(topics, e.Topic())
	})

	bus.Publish(events.ListeningStarted{})
	bus.Publish(events.SpeechEnded{ResponseID: "r1"})

	assert.Equal(t, []events.Topic{events.TopicListeningStarted, events.TopicSpeechEnded}, topics)
}

func TestUnsubscribe(t *testing.T) {
	bus := events.NewBus(nil)

	calls := 0
	unsub := bus.Subscribe(events.TopicSpeechEnded, func(events.Event) { calls++ })
	require.Equal(t, 1, bus.SubscriberCount(events.TopicSpeechEnded))

	bus.Publish(events.SpeechEnded{})
	unsub()
	unsub()
	bus.Publish(events.SpeechEnded{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount(events.TopicSpeechEnded))
}

func TestHandlerMayPublishAndSubscribe(t *testing.T) {
	bus := events.NewBus(nil)

	var ended bool
	events.On(bus, func(e events.ResponseCompleted) {
		events.On(bus, func(events.SpeechEnded) { ended = true })
		bus.Publish(events.SpeechEnded{ResponseID: e.ResponseID})
	})

	bus.Publish(events.ResponseCompleted{ResponseID: "r1"})
	assert.True(t, ended)
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := events.NewBus(nil)

	delivered := false
	bus.Subscribe(events.TopicBotError, func(events.Event) { panic("boom") })
	bus.Subscribe(events.TopicBotError, func(events.Event) { delivered = true })

	require.NotPanics(t, func() {
		bus.Publish(events.BotError{Reason: "x"})
	})
	assert.True(t, delivered)

	published, panics := bus.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(1), panics)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := events.NewBus(nil)

	calls := 0
	bus.SubscribeAll(func(events.Event) { calls++ })
	bus.Close()
	bus.Close()
	bus.Publish(events.ListeningStopped{})

	assert.Zero(t, calls)
}

func TestConcurrentPublish(t *testing.T) {
	bus := events.NewBus(nil)

	var mu sync.Mutex
	count := 0
	events.On(bus, func(events.SpeechUnit) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(events.SpeechUnit{Sequence: j})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 400, count)
}

func TestTopicsAreUnique(t *testing.T) {
	all := []events.Event{
		events.ListeningStarted{}, events.ListeningStopped{}, events.ListeningPaused{},
		events.ListeningResumed{}, events.ListeningError{}, events.UtteranceReady{},
		events.TranscriptionStarted{}, events.TranscriptionResult{}, events.TranscriptionError{},
		events.TranscriptionFinished{},
		events.ResponseStarted{}, events.ResponseChunk{}, events.ResponseCompleted{},
		events.ResponseError{}, events.ResponseCancelled{}, events.SpeakRequested{},
		events.SpeechUnit{}, events.UnitsComplete{}, events.UnitSynthesized{},
		events.SpeechStarted{}, events.SpeechChunkStarted{}, events.SpeechChunkEnded{},
		events.SpeechEnded{}, events.SpeechError{}, events.SpeechPaused{},
		events.SpeechResumed{}, events.SpeechCleared{}, events.StateChanged{},
		events.UserMessage{}, events.AssistantMessage{}, events.AssistantChunk{},
		events.BotError{},
	}

	seen := make(map[events.Topic]bool)
	for _, e := range all {
		topic := e.Topic()
		assert.False(t, seen[topic], "duplicate topic %s", topic)
		seen[topic] = true
	}
}
