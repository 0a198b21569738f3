// Package events provides the publish/subscribe bus that links pipeline
// components, plus one payload type per topic.
//
// A Bus is constructed explicitly and handed to each component. Delivery is
// synchronous: Publish invokes every subscriber in the caller's goroutine,
// after the subscriber set has been snapshotted and the lock released, so a
// handler may itself publish or subscribe.
//
//	bus := events.NewBus(logger)
//	defer bus.Close()
//
//	events.On(bus, func(e events.TranscriptionResult) {
//	    fmt.Println(e.Text)
//	})
//	bus.Publish(events.TranscriptionResult{Text: "hello"})
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler receives events from the bus.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus distributes events to subscribers by topic.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[Topic]map[string]Handler
	all    map[string]Handler
	closed atomic.Bool

	published atomic.Uint64
	panics    atomic.Uint64
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "events.bus"),
		topics: make(map[Topic]map[string]Handler),
		all:    make(map[string]Handler),
	}
}

// Subscribe registers h for topic and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	id := uuid.NewString()

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]Handler)
		b.topics[topic] = subs
	}
	subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
	}
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	id := uuid.NewString()

	b.mu.Lock()
	b.all[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to the subscribers of its topic, then to the
// subscribers of all topics. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(e Event) {
	if e == nil || b.closed.Load() {
		return
	}

	topic := e.Topic()

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.topics[topic])+len(b.all))
	for id, h := range b.topics[topic] {
		subs = append(subs, subscription{id: id, handler: h})
	}
	for id, h := range b.all {
		subs = append(subs, subscription{id: id, handler: h})
	}
	b.mu.RUnlock()

	b.published.Add(1)

	for _, s := range subs {
		b.deliver(topic, s, e)
	}
}

func (b *Bus) deliver(topic Topic, s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("subscriber panicked",
				"topic", topic,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(e)
}

// SubscriberCount returns the number of subscribers for topic, excluding
// subscribers of all topics.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats returns the number of published events and recovered handler panics.
func (b *Bus) Stats() (published, panics uint64) {
	return b.published.Load(), b.panics.Load()
}

// Close drops all subscribers and stops delivery.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	b.topics = make(map[Topic]map[string]Handler)
	b.all = make(map[string]Handler)
	b.mu.Unlock()
}

// On subscribes a typed handler to the topic of T.
//
//	events.On(bus, func(e events.SpeechEnded) { ... })
func On[T Event](b *Bus, fn func(T)) (unsubscribe func()) {
	var zero T
	return b.Subscribe(zero.Topic(), func(e Event) {
		if v, ok := e.(T); ok {
			fn(v)
		}
	})
}
