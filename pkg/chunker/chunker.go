// Package chunker cuts streamed response text into speakable units.
//
// Units are cut at sentence ends when possible so synthesis can start
// before the model has finished. Long runs without punctuation fall back
// to clause and then word boundaries, so a unit is never held back
// waiting for a terminator that may not come.
package chunker

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voiceloop/pkg/events"
)

// Config configures a Chunker.
type Config struct {
	// MaxLength is the preferred maximum unit length in runes.
	MaxLength int `yaml:"max_length" json:"max_length" mapstructure:"max_length"`

	Logger *slog.Logger `yaml:"-" json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default chunker configuration.
func DefaultConfig() Config {
	return Config{MaxLength: 500}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxLength <= 0 {
		return fmt.Errorf("chunker: max_length must be positive, got %d", c.MaxLength)
	}
	return nil
}

type session struct {
	buf  string
	next int
}

// Chunker turns response events into SpeechUnit events.
type Chunker struct {
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	unsubs []func()
}

// New creates a chunker subscribed to response and speak events on bus.
func New(bus *events.Bus, cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Chunker{
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "chunker"),
		sessions: make(map[string]*session),
	}
	c.unsubs = []func(){
		events.On(bus, c.onChunk),
		events.On(bus, c.onCompleted),
		events.On(bus, func(e events.ResponseError) { c.discard(e.ResponseID) }),
		events.On(bus, func(e events.ResponseCancelled) { c.discard(e.ResponseID) }),
		events.On(bus, c.onSpeak),
	}
	return c, nil
}

func (c *Chunker) onChunk(e events.ResponseChunk) {
	c.mu.Lock()
	s := c.session(e.ResponseID)
	units, rest := cut(s.buf+e.Token, c.cfg.MaxLength)
	s.buf = rest
	first := s.next
	s.next += len(units)
	c.mu.Unlock()

	c.publish(e.ResponseID, first, units)
}

func (c *Chunker) onCompleted(e events.ResponseCompleted) {
	c.mu.Lock()
	s, ok := c.sessions[e.ResponseID]
	if !ok {
		// No tokens were seen for this response; chunk the final text.
		s = &session{buf: e.Text}
	}
	delete(c.sessions, e.ResponseID)
	units := Split(s.buf, c.cfg.MaxLength)
	first := s.next
	total := s.next + len(units)
	c.mu.Unlock()

	c.publish(e.ResponseID, first, units)
	c.logger.Debug("units complete", "response_id", e.ResponseID, "total", total)
	c.bus.Publish(events.UnitsComplete{ResponseID: e.ResponseID, Total: total})
}

// discard drops buffered text. Units already emitted still play, so the
// total is published for the queue to finish on.
func (c *Chunker) discard(responseID string) {
	c.mu.Lock()
	var total int
	if s, ok := c.sessions[responseID]; ok {
		total = s.next
		if strings.TrimSpace(s.buf) != "" {
			c.logger.Debug("discarding buffered text", "response_id", responseID, "chars", len(s.buf))
		}
	}
	delete(c.sessions, responseID)
	c.mu.Unlock()

	c.bus.Publish(events.UnitsComplete{ResponseID: responseID, Total: total})
}

func (c *Chunker) onSpeak(e events.SpeakRequested) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	units := Split(e.Text, c.cfg.MaxLength)
	c.publish(id, 0, units)
	c.bus.Publish(events.UnitsComplete{ResponseID: id, Total: len(units)})
}

func (c *Chunker) session(id string) *session {
	s, ok := c.sessions[id]
	if !ok {
		s = &session{}
		c.sessions[id] = s
	}
	return s
}

func (c *Chunker) publish(responseID string, first int, units []string) {
	for i, text := range units {
		c.logger.Debug("speech unit", "response_id", responseID, "seq", first+i, "chars", len(text))
		c.bus.Publish(events.SpeechUnit{
			ResponseID: responseID,
			Sequence:   first + i,
			Text:       text,
		})
	}
}

// Pending returns the buffered, not yet emitted text of a response.
func (c *Chunker) Pending(responseID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[responseID]; ok {
		return s.buf
	}
	return ""
}

// Close unsubscribes from the bus.
func (c *Chunker) Close() error {
	for _, unsub := range c.unsubs {
		unsub()
	}
	return nil
}
