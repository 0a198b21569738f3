// Package response turns a user turn into a streamed assistant reply.
//
// A Generator owns the conversation history and allows at most one
// generation at a time. Tokens are published on the bus as they arrive;
// the assistant message is committed to history only when the stream
// completes cleanly.
package response

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/inference"
)

// Config configures a Generator.
type Config struct {
	// SystemPrompt seeds the history as its first message.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt" mapstructure:"system_prompt"`

	// Model overrides the provider's default model.
	Model string `yaml:"model" json:"model" mapstructure:"model"`

	// MaxTokens and Temperature override provider defaults when non-zero.
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" json:"temperature" mapstructure:"temperature"`

	// Timeout bounds one generation, zero disables it.
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`

	Logger *slog.Logger `yaml:"-" json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default generator configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 2 * time.Minute,
	}
}

// Session is a snapshot of one generation.
type Session struct {
	ID       string
	UserText string
	Text     string
	Complete bool
	Started  time.Time
}

// Generator streams responses from an inference provider.
type Generator struct {
	provider inference.Provider
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	histMu  sync.Mutex
	history []inference.Message

	mu         sync.Mutex
	generating bool
	cancelled  bool
	current    Session
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

// New creates a generator publishing on bus.
func New(provider inference.Provider, bus *events.Bus, cfg Config) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{
		provider: provider,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "response.generator"),
	}
	if cfg.SystemPrompt != "" {
		g.AddMessage(inference.RoleSystem, cfg.SystemPrompt)
	}
	return g
}

// Generate appends userText to the history and starts streaming a reply in
// the background. It returns the new response ID, or "" when a generation
// is already in progress. ctx bounds the whole generation.
func (g *Generator) Generate(ctx context.Context, userText string) string {
	g.mu.Lock()
	if g.generating {
		g.mu.Unlock()
		g.logger.Debug("generation already in progress, rejecting")
		return ""
	}
	id := uuid.NewString()
	genCtx, cancel := context.WithCancel(ctx)
	if g.cfg.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		genCtx, timeoutCancel = context.WithTimeout(genCtx, g.cfg.Timeout)
		parent := cancel
		cancel = func() { timeoutCancel(); parent() }
	}
	g.generating = true
	g.cancelled = false
	g.cancel = cancel
	g.current = Session{ID: id, UserText: userText, Started: time.Now()}
	g.wg.Add(1)
	g.mu.Unlock()

	if userText != "" {
		g.AddMessage(inference.RoleUser, userText)
	}

	req := &inference.ChatRequest{
		Messages:    g.History(),
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}

	go g.run(genCtx, id, userText, req)
	return id
}

func (g *Generator) run(ctx context.Context, id, userText string, req *inference.ChatRequest) {
	defer g.wg.Done()

	logger := g.logger.With("response_id", id)
	logger.Info("generation started", "messages", len(req.Messages))
	g.bus.Publish(events.ResponseStarted{ResponseID: id, UserText: userText})

	text, err := g.stream(ctx, id, req)

	// The reply is committed before the guard is released, and the guard
	// before the terminal event so that handlers observe an idle generator.
	g.mu.Lock()
	cancelled := g.cancelled
	if err == nil && !cancelled {
		g.current.Complete = true
		if strings.TrimSpace(text) != "" {
			g.AddMessage(inference.RoleAssistant, text)
		}
	}
	g.generating = false
	g.cancel()
	g.current.Text = text
	g.mu.Unlock()

	switch {
	case cancelled:
		logger.Info("generation cancelled", "chars", len(text))
		g.bus.Publish(events.ResponseCancelled{ResponseID: id, Partial: text})
	case err != nil:
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "generation timed out"
		}
		logger.Warn("generation failed", "error", err)
		g.bus.Publish(events.ResponseError{ResponseID: id, Reason: reason, Err: err})
	default:
		logger.Info("generation completed", "chars", len(text))
		g.bus.Publish(events.ResponseCompleted{ResponseID: id, Text: text})
	}
}

// stream drains the provider stream, publishing each token.
func (g *Generator) stream(ctx context.Context, id string, req *inference.ChatRequest) (string, error) {
	stream, err := g.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sb.String(), ctxErr
			}
			return sb.String(), err
		}

		if chunk.Delta != "" {
			if g.isCancelled() {
				return sb.String(), context.Canceled
			}
			sb.WriteString(chunk.Delta)
			accumulated := sb.String()

			g.mu.Lock()
			g.current.Text = accumulated
			g.mu.Unlock()

			g.bus.Publish(events.ResponseChunk{
				ResponseID:  id,
				Token:       chunk.Delta,
				Accumulated: accumulated,
			})
		}

		if chunk.Done {
			return sb.String(), nil
		}
	}
}

func (g *Generator) isCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// Cancel stops the running generation. The partial reply is not committed
// and ResponseCancelled is published once the stream has unwound.
// It returns false when nothing was generating.
func (g *Generator) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.generating || g.cancelled {
		return false
	}
	g.cancelled = true
	g.cancel()
	g.logger.Info("cancelling generation", "response_id", g.current.ID)
	return true
}

// IsGenerating reports whether a generation is in progress.
func (g *Generator) IsGenerating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generating
}

// Current returns the latest session, and false if none was started.
func (g *Generator) Current() (Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, g.current.ID != ""
}

// Wait blocks until no generation is running.
func (g *Generator) Wait() {
	g.wg.Wait()
}

// Close cancels any running generation and waits for it to finish.
func (g *Generator) Close() error {
	g.Cancel()
	g.wg.Wait()
	return nil
}
