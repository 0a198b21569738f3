package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultCooldown is how long a Chain skips a provider after it failed.
const DefaultCooldown = 30 * time.Second

// Chain implements Provider by trying providers in order.
//
// A reply is synthesized one sentence at a time, so a dead primary would
// otherwise add its connect timeout to every sentence. After a failure the
// provider is benched for Cooldown and later calls go straight to the next
// one. The last provider is never benched.
type Chain struct {
	providers []Provider
	logger    *slog.Logger

	mu       sync.Mutex
	cooldown time.Duration
	benched  []time.Time
	now      func() time.Time
}

// NewChain creates a provider chain. At least one provider is required.
// A nil logger uses slog.Default().
func NewChain(logger *slog.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		providers: providers,
		logger:    logger.With("component", "tts.chain"),
		cooldown:  DefaultCooldown,
		benched:   make([]time.Time, len(providers)),
		now:       time.Now,
	}, nil
}

// SetCooldown changes how long a failed provider is skipped. Zero retries
// every provider on every call.
func (c *Chain) SetCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldown = d
}

func (c *Chain) isBenched(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return i < len(c.providers)-1 && c.now().Before(c.benched[i])
}

func (c *Chain) setBenched(i int, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if failed {
		c.benched[i] = c.now().Add(c.cooldown)
	} else {
		c.benched[i] = time.Time{}
	}
}

// Synthesize returns the first successful result. Cancellation of ctx stops
// the chain without benching the provider that was interrupted.
func (c *Chain) Synthesize(ctx context.Context, text, voice string, speed float64) (*AudioResult, error) {
	var errs []error

	for i, p := range c.providers {
		if c.isBenched(i) {
			continue
		}
		result, err := p.Synthesize(ctx, text, voice, speed)
		if err == nil {
			c.setBenched(i, false)
			if i > 0 {
				c.logger.Debug("served by fallback", "provider", p.Name(), "chars", len(text))
			}
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		errs = append(errs, err)
		c.setBenched(i, true)
		if i < len(c.providers)-1 {
			c.logger.Warn("provider failed, falling back",
				"provider", p.Name(),
				"next", c.providers[i+1].Name(),
				"error", err,
			)
		}
	}

	return nil, &ChainError{Errors: errs}
}

// Name returns "chain".
func (c *Chain) Name() string { return "chain" }

// Close closes every provider.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Providers returns the providers in order.
func (c *Chain) Providers() []Provider {
	return c.providers
}

var _ Provider = (*Chain)(nil)
