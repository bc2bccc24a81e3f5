package enrichment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds the retry loop around a flaky gateway.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns retry settings suitable for HTTP-backed sources.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// RetryingGateway wraps another gateway with bounded exponential backoff.
// ErrNotFound and context errors are terminal and never retried.
type RetryingGateway struct {
	inner  Gateway
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetryingGateway wraps inner with retry behavior.
func NewRetryingGateway(inner Gateway, cfg RetryConfig, logger *zap.Logger) *RetryingGateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingGateway{inner: inner, cfg: cfg, logger: logger}
}

// Fetch delegates to the inner gateway, retrying transient failures.
func (g *RetryingGateway) Fetch(ctx context.Context, customer string) (*Bundle, error) {
	var lastErr error
	delay := g.cfg.BaseDelay

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		b, err := g.inner.Fetch(ctx, customer)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err

		if attempt < g.cfg.MaxAttempts {
			g.logger.Warn("enrichment fetch failed, retrying",
				zap.String("customer", customer),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > g.cfg.MaxDelay {
				delay = g.cfg.MaxDelay
			}
		}
	}
	return nil, lastErr
}
