package providers

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig bounds the provider retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the standard provider retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
	}
}

// RetryDo runs fn, retrying retriable provider errors with exponential
// backoff plus jitter. A Retry-After hint from the provider overrides the
// computed delay. Non-retriable errors and context cancellation return
// immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.Retriable() || attempt == cfg.MaxAttempts {
			return zero, err
		}

		delay := cfg.BaseDelay << (attempt - 1)
		if pe.RetryAfter > 0 {
			delay = time.Duration(pe.RetryAfter) * time.Second
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if jitter := int64(delay / 4); jitter > 0 {
			delay += time.Duration(rand.Int63n(jitter))
		}

		slog.Warn("provider call failed, retrying",
			"provider", pe.Provider, "kind", pe.Kind.String(),
			"attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
