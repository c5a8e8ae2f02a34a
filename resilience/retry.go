package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/flowmesh/adaptive-router/core"
)

// RetryConfig configures exponential backoff with full jitter:
// delay = random(0, min(cap, base * factor^attempt)).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultRetryConfig matches the adapter retry policy every Task
// Router dispatch uses unless a caller overrides it: base 1s, factor
// 2, capped at 30s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2.0,
	}
}

// Retry executes fn until it succeeds, ctx is cancelled, or
// MaxAttempts is exhausted, sleeping with full-jitter exponential
// backoff between attempts.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if core.IsAdapterFatal(err) {
				break
			}
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(config, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("attempts exhausted for %v: %w", lastErr, core.ErrMaxRetriesExceeded)
}

// backoffDelay computes full-jitter exponential backoff for the given
// zero-indexed attempt: a uniformly random duration between zero and
// the capped exponential ceiling, so retrying callers never
// synchronize on the same clock tick.
func backoffDelay(config *RetryConfig, attempt int) time.Duration {
	ceiling := float64(config.BaseDelay) * pow(config.Factor, attempt)
	if cap := float64(config.MaxDelay); ceiling > cap {
		ceiling = cap
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * ceiling)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// RetryWithCircuitBreaker combines Retry with a CircuitBreaker so an
// open breaker fails fast instead of burning through retry attempts.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
