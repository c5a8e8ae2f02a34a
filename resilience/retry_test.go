package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmesh/adaptive-router/core"
)

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("always fails")
	})
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsImmediatelyOnFatalError(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	attempts := 0
	fatal := core.NewRoutingError("dispatch.Execute", core.KindAdapterFatal, core.ErrAdapterFatal)

	_ = Retry(context.Background(), cfg, func() error {
		attempts++
		return fatal
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (fatal errors should not retry)", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, cfg, func() error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffDelayRespectsCap(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second, Factor: 2}
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(cfg, attempt)
		if d > cfg.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, cfg.MaxDelay)
		}
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
	}
}
