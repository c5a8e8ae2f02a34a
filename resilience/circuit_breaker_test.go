package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmesh/adaptive-router/core"
)

func newTestBreaker(t *testing.T) *CircuitBreaker {
	t.Helper()
	cfg := DefaultCircuitBreakerConfig("prefect")
	cfg.VolumeThreshold = 2
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = 10 * time.Millisecond
	cfg.HalfOpenRequests = 1
	cfg.SuccessThreshold = 1.0
	cb, err := NewCircuitBreaker(cfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}
	return cb
}

func TestCircuitBreakerOpensOnErrorThreshold(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	boom := core.NewRoutingError("dispatch.Execute", core.KindAdapterTransient, core.ErrAdapterTimeout)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return boom })
	}

	if cb.GetState() != "open" {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	err := cb.Execute(ctx, func() error { return nil })
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	boom := errors.New("adapter down")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return boom })
	}
	if cb.GetState() != "open" {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	time.Sleep(15 * time.Millisecond)

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if cb.GetState() != "closed" {
		t.Errorf("state = %s, want closed after successful probe", cb.GetState())
	}
}

func TestCircuitBreakerValidationErrorsDoNotCount(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	validationErr := core.NewRoutingError("cost.CheckBudget", core.KindValidation, core.ErrOutOfRange)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return validationErr })
	}
	if cb.GetState() != "closed" {
		t.Errorf("validation errors should not trip the breaker, got state %s", cb.GetState())
	}
}

func TestCircuitBreakerResetReturnsToClosed(t *testing.T) {
	cb := newTestBreaker(t)
	ctx := context.Background()
	boom := errors.New("adapter down")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return boom })
	}
	cb.Reset()
	if cb.GetState() != "closed" {
		t.Errorf("state after Reset = %s, want closed", cb.GetState())
	}
}
