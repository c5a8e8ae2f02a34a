package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowmesh/adaptive-router/core"
	"github.com/flowmesh/adaptive-router/resilience"
	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu          sync.Mutex
	failTimes   int
	calls       int
	fatal       bool
	output      interface{}
}

func (a *fakeAdapter) Execute(ctx context.Context, task Task) (AdapterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failTimes {
		kind := core.KindAdapterTransient
		if a.fatal {
			kind = core.KindAdapterFatal
		}
		return AdapterResult{}, core.NewRoutingError("fakeAdapter.Execute", kind, assertError{})
	}
	return AdapterResult{ExecutionID: "exec-1", Output: a.output}, nil
}

func (a *fakeAdapter) Health(ctx context.Context) (AdapterHealthStatus, string) {
	return core.HealthHealthy, "ok"
}

type assertError struct{}

func (assertError) Error() string { return "simulated failure" }

type fakePreferences struct {
	order []schema.AdapterKind
}

func (f *fakePreferences) PreferenceOrder(taskKind schema.TaskKind, executionID string) schema.PreferenceOrder {
	return schema.PreferenceOrder{TaskKind: taskKind, Adapters: f.order}
}

type fakeTracker struct {
	mu      sync.Mutex
	started int
	ended   int
}

func (f *fakeTracker) RecordStart(adapter schema.AdapterKind, taskKind schema.TaskKind, repos []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return "exec"
}

func (f *fakeTracker) RecordEnd(ctx context.Context, executionID string, params TrackerRecordEndParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
}

func fastRetryConfig() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2.0}
}

func TestExecuteWithFallbackSucceedsOnFirstAdapter(t *testing.T) {
	adapter := &fakeAdapter{output: "ok"}
	r := New(Config{
		Adapters:    map[schema.AdapterKind]Adapter{schema.AdapterPrefect: adapter},
		Preferences: &fakePreferences{order: []schema.AdapterKind{schema.AdapterPrefect}},
		RetryConfig: fastRetryConfig(),
	})

	result := r.ExecuteWithFallback(context.Background(), Task{TaskKind: schema.TaskWorkflow})

	assert.True(t, result.Success)
	assert.Equal(t, schema.AdapterPrefect, result.Adapter)
	assert.Equal(t, "ok", result.Output)
}

func TestExecuteWithFallbackRetriesTransientFailure(t *testing.T) {
	adapter := &fakeAdapter{output: "ok", failTimes: 1}
	r := New(Config{
		Adapters:    map[schema.AdapterKind]Adapter{schema.AdapterPrefect: adapter},
		Preferences: &fakePreferences{order: []schema.AdapterKind{schema.AdapterPrefect}},
		RetryConfig: fastRetryConfig(),
	})

	result := r.ExecuteWithFallback(context.Background(), Task{TaskKind: schema.TaskWorkflow})

	assert.True(t, result.Success)
	assert.Equal(t, 2, adapter.calls)
}

func TestExecuteWithFallbackFallsBackOnFatalError(t *testing.T) {
	primary := &fakeAdapter{fatal: true, failTimes: 100}
	secondary := &fakeAdapter{output: "fallback-ok"}
	r := New(Config{
		Adapters: map[schema.AdapterKind]Adapter{
			schema.AdapterPrefect: primary,
			schema.AdapterAgno:    secondary,
		},
		Preferences: &fakePreferences{order: []schema.AdapterKind{schema.AdapterPrefect, schema.AdapterAgno}},
		RetryConfig: fastRetryConfig(),
	})

	result := r.ExecuteWithFallback(context.Background(), Task{TaskKind: schema.TaskWorkflow})

	require.True(t, result.Success)
	assert.Equal(t, schema.AdapterAgno, result.Adapter)
	assert.Equal(t, 1, primary.calls) // fatal error: no retry before falling back
	assert.Equal(t, []schema.AdapterKind{schema.AdapterPrefect, schema.AdapterAgno}, result.FallbackChain)
}

func TestExecuteWithFallbackAllAdaptersFail(t *testing.T) {
	primary := &fakeAdapter{fatal: true, failTimes: 100}
	secondary := &fakeAdapter{fatal: true, failTimes: 100}
	r := New(Config{
		Adapters: map[schema.AdapterKind]Adapter{
			schema.AdapterPrefect: primary,
			schema.AdapterAgno:    secondary,
		},
		Preferences: &fakePreferences{order: []schema.AdapterKind{schema.AdapterPrefect, schema.AdapterAgno}},
		RetryConfig: fastRetryConfig(),
	})

	result := r.ExecuteWithFallback(context.Background(), Task{TaskKind: schema.TaskWorkflow})

	assert.False(t, result.Success)
	assert.Error(t, result.Error)
	assert.NotEmpty(t, result.RecoveryHint)
}

func TestExecuteWithFallbackNoAdaptersConfigured(t *testing.T) {
	r := New(Config{})
	result := r.ExecuteWithFallback(context.Background(), Task{TaskKind: schema.TaskWorkflow})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, core.ErrNoAdapterAvailable)
}

func TestExecuteWithFallbackUsesCallerPreferenceOrderVerbatim(t *testing.T) {
	adapter := &fakeAdapter{output: "ok"}
	r := New(Config{
		Adapters:    map[schema.AdapterKind]Adapter{schema.AdapterLlamaIndex: adapter},
		Preferences: &fakePreferences{order: []schema.AdapterKind{schema.AdapterPrefect}},
		RetryConfig: fastRetryConfig(),
	})

	result := r.ExecuteWithFallback(context.Background(), Task{
		TaskKind:        schema.TaskWorkflow,
		PreferenceOrder: []schema.AdapterKind{schema.AdapterLlamaIndex},
	})

	assert.True(t, result.Success)
	assert.Equal(t, schema.AdapterLlamaIndex, result.Adapter)
}

func TestExecuteWithFallbackRecordsStartAndEnd(t *testing.T) {
	adapter := &fakeAdapter{output: "ok"}
	tracker := &fakeTracker{}
	r := New(Config{
		Adapters:    map[schema.AdapterKind]Adapter{schema.AdapterPrefect: adapter},
		Preferences: &fakePreferences{order: []schema.AdapterKind{schema.AdapterPrefect}},
		Tracker:     tracker,
		RetryConfig: fastRetryConfig(),
	})

	r.ExecuteWithFallback(context.Background(), Task{TaskKind: schema.TaskWorkflow})

	assert.Equal(t, 1, tracker.started)
	assert.Equal(t, 1, tracker.ended)
}
