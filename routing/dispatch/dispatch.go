// Package dispatch implements the Task Router: the single dispatch
// entry point that composes the Statistical Router, the Cost
// Optimizer, and the Execution Tracker, executing with retry+fallback
// and emitting the full metric contract.
//
// The per-adapter retry+circuit-breaker composition reuses
// the resilience package's primitives directly, the same way any flaky
// downstream call gets retry and circuit breaking layered over it;
// what's specific to this package is threading each individual attempt
// through the Execution Tracker so every attempt — not just every
// adapter — gets its own execution record and metric emission.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/flowmesh/adaptive-router/core"
	"github.com/flowmesh/adaptive-router/resilience"
	"github.com/flowmesh/adaptive-router/routing/flags"
	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/flowmesh/adaptive-router/telemetry"
)

// Task is the unit of work handed to an adapter.
type Task struct {
	TaskKind schema.TaskKind
	Payload  map[string]interface{}
	Repos    []string

	// PreferenceOrder, if non-empty, is used verbatim as the candidate
	// order, taking priority over any computed order.
	PreferenceOrder []schema.AdapterKind
}

// AdapterResult is what Adapter.Execute returns on success.
type AdapterResult struct {
	ExecutionID string
	Output      interface{}
}

// AdapterHealthStatus mirrors core.HealthStatus for the adapter-facing
// boundary.
type AdapterHealthStatus = core.HealthStatus

// Adapter is the opaque execution backend boundary.
// Implementations are adapter HTTP clients (Prefect/Agno/LlamaIndex)
// living outside this core; only this interface is assumed.
type Adapter interface {
	Execute(ctx context.Context, task Task) (AdapterResult, error)
	Health(ctx context.Context) (AdapterHealthStatus, string)
}

// StatsTracker is the narrow Execution Tracker surface the Task Router
// drives directly (RecordStart/RecordEnd), kept separate from the
// StatsSource views routing/statrouter and routing/cost use.
type StatsTracker interface {
	RecordStart(adapter schema.AdapterKind, taskKind schema.TaskKind, repos []string) string
	RecordEnd(ctx context.Context, executionID string, params TrackerRecordEndParams)
}

// TrackerRecordEndParams mirrors tracker.RecordEndParams so this
// package does not need to import routing/tracker directly; the
// composition root adapts the concrete Tracker to this shape.
type TrackerRecordEndParams struct {
	Status       schema.ExecutionStatus
	LatencyMS    *float64
	ErrorType    string
	ErrorMessage string
}

// Mode selects how the candidate adapter order is derived when the
// caller does not supply one explicitly.
type Mode string

const (
	ModeStatistical   Mode = "statistical"
	ModeAdaptive      Mode = "adaptive"
	ModeCostOptimized Mode = "cost_optimized"
)

// PreferenceSource is the narrow Statistical Router surface the Task
// Router needs.
type PreferenceSource interface {
	PreferenceOrder(taskKind schema.TaskKind, executionID string) schema.PreferenceOrder
}

// CostSource is the narrow Cost Optimizer surface the Task Router
// needs.
type CostSource interface {
	OptimalAdapterAdapter(taskKind schema.TaskKind) (schema.AdapterKind, bool)
	TrackExecutionCost(ctx context.Context, adapter schema.AdapterKind, taskKind schema.TaskKind, latencyMS float64) interface{}
}

// Config configures a Router.
type Config struct {
	Adapters map[schema.AdapterKind]Adapter
	Mode     Mode // default ModeStatistical

	DefaultTimeout time.Duration // default 300s
	AITaskTimeout  time.Duration // default 600s

	RetryConfig *resilience.RetryConfig // default resilience.DefaultRetryConfig()
	Breakers    map[schema.AdapterKind]*resilience.CircuitBreaker

	Tracker     StatsTracker
	Preferences PreferenceSource
	Cost        CostSource

	Logger core.Logger
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeStatistical
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.AITaskTimeout == 0 {
		c.AITaskTimeout = 600 * time.Second
	}
	if c.RetryConfig == nil {
		c.RetryConfig = resilience.DefaultRetryConfig()
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

// Router is the Task Router. Use New to construct.
type Router struct {
	cfg Config
}

// New constructs a Router.
func New(cfg Config) *Router {
	cfg.setDefaults()
	return &Router{cfg: cfg}
}

// Attempt records one RecordStart/Execute/RecordEnd cycle for the
// fallback-chain history.
type Attempt struct {
	Adapter  schema.AdapterKind
	Status   schema.ExecutionStatus
	Err      error
}

// Result is ExecuteWithFallback's return shape.
type Result struct {
	Success       bool
	Adapter       schema.AdapterKind
	FallbackChain []schema.AdapterKind
	Attempts      []Attempt
	TotalAttempts int
	Output        interface{}
	Error         error
	RecoveryHint  string
}

// candidateOrder resolves the ordered list of adapters to try: a
// caller-supplied preference order wins outright, otherwise a
// cost-optimized mode leads with the Cost Optimizer's top-scored adapter
// followed by the statistical order without it, and otherwise the
// statistical preference order is used.
func (r *Router) candidateOrder(task Task, executionID string) []schema.AdapterKind {
	if len(task.PreferenceOrder) > 0 {
		return task.PreferenceOrder
	}

	if r.cfg.Mode == ModeCostOptimized && r.cfg.Cost != nil {
		top, ok := r.cfg.Cost.OptimalAdapterAdapter(task.TaskKind)
		if ok {
			order := r.statisticalOrderExcluding(task, executionID, top)
			return append([]schema.AdapterKind{top}, order...)
		}
	}

	if r.cfg.Preferences != nil {
		order := r.cfg.Preferences.PreferenceOrder(task.TaskKind, executionID)
		if len(order.Adapters) > 0 {
			return order.Adapters
		}
	}
	return schema.DefaultAdapterOrder
}

func (r *Router) statisticalOrderExcluding(task Task, executionID string, exclude schema.AdapterKind) []schema.AdapterKind {
	var base []schema.AdapterKind
	if r.cfg.Preferences != nil {
		base = r.cfg.Preferences.PreferenceOrder(task.TaskKind, executionID).Adapters
	}
	if len(base) == 0 {
		base = schema.DefaultAdapterOrder
	}
	out := make([]schema.AdapterKind, 0, len(base))
	for _, a := range base {
		if a != exclude {
			out = append(out, a)
		}
	}
	return out
}

func (r *Router) timeoutFor(taskKind schema.TaskKind) time.Duration {
	if taskKind == schema.TaskAI {
		return r.cfg.AITaskTimeout
	}
	return r.cfg.DefaultTimeout
}

// ExecuteWithFallback is the single entry point for dispatch.
func (r *Router) ExecuteWithFallback(ctx context.Context, task Task) Result {
	if len(r.cfg.Adapters) == 0 {
		return Result{Success: false, Error: core.ErrNoAdapterAvailable, RecoveryHint: core.RecoveryHint(core.NewRoutingError("dispatch.ExecuteWithFallback", core.KindInternal, core.ErrNoAdapterAvailable))}
	}

	decisionID := schema.NewExecutionID()
	chain := r.candidateOrder(task, decisionID)

	if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil && len(chain) > 0 {
		telemetry.EmitWithContext(ctx, telemetry.MetricRoutingDecisions, 1, "task_kind", string(task.TaskKind), "selected_adapter", string(chain[0]))
	}

	var attempts []Attempt
	var lastErr error

	for i, adapterKind := range chain {
		adapter, ok := r.cfg.Adapters[adapterKind]
		if !ok {
			continue
		}

		outcome, output, err := r.runAdapterWithRetry(ctx, adapter, adapterKind, task)
		attempts = append(attempts, outcome...)

		success := err == nil
		if success {
			return Result{
				Success:       true,
				Adapter:       adapterKind,
				FallbackChain: chainPrefix(chain, i+1),
				Attempts:      attempts,
				TotalAttempts: len(attempts),
				Output:        output,
			}
		}

		lastErr = err
		if errors.Is(err, context.Canceled) {
			return Result{
				Success:       false,
				FallbackChain: chainPrefix(chain, i+1),
				Attempts:      attempts,
				TotalAttempts: len(attempts),
				Error:         err,
			}
		}

		if i < len(chain)-1 {
			if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
				telemetry.EmitWithContext(ctx, telemetry.MetricRoutingFallbacks, 1,
					"task_kind", string(task.TaskKind), "from_adapter", string(adapterKind), "to_adapter", string(chain[i+1]))
			}
		}
	}

	if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
		telemetry.EmitWithContext(ctx, telemetry.MetricFallbackChainLen, float64(len(chain)), "task_kind", string(task.TaskKind))
	}

	wrapped := core.NewRoutingError("dispatch.ExecuteWithFallback", core.KindOf(lastErr), lastErr)
	return Result{
		Success:       false,
		FallbackChain: chain,
		Attempts:      attempts,
		TotalAttempts: len(attempts),
		Error:         wrapped,
		RecoveryHint:  core.RecoveryHint(wrapped),
	}
}

func chainPrefix(chain []schema.AdapterKind, n int) []schema.AdapterKind {
	if n > len(chain) {
		n = len(chain)
	}
	return append([]schema.AdapterKind(nil), chain[:n]...)
}

// runAdapterWithRetry runs up to RetryConfig.MaxAttempts attempts
// against one adapter, each with its own RecordStart/Execute/RecordEnd
// cycle and metric emission.
func (r *Router) runAdapterWithRetry(ctx context.Context, adapter Adapter, adapterKind schema.AdapterKind, task Task) ([]Attempt, interface{}, error) {
	cfg := r.cfg.RetryConfig
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var attempts []Attempt
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempts, nil, ctx.Err()
		default:
		}

		status, output, err := r.runOneAttempt(ctx, adapter, adapterKind, task)
		attempts = append(attempts, Attempt{Adapter: adapterKind, Status: status, Err: err})

		if err == nil {
			return attempts, output, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return attempts, nil, err
		}
		if core.IsAdapterFatal(err) {
			break
		}
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return attempts, nil, ctx.Err()
		case <-time.After(jitteredBackoff(cfg, attempt)):
		}
	}

	return attempts, nil, lastErr
}

func (r *Router) runOneAttempt(ctx context.Context, adapter Adapter, adapterKind schema.AdapterKind, task Task) (schema.ExecutionStatus, interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(task.TaskKind))
	defer cancel()

	executionID := ""
	if r.cfg.Tracker != nil {
		executionID = r.cfg.Tracker.RecordStart(adapterKind, task.TaskKind, task.Repos)
	}

	exec := func() (AdapterResult, error) {
		if cb := r.cfg.Breakers[adapterKind]; cb != nil {
			var res AdapterResult
			err := cb.Execute(attemptCtx, func() error {
				var execErr error
				res, execErr = adapter.Execute(attemptCtx, task)
				return execErr
			})
			return res, err
		}
		return adapter.Execute(attemptCtx, task)
	}

	start := time.Now()
	result, err := exec()
	latencyMS := time.Since(start).Seconds() * 1000

	status := schema.StatusSuccess
	errType, errMsg := "", ""
	switch {
	case err == nil:
		status = schema.StatusSuccess
	case errors.Is(ctx.Err(), context.Canceled):
		status = schema.StatusCancelled
		errType, errMsg = "cancelled", err.Error()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		status = schema.StatusTimeout
		errType, errMsg = "timeout", err.Error()
	default:
		status = schema.StatusFailure
		errType, errMsg = string(core.KindOf(err)), err.Error()
	}

	if r.cfg.Tracker != nil && executionID != "" {
		r.cfg.Tracker.RecordEnd(ctx, executionID, TrackerRecordEndParams{
			Status:       status,
			LatencyMS:    &latencyMS,
			ErrorType:    errType,
			ErrorMessage: errMsg,
		})
	}

	if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
		telemetry.EmitWithContext(ctx, telemetry.MetricAdapterExecutions, 1,
			"adapter", string(adapterKind), "status", string(status))
	}

	if err == nil && r.cfg.Cost != nil {
		r.cfg.Cost.TrackExecutionCost(ctx, adapterKind, task.TaskKind, latencyMS)
	}

	if status == schema.StatusCancelled {
		return status, nil, context.Canceled
	}
	return status, result.Output, err
}

// jitteredBackoff computes full-jitter exponential backoff matching
// resilience.Retry's formula, reimplemented locally since this package
// interleaves tracker calls between attempts rather than delegating the
// whole loop to resilience.Retry.
func jitteredBackoff(cfg *resilience.RetryConfig, attempt int) time.Duration {
	ceiling := float64(cfg.BaseDelay)
	for i := 0; i < attempt; i++ {
		ceiling *= cfg.Factor
	}
	if cap := float64(cfg.MaxDelay); ceiling > cap {
		ceiling = cap
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * ceiling)
}
