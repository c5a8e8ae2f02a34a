// Package cost implements the Cost Optimizer: cost accrual tracking,
// budget status/constraints, Pareto-frontier filtering, and a
// multi-objective scoring strategy for choosing the best adapter under
// cost constraints.
//
// Cost accumulators use shopspring/decimal throughout (never a
// float-accumulated running total), the same as any other
// money-shaped value.
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/adaptive-router/core"
	"github.com/flowmesh/adaptive-router/routing/flags"
	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/flowmesh/adaptive-router/telemetry"
	"github.com/shopspring/decimal"
)

// Strategy is one of the three scoring profiles.
type Strategy string

const (
	StrategyInteractive Strategy = "interactive"
	StrategyBatch        Strategy = "batch"
	StrategyCritical     Strategy = "critical"
)

type strategyWeights struct {
	success float64
	cost    float64
	latency float64
}

var strategyTable = map[Strategy]strategyWeights{
	StrategyInteractive: {success: 0.50, cost: 0.25, latency: 0.25},
	StrategyBatch:       {success: 0.90, cost: 0.10, latency: 0.00},
	StrategyCritical:    {success: 0.80, cost: 0.00, latency: 0.20},
}

// DefaultCostPerSecondUSD is the static per-adapter cost table.
// Overridable at construction.
var DefaultCostPerSecondUSD = map[schema.AdapterKind]decimal.Decimal{
	schema.AdapterPrefect:    decimal.NewFromFloat(1e-4),
	schema.AdapterAgno:       decimal.NewFromFloat(2e-4),
	schema.AdapterLlamaIndex: decimal.NewFromFloat(5e-5),
}

// StatsSource is the narrow view of the Execution Tracker the Cost
// Optimizer needs, mirroring routing/statrouter.StatsSource so
// TaskRouter's dependency graph stays acyclic.
type StatsSource interface {
	AllAdapterStats() map[schema.AdapterKind]schema.AdapterStats
	MedianLatencyMS(adapter schema.AdapterKind, taskKind schema.TaskKind) (float64, bool)
}

// Config configures an Optimizer.
type Config struct {
	Adapters         []schema.AdapterKind
	CostPerSecondUSD map[schema.AdapterKind]decimal.Decimal
	DefaultStrategy  Strategy
	MaxLatencyMS     float64 // SLA cap, default 5000

	Sink   core.Sink
	Logger core.Logger
	Stats  StatsSource
}

func (c *Config) setDefaults() {
	if len(c.Adapters) == 0 {
		c.Adapters = schema.DefaultAdapterOrder
	}
	if c.CostPerSecondUSD == nil {
		c.CostPerSecondUSD = DefaultCostPerSecondUSD
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = StrategyBatch
	}
	if c.MaxLatencyMS == 0 {
		c.MaxLatencyMS = 5000
	}
	if c.Sink == nil {
		c.Sink = core.NoopSink{}
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

// Optimizer is the Cost Optimizer. Use New to construct.
type Optimizer struct {
	cfg Config

	accrualMu sync.Mutex
	accrual   map[schema.CostAccrualKey]decimal.Decimal

	budgetMu sync.RWMutex
	budgets  []schema.Budget

	baselineMu sync.Mutex
	baseline   map[string]decimal.Decimal // budget.ID -> last-sampled total

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Optimizer.
func New(cfg Config) *Optimizer {
	cfg.setDefaults()
	return &Optimizer{
		cfg:      cfg,
		accrual:  make(map[schema.CostAccrualKey]decimal.Decimal),
		baseline: make(map[string]decimal.Decimal),
	}
}

// SetBudgets replaces the tracked budget list.
func (o *Optimizer) SetBudgets(budgets []schema.Budget) {
	o.budgetMu.Lock()
	defer o.budgetMu.Unlock()
	o.budgets = budgets
}

// TrackExecutionCost computes and accrues the cost of one execution
// under date=today_utc, then emits a cost sample. Accrual is strictly
// non-decreasing: this is the only mutator of the accrual map, and it
// only ever adds.
func (o *Optimizer) TrackExecutionCost(ctx context.Context, adapter schema.AdapterKind, taskKind schema.TaskKind, latencyMS float64) decimal.Decimal {
	perSecond, ok := o.cfg.CostPerSecondUSD[adapter]
	if !ok {
		perSecond = decimal.Zero
	}
	costUSD := perSecond.Mul(decimal.NewFromFloat(latencyMS)).Div(decimal.NewFromInt(1000))

	key := schema.CostAccrualKey{Date: today(), Adapter: adapter, TaskKind: taskKind}

	o.accrualMu.Lock()
	o.accrual[key] = o.accrual[key].Add(costUSD)
	o.accrualMu.Unlock()

	if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
		telemetry.EmitWithContext(ctx, telemetry.MetricCostUSDTotal, mustFloat(costUSD), "adapter", string(adapter))
		telemetry.EmitWithContext(ctx, telemetry.MetricCostUSDDistrib, mustFloat(costUSD), "adapter", string(adapter), "task_kind", string(taskKind))
	}

	return costUSD
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// spentFor sums accrual entries matching a budget's scope, restricted
// to the period. Daily accrual buckets fold into whatever period the
// budget spans.
func (o *Optimizer) spentFor(budget schema.Budget) decimal.Decimal {
	o.accrualMu.Lock()
	defer o.accrualMu.Unlock()

	total := decimal.Zero
	for key, amount := range o.accrual {
		d, err := time.Parse("2006-01-02", key.Date)
		if err != nil {
			continue
		}
		if d.Before(truncateToDay(budget.PeriodStart)) || d.After(truncateToDay(budget.PeriodEnd)) {
			continue
		}
		if !budget.Matches(key.Adapter, key.TaskKind) {
			continue
		}
		total = total.Add(amount)
	}
	return total
}

// TotalAccruedUSD sums every cost accrual entry regardless of scope or
// period, for the Alert Manager's cost-spike baseline comparison.
func (o *Optimizer) TotalAccruedUSD() float64 {
	o.accrualMu.Lock()
	defer o.accrualMu.Unlock()
	total := decimal.Zero
	for _, amount := range o.accrual {
		total = total.Add(amount)
	}
	return mustFloat(total)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BudgetStatus is BudgetStatus's return shape.
type BudgetStatus struct {
	Limit     decimal.Decimal
	Spent     decimal.Decimal
	Remaining decimal.Decimal
	PctUsed   float64
	Active    bool
	Over      bool
}

// BudgetStatus computes the current status of budget.
func (o *Optimizer) BudgetStatus(budget schema.Budget) BudgetStatus {
	spent := o.spentFor(budget)
	remaining := budget.LimitUSD.Sub(spent)

	pctUsed := 0.0
	if budget.LimitUSD.GreaterThan(decimal.Zero) {
		pctUsed, _ = spent.Div(budget.LimitUSD).Float64()
	}

	return BudgetStatus{
		Limit:     budget.LimitUSD,
		Spent:     spent,
		Remaining: remaining,
		PctUsed:   pctUsed,
		Active:    budget.Active(time.Now().UTC()),
		Over:      spent.GreaterThan(budget.LimitUSD),
	}
}

// BudgetCheckResult is CheckBudgetConstraints's return shape.
type BudgetCheckResult struct {
	OK       bool
	Violated []schema.Budget
}

// CheckBudgetConstraints reports whether dispatching to (adapter,
// taskKind) right now violates any active, scoped budget. A budget is
// violated when spent > limit; this never errors — the caller zeros
// the adapter's score for this decision cycle.
func (o *Optimizer) CheckBudgetConstraints(adapter schema.AdapterKind, taskKind schema.TaskKind) BudgetCheckResult {
	o.budgetMu.RLock()
	budgets := append([]schema.Budget(nil), o.budgets...)
	o.budgetMu.RUnlock()

	now := time.Now().UTC()
	var violated []schema.Budget
	for _, b := range budgets {
		if !b.Active(now) || !b.Matches(adapter, taskKind) {
			continue
		}
		status := o.BudgetStatus(b)
		if status.Over {
			violated = append(violated, b)
		}
	}
	return BudgetCheckResult{OK: len(violated) == 0, Violated: violated}
}

// CostAwareChoice is one adapter's candidacy for OptimalAdapter,
// carrying everything the Pareto frontier and scoring steps need.
type CostAwareChoice struct {
	Adapter     schema.AdapterKind
	CostUSD     decimal.Decimal
	LatencyMS   float64
	SuccessRate float64
	Score       float64
	BudgetOK    bool
}

// dominates reports whether a is strictly better than b in at least
// one of {cost, latency, success_rate} and no worse in the rest — the
// standard Pareto-dominance definition.
func dominates(a, b CostAwareChoice) bool {
	betterOrEqual := a.CostUSD.LessThanOrEqual(b.CostUSD) &&
		a.LatencyMS <= b.LatencyMS &&
		a.SuccessRate >= b.SuccessRate
	strictlyBetter := a.CostUSD.LessThan(b.CostUSD) ||
		a.LatencyMS < b.LatencyMS ||
		a.SuccessRate > b.SuccessRate
	return betterOrEqual && strictlyBetter
}

// ParetoFrontier returns the subset of choices not dominated by any
// other choice in the slice.
func ParetoFrontier(choices []CostAwareChoice) []CostAwareChoice {
	var frontier []CostAwareChoice
	for _, candidate := range choices {
		dominated := false
		for _, other := range choices {
			if dominates(other, candidate) {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, candidate)
		}
	}
	return frontier
}

// strategyFor resolves the scoring strategy: caller override, else the
// optimizer's configured default.
func (o *Optimizer) strategyFor(override Strategy) Strategy {
	if override != "" {
		return override
	}
	return o.cfg.DefaultStrategy
}

func (o *Optimizer) score(choice CostAwareChoice, strategy Strategy) float64 {
	weights, ok := strategyTable[strategy]
	if !ok {
		weights = strategyTable[StrategyBatch]
	}

	costScore := clamp(1-mustFloat(choice.CostUSD)/0.01, 0, 1)
	latencyScore := clamp(1-choice.LatencyMS/o.cfg.MaxLatencyMS, 0, 1)

	return weights.success*choice.SuccessRate + weights.cost*costScore + weights.latency*latencyScore
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OptimalAdapterResult is OptimalAdapter's return shape.
type OptimalAdapterResult struct {
	Adapter   schema.AdapterKind
	Score     float64
	Reasoning string
	Found     bool
}

// OptimalAdapter runs a five-step selection: gather stats, build
// cost-aware choices, apply budget constraints, compute the Pareto
// frontier, and return the highest-scored frontier member.
func (o *Optimizer) OptimalAdapter(taskKind schema.TaskKind, strategyOverride Strategy) OptimalAdapterResult {
	if o.cfg.Stats == nil {
		return OptimalAdapterResult{}
	}
	strategy := o.strategyFor(strategyOverride)

	allStats := o.cfg.Stats.AllAdapterStats()

	var choices []CostAwareChoice
	for _, adapter := range o.cfg.Adapters {
		stats, ok := allStats[adapter]
		if !ok {
			continue
		}
		successRate, ok := stats.SuccessRate(1)
		if !ok {
			continue
		}

		latencyMS := o.cfg.MaxLatencyMS
		if median, ok := o.cfg.Stats.MedianLatencyMS(adapter, taskKind); ok {
			latencyMS = median
		}

		perSecond := o.cfg.CostPerSecondUSD[adapter]
		estimatedCost := perSecond.Mul(decimal.NewFromFloat(latencyMS)).Div(decimal.NewFromInt(1000))

		choice := CostAwareChoice{
			Adapter:     adapter,
			CostUSD:     estimatedCost,
			LatencyMS:   latencyMS,
			SuccessRate: successRate,
			BudgetOK:    true,
		}

		if check := o.CheckBudgetConstraints(adapter, taskKind); !check.OK {
			choice.BudgetOK = false
			choice.Score = 0
		} else {
			choice.Score = o.score(choice, strategy)
		}
		choices = append(choices, choice)
	}

	var eligible []CostAwareChoice
	for _, c := range choices {
		if c.BudgetOK {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return OptimalAdapterResult{}
	}

	frontier := ParetoFrontier(eligible)

	best := frontier[0]
	for _, c := range frontier[1:] {
		if c.Score > best.Score {
			best = c
		}
	}

	reasoning := fmt.Sprintf(
		"Strategy: %s | Pareto frontier: %d adapters | Success rate: %.1f%% | Cost: $%s | Latency: %.0f ms",
		strategy, len(frontier), best.SuccessRate*100, best.CostUSD.StringFixed(6), best.LatencyMS,
	)

	return OptimalAdapterResult{Adapter: best.Adapter, Score: best.Score, Reasoning: reasoning, Found: true}
}

// BudgetMonitorLoop runs every interval (default 60s). For each active
// budget it sets routing_cost_usd_current and, when the budget is at
// >=100% used (severity critical) or >=AlertThreshold (severity warning),
// increments budget_alerts_total labelled kind, adapter and severity.
// It builds no schema.Alert and hands nothing to an alert sink.
func (o *Optimizer) BudgetMonitorLoop(ctx context.Context, interval time.Duration) {
	if o.cancel != nil {
		return
	}
	if interval == 0 {
		interval = 60 * time.Second
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				o.evaluateBudgets(loopCtx)
			}
		}
	}()
}

func (o *Optimizer) evaluateBudgets(ctx context.Context) {
	o.budgetMu.RLock()
	budgets := append([]schema.Budget(nil), o.budgets...)
	o.budgetMu.RUnlock()

	for _, b := range budgets {
		if !b.Active(time.Now().UTC()) {
			continue
		}
		status := o.BudgetStatus(b)

		if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
			telemetry.Gauge(telemetry.MetricCostUSDCurrent, mustFloat(status.Spent), "adapter", adapterLabel(b.Adapter))
		}

		severity := ""
		if status.PctUsed >= 1.0 {
			severity = "critical"
		} else if status.PctUsed >= b.AlertThreshold {
			severity = "warning"
		}
		if severity == "" {
			continue
		}
		if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
			telemetry.EmitWithContext(ctx, telemetry.MetricBudgetAlerts, 1, "kind", string(b.Kind), "adapter", adapterLabel(b.Adapter), "severity", severity)
		}
	}
}

func adapterLabel(a *schema.AdapterKind) string {
	if a == nil {
		return "*"
	}
	return string(*a)
}

// Stop cancels the budget monitor loop.
func (o *Optimizer) Stop() {
	if o.cancel != nil {
		o.cancel()
		o.wg.Wait()
		o.cancel = nil
	}
}
