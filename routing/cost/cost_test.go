package cost

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats     map[schema.AdapterKind]schema.AdapterStats
	latencies map[schema.AdapterKind]float64
}

func newFakeStats() *fakeStats {
	return &fakeStats{stats: make(map[schema.AdapterKind]schema.AdapterStats), latencies: make(map[schema.AdapterKind]float64)}
}

func (f *fakeStats) AllAdapterStats() map[schema.AdapterKind]schema.AdapterStats { return f.stats }
func (f *fakeStats) MedianLatencyMS(adapter schema.AdapterKind, taskKind schema.TaskKind) (float64, bool) {
	ms, ok := f.latencies[adapter]
	return ms, ok
}

func TestTrackExecutionCostMonotonicallyIncreases(t *testing.T) {
	o := New(Config{})
	ctx := context.Background()

	first := o.TrackExecutionCost(ctx, schema.AdapterPrefect, schema.TaskWorkflow, 1000)
	second := o.TrackExecutionCost(ctx, schema.AdapterPrefect, schema.TaskWorkflow, 1000)

	budget := schema.Budget{
		LimitUSD:    decimal.NewFromFloat(100),
		PeriodStart: time.Now().UTC().Add(-time.Hour),
		PeriodEnd:   time.Now().UTC().Add(time.Hour),
	}
	status := o.BudgetStatus(budget)

	assert.True(t, status.Spent.GreaterThanOrEqual(first.Add(second).Sub(decimal.NewFromFloat(1e-9))))
	assert.True(t, status.Spent.Equal(first.Add(second)))
}

func TestCostFormula(t *testing.T) {
	o := New(Config{})
	ctx := context.Background()

	cost := o.TrackExecutionCost(ctx, schema.AdapterPrefect, schema.TaskWorkflow, 1000)
	expected := decimal.NewFromFloat(1e-4).Mul(decimal.NewFromFloat(1000)).Div(decimal.NewFromInt(1000))
	assert.True(t, cost.Equal(expected))
}

func TestBudgetActiveClosedInterval(t *testing.T) {
	now := time.Now().UTC()
	o := New(Config{})
	budget := schema.Budget{LimitUSD: decimal.NewFromFloat(1), PeriodStart: now, PeriodEnd: now}
	status := o.BudgetStatus(budget)
	assert.True(t, status.Active)
}

func TestCheckBudgetConstraintsViolation(t *testing.T) {
	o := New(Config{})
	ctx := context.Background()

	o.TrackExecutionCost(ctx, schema.AdapterAgno, schema.TaskWorkflow, 1_000_000) // big cost

	o.SetBudgets([]schema.Budget{{
		LimitUSD:    decimal.NewFromFloat(0.01),
		PeriodStart: time.Now().UTC().Add(-time.Hour),
		PeriodEnd:   time.Now().UTC().Add(time.Hour),
	}})

	result := o.CheckBudgetConstraints(schema.AdapterAgno, schema.TaskWorkflow)
	assert.False(t, result.OK)
	assert.Len(t, result.Violated, 1)
}

func TestParetoFrontierAntisymmetric(t *testing.T) {
	choices := []CostAwareChoice{
		{Adapter: schema.AdapterPrefect, CostUSD: decimal.NewFromFloat(0.001), LatencyMS: 100, SuccessRate: 0.9},
		{Adapter: schema.AdapterAgno, CostUSD: decimal.NewFromFloat(0.002), LatencyMS: 200, SuccessRate: 0.95},
		{Adapter: schema.AdapterLlamaIndex, CostUSD: decimal.NewFromFloat(0.003), LatencyMS: 300, SuccessRate: 0.5},
	}

	frontier := ParetoFrontier(choices)

	for i, a := range frontier {
		for j, b := range frontier {
			if i == j {
				continue
			}
			assert.False(t, dominates(b, a), "no frontier member may dominate another")
		}
	}
	// llamaindex (worse in all dims than prefect) must be excluded.
	for _, c := range frontier {
		assert.NotEqual(t, schema.AdapterLlamaIndex, c.Adapter)
	}
}

func TestStrategyWeightsSumToOne(t *testing.T) {
	for strategy, w := range strategyTable {
		sum := w.success + w.cost + w.latency
		assert.InDelta(t, 1.0, sum, 1e-9, "strategy %s weights must sum to 1.0", strategy)
	}
}

func TestOptimalAdapterReturnsReasoning(t *testing.T) {
	stats := newFakeStats()
	stats.stats[schema.AdapterPrefect] = schema.AdapterStats{Adapter: schema.AdapterPrefect, SuccessCount: 95, FailureCount: 5}
	stats.latencies[schema.AdapterPrefect] = 450

	o := New(Config{Stats: stats, DefaultStrategy: StrategyBatch})
	result := o.OptimalAdapter(schema.TaskWorkflow, "")

	require.True(t, result.Found)
	assert.Equal(t, schema.AdapterPrefect, result.Adapter)
	assert.Contains(t, result.Reasoning, "Strategy: batch")
}

func TestOptimalAdapterNoneQualify(t *testing.T) {
	o := New(Config{Stats: newFakeStats()})
	result := o.OptimalAdapter(schema.TaskWorkflow, "")
	assert.False(t, result.Found)
}
