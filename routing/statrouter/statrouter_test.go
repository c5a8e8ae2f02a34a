package statrouter

import (
	"testing"
	"time"

	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStats is a test double implementing StatsSource.
type fakeStats struct {
	stats     map[schema.AdapterKind]schema.AdapterStats
	latencies map[schema.AdapterKind]float64
}

func newFakeStats() *fakeStats {
	return &fakeStats{
		stats:     make(map[schema.AdapterKind]schema.AdapterStats),
		latencies: make(map[schema.AdapterKind]float64),
	}
}

func (f *fakeStats) AllAdapterStats() map[schema.AdapterKind]schema.AdapterStats {
	return f.stats
}

func (f *fakeStats) MedianLatencyMS(adapter schema.AdapterKind, taskKind schema.TaskKind) (float64, bool) {
	ms, ok := f.latencies[adapter]
	return ms, ok
}

func TestPreferenceOrderNoDataReturnsStaticDefault(t *testing.T) {
	r := New(Config{Stats: newFakeStats()})

	order := r.PreferenceOrder(schema.TaskWorkflow, "exec-1")
	assert.Equal(t, schema.DefaultAdapterOrder, order.Adapters)
	assert.Equal(t, schema.ConfidenceInsufficient, order.Confidence)
}

func TestPreferenceOrderIsPermutationOfAdapterSet(t *testing.T) {
	stats := newFakeStats()
	stats.stats[schema.AdapterPrefect] = schema.AdapterStats{Adapter: schema.AdapterPrefect, SuccessCount: 90, FailureCount: 10}
	stats.stats[schema.AdapterAgno] = schema.AdapterStats{Adapter: schema.AdapterAgno, SuccessCount: 70, FailureCount: 30}
	stats.stats[schema.AdapterLlamaIndex] = schema.AdapterStats{Adapter: schema.AdapterLlamaIndex, SuccessCount: 50, FailureCount: 50}
	stats.latencies[schema.AdapterPrefect] = 100
	stats.latencies[schema.AdapterAgno] = 100
	stats.latencies[schema.AdapterLlamaIndex] = 100

	r := New(Config{Stats: stats, MinSamplesLow: 20})
	order := r.PreferenceOrder(schema.TaskWorkflow, "exec-1")

	assert.ElementsMatch(t, schema.DefaultAdapterOrder, order.Adapters)
	assert.Equal(t, schema.AdapterPrefect, order.Adapters[0], "highest success_rate should rank first under workflow weights")
}

func TestSingleScoredAdapterListedFirstThenStaticOrder(t *testing.T) {
	stats := newFakeStats()
	stats.stats[schema.AdapterAgno] = schema.AdapterStats{Adapter: schema.AdapterAgno, SuccessCount: 95, FailureCount: 5}
	stats.latencies[schema.AdapterAgno] = 100

	r := New(Config{Stats: stats, MinSamplesLow: 20})
	order := r.PreferenceOrder(schema.TaskWorkflow, "exec-1")

	require.Len(t, order.Adapters, 3)
	assert.Equal(t, schema.AdapterAgno, order.Adapters[0])
	assert.Equal(t, []schema.AdapterKind{schema.AdapterPrefect, schema.AdapterLlamaIndex}, order.Adapters[1:])
}

func TestAdapterBelowMinSamplesLowHasNoScore(t *testing.T) {
	stats := newFakeStats()
	stats.stats[schema.AdapterPrefect] = schema.AdapterStats{Adapter: schema.AdapterPrefect, SuccessCount: 1, FailureCount: 0}
	r := New(Config{Stats: stats, MinSamplesLow: 20})

	score, ok := r.ScoreAdapter(schema.AdapterPrefect, schema.TaskWorkflow)
	assert.False(t, ok, "total below min_samples_low must yield no score")
	assert.Zero(t, score)
}

func TestCachePreventsRecompute(t *testing.T) {
	stats := newFakeStats()
	stats.stats[schema.AdapterPrefect] = schema.AdapterStats{Adapter: schema.AdapterPrefect, SuccessCount: 90, FailureCount: 10}
	stats.latencies[schema.AdapterPrefect] = 100

	r := New(Config{Stats: stats, MinSamplesLow: 20, CacheTTL: time.Hour})
	first := r.PreferenceOrder(schema.TaskWorkflow, "exec-1")

	stats.stats[schema.AdapterAgno] = schema.AdapterStats{Adapter: schema.AdapterAgno, SuccessCount: 99, FailureCount: 1}
	stats.latencies[schema.AdapterAgno] = 100

	second := r.PreferenceOrder(schema.TaskWorkflow, "exec-2")
	assert.Equal(t, first.ComputedAt, second.ComputedAt, "cached order must not recompute within TTL")
}

func TestExperimentLifecycle(t *testing.T) {
	r := New(Config{Stats: newFakeStats()})

	variantA := schema.PreferenceOrder{TaskKind: schema.TaskWorkflow, Adapters: []schema.AdapterKind{schema.AdapterPrefect, schema.AdapterAgno}}
	variantB := schema.PreferenceOrder{TaskKind: schema.TaskWorkflow, Adapters: []schema.AdapterKind{schema.AdapterAgno, schema.AdapterPrefect}}

	require.NoError(t, r.StartExperiment("exp-1", schema.TaskWorkflow, variantA, variantB, 0.5, time.Hour))
	err := r.StartExperiment("exp-1", schema.TaskWorkflow, variantA, variantB, 0.5, time.Hour)
	assert.Error(t, err, "duplicate experiment IDs must fail")

	require.NoError(t, r.CompleteExperiment("exp-1", schema.WinnerB))

	result, err := r.EvaluateExperiment("exp-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ABStatusCompleted, result.Experiment.Status)

	// Completion is terminal: a second completion call must not error
	// or mutate the already-completed state.
	require.NoError(t, r.CompleteExperiment("exp-1", schema.WinnerA))
	result2, err := r.EvaluateExperiment("exp-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WinnerB, result2.Experiment.Winner, "the first completion's winner must stick")
}

func TestABAssignmentDeterministicPerExecutionID(t *testing.T) {
	split := 0.5
	a := assignToB("exec-123", split)
	b := assignToB("exec-123", split)
	assert.Equal(t, a, b, "assignment for the same execution_id must be reproducible")
}

func TestNextSundayUTC(t *testing.T) {
	// Monday
	monday := time.Date(2026, time.August, 3, 10, 0, 0, 0, time.UTC)
	next := nextSundayUTC(monday)
	assert.Equal(t, time.Sunday, next.Weekday())
	assert.Equal(t, 3, next.Hour())
	assert.True(t, next.After(monday))
}

func TestLatencyScoreAnchors(t *testing.T) {
	assert.InDelta(t, 1.0, latencyScore(100), 1e-9)
	assert.InDelta(t, 0.5, latencyScore(1000), 1e-9)
	assert.InDelta(t, 0.0, latencyScore(10000), 1e-9)
}
