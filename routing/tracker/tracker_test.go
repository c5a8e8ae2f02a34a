package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]byte
}

func (s *recordingSink) Write(ctx context.Context, batch []byte, snapshot []byte) error {
	if batch == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func latency(ms float64) *float64 { return &ms }

func TestRecordStartEndProducesOneRecord(t *testing.T) {
	tr := New(Config{MinSamples: 0})
	ctx := context.Background()

	id := tr.RecordStart(schema.AdapterPrefect, schema.TaskWorkflow, nil)
	require.NotEmpty(t, id)

	tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(42)})

	recs := tr.RecentExecutions(10)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ExecutionID)
	assert.False(t, recs[0].EndTS.Before(recs[0].StartTS))
	assert.True(t, recs[0].Valid())
}

func TestRecordEndWithoutStartIsSilent(t *testing.T) {
	tr := New(Config{})
	ctx := context.Background()

	assert.NotPanics(t, func() {
		tr.RecordEnd(ctx, "nonexistent-execution-id", RecordEndParams{Status: schema.StatusSuccess})
	})
	assert.Empty(t, tr.RecentExecutions(10))
}

func TestAdapterStatsSuccessPlusFailureEqualsTotal(t *testing.T) {
	tr := New(Config{MinSamples: 0})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		id := tr.RecordStart(schema.AdapterAgno, schema.TaskWorkflow, nil)
		tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(10)})
	}
	for i := 0; i < 3; i++ {
		id := tr.RecordStart(schema.AdapterAgno, schema.TaskWorkflow, nil)
		tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusFailure, LatencyMS: latency(10)})
	}

	stats, ok := tr.AdapterStatsFor(schema.AdapterAgno)
	require.True(t, ok)
	assert.EqualValues(t, 7, stats.SuccessCount)
	assert.EqualValues(t, 3, stats.FailureCount)
	assert.EqualValues(t, 10, stats.Total())
}

func TestMinSamplesZeroMakesAdapterEligibleImmediately(t *testing.T) {
	tr := New(Config{MinSamples: 0})
	ctx := context.Background()

	id := tr.RecordStart(schema.AdapterLlamaIndex, schema.TaskRAGQuery, nil)
	tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(5)})

	_, ok := tr.AdapterStatsFor(schema.AdapterLlamaIndex)
	assert.True(t, ok)
}

func TestHighFrequencySamplingZeroRateRecordsNothing(t *testing.T) {
	tr := New(Config{SamplingStrategy: SamplingHighFrequency, SamplingRate: 0})
	ctx := context.Background()

	id := tr.RecordStart(schema.AdapterPrefect, schema.TaskWorkflow, nil)
	require.NotEmpty(t, id, "an execution ID is always returned regardless of sampling")
	tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(5)})

	assert.Empty(t, tr.RecentExecutions(10), "sampling_rate=0 must record nothing")
}

func TestAdaptiveSamplingAlwaysSamplesFirst100(t *testing.T) {
	tr := New(Config{SamplingStrategy: SamplingAdaptive})
	id := tr.RecordStart(schema.AdapterPrefect, schema.TaskWorkflow, nil)
	ctx := context.Background()
	tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(1)})
	assert.Len(t, tr.RecentExecutions(10), 1)
}

func TestMedianLatencyMS(t *testing.T) {
	tr := New(Config{MinSamples: 0})
	ctx := context.Background()

	for _, ms := range []float64{100, 200, 300} {
		id := tr.RecordStart(schema.AdapterAgno, schema.TaskWorkflow, nil)
		tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(ms)})
	}

	median, ok := tr.MedianLatencyMS(schema.AdapterAgno, schema.TaskWorkflow)
	require.True(t, ok)
	assert.Equal(t, 200.0, median)
}

func TestFlushIdempotenceOnEmptyBuffer(t *testing.T) {
	tr := New(Config{})
	assert.NotPanics(t, func() {
		tr.flush(context.Background())
	})
}

func TestBatchTimeoutFlushesBelowBatchSize(t *testing.T) {
	sink := &recordingSink{}
	tr := New(Config{
		MinSamples:        0,
		BatchSize:         1000, // never reached by the single record below
		BatchTimeout:      20 * time.Millisecond,
		AggregateInterval: time.Hour,
		Sink:              sink,
	})
	ctx := context.Background()
	tr.Start(ctx)
	defer tr.Stop(ctx)

	id := tr.RecordStart(schema.AdapterPrefect, schema.TaskWorkflow, nil)
	tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(1)})

	require.Eventually(t, func() bool {
		return sink.batchCount() >= 1
	}, time.Second, 5*time.Millisecond, "batch_timeout_ms must flush a buffer below batch_size")
}

func TestStartStopIsIdempotentAndFlushesOnShutdown(t *testing.T) {
	tr := New(Config{AggregateInterval: time.Hour})
	ctx := context.Background()

	tr.Start(ctx)
	tr.Start(ctx) // second call is a no-op

	id := tr.RecordStart(schema.AdapterPrefect, schema.TaskWorkflow, nil)
	tr.RecordEnd(ctx, id, RecordEndParams{Status: schema.StatusSuccess, LatencyMS: latency(1)})

	tr.Stop(ctx)

	health := tr.Health()
	assert.Equal(t, 0, health.ActiveCount)
}
