package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/flowmesh/adaptive-router/core"
	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats map[schema.AdapterKind]schema.AdapterStats
}

func (f *fakeStats) AllAdapterStats() map[schema.AdapterKind]schema.AdapterStats { return f.stats }

type fakeCost struct {
	total float64
}

func (f *fakeCost) TotalAccruedUSD() float64 { return f.total }

type recordingSink struct {
	mu     sync.Mutex
	alerts []schema.Alert
}

func (r *recordingSink) SendAlert(ctx context.Context, alert schema.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestEvaluateDegradationBelowThreshold(t *testing.T) {
	stats := &fakeStats{stats: map[schema.AdapterKind]schema.AdapterStats{
		schema.AdapterPrefect: {Adapter: schema.AdapterPrefect, SuccessCount: 60, FailureCount: 40},
	}}
	sink := &recordingSink{}
	m := New(Config{Stats: stats, Sinks: []Sink{sink}, MinSamplesForDegradation: 10})

	alerts := m.Evaluate(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, schema.AlertAdapterDegradation, alerts[0].Kind)
	assert.Equal(t, schema.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 1, sink.count())
}

func TestEvaluateDegradationWarningBand(t *testing.T) {
	stats := &fakeStats{stats: map[schema.AdapterKind]schema.AdapterStats{
		schema.AdapterPrefect: {Adapter: schema.AdapterPrefect, SuccessCount: 85, FailureCount: 15},
	}}
	m := New(Config{Stats: stats, MinSamplesForDegradation: 10})

	alerts := m.Evaluate(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, schema.SeverityWarning, alerts[0].Severity)
}

func TestEvaluateDegradationSkipsBelowMinSamples(t *testing.T) {
	stats := &fakeStats{stats: map[schema.AdapterKind]schema.AdapterStats{
		schema.AdapterPrefect: {Adapter: schema.AdapterPrefect, SuccessCount: 1, FailureCount: 4},
	}}
	m := New(Config{Stats: stats, MinSamplesForDegradation: 10})

	alerts := m.Evaluate(context.Background())
	assert.Empty(t, alerts)
}

func TestEvaluateCostSpikeFirstCallEstablishesBaseline(t *testing.T) {
	cost := &fakeCost{total: 10}
	m := New(Config{Cost: cost})

	alerts := m.Evaluate(context.Background())
	assert.Empty(t, alerts)
}

func TestEvaluateCostSpikeCritical(t *testing.T) {
	cost := &fakeCost{total: 10}
	m := New(Config{Cost: cost, CostSpikeMultiplier: 2.0})

	m.Evaluate(context.Background()) // establish baseline at 10
	cost.total = 25                 // 2.5x baseline
	alerts := m.Evaluate(context.Background())

	require.Len(t, alerts, 1)
	assert.Equal(t, schema.AlertCostSpike, alerts[0].Kind)
	assert.Equal(t, schema.SeverityCritical, alerts[0].Severity)
}

func TestEvaluateCostSpikeWarningBand(t *testing.T) {
	cost := &fakeCost{total: 10}
	m := New(Config{Cost: cost, CostSpikeMultiplier: 2.0})

	m.Evaluate(context.Background())
	cost.total = 16 // 1.6x baseline
	alerts := m.Evaluate(context.Background())

	require.Len(t, alerts, 1)
	assert.Equal(t, schema.SeverityWarning, alerts[0].Severity)
}

func TestEvaluateCostSpikeNoAlertBelowWarningBand(t *testing.T) {
	cost := &fakeCost{total: 10}
	m := New(Config{Cost: cost, CostSpikeMultiplier: 2.0})

	m.Evaluate(context.Background())
	cost.total = 11
	alerts := m.Evaluate(context.Background())

	assert.Empty(t, alerts)
}

func TestEvaluateFallbacksExceedsThreshold(t *testing.T) {
	m := New(Config{
		FallbackRateThreshold: 0.10,
		FallbackWindow:        func() (int64, int64) { return 40, 100 },
	})

	alerts := m.Evaluate(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, schema.AlertExcessiveFallbacks, alerts[0].Kind)
	assert.Equal(t, schema.SeverityCritical, alerts[0].Severity)
}

func TestEvaluateFallbacksWarningBand(t *testing.T) {
	m := New(Config{
		FallbackRateThreshold: 0.10,
		FallbackWindow:        func() (int64, int64) { return 15, 100 },
	})

	alerts := m.Evaluate(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, schema.SeverityWarning, alerts[0].Severity)
}

func TestEvaluateFallbacksNoWindowFunc(t *testing.T) {
	m := New(Config{})
	alerts := m.Evaluate(context.Background())
	assert.Empty(t, alerts)
}

func TestDispatchContinuesAfterSinkFailure(t *testing.T) {
	failing := sinkFunc(func(ctx context.Context, alert schema.Alert) error {
		return assert.AnError
	})
	recording := &recordingSink{}
	m := New(Config{
		FallbackRateThreshold: 0.10,
		FallbackWindow:        func() (int64, int64) { return 40, 100 },
		Sinks:                 []Sink{failing, recording},
		Logger:                &core.NoOpLogger{},
	})

	m.Evaluate(context.Background())
	assert.Equal(t, 1, recording.count())
}

type sinkFunc func(ctx context.Context, alert schema.Alert) error

func (f sinkFunc) SendAlert(ctx context.Context, alert schema.Alert) error { return f(ctx, alert) }

func TestLoggingSinkNeverFails(t *testing.T) {
	sink := NewLoggingSink(nil)
	rate := 0.5
	threshold := 0.95
	err := sink.SendAlert(context.Background(), schema.Alert{
		Kind:           schema.AlertAdapterDegradation,
		Severity:       schema.SeverityCritical,
		Message:        "adapter degraded",
		CurrentValue:   &rate,
		ThresholdValue: &threshold,
	})
	assert.NoError(t, err)
}

func TestWebhookSinkPostsPayload(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, nil)
	err := sink.SendAlert(context.Background(), schema.Alert{
		Kind:     schema.AlertCostSpike,
		Severity: schema.SeverityWarning,
		Message:  "cost jumped",
	})

	require.NoError(t, err)
	assert.Equal(t, schema.AlertCostSpike, received.AlertType)
	assert.Equal(t, schema.SeverityWarning, received.Severity)
}

func TestWebhookSinkNonSuccessDropsSilently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, nil)
	err := sink.SendAlert(context.Background(), schema.Alert{Kind: schema.AlertHighLatency, Severity: schema.SeverityWarning})
	assert.NoError(t, err)
}

func TestWebhookSinkUnreachableURLDropsSilently(t *testing.T) {
	sink := NewWebhookSink("http://127.0.0.1:0", nil)
	err := sink.SendAlert(context.Background(), schema.Alert{Kind: schema.AlertHighLatency, Severity: schema.SeverityWarning})
	assert.NoError(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	m := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx)) // second Start is a no-op
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop()) // second Stop is a no-op
}
