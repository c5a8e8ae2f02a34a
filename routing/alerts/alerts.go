// Package alerts implements the Alert Manager: periodic health
// evaluation (adapter degradation, cost spikes, excessive fallbacks)
// fanning out through pluggable sinks.
//
// The evaluation loop follows the same ticker/cancel-context shape as
// routing/tracker's aggregation loop and routing/statrouter's
// recalculation loop. The webhook sink uses a purpose-built
// *http.Client with a JSON body and a bounded timeout, with no trace
// propagation since distributed tracing is not in this core's scope.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flowmesh/adaptive-router/core"
	"github.com/flowmesh/adaptive-router/routing/flags"
	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/flowmesh/adaptive-router/telemetry"
)

// Sink is the single capability every alert destination implements.
type Sink interface {
	SendAlert(ctx context.Context, alert schema.Alert) error
}

// LoggingSink maps severity to log level and writes a structured
// entry, exactly as resilience.CircuitBreaker's config.Logger calls do.
type LoggingSink struct {
	Logger core.Logger
}

// NewLoggingSink constructs a LoggingSink. A nil logger is replaced
// with core.NoOpLogger.
func NewLoggingSink(logger core.Logger) *LoggingSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LoggingSink{Logger: logger}
}

// SendAlert never fails: logging is a best-effort sink.
func (s *LoggingSink) SendAlert(ctx context.Context, alert schema.Alert) error {
	fields := map[string]interface{}{
		"alert_type": string(alert.Kind),
		"message":    alert.Message,
		"timestamp":  alert.Timestamp,
	}
	if alert.Adapter != nil {
		fields["adapter"] = string(*alert.Adapter)
	}
	if alert.CurrentValue != nil {
		fields["current_value"] = *alert.CurrentValue
	}
	if alert.ThresholdValue != nil {
		fields["threshold_value"] = *alert.ThresholdValue
	}
	for k, v := range alert.Metadata {
		fields[k] = v
	}

	switch alert.Severity {
	case schema.SeverityCritical:
		s.Logger.Error(alert.Message, fields)
	case schema.SeverityWarning:
		s.Logger.Warn(alert.Message, fields)
	default:
		s.Logger.Info(alert.Message, fields)
	}
	return nil
}

// WebhookSink POSTs the alert's serialized form to a configured URL
// with a 5s timeout. Non-2xx responses are logged and dropped — no
// retry queue at this tier, no retry/idempotency-key mechanism.
type WebhookSink struct {
	url    string
	client *http.Client
	logger core.Logger
}

// NewWebhookSink constructs a WebhookSink posting to url.
func NewWebhookSink(url string, logger core.Logger) *WebhookSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// webhookPayload is the wire shape POSTed to a configured webhook URL.
type webhookPayload struct {
	AlertType      schema.AlertKind       `json:"alert_type"`
	Severity       schema.AlertSeverity   `json:"severity"`
	Message        string                 `json:"message"`
	Adapter        *schema.AdapterKind    `json:"adapter,omitempty"`
	CurrentValue   *float64               `json:"current_value,omitempty"`
	ThresholdValue *float64               `json:"threshold_value,omitempty"`
	Timestamp      string                 `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// SendAlert POSTs alert to the configured webhook URL.
func (s *WebhookSink) SendAlert(ctx context.Context, alert schema.Alert) error {
	payload := webhookPayload{
		AlertType:      alert.Kind,
		Severity:       alert.Severity,
		Message:        alert.Message,
		Adapter:        alert.Adapter,
		CurrentValue:   alert.CurrentValue,
		ThresholdValue: alert.ThresholdValue,
		Timestamp:      alert.Timestamp.UTC().Format(time.RFC3339),
		Metadata:       alert.Metadata,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook alert delivery failed", map[string]interface{}{"url": s.url, "error": err.Error()})
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("webhook alert rejected", map[string]interface{}{"url": s.url, "status": resp.StatusCode})
	}
	return nil
}

// StatsSource is the narrow Execution Tracker view the Alert Manager
// reads adapter stats from.
type StatsSource interface {
	AllAdapterStats() map[schema.AdapterKind]schema.AdapterStats
}

// CostSource is the narrow Cost Optimizer view the Alert Manager
// samples the cumulative cost total from.
type CostSource interface {
	TotalAccruedUSD() float64
}

// FallbackWindowFunc returns (fallback_count, total) observed over the
// evaluation window.
type FallbackWindowFunc func() (fallbackCount, total int64)

// Config configures a Manager.
type Config struct {
	EvaluationInterval time.Duration // default 60s

	SuccessRateThreshold  float64 // default 0.95
	CostSpikeMultiplier   float64 // default 2.0
	FallbackRateThreshold float64 // default 0.10

	MinSamplesForDegradation int64 // default 10

	Stats           StatsSource
	Cost            CostSource
	FallbackWindow  FallbackWindowFunc
	Sinks           []Sink
	Logger          core.Logger
}

func (c *Config) setDefaults() {
	if c.EvaluationInterval == 0 {
		c.EvaluationInterval = 60 * time.Second
	}
	if c.SuccessRateThreshold == 0 {
		c.SuccessRateThreshold = 0.95
	}
	if c.CostSpikeMultiplier == 0 {
		c.CostSpikeMultiplier = 2.0
	}
	if c.FallbackRateThreshold == 0 {
		c.FallbackRateThreshold = 0.10
	}
	if c.MinSamplesForDegradation == 0 {
		c.MinSamplesForDegradation = 10
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

// Manager is the Alert Manager. Use New to construct.
type Manager struct {
	cfg Config

	baselineMu   sync.Mutex
	costBaseline float64
	haveBaseline bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{cfg: cfg}
}

// Start launches the evaluation loop. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	if m.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.EvaluationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Evaluate(loopCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the evaluation loop and waits for it to exit.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		m.cancel = nil
	}
	return nil
}

// Evaluate runs the three health checks once and fans out every
// produced alert to every configured sink. Exported so tests (and the
// composition root, for an on-demand health check) can trigger a
// single evaluation without waiting on the ticker.
func (m *Manager) Evaluate(ctx context.Context) []schema.Alert {
	var produced []schema.Alert
	produced = append(produced, m.evaluateDegradation()...)
	produced = append(produced, m.evaluateCostSpike()...)
	produced = append(produced, m.evaluateFallbacks()...)

	for _, alert := range produced {
		emitAlertMetric(ctx, alert)
		m.dispatch(ctx, alert)
	}
	return produced
}

// dispatch fans an alert out to every sink. A sink failure is logged
// and never aborts the others or the evaluation itself.
func (m *Manager) dispatch(ctx context.Context, alert schema.Alert) {
	for _, sink := range m.cfg.Sinks {
		if err := sink.SendAlert(ctx, alert); err != nil {
			m.cfg.Logger.Warn("alert sink delivery failed", map[string]interface{}{
				"alert_type": string(alert.Kind),
				"error":      err.Error(),
			})
		}
	}
}

// evaluateDegradation checks each adapter's recent success rate
// against the configured threshold.
func (m *Manager) evaluateDegradation() []schema.Alert {
	if m.cfg.Stats == nil {
		return nil
	}
	now := time.Now().UTC()
	var out []schema.Alert
	for adapter, stats := range m.cfg.Stats.AllAdapterStats() {
		total := stats.Total()
		if total < m.cfg.MinSamplesForDegradation {
			continue
		}
		rate, ok := stats.SuccessRate(m.cfg.MinSamplesForDegradation)
		if !ok || rate >= m.cfg.SuccessRateThreshold {
			continue
		}
		severity := schema.SeverityWarning
		if rate < 0.80 {
			severity = schema.SeverityCritical
		}
		threshold := m.cfg.SuccessRateThreshold
		a := adapter
		out = append(out, schema.Alert{
			Kind:           schema.AlertAdapterDegradation,
			Severity:       severity,
			Message:        fmt.Sprintf("adapter %s success rate %.1f%% below threshold %.1f%%", adapter, rate*100, threshold*100),
			Adapter:        &a,
			CurrentValue:   &rate,
			ThresholdValue: &threshold,
			Timestamp:      now,
			Metadata:       map[string]interface{}{"sample_count": total},
		})
	}
	return out
}

// evaluateCostSpike compares the current accrued cost total against
// a rolling baseline. The first call merely establishes the baseline
// and never alerts.
func (m *Manager) evaluateCostSpike() []schema.Alert {
	if m.cfg.Cost == nil {
		return nil
	}
	current := m.cfg.Cost.TotalAccruedUSD()

	m.baselineMu.Lock()
	defer m.baselineMu.Unlock()

	if !m.haveBaseline {
		m.costBaseline = current
		m.haveBaseline = true
		return nil
	}

	baseline := m.costBaseline
	m.costBaseline = current
	if baseline <= 0 {
		return nil
	}

	ratio := current / baseline
	var severity schema.AlertSeverity
	switch {
	case ratio >= m.cfg.CostSpikeMultiplier:
		severity = schema.SeverityCritical
	case ratio >= 1.5:
		severity = schema.SeverityWarning
	default:
		return nil
	}

	changePercent := (ratio - 1) * 100
	return []schema.Alert{{
		Kind:           schema.AlertCostSpike,
		Severity:       severity,
		Message:        fmt.Sprintf("cost accrual jumped from $%.2f to $%.2f", baseline, current),
		CurrentValue:   &current,
		ThresholdValue: &baseline,
		Timestamp:      time.Now().UTC(),
		Metadata:       map[string]interface{}{"change_percent": fmt.Sprintf("%.0f%%", changePercent)},
	}}
}

// evaluateFallbacks checks the observed fallback rate over the
// configured window against the threshold.
func (m *Manager) evaluateFallbacks() []schema.Alert {
	if m.cfg.FallbackWindow == nil {
		return nil
	}
	fallbackCount, total := m.cfg.FallbackWindow()
	if total == 0 {
		return nil
	}
	rate := float64(fallbackCount) / float64(total)
	if rate <= m.cfg.FallbackRateThreshold {
		return nil
	}

	severity := schema.SeverityWarning
	if rate > 0.30 {
		severity = schema.SeverityCritical
	}
	threshold := m.cfg.FallbackRateThreshold
	return []schema.Alert{{
		Kind:           schema.AlertExcessiveFallbacks,
		Severity:       severity,
		Message:        fmt.Sprintf("fallback rate %.1f%% exceeds threshold %.1f%%", rate*100, threshold*100),
		CurrentValue:   &rate,
		ThresholdValue: &threshold,
		Timestamp:      time.Now().UTC(),
		Metadata:       map[string]interface{}{"fallback_count": fallbackCount, "total": total},
	}}
}

// emitAlertMetric is a thin wrapper so every alert kind funnels through
// the same telemetry contract point as budget_alerts_total, gated on
// the same prometheus_metrics_enabled flag as every other emission
// site in the core.
func emitAlertMetric(ctx context.Context, alert schema.Alert) {
	if !flags.Enabled(flags.PrometheusMetricsEnabled) || telemetry.GetRegistry() == nil {
		return
	}
	telemetry.EmitWithContext(ctx, telemetry.MetricBudgetAlerts, 1, "kind", string(alert.Kind), "severity", string(alert.Severity))
}
