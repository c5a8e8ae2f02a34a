package resilience

import (
	"github.com/flowmesh/adaptive-router/routing/flags"
	"github.com/flowmesh/adaptive-router/telemetry"
)

// TelemetryMetrics implements MetricsCollector over the telemetry
// package's Counter/Gauge API, gated the same way every other emission
// in this module is: behind the Prometheus feature flag and a live
// registry, so a breaker built before telemetry.Initialize runs never
// panics on a nil provider.
type TelemetryMetrics struct{}

// NewTelemetryMetrics returns a MetricsCollector that reports circuit
// breaker state to the routing core's metric contract.
func NewTelemetryMetrics() *TelemetryMetrics {
	return &TelemetryMetrics{}
}

func metricsReady() bool {
	return flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil
}

func (t *TelemetryMetrics) RecordSuccess(name string) {
	if !metricsReady() {
		return
	}
	telemetry.Counter(telemetry.MetricCircuitBreakerCalls, "name", name, "status", "success")
}

func (t *TelemetryMetrics) RecordFailure(name string, errorType string) {
	if !metricsReady() {
		return
	}
	telemetry.Counter(telemetry.MetricCircuitBreakerCalls, "name", name, "status", "failure")
	telemetry.Counter(telemetry.MetricCircuitBreakerFailures, "name", name, "error_type", errorType)
}

func (t *TelemetryMetrics) RecordStateChange(name string, from, to string) {
	if !metricsReady() {
		return
	}
	telemetry.Counter(telemetry.MetricCircuitBreakerStateChanges, "name", name, "from_state", from, "to_state", to)

	stateValue := 0.0
	switch to {
	case "half-open":
		stateValue = 0.5
	case "open":
		stateValue = 1.0
	}
	telemetry.Gauge(telemetry.MetricCircuitBreakerState, stateValue, "name", name)
}

func (t *TelemetryMetrics) RecordRejection(name string) {
	if !metricsReady() {
		return
	}
	telemetry.Counter(telemetry.MetricCircuitBreakerRejections, "name", name)
}
