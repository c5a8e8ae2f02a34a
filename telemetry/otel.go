package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Span is the minimal tracing surface the routing core needs for log
// correlation around a unit of work. No distributed tracing pipeline
// is wired into this core (out of scope, per the routing core's
// purpose and scope); spans ride whatever global TracerProvider the
// host process has registered, defaulting to OpenTelemetry's no-op
// tracer when none has been set.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// OTelProvider is the metrics side of the telemetry emitter: an
// OpenTelemetry Meter backed by a pull-based Prometheus exporter, so
// the metric-emission contract (routing_decisions_total,
// adapter_executions_total, ...) can be scraped without an OTLP
// collector in the loop, unlike an OTLP/HTTP push exporter which would
// need a collector endpoint this core does not own.
type OTelProvider struct {
	tracer       trace.Tracer
	meter        metric.Meter
	provider     *sdkmetric.MeterProvider
	promExporter *prometheus.Exporter
	metrics      *MetricInstruments
	shutdownOnce sync.Once
	shutdown     bool
	mu           sync.RWMutex
}

// NewOTelProvider creates an OTelProvider for serviceName. endpoint is
// accepted for backward-compatible configuration surfaces but ignored:
// the Prometheus exporter is pull-based and has no destination to dial.
func NewOTelProvider(serviceName string, endpoint string) (*OTelProvider, error) {
	logger := GetLogger()
	startTime := time.Now()

	if serviceName == "" {
		logger.Error("Service name is required for telemetry provider", map[string]interface{}{
			"action": "Provide a non-empty service name to identify this service",
			"impact": "Telemetry will not be properly attributed",
		})
		return nil, fmt.Errorf("service name cannot be empty")
	}

	logger.Info("Creating OpenTelemetry metrics provider", map[string]interface{}{
		"service_name": serviceName,
		"exporter":     "prometheus",
	})

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	)

	exporter, err := prometheus.New()
	if err != nil {
		logger.Error("Failed to create Prometheus exporter", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	provider := &OTelProvider{
		tracer:       otel.Tracer("routing-core"),
		meter:        mp.Meter("routing-core"),
		provider:     mp,
		promExporter: exporter,
		metrics:      NewMetricInstruments("routing-core"),
	}

	logger.Info("OpenTelemetry metrics provider created successfully", map[string]interface{}{
		"service_name":      serviceName,
		"initialization_ms": time.Since(startTime).Milliseconds(),
	})

	return provider, nil
}

// StartSpan starts a new span under whatever TracerProvider is
// globally registered (a no-op if none is).
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	o.mu.RLock()
	if o.shutdown {
		o.mu.RUnlock()
		return ctx, &noOpSpan{}
	}
	o.mu.RUnlock()

	if o.tracer == nil {
		return ctx, &noOpSpan{}
	}

	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a metric, routing it to the appropriate
// instrument type based on the metric name pattern. Components with a
// known metric shape (counter vs. histogram vs. gauge) should prefer
// MetricInstruments directly; this heuristic path exists for the
// simple package-level Emit API.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	o.mu.RLock()
	if o.shutdown {
		o.mu.RUnlock()
		return
	}
	o.mu.RUnlock()

	if o.metrics == nil {
		return
	}

	ctx := context.Background()

	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	switch {
	case contains(name, "duration", "latency", "time"):
		_ = o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	case contains(name, "count", "total", "errors", "success"):
		_ = o.metrics.RecordCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	case contains(name, "gauge", "current", "size", "queue"):
		_ = o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	default:
		_ = o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

// contains checks if name carries substr as a prefix or suffix. Used
// for heuristic metric type detection based on naming conventions.
func contains(name string, substrings ...string) bool {
	for _, substr := range substrings {
		if len(name) >= len(substr) &&
			(name[len(name)-len(substr):] == substr ||
				name[:len(substr)] == substr) {
			return true
		}
	}
	return false
}

// Shutdown gracefully shuts down the telemetry provider. Idempotent
// and thread-safe.
func (o *OTelProvider) Shutdown(ctx context.Context) (shutdownErr error) {
	logger := GetLogger()
	startTime := time.Now()

	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.shutdown = true
		o.mu.Unlock()

		shutdownErr = o.doShutdown(ctx, logger, startTime)
	})

	return shutdownErr
}

func (o *OTelProvider) doShutdown(ctx context.Context, logger *TelemetryLogger, startTime time.Time) error {
	logger.Info("Shutting down OpenTelemetry metrics provider", nil)

	var errs []error

	if o.metrics != nil {
		if err := o.metrics.Shutdown(); err != nil {
			logger.Error("Failed to shutdown metric instruments", map[string]interface{}{"error": err.Error()})
			errs = append(errs, fmt.Errorf("failed to shutdown metrics: %w", err))
		}
	}

	if o.provider != nil {
		if err := o.provider.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metric provider", map[string]interface{}{"error": err.Error()})
			errs = append(errs, fmt.Errorf("failed to shutdown metric provider: %w", err))
		}
	}

	if len(errs) > 0 {
		logger.Error("OpenTelemetry provider shutdown completed with errors", map[string]interface{}{
			"error_count": len(errs),
			"shutdown_ms": time.Since(startTime).Milliseconds(),
		})
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	logger.Info("OpenTelemetry provider shut down successfully", map[string]interface{}{
		"shutdown_ms": time.Since(startTime).Milliseconds(),
	})
	return nil
}

// PrometheusExporter exposes the underlying Prometheus-compatible
// metric reader so a composition root can wire it into a
// promhttp.Handler-shaped endpoint. Exposure plumbing itself is out of
// this core's scope; only the reader is part of the contract.
func (o *OTelProvider) PrometheusExporter() *prometheus.Exporter {
	return o.promExporter
}

// noOpSpan implements Span with no-op operations. Used when the
// provider is shut down or its tracer was never initialized.
type noOpSpan struct{}

func (s *noOpSpan) End()                                     {}
func (s *noOpSpan) SetAttribute(key string, value interface{}) {}
func (s *noOpSpan) RecordError(err error)                    {}

// otelSpan wraps an OpenTelemetry span to implement Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}
