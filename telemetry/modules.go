package telemetry

// This file declares the metric contract for the routing core's
// components. Grouping declarations by component (rather than one
// giant list) keeps each component's metrics next to its name.

func init() {
	DeclareMetrics("routing/tracker", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricAdapterExecutions,
				Type:   "counter",
				Help:   "Adapter executions recorded by the execution tracker",
				Labels: []string{"adapter", "task_kind", "status"},
			},
			{
				Name:    MetricAdapterLatency,
				Type:    "histogram",
				Help:    "Adapter execution latency",
				Labels:  []string{"adapter", "task_kind"},
				Unit:    "s",
				Buckets: AdapterLatencyBuckets,
			},
		},
	})

	DeclareMetrics("routing/statrouter", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricRoutingDecisions,
				Type:   "counter",
				Help:   "Routing decisions made by the statistical router",
				Labels: []string{"task_kind", "selected_adapter", "ab_test"},
			},
			{
				Name:   MetricABTestsTotal,
				Type:   "counter",
				Help:   "A/B tests started, by outcome",
				Labels: []string{"task_kind", "outcome"},
			},
			{
				Name:   MetricABTestsActive,
				Type:   "gauge",
				Help:   "Currently running A/B tests",
				Labels: []string{"task_kind"},
			},
		},
	})

	DeclareMetrics("routing/cost", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricCostUSDTotal,
				Type:   "counter",
				Help:   "Cumulative accrued cost in USD",
				Labels: []string{"adapter"},
			},
			{
				Name:   MetricCostUSDCurrent,
				Type:   "gauge",
				Help:   "Current budget-period spend in USD",
				Labels: []string{"adapter"},
			},
			{
				Name:    MetricCostUSDDistrib,
				Type:    "histogram",
				Help:    "Per-execution cost distribution in USD",
				Labels:  []string{"adapter", "task_kind"},
				Unit:    "usd",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		},
	})

	DeclareMetrics("routing/dispatch", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:    MetricFallbackChainLen,
				Type:    "histogram",
				Help:    "Length of the fallback chain walked before a dispatch succeeded or exhausted candidates",
				Labels:  []string{"task_kind"},
				Buckets: FallbackChainLengthBuckets,
			},
			{
				Name:   MetricRoutingFallbacks,
				Type:   "counter",
				Help:   "Dispatches that fell back to a non-primary adapter",
				Labels: []string{"task_kind", "from_adapter", "to_adapter"},
			},
		},
	})

	DeclareMetrics("routing/alerts", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricBudgetAlerts,
				Type:   "counter",
				Help:   "Budget and degradation alerts raised",
				Labels: []string{"kind", "adapter", "severity"},
			},
		},
	})

	DeclareMetrics("resilience", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   MetricCircuitBreakerCalls,
				Type:   "counter",
				Help:   "Circuit breaker protected calls, by outcome",
				Labels: []string{"name", "status"},
			},
			{
				Name:   MetricCircuitBreakerFailures,
				Type:   "counter",
				Help:   "Circuit breaker calls classified as failures",
				Labels: []string{"name", "error_type"},
			},
			{
				Name:   MetricCircuitBreakerStateChanges,
				Type:   "counter",
				Help:   "Circuit breaker state transitions",
				Labels: []string{"name", "from_state", "to_state"},
			},
			{
				Name:   MetricCircuitBreakerRejections,
				Type:   "counter",
				Help:   "Calls rejected by an open circuit breaker",
				Labels: []string{"name"},
			},
			{
				Name:   MetricCircuitBreakerState,
				Type:   "gauge",
				Help:   "Current circuit breaker state (0=closed, 0.5=half-open, 1=open)",
				Labels: []string{"name"},
			},
		},
	})
}
