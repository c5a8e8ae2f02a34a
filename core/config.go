package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SamplingStrategy is the closed set of execution-sampling policies
// the Execution Tracker can be configured with.
type SamplingStrategy string

const (
	SamplingFull          SamplingStrategy = "full"
	SamplingHighFrequency SamplingStrategy = "high_frequency"
	SamplingLowFrequency  SamplingStrategy = "low_frequency"
	SamplingAdaptive      SamplingStrategy = "adaptive"
)

// CostStrategy is the closed set of cost/latency/success weighting
// profiles the Cost Optimizer can score adapters with.
type CostStrategy string

const (
	StrategyInteractive CostStrategy = "interactive"
	StrategyBatch       CostStrategy = "batch"
	StrategyCritical    CostStrategy = "critical"
)

// SamplingConfig controls how the Execution Tracker decides which
// executions to record in detail.
type SamplingConfig struct {
	Strategy SamplingStrategy `json:"strategy" yaml:"strategy" env:"ROUTER_SAMPLING_STRATEGY" default:"full"`
	Rate     float64          `json:"rate" yaml:"rate" env:"ROUTER_SAMPLING_RATE" default:"1.0"`
}

// BatchConfig controls the Execution Tracker's batched-flush behavior.
type BatchConfig struct {
	Size      int `json:"size" yaml:"size" env:"ROUTER_BATCH_SIZE" default:"100"`
	TimeoutMs int `json:"timeout_ms" yaml:"timeout_ms" env:"ROUTER_BATCH_TIMEOUT_MS" default:"5000"`
}

// AggregateConfig controls the Execution Tracker's background
// aggregation loop.
type AggregateConfig struct {
	IntervalMs int `json:"interval_ms" yaml:"interval_ms" env:"ROUTER_AGGREGATE_INTERVAL_MS" default:"60000"`
}

// ScoringConfig controls the Statistical Router's confidence and cache
// behavior.
type ScoringConfig struct {
	MinSamples         int     `json:"min_samples" yaml:"min_samples" env:"ROUTER_SCORING_MIN_SAMPLES" default:"100"`
	ConfidenceInterval float64 `json:"confidence_interval" yaml:"confidence_interval" env:"ROUTER_SCORING_CONFIDENCE_INTERVAL" default:"0.95"`
	RecalcIntervalH    int     `json:"recalc_interval_h" yaml:"recalc_interval_h" env:"ROUTER_SCORING_RECALC_INTERVAL_H" default:"168"`
	CacheTTLH          int     `json:"cache_ttl_h" yaml:"cache_ttl_h" env:"ROUTER_SCORING_CACHE_TTL_H" default:"1"`
}

// CostConfig controls the Cost Optimizer's pricing table and default
// strategy. PerAdapterUSDPerS holds decimal strings rather than
// float64 so a config file never introduces floating point drift into
// money math; callers parse them with shopspring/decimal.
type CostConfig struct {
	PerAdapterUSDPerS map[string]string `json:"per_adapter_usd_per_s" yaml:"per_adapter_usd_per_s"`
	DefaultStrategy   CostStrategy      `json:"default_strategy" yaml:"default_strategy" env:"ROUTER_COST_DEFAULT_STRATEGY" default:"batch"`
}

// SLAConfig bounds the latency and success rate the Cost Optimizer
// scores against.
type SLAConfig struct {
	MaxLatencyMs   int     `json:"max_latency_ms" yaml:"max_latency_ms" env:"ROUTER_SLA_MAX_LATENCY_MS" default:"5000"`
	MinSuccessRate float64 `json:"min_success_rate" yaml:"min_success_rate" env:"ROUTER_SLA_MIN_SUCCESS_RATE" default:"0.8"`
}

// AlertsConfig controls the Alert Manager's evaluation thresholds.
type AlertsConfig struct {
	SuccessRateThreshold  float64 `json:"success_rate_threshold" yaml:"success_rate_threshold" env:"ROUTER_ALERTS_SUCCESS_RATE_THRESHOLD" default:"0.95"`
	FallbackRateThreshold float64 `json:"fallback_rate_threshold" yaml:"fallback_rate_threshold" env:"ROUTER_ALERTS_FALLBACK_RATE_THRESHOLD" default:"0.10"`
	LatencyP95ThresholdMs int     `json:"latency_p95_threshold_ms" yaml:"latency_p95_threshold_ms" env:"ROUTER_ALERTS_LATENCY_P95_THRESHOLD_MS" default:"5000"`
	CostSpikeMultiplier   float64 `json:"cost_spike_multiplier" yaml:"cost_spike_multiplier" env:"ROUTER_ALERTS_COST_SPIKE_MULTIPLIER" default:"2.0"`
	EvaluationIntervalS   int     `json:"evaluation_interval_s" yaml:"evaluation_interval_s" env:"ROUTER_ALERTS_EVALUATION_INTERVAL_S" default:"60"`
}

// LoggingConfig mirrors the framework's own logging configuration:
// level and format only, since output destination and time format are
// never varied in practice.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"ROUTER_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"ROUTER_LOG_FORMAT" default:"json"`
}

// Config holds every recognized configuration key of the routing
// core. It supports the framework's three-layer configuration
// priority: defaults (lowest) -> environment variables (medium) ->
// functional options (highest).
type Config struct {
	Sampling  SamplingConfig  `json:"sampling" yaml:"sampling"`
	Batch     BatchConfig     `json:"batch" yaml:"batch"`
	Aggregate AggregateConfig `json:"aggregate" yaml:"aggregate"`
	Scoring   ScoringConfig   `json:"scoring" yaml:"scoring"`
	Cost      CostConfig      `json:"cost" yaml:"cost"`
	SLA       SLAConfig       `json:"sla" yaml:"sla"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`

	RedisURL string `json:"redis_url" yaml:"redis_url" env:"REDIS_URL"`

	// Features gates the two flags the core itself consults:
	// "prometheus_metrics_enabled" and "learning_system_enabled".
	// Unset keys default to enabled.
	Features map[string]bool `json:"features" yaml:"features"`

	logger Logger `json:"-" yaml:"-"`
}

// IsFeatureEnabled reports whether name is enabled. Only the two
// flags named above gate any behavior in the core; any other name is
// treated as enabled so an unrecognized flag never silently disables
// functionality.
func (c *Config) IsFeatureEnabled(name string) bool {
	if c == nil || c.Features == nil {
		return true
	}
	if v, ok := c.Features[name]; ok {
		return v
	}
	return true
}

// Logger returns the logger attached during NewConfig, or a NoOpLogger
// if none was supplied.
func (c *Config) Logger() Logger {
	if c == nil || c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// DefaultConfig returns a configuration with every documented default
// applied.
func DefaultConfig() *Config {
	return &Config{
		Sampling:  SamplingConfig{Strategy: SamplingFull, Rate: 1.0},
		Batch:     BatchConfig{Size: 100, TimeoutMs: 5000},
		Aggregate: AggregateConfig{IntervalMs: 60_000},
		Scoring: ScoringConfig{
			MinSamples:         100,
			ConfidenceInterval: 0.95,
			RecalcIntervalH:    168,
			CacheTTLH:          1,
		},
		Cost: CostConfig{
			PerAdapterUSDPerS: map[string]string{
				"prefect":    "0.0001",
				"agno":       "0.0002",
				"llamaindex": "0.00005",
			},
			DefaultStrategy: StrategyBatch,
		},
		SLA: SLAConfig{MaxLatencyMs: 5000, MinSuccessRate: 0.8},
		Alerts: AlertsConfig{
			SuccessRateThreshold:  0.95,
			FallbackRateThreshold: 0.10,
			LatencyP95ThresholdMs: 5000,
			CostSpikeMultiplier:   2.0,
			EvaluationIntervalS:   60,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Features: map[string]bool{
			"prometheus_metrics_enabled": true,
			"learning_system_enabled":    true,
		},
		logger: &NoOpLogger{},
	}
}

// Option is a functional option for configuring the routing core.
type Option func(*Config) error

// WithLogger attaches a logger used for configuration operations and
// returned thereafter by Config.Logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithFeature overrides a single feature flag.
func WithFeature(name string, enabled bool) Option {
	return func(c *Config) error {
		if c.Features == nil {
			c.Features = make(map[string]bool)
		}
		c.Features[name] = enabled
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file before any
// further options are applied.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig builds a Config from defaults, then environment
// variables, then the supplied options, validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying config option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = &NoOpLogger{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays recognized environment variables onto the
// config. Follows the framework's pattern of one explicit os.Getenv
// check per field rather than reflection over the `env` struct tags;
// the tags above document the contract this function implements.
func (c *Config) LoadFromEnv() error {
	logger := c.Logger()

	if v := os.Getenv("ROUTER_SAMPLING_STRATEGY"); v != "" {
		c.Sampling.Strategy = SamplingStrategy(v)
		logger.Debug("configuration loaded", map[string]interface{}{"setting": "sampling.strategy", "source": "ROUTER_SAMPLING_STRATEGY"})
	}
	if v := os.Getenv("ROUTER_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Sampling.Rate = f
		} else {
			logger.Warn("invalid ROUTER_SAMPLING_RATE", map[string]interface{}{"value": v})
		}
	}
	if v := os.Getenv("ROUTER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.Size = n
		}
	}
	if v := os.Getenv("ROUTER_BATCH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.TimeoutMs = n
		}
	}
	if v := os.Getenv("ROUTER_AGGREGATE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Aggregate.IntervalMs = n
		}
	}
	if v := os.Getenv("ROUTER_SCORING_MIN_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scoring.MinSamples = n
		}
	}
	if v := os.Getenv("ROUTER_SCORING_CONFIDENCE_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scoring.ConfidenceInterval = f
		}
	}
	if v := os.Getenv("ROUTER_SCORING_RECALC_INTERVAL_H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scoring.RecalcIntervalH = n
		}
	}
	if v := os.Getenv("ROUTER_SCORING_CACHE_TTL_H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scoring.CacheTTLH = n
		}
	}
	if v := os.Getenv("ROUTER_COST_DEFAULT_STRATEGY"); v != "" {
		c.Cost.DefaultStrategy = CostStrategy(v)
	}
	if v := os.Getenv("ROUTER_SLA_MAX_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SLA.MaxLatencyMs = n
		}
	}
	if v := os.Getenv("ROUTER_SLA_MIN_SUCCESS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SLA.MinSuccessRate = f
		}
	}
	if v := os.Getenv("ROUTER_ALERTS_SUCCESS_RATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Alerts.SuccessRateThreshold = f
		}
	}
	if v := os.Getenv("ROUTER_ALERTS_FALLBACK_RATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Alerts.FallbackRateThreshold = f
		}
	}
	if v := os.Getenv("ROUTER_ALERTS_LATENCY_P95_THRESHOLD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Alerts.LatencyP95ThresholdMs = n
		}
	}
	if v := os.Getenv("ROUTER_ALERTS_COST_SPIKE_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Alerts.CostSpikeMultiplier = f
		}
	}
	if v := os.Getenv("ROUTER_ALERTS_EVALUATION_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Alerts.EvaluationIntervalS = n
		}
	}
	if v := os.Getenv("ROUTER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ROUTER_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("ROUTER_FEATURE_PROMETHEUS_METRICS"); v != "" {
		c.Features["prometheus_metrics_enabled"] = parseBool(v)
	}
	if v := os.Getenv("ROUTER_FEATURE_LEARNING_SYSTEM"); v != "" {
		c.Features["learning_system_enabled"] = parseBool(v)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file, overlaying it
// onto the receiver. Unlike the framework's original LoadFromFile
// (which implements JSON and stubs YAML with an explicit "not yet
// supported" error despite carrying gopkg.in/yaml.v3 as a declared
// dependency), this loader implements YAML directly: the pricing
// table and nested threshold blocks this config carries read far more
// naturally as YAML than JSON, and the pattern is grounded in how the
// framework's own workflow definitions are loaded from disk.
func (c *Config) LoadFromFile(path string) error {
	logger := c.Logger()
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- path is an operator-supplied config file
	if err != nil {
		logger.Error("failed to read config file", map[string]interface{}{"path": cleanPath, "error": err.Error()})
		return fmt.Errorf("reading config file %s: %w", cleanPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		logger.Error("failed to parse config file", map[string]interface{}{"path": cleanPath, "error": err.Error()})
		return fmt.Errorf("parsing config file %s: %w", cleanPath, ErrInvalidConfiguration)
	}
	logger.Info("configuration file loaded", map[string]interface{}{"path": cleanPath})
	return nil
}

// Validate checks the configuration for internally-inconsistent
// values. Called automatically by NewConfig.
func (c *Config) Validate() error {
	switch c.Sampling.Strategy {
	case SamplingFull, SamplingHighFrequency, SamplingLowFrequency, SamplingAdaptive:
	default:
		return fmt.Errorf("invalid sampling.strategy %q: %w", c.Sampling.Strategy, ErrInvalidConfiguration)
	}
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling.rate %v out of [0,1]: %w", c.Sampling.Rate, ErrOutOfRange)
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Batch.TimeoutMs <= 0 {
		return fmt.Errorf("batch.timeout_ms must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Aggregate.IntervalMs <= 0 {
		return fmt.Errorf("aggregate.interval_ms must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Scoring.MinSamples <= 0 {
		return fmt.Errorf("scoring.min_samples must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Scoring.ConfidenceInterval <= 0 || c.Scoring.ConfidenceInterval >= 1 {
		return fmt.Errorf("scoring.confidence_interval %v out of (0,1): %w", c.Scoring.ConfidenceInterval, ErrOutOfRange)
	}
	switch c.Cost.DefaultStrategy {
	case StrategyInteractive, StrategyBatch, StrategyCritical:
	default:
		return fmt.Errorf("invalid cost.default_strategy %q: %w", c.Cost.DefaultStrategy, ErrInvalidConfiguration)
	}
	if c.SLA.MinSuccessRate < 0 || c.SLA.MinSuccessRate > 1 {
		return fmt.Errorf("sla.min_success_rate %v out of [0,1]: %w", c.SLA.MinSuccessRate, ErrOutOfRange)
	}
	if c.Alerts.SuccessRateThreshold < 0 || c.Alerts.SuccessRateThreshold > 1 {
		return fmt.Errorf("alerts.success_rate_threshold %v out of [0,1]: %w", c.Alerts.SuccessRateThreshold, ErrOutOfRange)
	}
	if c.Alerts.FallbackRateThreshold < 0 || c.Alerts.FallbackRateThreshold > 1 {
		return fmt.Errorf("alerts.fallback_rate_threshold %v out of [0,1]: %w", c.Alerts.FallbackRateThreshold, ErrOutOfRange)
	}
	if c.Alerts.CostSpikeMultiplier <= 0 {
		return fmt.Errorf("alerts.cost_spike_multiplier must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// parseBool converts a string to a boolean value, accepting "true",
// "1", "yes", and "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
