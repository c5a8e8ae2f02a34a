package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Sampling.Strategy != SamplingFull {
		t.Errorf("sampling.strategy = %v, want full", cfg.Sampling.Strategy)
	}
	if cfg.Batch.Size != 100 || cfg.Batch.TimeoutMs != 5000 {
		t.Errorf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if cfg.Scoring.RecalcIntervalH != 168 {
		t.Errorf("scoring.recalc_interval_h = %d, want 168", cfg.Scoring.RecalcIntervalH)
	}
	if cfg.Alerts.FallbackRateThreshold != 0.10 {
		t.Errorf("alerts.fallback_rate_threshold = %v, want 0.10", cfg.Alerts.FallbackRateThreshold)
	}
	if !cfg.IsFeatureEnabled("prometheus_metrics_enabled") {
		t.Error("prometheus_metrics_enabled should default to true")
	}
	if !cfg.IsFeatureEnabled("some_unknown_flag") {
		t.Error("unknown flags should default to enabled")
	}
}

func TestNewConfigAppliesOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithFeature("learning_system_enabled", false),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.IsFeatureEnabled("learning_system_enabled") {
		t.Error("expected learning_system_enabled to be disabled by option")
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ROUTER_SAMPLING_RATE", "0.25")
	t.Setenv("ROUTER_SCORING_MIN_SAMPLES", "50")

	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Sampling.Rate != 0.25 {
		t.Errorf("sampling.rate = %v, want 0.25", cfg.Sampling.Rate)
	}
	if cfg.Scoring.MinSamples != 50 {
		t.Errorf("scoring.min_samples = %d, want 50", cfg.Scoring.MinSamples)
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sampling.Rate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for sampling.rate > 1")
	}

	cfg = DefaultConfig()
	cfg.Scoring.ConfidenceInterval = 1.0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for confidence_interval >= 1")
	}

	cfg = DefaultConfig()
	cfg.Cost.DefaultStrategy = "unknown"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown cost strategy")
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	contents := `
sampling:
  strategy: adaptive
  rate: 0.5
cost:
  per_adapter_usd_per_s:
    prefect: "0.0003"
  default_strategy: interactive
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Sampling.Strategy != SamplingAdaptive {
		t.Errorf("sampling.strategy = %v, want adaptive", cfg.Sampling.Strategy)
	}
	if cfg.Sampling.Rate != 0.5 {
		t.Errorf("sampling.rate = %v, want 0.5", cfg.Sampling.Rate)
	}
	if cfg.Cost.PerAdapterUSDPerS["prefect"] != "0.0003" {
		t.Errorf("cost.per_adapter_usd_per_s[prefect] = %v, want 0.0003", cfg.Cost.PerAdapterUSDPerS["prefect"])
	}
	if cfg.Cost.DefaultStrategy != StrategyInteractive {
		t.Errorf("cost.default_strategy = %v, want interactive", cfg.Cost.DefaultStrategy)
	}
}

func TestLoadFromFileRejectsUnsupportedExtension(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromFile("config.json"); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
