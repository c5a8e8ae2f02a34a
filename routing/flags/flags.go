// Package flags is the read-only feature-flag gate consulted at the
// hot paths of every routing component.
//
// Only two names gate any behavior in the core:
// "prometheus_metrics_enabled" (skips metric emission when false) and
// "learning_system_enabled" (skips Execution Tracker recording when
// false). Any other name is treated as enabled, so an unrecognized
// flag never silently disables functionality. The package mirrors
// telemetry's atomic.Value-backed singleton: Set is called once from
// the composition root, Enabled is read on every hot path without
// locking.
package flags

import "sync/atomic"

// Names of the two flags the core itself consults.
const (
	PrometheusMetricsEnabled = "prometheus_metrics_enabled"
	LearningSystemEnabled    = "learning_system_enabled"
)

// Source is the narrow view of core.Config this package reads from.
type Source interface {
	IsFeatureEnabled(name string) bool
}

// box wraps Source so atomic.Value always stores the same concrete
// type (atomic.Value panics if consecutive Store calls see different
// concrete types, which a bare nil interface would trigger on Reset).
type box struct{ src Source }

var current atomic.Value // *box

// Set installs the active flag source. Called once by the composition
// root after building core.Config; safe to call again in tests to
// swap in a different source.
func Set(src Source) {
	if src == nil {
		return
	}
	current.Store(&box{src: src})
}

// Enabled reports whether name is enabled. Before Set is ever called,
// every flag is treated as enabled — the gate fails open, never
// silently disabling a core that was never wired to a config source.
func Enabled(name string) bool {
	v, ok := current.Load().(*box)
	if !ok || v == nil || v.src == nil {
		return true
	}
	return v.src.IsFeatureEnabled(name)
}

// Reset clears the installed source, restoring fail-open behavior.
// Test-only helper.
func Reset() {
	current.Store(&box{})
}
