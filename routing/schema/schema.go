// Package schema holds the plain value types shared by every routing
// component: adapters, task kinds, execution records, statistics,
// preference orders, budgets, cost accruals, A/B tests, and alerts.
// Nothing in this package mutates shared state — it is the vocabulary
// the rest of routing/* is built on, plain structs with JSON tags kept
// separate from the components that manage them.
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdapterKind is the closed set of execution backends the router
// dispatches to. New adapters are added here and must also be reflected
// in the default cost table and the static preference order.
type AdapterKind string

const (
	AdapterPrefect    AdapterKind = "prefect"
	AdapterAgno       AdapterKind = "agno"
	AdapterLlamaIndex AdapterKind = "llamaindex"
)

// DefaultAdapterOrder is the static fallback preference order used when
// no adapter has enough data to score, or when none survive a budget
// constraint check.
var DefaultAdapterOrder = []AdapterKind{AdapterPrefect, AdapterAgno, AdapterLlamaIndex}

// TaskKind is the closed set of task classes dispatched through the
// router. Each selects a default scoring profile.
type TaskKind string

const (
	TaskWorkflow TaskKind = "workflow"
	TaskAI       TaskKind = "ai_task"
	TaskRAGQuery TaskKind = "rag_query"
)

// ExecutionStatus is the closed set of terminal states for a single
// adapter attempt.
type ExecutionStatus string

const (
	StatusSuccess   ExecutionStatus = "success"
	StatusFailure   ExecutionStatus = "failure"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCancelled ExecutionStatus = "cancelled"
)

// NewExecutionID returns a globally unique, lexicographically sortable
// identifier: a nanosecond-resolution timestamp prefix (so IDs sort in
// creation order) followed by a uuid suffix (so concurrent calls within
// the same nanosecond never collide). It doubles as the correlation ID
// handed to adapters and external systems.
func NewExecutionID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UTC().UnixNano(), uuid.New().String())
}

// ExecutionRecord is a single completed (or cancelled/timed-out)
// adapter attempt.
type ExecutionRecord struct {
	ExecutionID  string          `json:"execution_id"`
	Adapter      AdapterKind     `json:"adapter"`
	TaskKind     TaskKind        `json:"task_kind"`
	StartTS      time.Time       `json:"start_ts"`
	EndTS        time.Time       `json:"end_ts"`
	Status       ExecutionStatus `json:"status"`
	LatencyMS    float64         `json:"latency_ms"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CostUSD      *decimal.Decimal `json:"cost_usd,omitempty"`
}

// Valid reports whether the record satisfies the invariants in the data
// model: start must not be after end, and a successful record carries
// no error fields.
func (r ExecutionRecord) Valid() bool {
	if r.StartTS.After(r.EndTS) {
		return false
	}
	if r.Status == StatusSuccess && (r.ErrorType != "" || r.ErrorMessage != "") {
		return false
	}
	return true
}

// ActiveExecution is the transient record of an in-flight attempt,
// tracked from RecordStart until RecordEnd or TTL eviction.
type ActiveExecution struct {
	ExecutionID string      `json:"execution_id"`
	Adapter     AdapterKind `json:"adapter"`
	TaskKind    TaskKind    `json:"task_kind"`
	StartTS     time.Time   `json:"start_ts"`
	Repos       []string    `json:"repos,omitempty"`
}

// AdapterStats is the rolling, process-wide success/failure tally for
// one adapter.
type AdapterStats struct {
	Adapter       AdapterKind `json:"adapter"`
	SuccessCount  int64       `json:"success_count"`
	FailureCount  int64       `json:"failure_count"`
}

// Total is the number of outcomes recorded for this adapter.
func (s AdapterStats) Total() int64 { return s.SuccessCount + s.FailureCount }

// SuccessRate returns the observed success rate and whether it is
// defined (it is undefined below minSamples total observations).
func (s AdapterStats) SuccessRate(minSamples int64) (rate float64, ok bool) {
	total := s.Total()
	if total < minSamples {
		return 0, false
	}
	return float64(s.SuccessCount) / float64(total), true
}

// ConfidenceLevel is the coarse bucket over sample size used to
// annotate a score's reliability.
type ConfidenceLevel string

const (
	ConfidenceHigh         ConfidenceLevel = "high"
	ConfidenceMedium       ConfidenceLevel = "medium"
	ConfidenceLow          ConfidenceLevel = "low"
	ConfidenceInsufficient ConfidenceLevel = "insufficient"
)

// ConfidenceFor buckets a sample count into a ConfidenceLevel per the
// glossary thresholds: high >= 100, medium >= 50, low >= 20, else
// insufficient.
func ConfidenceFor(sampleCount int64) ConfidenceLevel {
	switch {
	case sampleCount >= 100:
		return ConfidenceHigh
	case sampleCount >= 50:
		return ConfidenceMedium
	case sampleCount >= 20:
		return ConfidenceLow
	default:
		return ConfidenceInsufficient
	}
}

// AdapterScore is the per-(adapter, task_kind) scoring result the
// Statistical Router produces.
type AdapterScore struct {
	Adapter        AdapterKind     `json:"adapter"`
	TaskKind       TaskKind        `json:"task_kind"`
	SuccessRate    float64         `json:"success_rate"`
	LatencyScore   float64         `json:"latency_score"`
	CombinedScore  float64         `json:"combined_score"`
	SampleCount    int64           `json:"sample_count"`
	Confidence     ConfidenceLevel `json:"confidence"`
	WilsonLower    float64         `json:"wilson_lower"`
	WilsonUpper    float64         `json:"wilson_upper"`
}

// ABVariant tags which side (if any) of a running experiment a
// PreferenceOrder reflects.
type ABVariant string

const (
	VariantA    ABVariant = "A"
	VariantB    ABVariant = "B"
	VariantNone ABVariant = "none"
)

// PreferenceOrder is the ranked adapter list for one task kind.
type PreferenceOrder struct {
	TaskKind   TaskKind        `json:"task_kind"`
	Adapters   []AdapterKind   `json:"adapters"`
	Scores     []AdapterScore  `json:"scores"`
	Confidence ConfidenceLevel `json:"confidence"`
	Variant    ABVariant       `json:"variant,omitempty"`
	ComputedAt time.Time       `json:"computed_at"`
}

// BudgetKind is the closed set of budget period shapes.
type BudgetKind string

const (
	BudgetDaily        BudgetKind = "daily"
	BudgetWeekly       BudgetKind = "weekly"
	BudgetMonthly      BudgetKind = "monthly"
	BudgetPerTaskKind  BudgetKind = "per_task_type"
)

// Budget is a spending limit over a time window, optionally scoped to
// an adapter and/or task kind.
type Budget struct {
	ID             string       `json:"id"`
	Kind           BudgetKind   `json:"kind"`
	LimitUSD       decimal.Decimal `json:"limit_usd"`
	Adapter        *AdapterKind `json:"adapter,omitempty"`
	TaskKind       *TaskKind    `json:"task_kind,omitempty"`
	PeriodStart    time.Time    `json:"period_start"`
	PeriodEnd      time.Time    `json:"period_end"`
	AlertThreshold float64      `json:"alert_threshold"`
}

// Active reports whether now falls within the budget's closed period.
func (b Budget) Active(now time.Time) bool {
	return !now.Before(b.PeriodStart) && !now.After(b.PeriodEnd)
}

// Matches reports whether an (adapter, task_kind) pair falls within
// this budget's scope. A nil Adapter/TaskKind means "any".
func (b Budget) Matches(adapter AdapterKind, taskKind TaskKind) bool {
	if b.Adapter != nil && *b.Adapter != adapter {
		return false
	}
	if b.TaskKind != nil && *b.TaskKind != taskKind {
		return false
	}
	return true
}

// CostAccrualKey identifies one day's cost bucket for one adapter and
// task kind.
type CostAccrualKey struct {
	Date     string      `json:"date"` // yyyy-mm-dd, UTC
	Adapter  AdapterKind `json:"adapter"`
	TaskKind TaskKind    `json:"task_kind"`
}

// ABTestStatus is the closed set of experiment lifecycle states.
type ABTestStatus string

const (
	ABStatusRunning    ABTestStatus = "running"
	ABStatusCompleted  ABTestStatus = "completed"
	ABStatusRolledBack ABTestStatus = "rolled_back"
	ABStatusAbandoned  ABTestStatus = "abandoned"
)

// ABWinner is the closed set of experiment outcomes.
type ABWinner string

const (
	WinnerA           ABWinner = "A"
	WinnerB           ABWinner = "B"
	WinnerInconclusive ABWinner = "inconclusive"
	WinnerNone        ABWinner = "none"
)

// ABTest is a paired-preference-order experiment for one task kind.
type ABTest struct {
	ExperimentID string          `json:"experiment_id"`
	TaskKind     TaskKind        `json:"task_kind"`
	VariantA     PreferenceOrder `json:"variant_a"`
	VariantB     PreferenceOrder `json:"variant_b"`
	TrafficSplit float64         `json:"traffic_split"`
	Status       ABTestStatus    `json:"status"`
	Winner       ABWinner        `json:"winner"`
	StartedAt    time.Time       `json:"started_at"`
	EndsAt       time.Time       `json:"ends_at"`
}

// AlertKind is the closed set of conditions the Alert Manager evaluates.
type AlertKind string

const (
	AlertAdapterDegradation AlertKind = "adapter_degradation"
	AlertCostSpike          AlertKind = "cost_spike"
	AlertExcessiveFallbacks AlertKind = "excessive_fallbacks"
	AlertHighLatency        AlertKind = "high_latency"
	AlertBudgetExceeded     AlertKind = "budget_exceeded"
)

// AlertSeverity is the closed set of alert severities.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a single health-evaluation finding, ready to hand to a sink.
type Alert struct {
	Kind           AlertKind              `json:"alert_type"`
	Severity       AlertSeverity          `json:"severity"`
	Message        string                 `json:"message"`
	Adapter        *AdapterKind           `json:"adapter,omitempty"`
	CurrentValue   *float64               `json:"current_value,omitempty"`
	ThresholdValue *float64               `json:"threshold_value,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
