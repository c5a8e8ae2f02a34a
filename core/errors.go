package core

import (
	"errors"
	"fmt"
)

// Kind is the routing core's error taxonomy. It classifies failures by
// how the caller and the dispatch loop should react to them, not by
// which package raised them.
type Kind string

const (
	// KindValidation covers bad input to the core itself: an invalid
	// period, a negative budget limit, an out-of-range probability.
	// Surfaced to the caller, never logged as an error.
	KindValidation Kind = "validation"

	// KindAdapterTransient covers I/O failures, 5xx responses, and
	// timeouts from an adapter. Retried within the same adapter; if
	// retries are exhausted it drives a fallback.
	KindAdapterTransient Kind = "adapter_transient"

	// KindAdapterFatal covers 4xx (except 408/429) or a structurally
	// malformed adapter response. Skips remaining retries and drives
	// fallback immediately.
	KindAdapterFatal Kind = "adapter_fatal"

	// KindBudgetViolation covers a selection-time budget constraint
	// breach. Not an error to the caller — the adapter is simply
	// disqualified for this decision cycle.
	KindBudgetViolation Kind = "budget_violation"

	// KindInternal covers a bug or invariant violation. Logged with
	// full context; the current request fails closed. Background
	// loops catch, log, and continue rather than propagate.
	KindInternal Kind = "internal"
)

// Standard sentinel errors for comparison using errors.Is().
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrOutOfRange           = errors.New("value out of range")

	ErrAdapterTimeout    = errors.New("adapter timed out")
	ErrAdapterTransient  = errors.New("adapter transient failure")
	ErrAdapterFatal      = errors.New("adapter fatal failure")
	ErrAdapterCancelled  = errors.New("adapter execution cancelled")
	ErrNoAdapterAvailable = errors.New("no adapter available")

	ErrBudgetExceeded = errors.New("budget exceeded")

	ErrAlreadyStarted     = errors.New("already started")
	ErrNotInitialized     = errors.New("not initialized")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	ErrExperimentExists   = errors.New("experiment already exists")
	ErrExperimentNotFound = errors.New("experiment not found")
)

// RoutingError is the structured error every public entry point in the
// routing core returns. It carries enough context to recover the
// taxonomy Kind (IsValidation, IsAdapterTransient, ...) via errors.Is,
// plus an Op/ID trail for logs.
type RoutingError struct {
	Op      string // Operation that failed, e.g. "tracker.RecordEnd"
	Kind    Kind
	ID      string // Optional ID of the entity involved (execution_id, adapter, ...)
	Message string
	Err     error
}

func (e *RoutingError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// NewRoutingError creates a RoutingError of the given kind.
func NewRoutingError(op string, kind Kind, err error) *RoutingError {
	return &RoutingError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the taxonomy Kind from err, defaulting to
// KindInternal when err does not carry one — an un-classified error is
// treated as a bug, not a known failure mode.
func KindOf(err error) Kind {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool        { return KindOf(err) == KindValidation }
func IsAdapterTransient(err error) bool  { return KindOf(err) == KindAdapterTransient }
func IsAdapterFatal(err error) bool      { return KindOf(err) == KindAdapterFatal }
func IsBudgetViolation(err error) bool   { return KindOf(err) == KindBudgetViolation }
func IsInternal(err error) bool          { return KindOf(err) == KindInternal }

// RecoveryHints is the static table of caller-facing recovery hints
// keyed by taxonomy Kind, per the error handling design: callers
// always receive a well-formed result carrying a terminal error
// message and a recovery hint lifted from this table.
var RecoveryHints = map[Kind]string{
	KindValidation:       "check the request parameters and retry",
	KindAdapterTransient: "the adapter is temporarily unavailable; retry later",
	KindAdapterFatal:     "the adapter rejected the request; it will not succeed on retry",
	KindBudgetViolation:  "the configured budget has been exhausted for this scope",
	KindInternal:         "an internal error occurred; check logs for details",
}

// RecoveryHint returns the static recovery hint for err's taxonomy kind.
func RecoveryHint(err error) string {
	return RecoveryHints[KindOf(err)]
}
