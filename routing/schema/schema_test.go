package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewExecutionIDSortableAndUnique(t *testing.T) {
	a := NewExecutionID()
	time.Sleep(time.Millisecond)
	b := NewExecutionID()

	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "execution IDs generated later must sort after earlier ones")
}

func TestExecutionRecordValid(t *testing.T) {
	now := time.Now()

	ok := ExecutionRecord{
		StartTS: now,
		EndTS:   now.Add(time.Second),
		Status:  StatusSuccess,
	}
	assert.True(t, ok.Valid())

	badOrder := ok
	badOrder.StartTS, badOrder.EndTS = badOrder.EndTS, badOrder.StartTS
	assert.False(t, badOrder.Valid())

	successWithError := ok
	successWithError.ErrorType = "boom"
	assert.False(t, successWithError.Valid())
}

func TestAdapterStatsSuccessRate(t *testing.T) {
	stats := AdapterStats{SuccessCount: 9, FailureCount: 1}

	rate, ok := stats.SuccessRate(10)
	assert.True(t, ok)
	assert.InDelta(t, 0.9, rate, 1e-9)

	_, ok = stats.SuccessRate(11)
	assert.False(t, ok, "total below min_samples must be undefined")

	zero := AdapterStats{}
	_, ok = zero.SuccessRate(0)
	assert.True(t, ok, "min_samples=0 makes every adapter eligible immediately")
}

func TestConfidenceFor(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ConfidenceFor(100))
	assert.Equal(t, ConfidenceMedium, ConfidenceFor(50))
	assert.Equal(t, ConfidenceLow, ConfidenceFor(20))
	assert.Equal(t, ConfidenceInsufficient, ConfidenceFor(19))
}

func TestBudgetActiveClosedInterval(t *testing.T) {
	now := time.Now()
	b := Budget{PeriodStart: now, PeriodEnd: now}
	assert.True(t, b.Active(now), "period_start == period_end == now must be active exactly at now")
}

func TestBudgetMatches(t *testing.T) {
	agno := AdapterAgno
	b := Budget{Adapter: &agno}
	assert.True(t, b.Matches(AdapterAgno, TaskWorkflow))
	assert.False(t, b.Matches(AdapterPrefect, TaskWorkflow))

	unscoped := Budget{}
	assert.True(t, unscoped.Matches(AdapterPrefect, TaskRAGQuery))
}
