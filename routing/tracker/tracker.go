// Package tracker implements the Execution Tracker: the authoritative
// in-memory source for per-adapter statistics and per-execution audit
// records, plus asynchronous batched persistence to an opaque sink.
//
// The shape (sampling strategy selected at construction, a completed
// buffer drained by size/timeout, a background aggregation loop)
// keeps state behind a mutex, keeps the hot append path short, and
// gives a single ticker-driven goroutine everything that isn't on the
// request path.
package tracker

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/adaptive-router/core"
	"github.com/flowmesh/adaptive-router/routing/flags"
	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/flowmesh/adaptive-router/telemetry"
)

// SamplingStrategy selects which RecordStart calls actually register an
// active execution.
type SamplingStrategy string

const (
	SamplingFull         SamplingStrategy = "full"
	SamplingLowFrequency SamplingStrategy = "low_frequency"
	SamplingHighFrequency SamplingStrategy = "high_frequency"
	SamplingAdaptive     SamplingStrategy = "adaptive"
)

// Config configures a Tracker. Zero values are replaced by defaults,
// except SamplingRate under SamplingHighFrequency, where 0 samples nothing.
type Config struct {
	SamplingStrategy SamplingStrategy
	SamplingRate     float64       // used only by SamplingHighFrequency; default 1.0 for other strategies
	BatchSize        int           // default 100
	BatchTimeout     time.Duration // default 5s
	AggregateInterval time.Duration // default 60s
	ActiveTTL        time.Duration // default 24h
	MinSamples       int64         // default 10, gates AdapterStatsFor
	MaxRecentPerKey  int           // default 100, bounds latency history

	Sink   core.Sink
	Logger core.Logger
}

func (c *Config) setDefaults() {
	if c.SamplingStrategy == "" {
		c.SamplingStrategy = SamplingFull
	}
	if c.SamplingRate == 0 && c.SamplingStrategy != SamplingHighFrequency {
		c.SamplingRate = 1.0
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.AggregateInterval == 0 {
		c.AggregateInterval = 60 * time.Second
	}
	if c.ActiveTTL == 0 {
		c.ActiveTTL = 24 * time.Hour
	}
	if c.MinSamples == 0 {
		c.MinSamples = 10
	}
	if c.MaxRecentPerKey == 0 {
		c.MaxRecentPerKey = 100
	}
	if c.Sink == nil {
		c.Sink = core.NoopSink{}
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

// Health is the snapshot returned by Tracker.Health.
type Health struct {
	Status             core.HealthStatus
	ActiveCount        int
	PendingWrites      int
	SamplingStrategy   SamplingStrategy
	LastAggregationAt  time.Time
	DroppedAggregates  int64
}

// Tracker is the Execution Tracker. The zero value is not usable; use
// New.
type Tracker struct {
	cfg Config

	mu              sync.Mutex
	active          map[string]schema.ActiveExecution
	taskKindCounts  map[schema.TaskKind]int64

	statsMu sync.Mutex
	stats   map[schema.AdapterKind]*schema.AdapterStats

	bufMu     sync.Mutex
	completed []schema.ExecutionRecord
	flushing  bool

	recentMu sync.Mutex
	recent   map[recentKey][]float64 // latency_ms history, bounded per key
	allRecent []schema.ExecutionRecord

	droppedAggregateWrites int64
	lastAggregationAt      atomic64Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// flushTimer fires the batch_timeout_ms trigger: a completed buffer
	// below BatchSize still must not sit unflushed past BatchTimeout.
	// Armed in Start, read and reset in aggregationLoop.
	flushTimer *time.Timer
}

type recentKey struct {
	Adapter  schema.AdapterKind
	TaskKind schema.TaskKind
}

// atomic64Time is a tiny mutex-guarded time.Time box; a dedicated type
// keeps call sites readable without pulling in atomic.Value type
// assertions everywhere Health() is read concurrently with the
// aggregation loop's writes.
type atomic64Time struct {
	mu sync.RWMutex
	t  time.Time
}

func (a *atomic64Time) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64Time) Load() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.t
}

// New constructs a Tracker. It does not start background loops; call
// Start for that.
func New(cfg Config) *Tracker {
	cfg.setDefaults()
	return &Tracker{
		cfg:            cfg,
		active:         make(map[string]schema.ActiveExecution),
		taskKindCounts: make(map[schema.TaskKind]int64),
		stats:          make(map[schema.AdapterKind]*schema.AdapterStats),
		recent:         make(map[recentKey][]float64),
	}
}

// Start launches the batch timer and the aggregation loop. Idempotent:
// calling twice is a no-op after the first successful call.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.flushTimer = time.NewTimer(t.cfg.BatchTimeout)

	t.wg.Add(1)
	go t.aggregationLoop(loopCtx)
}

// Stop cancels background loops and flushes any remaining buffer so no
// completed record is lost.
func (t *Tracker) Stop(ctx context.Context) {
	if t.cancel != nil {
		t.cancel()
		t.wg.Wait()
		t.cancel = nil
	}
	t.flush(ctx)
}

// shouldSample applies the configured sampling strategy.
func (t *Tracker) shouldSample(taskKind schema.TaskKind) bool {
	switch t.cfg.SamplingStrategy {
	case SamplingHighFrequency:
		return rand.Float64() < t.cfg.SamplingRate
	case SamplingAdaptive:
		t.mu.Lock()
		count := t.taskKindCounts[taskKind]
		t.mu.Unlock()
		return count < 100 || count%10 == 0
	case SamplingFull, SamplingLowFrequency:
		return true
	default:
		return true
	}
}

// RecordStart generates a sortable execution ID, consults the sampling
// strategy, and (on sample) registers an ActiveExecution. The ID is
// always returned so callers never need to branch on sampling.
func (t *Tracker) RecordStart(adapter schema.AdapterKind, taskKind schema.TaskKind, repos []string) string {
	id := schema.NewExecutionID()

	if !flags.Enabled(flags.LearningSystemEnabled) {
		return id
	}
	if !t.shouldSample(taskKind) {
		return id
	}

	t.mu.Lock()
	t.active[id] = schema.ActiveExecution{
		ExecutionID: id,
		Adapter:     adapter,
		TaskKind:    taskKind,
		StartTS:     time.Now().UTC(),
		Repos:       repos,
	}
	t.taskKindCounts[taskKind]++
	t.mu.Unlock()

	return id
}

// RecordEndParams carries RecordEnd's optional fields.
type RecordEndParams struct {
	Status       schema.ExecutionStatus
	LatencyMS    *float64
	ErrorType    string
	ErrorMessage string
	CostUSD      *float64
}

// RecordEnd closes out an in-flight execution. A lookup miss (unsampled
// or already-evicted) is silent, not an error.
func (t *Tracker) RecordEnd(ctx context.Context, executionID string, params RecordEndParams) {
	t.mu.Lock()
	ae, ok := t.active[executionID]
	if ok {
		delete(t.active, executionID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	endTS := time.Now().UTC()
	latencyMS := endTS.Sub(ae.StartTS).Seconds() * 1000
	if params.LatencyMS != nil {
		latencyMS = *params.LatencyMS
	}

	record := schema.ExecutionRecord{
		ExecutionID:  executionID,
		Adapter:      ae.Adapter,
		TaskKind:     ae.TaskKind,
		StartTS:      ae.StartTS,
		EndTS:        endTS,
		Status:       params.Status,
		LatencyMS:    latencyMS,
		ErrorType:    params.ErrorType,
		ErrorMessage: params.ErrorMessage,
	}

	t.updateStats(ae.Adapter, params.Status == schema.StatusSuccess)
	t.recordLatency(ae.Adapter, ae.TaskKind, latencyMS)
	t.appendCompleted(ctx, record)

	if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
		telemetry.EmitWithContext(ctx, telemetry.MetricAdapterExecutions, 1,
			"adapter", string(ae.Adapter), "task_kind", string(ae.TaskKind), "status", string(params.Status))
		telemetry.EmitWithContext(ctx, telemetry.MetricAdapterLatency, latencyMS/1000.0,
			"adapter", string(ae.Adapter), "task_kind", string(ae.TaskKind))
	}
}

func (t *Tracker) updateStats(adapter schema.AdapterKind, success bool) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	s, ok := t.stats[adapter]
	if !ok {
		s = &schema.AdapterStats{Adapter: adapter}
		t.stats[adapter] = s
	}
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
}

func (t *Tracker) recordLatency(adapter schema.AdapterKind, taskKind schema.TaskKind, latencyMS float64) {
	t.recentMu.Lock()
	defer t.recentMu.Unlock()
	key := recentKey{Adapter: adapter, TaskKind: taskKind}
	hist := append(t.recent[key], latencyMS)
	if len(hist) > t.cfg.MaxRecentPerKey {
		hist = hist[len(hist)-t.cfg.MaxRecentPerKey:]
	}
	t.recent[key] = hist
}

// RecentLatenciesMS returns up to the last 100 latencies recorded for
// (adapter, task_kind), used by the Statistical Router's median
// calculation.
func (t *Tracker) RecentLatenciesMS(adapter schema.AdapterKind, taskKind schema.TaskKind) []float64 {
	t.recentMu.Lock()
	defer t.recentMu.Unlock()
	hist := t.recent[recentKey{Adapter: adapter, TaskKind: taskKind}]
	out := make([]float64, len(hist))
	copy(out, hist)
	return out
}

// appendCompleted guards the buffer append and triggers a flush when
// the size threshold is crossed, or eagerly flushes the oldest records
// when the buffer has grown past 10x batch_size (backpressure).
func (t *Tracker) appendCompleted(ctx context.Context, record schema.ExecutionRecord) {
	t.bufMu.Lock()
	t.completed = append(t.completed, record)

	t.recentMu.Lock()
	t.allRecent = append(t.allRecent, record)
	if len(t.allRecent) > 10000 {
		t.allRecent = t.allRecent[len(t.allRecent)-10000:]
	}
	t.recentMu.Unlock()

	overflow := len(t.completed) > t.cfg.BatchSize*10
	shouldFlush := len(t.completed) >= t.cfg.BatchSize
	t.bufMu.Unlock()

	if overflow {
		t.droppedAggregateWrites++
	}
	if shouldFlush || overflow {
		go t.flush(ctx)
	}
}

// flush drains the completed buffer to the sink. Mutual exclusion
// ensures a single flusher runs at a time; a concurrent caller simply
// returns, and records appended while a flush is in flight stay buffered
// until the next flush trigger (size threshold, batch timer, or Stop).
func (t *Tracker) flush(ctx context.Context) {
	t.bufMu.Lock()
	if t.flushing {
		t.bufMu.Unlock()
		return
	}
	if len(t.completed) == 0 {
		t.bufMu.Unlock()
		return
	}
	t.flushing = true
	batch := t.completed
	t.completed = nil
	t.bufMu.Unlock()

	defer func() {
		t.bufMu.Lock()
		t.flushing = false
		t.bufMu.Unlock()
	}()

	payload, err := json.Marshal(batch)
	if err != nil {
		t.cfg.Logger.Error("failed to marshal execution batch", map[string]interface{}{"error": err.Error()})
		return
	}

	const maxAttempts = 3
	var writeErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		writeErr = t.cfg.Sink.Write(ctx, payload, nil)
		if writeErr == nil {
			return
		}
		if !core.IsRetriable(writeErr) {
			break
		}
		time.Sleep(backoff(attempt))
	}

	t.cfg.Logger.Error("execution batch flush failed, dropping batch", map[string]interface{}{
		"error": writeErr.Error(),
		"size":  len(batch),
	})
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// aggregationLoop periodically recomputes aggregates, ages out stale
// active executions, and snapshots state to the sink.
func (t *Tracker) aggregationLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.AggregateInterval)
	defer ticker.Stop()
	defer t.flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.flush(ctx)
			return
		case <-ticker.C:
			t.runAggregation(ctx)
		case <-t.flushTimer.C:
			t.flush(ctx)
			t.flushTimer.Reset(t.cfg.BatchTimeout)
		}
	}
}

func (t *Tracker) runAggregation(ctx context.Context) {
	t.evictStaleActive()
	t.lastAggregationAt.Store(time.Now().UTC())

	snapshot := t.snapshotStats()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		t.cfg.Logger.Error("failed to marshal aggregate snapshot", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := t.cfg.Sink.Write(ctx, nil, payload); err != nil {
		t.cfg.Logger.Warn("aggregate snapshot write failed", map[string]interface{}{"error": err.Error()})
	}
}

func (t *Tracker) evictStaleActive() {
	cutoff := time.Now().Add(-t.cfg.ActiveTTL)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ae := range t.active {
		if ae.StartTS.Before(cutoff) {
			delete(t.active, id)
		}
	}
}

func (t *Tracker) snapshotStats() map[schema.AdapterKind]schema.AdapterStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	out := make(map[schema.AdapterKind]schema.AdapterStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = *v
	}
	return out
}

// AdapterStatsFor returns the rolling stats for adapter, or false if
// fewer than MinSamples observations have been recorded.
func (t *Tracker) AdapterStatsFor(adapter schema.AdapterKind) (schema.AdapterStats, bool) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	s, ok := t.stats[adapter]
	if !ok {
		return schema.AdapterStats{}, false
	}
	if s.Total() < t.cfg.MinSamples {
		return schema.AdapterStats{}, false
	}
	return *s, true
}

// AllAdapterStats returns every adapter's rolling stats regardless of
// MinSamples, for callers (e.g. the Statistical Router) that apply
// their own confidence gating.
func (t *Tracker) AllAdapterStats() map[schema.AdapterKind]schema.AdapterStats {
	return t.snapshotStats()
}

// TaskKindStats is the execution-count summary for one task kind.
type TaskKindStats struct {
	ExecutionCount int64
}

// TaskKindStatsFor returns the execution count observed for taskKind.
func (t *Tracker) TaskKindStatsFor(taskKind schema.TaskKind) TaskKindStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskKindStats{ExecutionCount: t.taskKindCounts[taskKind]}
}

// RecentExecutions returns up to limit of the most recently completed
// records, oldest first, most recent last.
func (t *Tracker) RecentExecutions(limit int) []schema.ExecutionRecord {
	t.recentMu.Lock()
	defer t.recentMu.Unlock()
	if limit <= 0 || limit > len(t.allRecent) {
		limit = len(t.allRecent)
	}
	out := make([]schema.ExecutionRecord, limit)
	copy(out, t.allRecent[len(t.allRecent)-limit:])
	return out
}

// MedianLatencyMS returns the median of the recent latency history for
// (adapter, task_kind), or false if no history exists.
func (t *Tracker) MedianLatencyMS(adapter schema.AdapterKind, taskKind schema.TaskKind) (float64, bool) {
	hist := t.RecentLatenciesMS(adapter, taskKind)
	if len(hist) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), hist...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

// Health reports the tracker's current operational snapshot.
func (t *Tracker) Health() Health {
	t.mu.Lock()
	activeCount := len(t.active)
	t.mu.Unlock()

	t.bufMu.Lock()
	pending := len(t.completed)
	t.bufMu.Unlock()

	status := core.HealthHealthy
	if t.droppedAggregateWrites > 0 {
		status = core.HealthDegraded
	}

	return Health{
		Status:            status,
		ActiveCount:       activeCount,
		PendingWrites:     pending,
		SamplingStrategy:  t.cfg.SamplingStrategy,
		LastAggregationAt: t.lastAggregationAt.Load(),
		DroppedAggregates: t.droppedAggregateWrites,
	}
}
