// Package statrouter implements the Statistical Router: it converts
// Execution Tracker aggregates into per-task-kind adapter preference
// orders using weighted scoring with confidence intervals, and manages
// A/B experiment lifecycle.
//
// The preference-order cache (read-mostly, TTL-bound, invalidated on
// recalculation or A/B transitions) uses the same read-write-lock
// shape as a read-mostly discovery cache; the weekly recalculation
// loop follows the tracker's ticker-driven background loop idiom.
package statrouter

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/adaptive-router/core"
	"github.com/flowmesh/adaptive-router/routing/flags"
	"github.com/flowmesh/adaptive-router/routing/schema"
	"github.com/flowmesh/adaptive-router/telemetry"
)

// StatsSource is the narrow view of the Execution Tracker the
// Statistical Router needs: rolling stats and recent latency history.
// A narrow interface (rather than importing routing/tracker directly)
// keeps TaskRouter's dependency graph acyclic.
type StatsSource interface {
	AllAdapterStats() map[schema.AdapterKind]schema.AdapterStats
	MedianLatencyMS(adapter schema.AdapterKind, taskKind schema.TaskKind) (float64, bool)
}

// scoringWeights is the (w_success, w_speed) pair selected by task
// kind.
type scoringWeights struct {
	successWeight float64
	speedWeight   float64
}

var taskKindWeights = map[schema.TaskKind]scoringWeights{
	schema.TaskWorkflow: {successWeight: 0.9, speedWeight: 0.1},
	schema.TaskAI:       {successWeight: 0.9, speedWeight: 0.1},
	schema.TaskRAGQuery: {successWeight: 0.5, speedWeight: 0.5},
}

var defaultWeights = scoringWeights{successWeight: 0.7, speedWeight: 0.3}

func weightsFor(taskKind schema.TaskKind) scoringWeights {
	if w, ok := taskKindWeights[taskKind]; ok {
		return w
	}
	return defaultWeights
}

// Config configures a Router.
type Config struct {
	Adapters   []schema.AdapterKind // defaults to schema.DefaultAdapterOrder
	MinSamplesHigh   int64 // default 100
	MinSamplesMedium int64 // default 50
	MinSamplesLow    int64 // default 20

	CacheTTL time.Duration // default 1h

	Sink   core.Sink
	Logger core.Logger
	Stats  StatsSource
}

func (c *Config) setDefaults() {
	if len(c.Adapters) == 0 {
		c.Adapters = schema.DefaultAdapterOrder
	}
	if c.MinSamplesHigh == 0 {
		c.MinSamplesHigh = 100
	}
	if c.MinSamplesMedium == 0 {
		c.MinSamplesMedium = 50
	}
	if c.MinSamplesLow == 0 {
		c.MinSamplesLow = 20
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.Sink == nil {
		c.Sink = core.NoopSink{}
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

type cacheEntry struct {
	order     schema.PreferenceOrder
	expiresAt time.Time
}

// Router is the Statistical Router. Use New to construct.
type Router struct {
	cfg Config

	cacheMu sync.RWMutex
	cache   map[schema.TaskKind]cacheEntry

	expMu       sync.RWMutex
	experiments map[string]*schema.ABTest

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Router.
func New(cfg Config) *Router {
	cfg.setDefaults()
	return &Router{
		cfg:         cfg,
		cache:       make(map[schema.TaskKind]cacheEntry),
		experiments: make(map[string]*schema.ABTest),
	}
}

// latencyScore maps a median latency to [0,1] on a log scale: 100ms ->
// 1.0, 1000ms -> 0.5, 10000ms -> 0.0.
func latencyScore(medianMS float64) float64 {
	floor := medianMS
	if floor < 100 {
		floor = 100
	}
	return clamp(1-(math.Log10(floor)-2)/2, 0, 1)
}

// ScoreAdapter computes the AdapterScore for one (adapter, task_kind)
// pair from the current tracker stats.
func (r *Router) ScoreAdapter(adapter schema.AdapterKind, taskKind schema.TaskKind) (schema.AdapterScore, bool) {
	if r.cfg.Stats == nil {
		return schema.AdapterScore{}, false
	}

	allStats := r.cfg.Stats.AllAdapterStats()
	stats, ok := allStats[adapter]
	if !ok {
		return schema.AdapterScore{}, false
	}

	total := stats.Total()
	if total < r.cfg.MinSamplesLow {
		return schema.AdapterScore{}, false
	}

	successRate, _ := stats.SuccessRate(0)

	lScore := 0.5
	if median, ok := r.cfg.Stats.MedianLatencyMS(adapter, taskKind); ok {
		lScore = latencyScore(median)
	}

	weights := weightsFor(taskKind)
	combined := weights.successWeight*successRate + weights.speedWeight*lScore

	confidence := confidenceTier(total, r.cfg.MinSamplesHigh, r.cfg.MinSamplesMedium, r.cfg.MinSamplesLow)

	lower, upper := wilsonInterval(successRate, total)

	return schema.AdapterScore{
		Adapter:       adapter,
		TaskKind:      taskKind,
		SuccessRate:   successRate,
		LatencyScore:  lScore,
		CombinedScore: combined,
		SampleCount:   total,
		Confidence:    confidence,
		WilsonLower:   lower,
		WilsonUpper:   upper,
	}, true
}

func confidenceTier(total, high, medium, low int64) schema.ConfidenceLevel {
	switch {
	case total >= high:
		return schema.ConfidenceHigh
	case total >= medium:
		return schema.ConfidenceMedium
	case total >= low:
		return schema.ConfidenceLow
	default:
		return schema.ConfidenceInsufficient
	}
}

// PreferenceOrder returns the cached (or freshly computed) preference
// order for taskKind. If an A/B experiment is running for this task
// kind, a variant is selected deterministically from executionID.
func (r *Router) PreferenceOrder(taskKind schema.TaskKind, executionID string) schema.PreferenceOrder {
	if order, ok := r.cachedOrder(taskKind); ok {
		return r.applyExperiment(taskKind, order, executionID)
	}

	order := r.computeOrder(taskKind)
	r.storeOrder(taskKind, order)
	return r.applyExperiment(taskKind, order, executionID)
}

func (r *Router) cachedOrder(taskKind schema.TaskKind) (schema.PreferenceOrder, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	entry, ok := r.cache[taskKind]
	if !ok || time.Now().After(entry.expiresAt) {
		return schema.PreferenceOrder{}, false
	}
	return entry.order, true
}

func (r *Router) storeOrder(taskKind schema.TaskKind, order schema.PreferenceOrder) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[taskKind] = cacheEntry{order: order, expiresAt: time.Now().Add(r.cfg.CacheTTL)}
}

// invalidate clears the cached order for taskKind (called on
// recalculation and on A/B lifecycle transitions).
func (r *Router) invalidate(taskKind schema.TaskKind) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	delete(r.cache, taskKind)
}

// computeOrder scores every configured adapter for taskKind and sorts
// descending by combined score. Adapters with no score take no part in
// scoring or ranking (Open Question #1).
// If fewer than all adapters have scores, the scored ones are listed
// first, with any remaining adapters from the static default order
// appended after (Open Question #2). If none have scores, the static
// default order is returned wholesale at confidence=insufficient.
func (r *Router) computeOrder(taskKind schema.TaskKind) schema.PreferenceOrder {
	var scores []schema.AdapterScore
	scoredSet := make(map[schema.AdapterKind]bool)

	for _, adapter := range r.cfg.Adapters {
		score, ok := r.ScoreAdapter(adapter, taskKind)
		if !ok {
			continue
		}
		scores = append(scores, score)
		scoredSet[adapter] = true
	}

	if len(scores) == 0 {
		return schema.PreferenceOrder{
			TaskKind:   taskKind,
			Adapters:   append([]schema.AdapterKind(nil), schema.DefaultAdapterOrder...),
			Confidence: schema.ConfidenceInsufficient,
			Variant:    schema.VariantNone,
			ComputedAt: time.Now().UTC(),
		}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.CombinedScore != b.CombinedScore {
			return a.CombinedScore > b.CombinedScore
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		return adapterOrdinal(a.Adapter) < adapterOrdinal(b.Adapter)
	})

	adapters := make([]schema.AdapterKind, 0, len(r.cfg.Adapters))
	for _, s := range scores {
		adapters = append(adapters, s.Adapter)
	}
	for _, adapter := range schema.DefaultAdapterOrder {
		if !scoredSet[adapter] {
			adapters = append(adapters, adapter)
		}
	}

	confidence := scores[0].Confidence
	for _, s := range scores[1:] {
		if confidenceRank(s.Confidence) < confidenceRank(confidence) {
			confidence = s.Confidence
		}
	}

	return schema.PreferenceOrder{
		TaskKind:   taskKind,
		Adapters:   adapters,
		Scores:     scores,
		Confidence: confidence,
		Variant:    schema.VariantNone,
		ComputedAt: time.Now().UTC(),
	}
}

func confidenceRank(c schema.ConfidenceLevel) int {
	switch c {
	case schema.ConfidenceHigh:
		return 3
	case schema.ConfidenceMedium:
		return 2
	case schema.ConfidenceLow:
		return 1
	default:
		return 0
	}
}

func adapterOrdinal(a schema.AdapterKind) int {
	for i, candidate := range schema.DefaultAdapterOrder {
		if candidate == a {
			return i
		}
	}
	return len(schema.DefaultAdapterOrder)
}

// RecalculateAll recomputes preference orders for every task kind,
// clears the cache, and (if a sink exists) records one scoring
// snapshot. Used both by the weekly recalculation loop and by tests
// that want to force a recompute.
func (r *Router) RecalculateAll(ctx context.Context, taskKinds []schema.TaskKind) error {
	snapshot := make(map[schema.TaskKind]schema.PreferenceOrder, len(taskKinds))
	for _, tk := range taskKinds {
		r.invalidate(tk)
		order := r.computeOrder(tk)
		r.storeOrder(tk, order)
		snapshot[tk] = order
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return r.cfg.Sink.Write(ctx, nil, payload)
}

// StartRecalculationLoop launches the weekly (Sunday 03:00 UTC)
// recalculation loop. The next fire time is recomputed on every
// iteration so DST/clock adjustments are absorbed.
func (r *Router) StartRecalculationLoop(ctx context.Context, taskKinds []schema.TaskKind) {
	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			wait := time.Until(nextSundayUTC(time.Now().UTC()))
			timer := time.NewTimer(wait)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := r.RecalculateAll(loopCtx, taskKinds); err != nil {
				r.cfg.Logger.Error("recalculation failed, backing off", map[string]interface{}{"error": err.Error()})
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(5 * time.Minute):
				}
			}
		}
	}()
}

// Stop cancels the recalculation loop and waits for it to exit.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
		r.cancel = nil
	}
}

// nextSundayUTC returns the next Sunday 03:00 UTC strictly after now.
func nextSundayUTC(now time.Time) time.Time {
	target := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, time.UTC)
	daysUntilSunday := (int(time.Sunday) - int(now.Weekday()) + 7) % 7
	target = target.AddDate(0, 0, daysUntilSunday)
	if !target.After(now) {
		target = target.AddDate(0, 0, 7)
	}
	return target
}

// StartExperiment registers a new A/B test. Duplicate IDs fail.
func (r *Router) StartExperiment(id string, taskKind schema.TaskKind, variantA, variantB schema.PreferenceOrder, trafficSplit float64, duration time.Duration) error {
	if trafficSplit < 0 || trafficSplit > 1 {
		return core.NewRoutingError("statrouter.StartExperiment", core.KindValidation, core.ErrOutOfRange)
	}

	r.expMu.Lock()
	defer r.expMu.Unlock()
	if _, exists := r.experiments[id]; exists {
		return core.NewRoutingError("statrouter.StartExperiment", core.KindValidation, core.ErrExperimentExists)
	}

	now := time.Now().UTC()
	r.experiments[id] = &schema.ABTest{
		ExperimentID: id,
		TaskKind:     taskKind,
		VariantA:     variantA,
		VariantB:     variantB,
		TrafficSplit: trafficSplit,
		Status:       schema.ABStatusRunning,
		Winner:       schema.WinnerNone,
		StartedAt:    now,
		EndsAt:       now.Add(duration),
	}

	if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
		telemetry.Emit(telemetry.MetricABTestsTotal, 1, "task_kind", string(taskKind), "outcome", "started")
		telemetry.Emit(telemetry.MetricABTestsActive, 1, "task_kind", string(taskKind))
	}
	return nil
}

// ExperimentResult is EvaluateExperiment's return shape: interim
// statistics plus the experiment's current lifecycle state.
type ExperimentResult struct {
	Experiment schema.ABTest
	SampleSizeA int64
	SampleSizeB int64
}

// EvaluateExperiment returns the current state of an experiment. Once
// completed, repeated calls return the same terminal result without
// mutating state.
func (r *Router) EvaluateExperiment(id string) (ExperimentResult, error) {
	r.expMu.RLock()
	defer r.expMu.RUnlock()
	exp, ok := r.experiments[id]
	if !ok {
		return ExperimentResult{}, core.NewRoutingError("statrouter.EvaluateExperiment", core.KindValidation, core.ErrExperimentNotFound)
	}

	var sizeA, sizeB int64
	for _, s := range exp.VariantA.Scores {
		sizeA += s.SampleCount
	}
	for _, s := range exp.VariantB.Scores {
		sizeB += s.SampleCount
	}

	return ExperimentResult{Experiment: *exp, SampleSizeA: sizeA, SampleSizeB: sizeB}, nil
}

// CompleteExperiment transitions an experiment to completed and
// rewrites the cached PreferenceOrder for the covered task kind to the
// winning variant: WinnerB selects variant B, and any other winner
// (including an inconclusive result) selects variant A. Calling it on
// an already completed experiment returns nil and changes nothing.
func (r *Router) CompleteExperiment(id string, winner schema.ABWinner) error {
	r.expMu.Lock()
	exp, ok := r.experiments[id]
	if !ok {
		r.expMu.Unlock()
		return core.NewRoutingError("statrouter.CompleteExperiment", core.KindValidation, core.ErrExperimentNotFound)
	}
	if exp.Status == schema.ABStatusCompleted {
		r.expMu.Unlock()
		return nil
	}

	exp.Status = schema.ABStatusCompleted
	exp.Winner = winner
	taskKind := exp.TaskKind

	winning := exp.VariantA
	if winner == schema.WinnerB {
		winning = exp.VariantB
	}
	r.expMu.Unlock()

	winning.Variant = schema.VariantA
	if winner == schema.WinnerB {
		winning.Variant = schema.VariantB
	}
	winning.ComputedAt = time.Now().UTC()
	r.storeOrder(taskKind, winning)

	if flags.Enabled(flags.PrometheusMetricsEnabled) && telemetry.GetRegistry() != nil {
		telemetry.Emit(telemetry.MetricABTestsTotal, 1, "task_kind", string(taskKind), "outcome", "completed")
		telemetry.Emit(telemetry.MetricABTestsActive, -1, "task_kind", string(taskKind))
	}
	return nil
}

// applyExperiment deterministically assigns executionID to variant A
// or B when a running experiment covers taskKind: an FNV-1a hash of
// the execution ID maps into [0,1) and is compared against the
// traffic split, so replays are reproducible.
func (r *Router) applyExperiment(taskKind schema.TaskKind, base schema.PreferenceOrder, executionID string) schema.PreferenceOrder {
	r.expMu.RLock()
	defer r.expMu.RUnlock()

	for _, exp := range r.experiments {
		if exp.TaskKind != taskKind || exp.Status != schema.ABStatusRunning {
			continue
		}
		if assignToB(executionID, exp.TrafficSplit) {
			result := exp.VariantB
			result.Variant = schema.VariantB
			return result
		}
		result := exp.VariantA
		result.Variant = schema.VariantA
		return result
	}
	return base
}

// assignToB hashes executionID into [0,1) via FNV-1a and compares
// against trafficSplit (the fraction routed to variant B).
func assignToB(executionID string, trafficSplit float64) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(executionID))
	normalized := float64(h.Sum32()) / float64(math.MaxUint32)
	return normalized < trafficSplit
}
