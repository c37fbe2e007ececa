package compression

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

const tracerName = "github.com/fyrsmithlabs/budgetd/internal/compression"
const meterName = "compression"

// Attempt outcomes recorded on the attempts counter.
const (
	outcomeAccepted        = "accepted"
	outcomeBudgetUnmet     = "budget_unmet"
	outcomeQualityRejected = "quality_rejected"
)

// qualityEpsilon absorbs float rounding when an attempt lands exactly on the
// strategy's design ratio, where the estimate equals the threshold.
const qualityEpsilon = 1e-9

// Engine runs the strategy ladder against layer budgets.
//
// Fit bounds its strategy search with the configured per-request deadline and
// checks cancellation between attempts. On timeout it falls back to hard
// eviction immediately and marks the fit degraded rather than blocking.
type Engine struct {
	store    *store.Store
	ladder   atomic.Pointer[[]strategySpec]
	deadline time.Duration
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	attemptsTotal  metric.Int64Counter
	evictionsTotal metric.Int64Counter
	fitDuration    metric.Float64Histogram
	achievedRatio  metric.Float64Histogram
	qualityScore   metric.Float64Histogram
}

// New creates an Engine from configuration.
func New(cfg *config.Config, st *store.Store, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := &Engine{
		store:    st,
		deadline: cfg.Compression.Deadline.Duration(),
		logger:   logger.Named("compression"),
		tracer:   otel.Tracer(tracerName),
		meter:    otel.Meter(meterName),
	}
	ladder := ladderFromConfig(cfg.Compression)
	e.ladder.Store(&ladder)

	if err := e.initMetrics(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) initMetrics() error {
	var err error

	e.attemptsTotal, err = e.meter.Int64Counter(
		"compression.attempts_total",
		metric.WithDescription("Strategy attempts by strategy and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create attempts counter: %w", err)
	}

	e.evictionsTotal, err = e.meter.Int64Counter(
		"compression.evictions_total",
		metric.WithDescription("Units hard-evicted after strategy exhaustion or timeout"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create evictions counter: %w", err)
	}

	e.fitDuration, err = e.meter.Float64Histogram(
		"compression.fit_duration_seconds",
		metric.WithDescription("Time spent materializing one layer"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1.0),
	)
	if err != nil {
		return fmt.Errorf("failed to create fit duration histogram: %w", err)
	}

	e.achievedRatio, err = e.meter.Float64Histogram(
		"compression.ratio",
		metric.WithDescription("Achieved compressed/raw ratios"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.2, 0.4, 0.6, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return fmt.Errorf("failed to create ratio histogram: %w", err)
	}

	e.qualityScore, err = e.meter.Float64Histogram(
		"compression.quality_score",
		metric.WithDescription("Quality retention estimates of accepted results"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.0, 0.2, 0.4, 0.6, 0.8, 1.0),
	)
	if err != nil {
		return fmt.Errorf("failed to create quality histogram: %w", err)
	}

	return nil
}

// Fit materializes one layer within its current budget.
//
// When current occupancy already fits, units are returned as stored. When it
// does not, the strategy ladder runs; accepted results are persisted so the
// store's occupancy reflects the compression. If the ladder is exhausted the
// layer degrades: evictable layers hard-evict lowest-relevance units, Core
// leaves its overflow out of the bundle instead.
func (e *Engine) Fit(ctx context.Context, layer store.LayerID, tags []string) (LayerFit, error) {
	if !layer.Valid() {
		return LayerFit{}, store.ErrUnknownLayer
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "compression.fit",
		trace.WithAttributes(
			attribute.String("layer", string(layer)),
			attribute.StringSlice("tags", tags),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	budget := e.store.Budget(layer)
	units, err := e.store.Candidates(ctx, layer, tags)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "candidate listing failed")
		return LayerFit{}, err
	}

	fit := LayerFit{Layer: layer, Budget: budget, Strategy: StrategyNone}

	current := 0
	for _, u := range units {
		current += u.CompressedSize
	}
	if current <= budget {
		for _, u := range units {
			fit.Units = append(fit.Units, unitAsStored(&u))
		}
		fit.Size = current
		e.finishFit(span, &fit, start, "as_stored")
		return fit, nil
	}

	rawTotal := 0
	for _, u := range units {
		rawTotal += u.RawSize
	}

	timedOut := false
	for _, spec := range *e.ladder.Load() {
		// Cancellation flag, checked between strategy attempts.
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "request canceled")
				return LayerFit{}, err
			}
			timedOut = true
			break
		}

		// Design-point attempt first: each unit compressed toward the
		// strategy's own target ratio. When that still misses the budget,
		// a tightened attempt scales targets to the budget; its output
		// lands under the design ratio, falls below the strategy's own
		// quality threshold, and gets rejected.
		accepted := false
		for _, targets := range [][]int{designTargets(spec, units), tightenedTargets(units, budget)} {
			results, total := e.attempt(spec, units, targets)

			if rejected, unitID, quality := qualityRejection(spec, results); rejected {
				e.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
					attribute.String("strategy", string(spec.name)),
					attribute.String("outcome", outcomeQualityRejected)))
				e.logger.Debug(ctx, "strategy output rejected",
					zap.String("layer", string(layer)),
					zap.String("strategy", string(spec.name)),
					zap.String("unit_id", unitID),
					zap.Float64("quality", quality),
					zap.Float64("threshold", spec.quality),
				)
				break // tightening only degrades quality further
			}

			if total > budget {
				e.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
					attribute.String("strategy", string(spec.name)),
					attribute.String("outcome", outcomeBudgetUnmet)))
				continue
			}

			if err := e.accept(ctx, layer, spec, results, &fit, total, rawTotal); err != nil {
				span.RecordError(err)
			}
			e.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("strategy", string(spec.name)),
				attribute.String("outcome", outcomeAccepted)))
			accepted = true
			break
		}
		if accepted {
			e.finishFit(span, &fit, start, "compressed")
			return fit, nil
		}
	}

	// Ladder exhausted or deadline hit: fall back to whole-unit handling.
	fit.Degraded = true
	if timedOut {
		fit.Reasons = append(fit.Reasons, ReasonSelectionTimeout)
		e.logger.Warn(ctx, "compression deadline exceeded, falling back to eviction",
			zap.String("layer", string(layer)),
			zap.Duration("deadline", e.deadline),
		)
	}

	if layer.Evictable() {
		e.evictToFit(ctx, layer, budget, units, &fit)
	} else {
		e.omitToFit(units, budget, &fit)
	}
	e.finishFit(span, &fit, start, "degraded")
	return fit, nil
}

// CompressUnit compresses a single unit to fit a token target, trying each
// strategy at its design point. Used on the ingestion path when a new unit
// does not fit as-is. Returns the store's capacity error when even the most
// aggressive strategy cannot reach the target.
func (e *Engine) CompressUnit(ctx context.Context, u store.Unit, targetTokens int) (UnitResult, error) {
	if targetTokens <= 0 {
		return UnitResult{}, fmt.Errorf("target must be positive, got %d", targetTokens)
	}

	ctx, span := e.tracer.Start(ctx, "compression.compress_unit",
		trace.WithAttributes(
			attribute.String("unit_id", u.ID),
			attribute.Int("raw_size", u.RawSize),
			attribute.Int("target", targetTokens),
		))
	defer span.End()

	best := u.RawSize
	for _, spec := range *e.ladder.Load() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return UnitResult{}, err
		}

		target := designTarget(spec, u.RawSize)
		out := apply(spec, u.Content, target)
		size := clampSize(EstimateTokens(out), u.RawSize)
		if size < best {
			best = size
		}

		quality := qualityEstimate(spec, u.RawSize, size)
		if quality < spec.quality-qualityEpsilon {
			e.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("strategy", string(spec.name)),
				attribute.String("outcome", outcomeQualityRejected)))
			continue
		}
		if size > targetTokens {
			e.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("strategy", string(spec.name)),
				attribute.String("outcome", outcomeBudgetUnmet)))
			continue
		}

		e.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy", string(spec.name)),
			attribute.String("outcome", outcomeAccepted)))
		e.achievedRatio.Record(ctx, float64(size)/float64(u.RawSize))
		e.qualityScore.Record(ctx, quality)
		span.SetAttributes(
			attribute.String("strategy", string(spec.name)),
			attribute.Int("compressed_size", size),
		)
		return UnitResult{ID: u.ID, Content: out, Size: size, Strategy: spec.name, Quality: quality}, nil
	}

	err := fmt.Errorf("unit %s reaches %d tokens at best, target is %d: %w",
		u.ID, best, targetTokens, store.ErrCapacityExceeded)
	span.RecordError(err)
	span.SetStatus(codes.Error, "strategies exhausted")
	return UnitResult{}, err
}

// Ratios returns the current per-strategy target ratios.
func (e *Engine) Ratios() map[Strategy]float64 {
	out := make(map[Strategy]float64, 3)
	for _, spec := range *e.ladder.Load() {
		out[spec.name] = spec.ratio
	}
	return out
}

// SetRatios replaces the strategies' target ratios and re-anchors the store's
// compression floor. Reserved for the controller's serialized action path;
// quality thresholds are not mutable.
func (e *Engine) SetRatios(token, hierarchical, semantic float64) error {
	for name, r := range map[string]float64{
		"token": token, "hierarchical": hierarchical, "semantic": semantic,
	} {
		if r <= 0 || r > 1 {
			return fmt.Errorf("%s ratio %v: %w", name, r, store.ErrInvalidRatio)
		}
	}

	old := *e.ladder.Load()
	ladder := make([]strategySpec, len(old))
	copy(ladder, old)
	for i := range ladder {
		switch ladder[i].name {
		case StrategyTokenOptimization:
			ladder[i].ratio = token
		case StrategyHierarchicalPruning:
			ladder[i].ratio = hierarchical
		case StrategySemanticCompression:
			ladder[i].ratio = semantic
		}
	}
	e.ladder.Store(&ladder)

	floor := math.Min(token, math.Min(hierarchical, semantic))
	return e.store.SetFloorRatio(floor)
}

// Deadline returns the per-request compression deadline.
func (e *Engine) Deadline() time.Duration {
	return e.deadline
}

// attempt transforms every unit toward its per-unit token target and returns
// the results with their total size.
func (e *Engine) attempt(spec strategySpec, units []store.Unit, targets []int) ([]UnitResult, int) {
	results := make([]UnitResult, len(units))
	total := 0
	for i := range units {
		u := &units[i]
		out := apply(spec, u.Content, targets[i])
		size := clampSize(EstimateTokens(out), u.RawSize)
		results[i] = UnitResult{
			ID:       u.ID,
			Content:  out,
			Size:     size,
			Strategy: spec.name,
			Quality:  qualityEstimate(spec, u.RawSize, size),
		}
		total += size
	}
	return results, total
}

// accept persists an accepted ladder result and fills the fit.
func (e *Engine) accept(ctx context.Context, layer store.LayerID, spec strategySpec, results []UnitResult, fit *LayerFit, total, rawTotal int) error {
	var firstErr error
	for _, r := range results {
		err := e.store.UpdateCompression(ctx, layer, r.ID, string(r.Strategy), r.Content, r.Size, r.Quality)
		if err != nil {
			// A concurrent remove is benign; keep the bundle consistent
			// with what we computed.
			if firstErr == nil && !errors.Is(err, store.ErrUnitNotFound) {
				firstErr = err
			}
			continue
		}
		e.qualityScore.Record(ctx, r.Quality)
	}
	if rawTotal > 0 {
		e.achievedRatio.Record(ctx, float64(total)/float64(rawTotal))
	}

	fit.Units = results
	fit.Size = total
	fit.Strategy = spec.name

	e.logger.Debug(ctx, "layer compressed",
		zap.String("layer", string(layer)),
		zap.String("strategy", string(spec.name)),
		zap.Int("size", total),
		zap.Int("budget", fit.Budget),
	)
	return firstErr
}

// evictToFit removes lowest-relevance units from the store until the layer
// fits its budget. Only called for evictable layers.
func (e *Engine) evictToFit(ctx context.Context, layer store.LayerID, budget int, units []store.Unit, fit *LayerFit) {
	size := 0
	for _, u := range units {
		size += u.CompressedSize
	}

	keep := len(units)
	for keep > 0 && size > budget {
		keep--
		victim := units[keep]
		if err := e.store.Remove(ctx, layer, victim.ID); err != nil {
			e.logger.Warn(ctx, "eviction failed",
				zap.String("layer", string(layer)),
				zap.String("unit_id", victim.ID),
				zap.Error(err),
			)
		}
		fit.Evicted = append(fit.Evicted, victim.ID)
		size -= victim.CompressedSize
	}

	fit.Reasons = append(fit.Reasons, ReasonHardEviction)
	for _, u := range units[:keep] {
		fit.Units = append(fit.Units, unitAsStored(&u))
	}
	fit.Size = size

	e.evictionsTotal.Add(ctx, int64(len(fit.Evicted)),
		metric.WithAttributes(attribute.String("layer", string(layer))))
	e.logger.Warn(ctx, "units hard-evicted",
		zap.String("layer", string(layer)),
		zap.Int("evicted", len(fit.Evicted)),
		zap.Int("size", size),
		zap.Int("budget", budget),
	)
}

// omitToFit drops lowest-relevance units from the bundle only. Used for Core,
// which is never evicted from the store.
func (e *Engine) omitToFit(units []store.Unit, budget int, fit *LayerFit) {
	size := 0
	for i := range units {
		u := &units[i]
		if size+u.CompressedSize > budget {
			fit.Omitted = append(fit.Omitted, u.ID)
			continue
		}
		size += u.CompressedSize
		fit.Units = append(fit.Units, unitAsStored(u))
	}
	fit.Size = size
	fit.Reasons = append(fit.Reasons, ReasonCapacityExceeded)
}

func (e *Engine) finishFit(span trace.Span, fit *LayerFit, start time.Time, result string) {
	e.fitDuration.Record(context.Background(), time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("result", result),
		attribute.String("strategy", string(fit.Strategy)),
		attribute.Int("size", fit.Size),
		attribute.Int("budget", fit.Budget),
		attribute.Int("units", len(fit.Units)),
		attribute.Bool("degraded", fit.Degraded),
	)
	span.SetStatus(codes.Ok, "")
}

// designTargets computes each unit's token target at the strategy's own
// design ratio.
func designTargets(spec strategySpec, units []store.Unit) []int {
	targets := make([]int, len(units))
	for i := range units {
		targets[i] = designTarget(spec, units[i].RawSize)
	}
	return targets
}

func designTarget(spec strategySpec, rawTokens int) int {
	t := int(math.Ceil(float64(rawTokens) * spec.ratio))
	if t < 1 {
		return 1
	}
	return t
}

// tightenedTargets scales unit targets proportionally so their sum hits the
// layer budget exactly.
func tightenedTargets(units []store.Unit, budget int) []int {
	totalRaw := 0
	for i := range units {
		totalRaw += units[i].RawSize
	}
	targets := make([]int, len(units))
	for i := range units {
		t := 0
		if totalRaw > 0 {
			t = units[i].RawSize * budget / totalRaw
		}
		if t < 1 {
			t = 1
		}
		targets[i] = t
	}
	return targets
}

// qualityRejection reports the first unit whose estimate fell below the
// strategy's threshold.
func qualityRejection(spec strategySpec, results []UnitResult) (bool, string, float64) {
	for i := range results {
		if results[i].Quality < spec.quality-qualityEpsilon {
			return true, results[i].ID, results[i].Quality
		}
	}
	return false, "", 0
}

func unitAsStored(u *store.Unit) UnitResult {
	strategy := Strategy(u.Strategy)
	if u.Strategy == "" {
		strategy = StrategyNone
	}
	quality := u.QualityRetention
	if u.Strategy == "" {
		quality = 1.0
	}
	return UnitResult{ID: u.ID, Content: u.Text(), Size: u.CompressedSize, Strategy: strategy, Quality: quality}
}

func clampSize(size, rawTokens int) int {
	if size < 1 {
		return 1
	}
	if size > rawTokens {
		return rawTokens
	}
	return size
}
