// Package engine wires the budget components together behind one facade:
// layer selection, bundle materialization, metric intake, outcome feedback,
// unit ingestion, and the lifecycle of the adaptive controller and scheduled
// reports. It is the only package that knows every component; transports
// stay thin on top of it, and the engine is usable in-process without any
// server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/budgetd/internal/alert"
	"github.com/fyrsmithlabs/budgetd/internal/compression"
	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/controller"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/metrics"
	"github.com/fyrsmithlabs/budgetd/internal/policy"
	"github.com/fyrsmithlabs/budgetd/internal/report"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

const tracerName = "github.com/fyrsmithlabs/budgetd/internal/engine"

// Engine is the facade over the full pipeline.
//
// SelectAndLoad, RecordMetric, RecordOutcome and AddUnit are safe for
// concurrent use. The engine also implements the controller's Tunables
// surface, so every runtime mutation of budgets, ratios, weights and
// thresholds funnels through the controller's serialized action path.
type Engine struct {
	cfg    *config.Config
	logger *logging.Logger
	tracer trace.Tracer

	store    *store.Store
	selector *policy.Selector
	comp     *compression.Engine
	recorder *metrics.Recorder
	alerts   *alert.Manager
	ctrl     *controller.Controller
	reporter *report.Reporter
}

// New builds the engine and every component it fronts. A nil sink routes
// alert deliveries to the process log.
func New(cfg *config.Config, sink alert.Sink, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("engine"),
		tracer: otel.Tracer(tracerName),
	}

	var err error
	if e.store, err = store.New(cfg, logger); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if e.selector, err = policy.New(cfg, e.store, logger); err != nil {
		return nil, fmt.Errorf("policy selector: %w", err)
	}
	if e.comp, err = compression.New(cfg, e.store, logger); err != nil {
		return nil, fmt.Errorf("compression engine: %w", err)
	}
	if e.recorder, err = metrics.NewRecorder(cfg); err != nil {
		return nil, fmt.Errorf("metrics recorder: %w", err)
	}
	if e.alerts, err = alert.New(cfg, logger); err != nil {
		return nil, fmt.Errorf("alert manager: %w", err)
	}
	if e.ctrl, err = controller.New(cfg, e.recorder, e, logger); err != nil {
		return nil, fmt.Errorf("adaptive controller: %w", err)
	}
	if e.reporter, err = report.New(cfg, e.recorder, e.store, e.alerts, sink, logger); err != nil {
		return nil, fmt.Errorf("reporter: %w", err)
	}
	return e, nil
}

// Run drives the background loops until the context is canceled: the
// adaptive controller's evaluation cycle and, when enabled, the scheduled
// alert sweep and occupancy digest.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.ctrl.Run(ctx) })
	if e.cfg.Report.Enabled {
		g.Go(func() error { return e.reporter.Run(ctx) })
	}
	return g.Wait()
}

// SelectAndLoad materializes one budget-compliant bundle for a descriptor
// and freezes the decision that produced it.
//
// Per-request problems degrade the bundle instead of failing the call: a
// layer over budget is compressed, then evicted or omitted, and the caller
// sees Degraded with reasons. The only errors returned are an invalid
// descriptor and caller cancellation.
func (e *Engine) SelectAndLoad(ctx context.Context, desc policy.WorkDescriptor) (*Bundle, *policy.Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.select_and_load",
		trace.WithAttributes(
			attribute.String("work_type", desc.WorkType),
			attribute.Int("complexity", desc.Complexity),
		))
	defer span.End()

	sk, err := e.selector.Select(ctx, desc)
	if err != nil {
		requestsTotal.WithLabelValues(resultInvalid).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "descriptor rejected")
		return nil, nil, err
	}

	bundle := &Bundle{Layers: make([]compression.LayerFit, 0, len(sk.Layers))}
	strategies := make(map[store.LayerID]string, len(sk.Layers))

	for _, layer := range sk.Layers {
		fit, err := e.comp.Fit(ctx, layer, desc.Tags)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				requestsTotal.WithLabelValues(resultCanceled).Inc()
				span.RecordError(err)
				span.SetStatus(codes.Error, "request canceled")
				return nil, nil, err
			}
			// Absorbed: the layer stays out of the bundle and the caller
			// sees a degraded flag, not an error.
			bundle.Degraded = true
			e.logger.Warn(ctx, "layer materialization failed",
				zap.String("layer", string(layer)),
				zap.Error(err),
			)
			continue
		}

		bundle.Layers = append(bundle.Layers, fit)
		bundle.TotalSize += fit.Size
		strategies[layer] = string(fit.Strategy)
		if fit.Degraded {
			bundle.Degraded = true
			bundle.Reasons = mergeReasons(bundle.Reasons, fit.Reasons)
		}

		ids := make([]string, len(fit.Units))
		for i, u := range fit.Units {
			ids[i] = u.ID
		}
		e.store.Touch(layer, ids...)
	}

	decision := policy.NewDecision(desc, sk, strategies, bundle.TotalSize)
	bundle.DecisionID = decision.ID

	result := resultOK
	if bundle.Degraded {
		result = resultDegraded
	}
	requestsTotal.WithLabelValues(result).Inc()
	bundleTokens.Observe(float64(bundle.TotalSize))

	span.SetAttributes(
		attribute.String("decision_id", decision.ID),
		attribute.Int("layers", len(bundle.Layers)),
		attribute.Int("total_size", bundle.TotalSize),
		attribute.Bool("degraded", bundle.Degraded),
	)
	span.SetStatus(codes.Ok, "")

	e.logger.Debug(ctx, "bundle assembled",
		zap.String("decision_id", decision.ID),
		zap.String("work_type", desc.WorkType),
		zap.Int("layers", len(bundle.Layers)),
		zap.Int("units", bundle.UnitCount()),
		zap.Int("total_size", bundle.TotalSize),
		zap.Bool("degraded", bundle.Degraded),
		zap.Duration("elapsed", time.Since(start)),
	)
	return bundle, &decision, nil
}

// RecordMetric feeds one execution measurement into the rolling window.
func (e *Engine) RecordMetric(name string, value float64) error {
	return e.recorder.Record(name, value)
}

// RecordOutcome attributes a finished piece of work back to the layer set
// that served it, updating the selector's success patterns.
func (e *Engine) RecordOutcome(ctx context.Context, workType string, layers []store.LayerID, success bool) error {
	return e.selector.RecordOutcome(ctx, workType, layers, success)
}

// AddUnit stores one unit, compressing and evicting as needed to make room.
// It returns the unit as stored.
//
// A unit whose compression floor exceeds the layer budget can never fit and
// is rejected with the store's capacity error. When the layer is merely
// full, the unit is compressed toward the free space; evictable layers then
// drop lowest-relevance units until it fits. Core never evicts: content that
// collectively exceeds its budget is a configuration problem and surfaces as
// config.CoreOverBudgetError, fatal during startup seeding.
func (e *Engine) AddUnit(ctx context.Context, u store.Unit) (store.Unit, error) {
	ctx, span := e.tracer.Start(ctx, "engine.add_unit",
		trace.WithAttributes(
			attribute.String("layer", string(u.Layer)),
			attribute.Int("raw_size", u.RawSize),
		))
	defer span.End()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.RawSize == 0 {
		u.RawSize = compression.EstimateTokens(u.Content)
	}
	if u.CompressedSize == 0 {
		u.CompressedSize = u.RawSize
	}
	span.SetAttributes(attribute.String("unit_id", u.ID))

	err := e.store.Put(ctx, u)
	if err == nil {
		unitsIngested.WithLabelValues(string(u.Layer), "stored").Inc()
		return e.store.Get(u.Layer, u.ID)
	}
	if !errors.Is(err, store.ErrCapacityExceeded) {
		span.RecordError(err)
		return store.Unit{}, err
	}

	budget := e.store.Budget(u.Layer)
	floor := int(math.Ceil(float64(u.RawSize) * e.store.FloorRatio()))
	if floor > budget {
		// No strategy can ever make this unit fit its layer.
		unitsIngested.WithLabelValues(string(u.Layer), "rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "unit exceeds layer budget")
		return store.Unit{}, err
	}

	// The layer is full, not the unit impossible: compress the incoming unit
	// toward the free space and retry.
	free := budget - e.store.Occupancy(u.Layer)
	if existing, gerr := e.store.Get(u.Layer, u.ID); gerr == nil {
		free += existing.CompressedSize // a replacement frees its own space
	}
	target := free
	if target < floor {
		target = floor
	}

	res, cerr := e.comp.CompressUnit(ctx, u, target)
	switch {
	case cerr == nil:
		u.CompressedContent = res.Content
		u.CompressedSize = res.Size
		u.Strategy = string(res.Strategy)
		u.QualityRetention = res.Quality
		if res.Size <= free {
			if perr := e.store.Put(ctx, u); perr == nil {
				unitsIngested.WithLabelValues(string(u.Layer), "compressed").Inc()
				e.logger.Debug(ctx, "unit compressed to fit",
					zap.String("unit_id", u.ID),
					zap.String("layer", string(u.Layer)),
					zap.String("strategy", u.Strategy),
					zap.Int("size", u.CompressedSize),
				)
				return e.store.Get(u.Layer, u.ID)
			}
			// Lost a race with a concurrent fill; fall through to eviction.
		}
	case errors.Is(cerr, store.ErrCapacityExceeded):
		// Quality gates kept every strategy above the target; whole-unit
		// eviction below is the remaining option.
	default:
		span.RecordError(cerr)
		return store.Unit{}, cerr
	}

	if !u.Layer.Evictable() {
		unitsIngested.WithLabelValues(string(u.Layer), "rejected").Inc()
		cerr := &config.CoreOverBudgetError{
			Needed: e.store.Occupancy(u.Layer) + u.CompressedSize,
			Budget: budget,
		}
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "core content over budget")
		return store.Unit{}, cerr
	}

	if err := e.evictFor(ctx, &u); err != nil {
		unitsIngested.WithLabelValues(string(u.Layer), "rejected").Inc()
		span.RecordError(err)
		return store.Unit{}, err
	}
	if err := e.store.Put(ctx, u); err != nil {
		unitsIngested.WithLabelValues(string(u.Layer), "rejected").Inc()
		span.RecordError(err)
		return store.Unit{}, err
	}
	unitsIngested.WithLabelValues(string(u.Layer), "compressed").Inc()
	return e.store.Get(u.Layer, u.ID)
}

// evictFor removes lowest-relevance units from the incoming unit's layer
// until its compressed size fits the free space.
func (e *Engine) evictFor(ctx context.Context, u *store.Unit) error {
	free := e.store.Budget(u.Layer) - e.store.Occupancy(u.Layer)
	candidates, err := e.store.Candidates(ctx, u.Layer, nil)
	if err != nil {
		return err
	}

	for i := len(candidates) - 1; i >= 0 && free < u.CompressedSize; i-- {
		victim := candidates[i]
		if victim.ID == u.ID {
			free += victim.CompressedSize // replaced on the retry Put
			continue
		}
		if rerr := e.store.Remove(ctx, u.Layer, victim.ID); rerr != nil {
			continue
		}
		free += victim.CompressedSize
		ingestEvictions.WithLabelValues(string(u.Layer)).Inc()
		e.logger.Warn(ctx, "unit evicted to admit new content",
			zap.String("layer", string(u.Layer)),
			zap.String("evicted_id", victim.ID),
			zap.String("incoming_id", u.ID),
		)
	}

	if free < u.CompressedSize {
		return fmt.Errorf("unit %s (%d tokens) cannot fit layer %s even after eviction: %w",
			u.ID, u.CompressedSize, u.Layer, store.ErrCapacityExceeded)
	}
	return nil
}

// Store returns the layered store.
func (e *Engine) Store() *store.Store { return e.store }

// Selector returns the policy selector.
func (e *Engine) Selector() *policy.Selector { return e.selector }

// Compression returns the compression engine.
func (e *Engine) Compression() *compression.Engine { return e.comp }

// Recorder returns the metrics recorder.
func (e *Engine) Recorder() *metrics.Recorder { return e.recorder }

// Alerts returns the alert manager.
func (e *Engine) Alerts() *alert.Manager { return e.alerts }

// Controller returns the adaptive controller.
func (e *Engine) Controller() *controller.Controller { return e.ctrl }
