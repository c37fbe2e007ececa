package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// Selector maps work descriptors to layer activations.
//
// Select is safe for concurrent use. Activation thresholds are runtime-mutable
// only through the controller's serialized path via SetThresholds; the success
// pattern table mutates only through RecordOutcome.
type Selector struct {
	store    *store.Store
	patterns *patternTable
	logger   *logging.Logger

	contextualThreshold atomic.Int64
	deepThreshold       atomic.Int64

	successBar      float64
	minObservations int
}

// New creates a Selector from configuration.
func New(cfg *config.Config, st *store.Store, logger *logging.Logger) (*Selector, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Selector{
		store:           st,
		patterns:        newPatternTable(),
		logger:          logger.Named("policy"),
		successBar:      cfg.Policy.PatternSuccessBar,
		minObservations: cfg.Policy.PatternMinSamples,
	}
	s.contextualThreshold.Store(int64(cfg.Policy.ContextualThreshold))
	s.deepThreshold.Store(int64(cfg.Policy.DeepThreshold))
	return s, nil
}

// Select builds the layer skeleton for a descriptor.
//
// The decision table: Core is always active. A higher layer activates when
// complexity is strictly above its threshold, or when the work type's success
// pattern clears the configured bar, which both breaks the boundary tie and
// can pull a layer in below its threshold. Budgets are read at selection
// time so controller mutations take effect on the next request.
func (s *Selector) Select(ctx context.Context, desc WorkDescriptor) (Skeleton, error) {
	if err := desc.Validate(); err != nil {
		return Skeleton{}, err
	}

	sk := Skeleton{
		Layers:  []store.LayerID{store.Core},
		Reasons: map[store.LayerID]Reason{store.Core: ReasonAlwaysActive},
		Budgets: map[store.LayerID]int{store.Core: s.store.Budget(store.Core)},
	}

	if active, reason := s.decide(desc, store.Contextual, int(s.contextualThreshold.Load())); active {
		sk.Layers = append(sk.Layers, store.Contextual)
		sk.Reasons[store.Contextual] = reason
		sk.Budgets[store.Contextual] = s.store.Budget(store.Contextual)
	}
	if active, reason := s.decide(desc, store.Deep, int(s.deepThreshold.Load())); active {
		sk.Layers = append(sk.Layers, store.Deep)
		sk.Reasons[store.Deep] = reason
		sk.Budgets[store.Deep] = s.store.Budget(store.Deep)
	}

	selectionsTotal.Inc()
	for _, l := range sk.Layers {
		activationsTotal.WithLabelValues(string(l), string(sk.Reasons[l])).Inc()
	}

	s.logger.Debug(ctx, "layers selected",
		zap.String("work_type", desc.WorkType),
		zap.Int("complexity", desc.Complexity),
		zap.Int("layers", len(sk.Layers)),
		zap.Int("total_budget", sk.TotalBudget()),
	)
	return sk, nil
}

// decide applies the activation rule for one layer.
func (s *Selector) decide(desc WorkDescriptor, layer store.LayerID, threshold int) (bool, Reason) {
	if desc.Complexity > threshold {
		return true, ReasonAboveThreshold
	}
	if s.patternRequires(desc.WorkType, layer) {
		return true, ReasonSuccessPattern
	}
	return false, ""
}

// patternRequires reports whether recorded outcomes demand the layer: the
// success rate clears the bar with at least the minimum observation count.
func (s *Selector) patternRequires(workType string, layer store.LayerID) bool {
	ps := s.patterns.get(workType, layer)
	return ps.Observations() >= s.minObservations && ps.Rate() >= s.successBar
}

// RecordOutcome feeds one completed decision's result back into the success
// pattern table. This is the table's only mutation path.
func (s *Selector) RecordOutcome(ctx context.Context, workType string, layers []store.LayerID, success bool) error {
	if workType == "" {
		return fmt.Errorf("%w: work type is required", ErrInvalidDescriptor)
	}
	for _, l := range layers {
		if !l.Valid() {
			return fmt.Errorf("%w: unknown layer %q", ErrInvalidDescriptor, l)
		}
	}

	s.patterns.record(workType, layers, success)

	result := "failure"
	if success {
		result = "success"
	}
	outcomesTotal.WithLabelValues(result).Inc()

	s.logger.Debug(ctx, "outcome recorded",
		zap.String("work_type", workType),
		zap.Bool("success", success),
		zap.Int("layers", len(layers)),
	)
	return nil
}

// Thresholds returns the current contextual and deep activation thresholds.
func (s *Selector) Thresholds() (contextual, deep int) {
	return int(s.contextualThreshold.Load()), int(s.deepThreshold.Load())
}

// SetThresholds replaces both activation thresholds. Reserved for the
// controller's serialized action path.
func (s *Selector) SetThresholds(contextual, deep int) error {
	if contextual < MinComplexity || contextual > MaxComplexity {
		return fmt.Errorf("contextual threshold must be %d-%d, got %d", MinComplexity, MaxComplexity, contextual)
	}
	if deep < MinComplexity || deep > MaxComplexity {
		return fmt.Errorf("deep threshold must be %d-%d, got %d", MinComplexity, MaxComplexity, deep)
	}
	if deep < contextual {
		return fmt.Errorf("deep threshold %d cannot be below contextual threshold %d", deep, contextual)
	}
	s.contextualThreshold.Store(int64(contextual))
	s.deepThreshold.Store(int64(deep))
	return nil
}

// PatternFor returns the recorded outcome stats for one work type and layer.
func (s *Selector) PatternFor(workType string, layer store.LayerID) PatternStats {
	return s.patterns.get(workType, layer)
}

// Patterns returns a copy of the full success pattern table.
func (s *Selector) Patterns() map[string]map[store.LayerID]PatternStats {
	return s.patterns.snapshot()
}
