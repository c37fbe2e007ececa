// Package policy maps work descriptors to layer activations.
//
// Activation follows an enumerated decision table, not free-text matching:
// Core is always active; Contextual and Deep activate strictly above their
// complexity thresholds. At the threshold boundary the selector is
// cost-conservative and keeps the layer off unless a recorded success
// pattern for the work type clears the configured bar, in which case the
// pattern also activates the layer below its threshold.
package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// Complexity bounds for work descriptors.
const (
	MinComplexity = 1
	MaxComplexity = 10
)

// Reason records why a layer was activated.
type Reason string

const (
	// ReasonAlwaysActive marks the Core layer, present in every selection.
	ReasonAlwaysActive Reason = "always_active"

	// ReasonAboveThreshold marks a layer activated because the descriptor's
	// complexity is strictly above the layer's threshold.
	ReasonAboveThreshold Reason = "above_threshold"

	// ReasonSuccessPattern marks a layer activated at or below its threshold
	// because historical outcomes for the work type demand it.
	ReasonSuccessPattern Reason = "success_pattern"
)

// WorkDescriptor describes one unit of incoming work.
type WorkDescriptor struct {
	WorkType   string   `json:"work_type"`
	Complexity int      `json:"complexity"`
	Tags       []string `json:"tags,omitempty"`
}

// Validate checks descriptor fields. All failures wrap ErrInvalidDescriptor.
func (d WorkDescriptor) Validate() error {
	if d.WorkType == "" {
		return fmt.Errorf("%w: work type is required", ErrInvalidDescriptor)
	}
	if d.Complexity < MinComplexity || d.Complexity > MaxComplexity {
		return fmt.Errorf("%w: complexity must be %d-%d, got %d",
			ErrInvalidDescriptor, MinComplexity, MaxComplexity, d.Complexity)
	}
	for i, tag := range d.Tags {
		if tag == "" {
			return fmt.Errorf("%w: tag %d is empty", ErrInvalidDescriptor, i)
		}
	}
	return nil
}

// Skeleton is the selector's output: the active layers in fixed order with
// the budgets in force at selection time. The compression engine materializes
// it into a bundle.
type Skeleton struct {
	Layers  []store.LayerID          `json:"layers"`
	Reasons map[store.LayerID]Reason `json:"reasons"`
	Budgets map[store.LayerID]int    `json:"budgets"`
}

// TotalBudget sums the active layers' budgets.
func (s Skeleton) TotalBudget() int {
	total := 0
	for _, l := range s.Layers {
		total += s.Budgets[l]
	}
	return total
}

// Active reports whether the layer is part of the skeleton.
func (s Skeleton) Active(layer store.LayerID) bool {
	for _, l := range s.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// Decision is the immutable record of one selection: which layers were
// activated and why, the compression strategy applied per layer, and the
// resulting bundle size. It is assembled once after materialization and
// never mutated; metric outcomes are attributed back to it by ID.
type Decision struct {
	ID         string                   `json:"id"`
	WorkType   string                   `json:"work_type"`
	Complexity int                      `json:"complexity"`
	Layers     []store.LayerID          `json:"layers"`
	Reasons    map[store.LayerID]Reason `json:"reasons"`
	Strategies map[store.LayerID]string `json:"strategies"`
	TotalSize  int                      `json:"total_size"`
	CreatedAt  time.Time                `json:"created_at"`
}

// NewDecision freezes a selection into a Decision. Slices and maps are
// copied so later skeleton or strategy mutation cannot leak in.
func NewDecision(desc WorkDescriptor, sk Skeleton, strategies map[store.LayerID]string, totalSize int) Decision {
	layers := make([]store.LayerID, len(sk.Layers))
	copy(layers, sk.Layers)

	reasons := make(map[store.LayerID]Reason, len(sk.Reasons))
	for l, r := range sk.Reasons {
		reasons[l] = r
	}

	strat := make(map[store.LayerID]string, len(strategies))
	for l, s := range strategies {
		strat[l] = s
	}

	return Decision{
		ID:         uuid.NewString(),
		WorkType:   desc.WorkType,
		Complexity: desc.Complexity,
		Layers:     layers,
		Reasons:    reasons,
		Strategies: strat,
		TotalSize:  totalSize,
		CreatedAt:  time.Now().UTC(),
	}
}
