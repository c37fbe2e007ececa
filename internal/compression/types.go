// Package compression materializes budget-compliant bundles from the layered
// store. Strategies are applied in decreasing order of quality threshold
// until a layer's budget is met; output pushed below a strategy's own quality
// threshold is rejected and the next strategy is tried. When the ladder is
// exhausted, whole units are hard-evicted lowest-relevance-first from
// evictable layers. Core is never evicted: its overflow is left out of the
// bundle instead, with the store untouched.
package compression

import (
	"sort"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// Strategy identifies a compression strategy.
type Strategy string

const (
	// StrategyNone marks content carried without recompression.
	StrategyNone Strategy = "none"
	// StrategyTokenOptimization collapses redundant whitespace. It is
	// lossless-equivalent: the word sequence is preserved exactly.
	StrategyTokenOptimization Strategy = "token_optimization"
	// StrategyHierarchicalPruning drops the lowest-value sentences and keeps
	// the rest in original order.
	StrategyHierarchicalPruning Strategy = "hierarchical_pruning"
	// StrategySemanticCompression keeps only the highest-value sentences,
	// falling back to keyword extraction for unstructured content.
	StrategySemanticCompression Strategy = "semantic_compression"
)

// Degraded-bundle reasons. Per-request failures are absorbed into the bundle
// rather than surfaced as errors; the reasons keep the absorption observable.
const (
	ReasonCapacityExceeded = "capacity_exceeded"
	ReasonSelectionTimeout = "selection_timeout"
	ReasonHardEviction     = "hard_eviction"
)

// strategySpec binds a strategy to its configured design point: the target
// ratio it compresses toward and the quality threshold its output must meet.
type strategySpec struct {
	name    Strategy
	ratio   float64
	quality float64
}

// ladderFromConfig builds the strategy ladder, ordered by decreasing quality
// threshold so the gentlest strategy is always tried first.
func ladderFromConfig(cfg config.CompressionConfig) []strategySpec {
	ladder := []strategySpec{
		{name: StrategyTokenOptimization, ratio: cfg.TokenRatio, quality: cfg.TokenQuality},
		{name: StrategyHierarchicalPruning, ratio: cfg.HierarchicalRatio, quality: cfg.HierarchicalQuality},
		{name: StrategySemanticCompression, ratio: cfg.SemanticRatio, quality: cfg.SemanticQuality},
	}
	sort.SliceStable(ladder, func(i, j int) bool {
		return ladder[i].quality > ladder[j].quality
	})
	return ladder
}

// UnitResult is one unit's contribution to a materialized bundle.
type UnitResult struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Size     int      `json:"size"`
	Strategy Strategy `json:"strategy"`
	Quality  float64  `json:"quality"`
}

// LayerFit is the result of materializing one layer within its budget.
type LayerFit struct {
	Layer    store.LayerID `json:"layer"`
	Units    []UnitResult  `json:"units"`
	Size     int           `json:"size"`
	Budget   int           `json:"budget"`
	Strategy Strategy      `json:"strategy"`
	Degraded bool          `json:"degraded"`
	Reasons  []string      `json:"reasons,omitempty"`
	Evicted  []string      `json:"evicted,omitempty"`
	Omitted  []string      `json:"omitted,omitempty"`
}
