package engine

import (
	"github.com/fyrsmithlabs/budgetd/internal/compression"
	"github.com/fyrsmithlabs/budgetd/internal/controller"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// The engine aggregates every runtime-mutable parameter behind the
// controller's Tunables surface. Nothing else calls the Set methods.
var _ controller.Tunables = (*Engine)(nil)

// Budget returns a layer's current token budget.
func (e *Engine) Budget(layer store.LayerID) int {
	return e.store.Budget(layer)
}

// SetBudget mutates a layer's token budget.
func (e *Engine) SetBudget(layer store.LayerID, budget int) error {
	return e.store.SetBudget(layer, budget)
}

// Ratios returns the current per-strategy target ratios.
func (e *Engine) Ratios() (token, hierarchical, semantic float64) {
	m := e.comp.Ratios()
	return m[compression.StrategyTokenOptimization],
		m[compression.StrategyHierarchicalPruning],
		m[compression.StrategySemanticCompression]
}

// SetRatios mutates the strategy target ratios and re-anchors the store's
// compression floor.
func (e *Engine) SetRatios(token, hierarchical, semantic float64) error {
	return e.comp.SetRatios(token, hierarchical, semantic)
}

// Weights returns the current relevance weights.
func (e *Engine) Weights() store.Weights {
	return e.store.Weights()
}

// SetWeights mutates the relevance weights.
func (e *Engine) SetWeights(w store.Weights) error {
	return e.store.SetWeights(w)
}

// Thresholds returns the current activation thresholds.
func (e *Engine) Thresholds() (contextual, deep int) {
	return e.selector.Thresholds()
}

// SetThresholds mutates the activation thresholds.
func (e *Engine) SetThresholds(contextual, deep int) error {
	return e.selector.SetThresholds(contextual, deep)
}
