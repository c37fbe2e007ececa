package controller

import (
	"time"

	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// State is a metric's position in the remediation lifecycle.
type State string

// Lifecycle states. NORMAL, VIOLATION_DETECTED, EVALUATING, RESOLVED,
// UNRESOLVED and ESCALATED are resting states between evaluation cycles;
// ACTION_APPLIED is recorded in history but immediately advances to
// EVALUATING within the same cycle.
const (
	StateNormal            State = "NORMAL"
	StateViolationDetected State = "VIOLATION_DETECTED"
	StateActionApplied     State = "ACTION_APPLIED"
	StateEvaluating        State = "EVALUATING"
	StateResolved          State = "RESOLVED"
	StateUnresolved        State = "UNRESOLVED"
	StateEscalated         State = "ESCALATED"
)

// Action is one corrective mutation of the engine's tunables.
type Action string

const (
	// ActionShrinkBudgets lowers the contextual and deep budgets by one step,
	// bounded below by the configured budget floor. Core is never scaled; its
	// content is validated against its budget at startup.
	ActionShrinkBudgets Action = "shrink_budgets"
	// ActionGrowBudgets raises the contextual and deep budgets by one step.
	ActionGrowBudgets Action = "grow_budgets"
	// ActionTightenRatios scales every strategy's target ratio down one step.
	ActionTightenRatios Action = "tighten_ratios"
	// ActionRelaxRatios scales every strategy's target ratio up one step,
	// capped at 1.0.
	ActionRelaxRatios Action = "relax_ratios"
	// ActionRaiseThresholds raises both activation thresholds by one, so
	// fewer requests activate the higher layers.
	ActionRaiseThresholds Action = "raise_thresholds"
	// ActionLowerThresholds lowers both activation thresholds by one.
	ActionLowerThresholds Action = "lower_thresholds"
	// ActionFavorUsage shifts relevance weight from tag match to usage, so
	// units that are actually read outrank merely well-tagged ones.
	ActionFavorUsage Action = "favor_usage"
)

// Tunables is the mutable surface corrective actions operate on. The engine
// aggregates the store's budgets and weights, the compression ladder's target
// ratios and the policy selector's activation thresholds behind it; the
// controller is the only runtime caller of the Set methods.
type Tunables interface {
	Budget(layer store.LayerID) int
	SetBudget(layer store.LayerID, budget int) error
	Ratios() (token, hierarchical, semantic float64)
	SetRatios(token, hierarchical, semantic float64) error
	Weights() store.Weights
	SetWeights(w store.Weights) error
	Thresholds() (contextual, deep int)
	SetThresholds(contextual, deep int) error
}

// ActionRecord is one history entry: a state transition and, when the
// transition applied a corrective action, what changed.
type ActionRecord struct {
	At      time.Time `json:"at"`
	Metric  string    `json:"metric"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Action  Action    `json:"action,omitempty"`
	Change  string    `json:"change,omitempty"`
	Mean    float64   `json:"mean"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// MetricStatus is one metric's current lifecycle position.
type MetricStatus struct {
	Metric     string    `json:"metric"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	LastAction Action    `json:"last_action,omitempty"`
	Since      time.Time `json:"since"`
}

// ActionStats holds outcome counts for one (metric, action) pair.
type ActionStats struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Rate returns the success fraction, 0 when nothing is recorded.
func (s ActionStats) Rate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total)
}
