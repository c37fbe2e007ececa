package engine

import (
	"strings"

	"github.com/fyrsmithlabs/budgetd/internal/compression"
)

// Bundle is one materialized selection: the per-layer fits in activation
// order plus the totals the caller budgets against. Per-request problems
// never fail the request; they set Degraded and leave a machine-readable
// reason behind.
type Bundle struct {
	DecisionID string                 `json:"decision_id"`
	Layers     []compression.LayerFit `json:"layers"`
	TotalSize  int                    `json:"total_size"`
	Degraded   bool                   `json:"degraded"`
	Reasons    []string               `json:"reasons,omitempty"`
}

// UnitCount returns the number of units delivered across all layers.
func (b *Bundle) UnitCount() int {
	n := 0
	for _, fit := range b.Layers {
		n += len(fit.Units)
	}
	return n
}

// Content concatenates every delivered unit's text in bundle order, layers
// first, with blank-line separators.
func (b *Bundle) Content() string {
	var sb strings.Builder
	for _, fit := range b.Layers {
		for _, u := range fit.Units {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(u.Content)
		}
	}
	return sb.String()
}

// mergeReasons appends the reasons not already present, preserving order.
func mergeReasons(into, add []string) []string {
	for _, r := range add {
		seen := false
		for _, have := range into {
			if have == r {
				seen = true
				break
			}
		}
		if !seen {
			into = append(into, r)
		}
	}
	return into
}
