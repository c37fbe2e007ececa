package controller

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/policy"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// candidatesFor maps a violated metric to its remediation candidates, most
// promising first. Metrics without a dedicated row fall back on the generic
// set for their direction so custom thresholds still get a remediation path.
func candidatesFor(metric, direction string) []Action {
	switch metric {
	case config.MetricLatencyMS:
		return []Action{ActionShrinkBudgets, ActionTightenRatios, ActionRaiseThresholds}
	case config.MetricMemoryMB:
		return []Action{ActionTightenRatios, ActionShrinkBudgets, ActionRaiseThresholds}
	case config.MetricEfficiencyRatio:
		return []Action{ActionFavorUsage, ActionTightenRatios, ActionRaiseThresholds}
	case config.MetricQualityRetention:
		return []Action{ActionRelaxRatios, ActionGrowBudgets}
	case config.MetricSpeedupFactor:
		return []Action{ActionRelaxRatios, ActionRaiseThresholds, ActionGrowBudgets}
	}
	if direction == config.DirectionUpper {
		return []Action{ActionShrinkBudgets, ActionTightenRatios}
	}
	return []Action{ActionGrowBudgets, ActionRelaxRatios}
}

// apply executes one action against the tunables and returns a summary of the
// mutation for history and logs. An action that cannot move anything because
// every knob is already at its bound returns an error without mutating.
func (c *Controller) apply(a Action) (string, error) {
	switch a {
	case ActionShrinkBudgets:
		return c.scaleBudgets(1 - c.step)
	case ActionGrowBudgets:
		return c.scaleBudgets(1 + c.step)
	case ActionTightenRatios:
		return c.scaleRatios(1 - c.step)
	case ActionRelaxRatios:
		return c.scaleRatios(1 + c.step)
	case ActionRaiseThresholds:
		return c.shiftThresholds(1)
	case ActionLowerThresholds:
		return c.shiftThresholds(-1)
	case ActionFavorUsage:
		return c.favorUsage()
	}
	return "", fmt.Errorf("unknown action %q", a)
}

// scaleBudgets multiplies the evictable layers' budgets by factor, bounded
// below by the configured floor. A layer whose budget cannot move in the
// factor's direction is skipped; if neither moves the action fails.
func (c *Controller) scaleBudgets(factor float64) (string, error) {
	parts := make([]string, 0, 2)
	for _, layer := range []store.LayerID{store.Contextual, store.Deep} {
		cur := c.tunables.Budget(layer)
		next := int(math.Round(float64(cur) * factor))
		if next < c.floor {
			next = c.floor
		}
		if factor < 1 && next >= cur {
			continue
		}
		if factor > 1 && next <= cur {
			continue
		}
		if err := c.tunables.SetBudget(layer, next); err != nil {
			return "", fmt.Errorf("set %s budget: %w", layer, err)
		}
		parts = append(parts, fmt.Sprintf("%s %d -> %d", layer, cur, next))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no budget can move by factor %.2f", factor)
	}
	return strings.Join(parts, ", "), nil
}

// scaleRatios multiplies every strategy's target ratio by factor, capped at
// 1.0. Quality thresholds are immutable; only the targets move.
func (c *Controller) scaleRatios(factor float64) (string, error) {
	token, hier, sem := c.tunables.Ratios()
	nt, nh, ns := capRatio(token*factor), capRatio(hier*factor), capRatio(sem*factor)
	if nt == token && nh == hier && ns == sem {
		return "", errors.New("ratios already at their bound")
	}
	if err := c.tunables.SetRatios(nt, nh, ns); err != nil {
		return "", fmt.Errorf("set ratios: %w", err)
	}
	return fmt.Sprintf("ratios %.2f/%.2f/%.2f -> %.2f/%.2f/%.2f", token, hier, sem, nt, nh, ns), nil
}

// shiftThresholds moves both activation thresholds by delta inside the
// complexity scale, keeping deep at or above contextual.
func (c *Controller) shiftThresholds(delta int) (string, error) {
	contextual, deep := c.tunables.Thresholds()
	nc := capComplexity(contextual + delta)
	nd := capComplexity(deep + delta)
	if nc > nd {
		nc = nd
	}
	if nc == contextual && nd == deep {
		return "", errors.New("activation thresholds already at their bound")
	}
	if err := c.tunables.SetThresholds(nc, nd); err != nil {
		return "", fmt.Errorf("set thresholds: %w", err)
	}
	return fmt.Sprintf("thresholds %d/%d -> %d/%d", contextual, deep, nc, nd), nil
}

// favorUsage moves up to one step of relevance weight from tag match to
// usage.
func (c *Controller) favorUsage() (string, error) {
	w := c.tunables.Weights()
	delta := c.step
	if w.Tag < delta {
		delta = w.Tag
	}
	if delta <= 0 {
		return "", errors.New("no tag weight left to shift")
	}
	next := store.Weights{Recency: w.Recency, Usage: w.Usage + delta, Tag: w.Tag - delta}
	if err := c.tunables.SetWeights(next); err != nil {
		return "", fmt.Errorf("set weights: %w", err)
	}
	return fmt.Sprintf("weights usage %.2f -> %.2f, tag %.2f -> %.2f", w.Usage, next.Usage, w.Tag, next.Tag), nil
}

func capRatio(r float64) float64 {
	if r > 1 {
		return 1
	}
	return r
}

func capComplexity(v int) int {
	if v < policy.MinComplexity {
		return policy.MinComplexity
	}
	if v > policy.MaxComplexity {
		return policy.MaxComplexity
	}
	return v
}
