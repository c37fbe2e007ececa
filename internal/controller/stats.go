package controller

import (
	"sort"
	"sync"
)

// actionTable tracks per-metric action outcomes. A resolved violation counts
// as a success for the action that preceded it, an unresolved one as a
// failure; candidates are ranked by smoothed success rate so the controller
// reaches for what has worked on that metric before.
type actionTable struct {
	mu    sync.RWMutex
	cells map[string]map[Action]*ActionStats
}

func newActionTable() *actionTable {
	return &actionTable{cells: make(map[string]map[Action]*ActionStats)}
}

// record attributes one outcome to the (metric, action) pair.
func (t *actionTable) record(metric string, a Action, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byAction, ok := t.cells[metric]
	if !ok {
		byAction = make(map[Action]*ActionStats)
		t.cells[metric] = byAction
	}
	st, ok := byAction[a]
	if !ok {
		st = &ActionStats{}
		byAction[a] = st
	}
	if success {
		st.Successes++
	} else {
		st.Failures++
	}
}

// ranked orders candidates by descending smoothed success rate; ties keep
// the candidate table's order.
func (t *actionTable) ranked(metric string, candidates []Action) []Action {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Action, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return t.score(metric, out[i]) > t.score(metric, out[j])
	})
	return out
}

// score is the Laplace-smoothed success rate: an untried action starts at
// 0.5, so a proven action beats an unknown one and an unknown beats a
// failing one. Callers hold at least the read lock.
func (t *actionTable) score(metric string, a Action) float64 {
	st, ok := t.cells[metric][a]
	if !ok {
		return 0.5
	}
	return float64(st.Successes+1) / float64(st.Successes+st.Failures+2)
}

// snapshot copies the whole table for reporting.
func (t *actionTable) snapshot() map[string]map[Action]ActionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[Action]ActionStats, len(t.cells))
	for metric, byAction := range t.cells {
		m := make(map[Action]ActionStats, len(byAction))
		for a, st := range byAction {
			m[a] = *st
		}
		out[metric] = m
	}
	return out
}
