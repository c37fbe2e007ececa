package policy

import (
	"sync"

	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// PatternStats holds outcome counts for one (work type, layer) pair.
type PatternStats struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Rate returns the success fraction, 0 when nothing is recorded.
func (p PatternStats) Rate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// Observations returns the total outcome count.
func (p PatternStats) Observations() int {
	return p.Successes + p.Failures
}

// patternTable tracks per-work-type layer outcomes. It is the selector's only
// mutable state and is updated exclusively through outcome feedback.
type patternTable struct {
	mu    sync.RWMutex
	stats map[string]map[store.LayerID]*PatternStats
}

func newPatternTable() *patternTable {
	return &patternTable{stats: make(map[string]map[store.LayerID]*PatternStats)}
}

// record attributes one outcome to every given layer under the work type.
func (t *patternTable) record(workType string, layers []store.LayerID, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byLayer, ok := t.stats[workType]
	if !ok {
		byLayer = make(map[store.LayerID]*PatternStats)
		t.stats[workType] = byLayer
	}
	for _, l := range layers {
		ps, ok := byLayer[l]
		if !ok {
			ps = &PatternStats{}
			byLayer[l] = ps
		}
		if success {
			ps.Successes++
		} else {
			ps.Failures++
		}
	}
}

// get returns a copy of the stats for one (work type, layer) pair.
func (t *patternTable) get(workType string, layer store.LayerID) PatternStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ps, ok := t.stats[workType][layer]; ok {
		return *ps
	}
	return PatternStats{}
}

// snapshot copies the whole table for reporting.
func (t *patternTable) snapshot() map[string]map[store.LayerID]PatternStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[store.LayerID]PatternStats, len(t.stats))
	for workType, byLayer := range t.stats {
		m := make(map[store.LayerID]PatternStats, len(byLayer))
		for l, ps := range byLayer {
			m[l] = *ps
		}
		out[workType] = m
	}
	return out
}
