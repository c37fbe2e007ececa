package policy

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

func newTestSelector(t *testing.T) (*Selector, *store.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	st, err := store.New(cfg, nil)
	require.NoError(t, err)

	s, err := New(cfg, st, nil)
	require.NoError(t, err)
	return s, st
}

// feedPattern records enough successful outcomes for the work type to clear
// the default bar (rate 0.8, minimum 5 observations).
func feedPattern(t *testing.T, s *Selector, workType string, layers ...store.LayerID) {
	t.Helper()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordOutcome(context.Background(), workType, layers, true))
	}
}

func TestNew(t *testing.T) {
	cfg := config.DefaultConfig()
	st, err := store.New(cfg, nil)
	require.NoError(t, err)

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, st, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config is required")
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := New(cfg, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store is required")
	})

	t.Run("defaults", func(t *testing.T) {
		s, err := New(cfg, st, nil)
		require.NoError(t, err)
		contextual, deep := s.Thresholds()
		assert.Equal(t, 4, contextual)
		assert.Equal(t, 7, deep)
	})
}

func TestSelect_DecisionTable(t *testing.T) {
	s, _ := newTestSelector(t)

	tests := []struct {
		complexity  int
		wantLayers  []store.LayerID
		totalBudget int
	}{
		{1, []store.LayerID{store.Core}, 8000},
		{2, []store.LayerID{store.Core}, 8000},
		{3, []store.LayerID{store.Core}, 8000},
		// Boundary without a pattern stays conservative.
		{4, []store.LayerID{store.Core}, 8000},
		{5, []store.LayerID{store.Core, store.Contextual}, 20000},
		{6, []store.LayerID{store.Core, store.Contextual}, 20000},
		{7, []store.LayerID{store.Core, store.Contextual}, 20000},
		{8, []store.LayerID{store.Core, store.Contextual, store.Deep}, 35000},
		{9, []store.LayerID{store.Core, store.Contextual, store.Deep}, 35000},
		{10, []store.LayerID{store.Core, store.Contextual, store.Deep}, 35000},
	}

	for _, tt := range tests {
		desc := WorkDescriptor{WorkType: "fresh_type", Complexity: tt.complexity}
		sk, err := s.Select(context.Background(), desc)
		require.NoError(t, err, "complexity %d", tt.complexity)

		assert.Equal(t, tt.wantLayers, sk.Layers, "complexity %d", tt.complexity)
		assert.Equal(t, tt.totalBudget, sk.TotalBudget(), "complexity %d", tt.complexity)
		assert.Equal(t, ReasonAlwaysActive, sk.Reasons[store.Core])
	}
}

func TestSelect_CoreAlwaysPresent(t *testing.T) {
	s, _ := newTestSelector(t)

	for complexity := MinComplexity; complexity <= MaxComplexity; complexity++ {
		sk, err := s.Select(context.Background(), WorkDescriptor{WorkType: "t", Complexity: complexity})
		require.NoError(t, err)
		require.NotEmpty(t, sk.Layers)
		assert.Equal(t, store.Core, sk.Layers[0], "complexity %d", complexity)
	}
}

func TestSelect_PatternBreaksBoundaryTie(t *testing.T) {
	s, _ := newTestSelector(t)
	feedPattern(t, s, "code_review", store.Core, store.Contextual)

	// Complexity 4 is the contextual boundary: off without a pattern,
	// on with one.
	sk, err := s.Select(context.Background(), WorkDescriptor{WorkType: "code_review", Complexity: 4})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core, store.Contextual}, sk.Layers)
	assert.Equal(t, ReasonSuccessPattern, sk.Reasons[store.Contextual])

	// Another work type at the same boundary is unaffected.
	sk, err = s.Select(context.Background(), WorkDescriptor{WorkType: "summarize", Complexity: 4})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core}, sk.Layers)
}

func TestSelect_PatternActivatesDeepAtBoundary(t *testing.T) {
	s, _ := newTestSelector(t)
	feedPattern(t, s, "architecture", store.Core, store.Contextual, store.Deep)

	sk, err := s.Select(context.Background(), WorkDescriptor{WorkType: "architecture", Complexity: 7})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core, store.Contextual, store.Deep}, sk.Layers)
	assert.Equal(t, ReasonAboveThreshold, sk.Reasons[store.Contextual])
	assert.Equal(t, ReasonSuccessPattern, sk.Reasons[store.Deep])
}

func TestSelect_PatternPullsLayerBelowThreshold(t *testing.T) {
	s, _ := newTestSelector(t)
	feedPattern(t, s, "incident_triage", store.Core, store.Contextual)

	sk, err := s.Select(context.Background(), WorkDescriptor{WorkType: "incident_triage", Complexity: 2})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core, store.Contextual}, sk.Layers)
	assert.Equal(t, ReasonSuccessPattern, sk.Reasons[store.Contextual])
}

func TestSelect_PatternBelowBarDoesNotActivate(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	// 3 of 5 successes: enough observations, rate under the 0.8 bar.
	layers := []store.LayerID{store.Core, store.Contextual}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordOutcome(ctx, "flaky", layers, true))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordOutcome(ctx, "flaky", layers, false))
	}

	sk, err := s.Select(ctx, WorkDescriptor{WorkType: "flaky", Complexity: 4})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core}, sk.Layers)
}

func TestSelect_PatternNeedsMinimumObservations(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	// 4 of 4 successes: perfect rate, one observation short of the minimum.
	layers := []store.LayerID{store.Core, store.Contextual}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordOutcome(ctx, "young", layers, true))
	}

	sk, err := s.Select(ctx, WorkDescriptor{WorkType: "young", Complexity: 4})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core}, sk.Layers)

	// The fifth observation tips it.
	require.NoError(t, s.RecordOutcome(ctx, "young", layers, true))
	sk, err = s.Select(ctx, WorkDescriptor{WorkType: "young", Complexity: 4})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core, store.Contextual}, sk.Layers)
}

func TestSelect_InvalidDescriptor(t *testing.T) {
	s, _ := newTestSelector(t)

	_, err := s.Select(context.Background(), WorkDescriptor{WorkType: "", Complexity: 5})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = s.Select(context.Background(), WorkDescriptor{WorkType: "x", Complexity: 0})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestSelect_ReadsCurrentBudgets(t *testing.T) {
	s, st := newTestSelector(t)

	require.NoError(t, st.SetBudget(store.Core, 6000))

	sk, err := s.Select(context.Background(), WorkDescriptor{WorkType: "t", Complexity: 2})
	require.NoError(t, err)
	assert.Equal(t, 6000, sk.Budgets[store.Core])
	assert.Equal(t, 6000, sk.TotalBudget())
}

func TestRecordOutcome_Validation(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	err := s.RecordOutcome(ctx, "", []store.LayerID{store.Core}, true)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	err = s.RecordOutcome(ctx, "t", []store.LayerID{"bogus"}, true)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestRecordOutcome_AccumulatesStats(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	layers := []store.LayerID{store.Core, store.Contextual}
	require.NoError(t, s.RecordOutcome(ctx, "code_review", layers, true))
	require.NoError(t, s.RecordOutcome(ctx, "code_review", layers, true))
	require.NoError(t, s.RecordOutcome(ctx, "code_review", layers, false))

	ps := s.PatternFor("code_review", store.Contextual)
	assert.Equal(t, 2, ps.Successes)
	assert.Equal(t, 1, ps.Failures)
	assert.Equal(t, 3, ps.Observations())

	snap := s.Patterns()
	require.Contains(t, snap, "code_review")
	assert.Equal(t, ps, snap["code_review"][store.Contextual])
	assert.Equal(t, PatternStats{}, s.PatternFor("unknown", store.Deep))
}

func TestSetThresholds(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	tests := []struct {
		name             string
		contextual, deep int
		wantErr          string
	}{
		{name: "valid", contextual: 6, deep: 9},
		{name: "contextual out of range", contextual: 0, deep: 7, wantErr: "contextual threshold must be 1-10"},
		{name: "deep out of range", contextual: 4, deep: 11, wantErr: "deep threshold must be 1-10"},
		{name: "deep below contextual", contextual: 8, deep: 5, wantErr: "cannot be below contextual"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetThresholds(tt.contextual, tt.deep)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	// Raised thresholds take effect on the next selection: complexity 5
	// used to pull Contextual in, now it stays off.
	require.NoError(t, s.SetThresholds(6, 9))
	sk, err := s.Select(ctx, WorkDescriptor{WorkType: "t", Complexity: 5})
	require.NoError(t, err)
	assert.Equal(t, []store.LayerID{store.Core}, sk.Layers)
}

func TestSelect_Deterministic(t *testing.T) {
	s, _ := newTestSelector(t)
	desc := WorkDescriptor{WorkType: "code_review", Complexity: 6, Tags: []string{"go"}}

	first, err := s.Select(context.Background(), desc)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		sk, err := s.Select(context.Background(), desc)
		require.NoError(t, err)
		assert.Equal(t, first.Layers, sk.Layers)
		assert.Equal(t, first.Reasons, sk.Reasons)
		assert.Equal(t, first.Budgets, sk.Budgets)
	}
}

func TestSelector_ConcurrentSelectAndRecord(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			layers := []store.LayerID{store.Core, store.Contextual}
			for i := 0; i < 100; i++ {
				if w%2 == 0 {
					_, err := s.Select(ctx, WorkDescriptor{WorkType: "mixed", Complexity: 1 + i%10})
					assert.NoError(t, err)
				} else {
					assert.NoError(t, s.RecordOutcome(ctx, "mixed", layers, i%3 != 0))
				}
			}
		}(w)
	}
	wg.Wait()

	ps := s.PatternFor("mixed", store.Contextual)
	assert.Equal(t, 400, ps.Observations())
}
