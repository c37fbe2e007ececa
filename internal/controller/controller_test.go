package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fyrsmithlabs/budgetd/internal/compression"
	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/metrics"
	"github.com/fyrsmithlabs/budgetd/internal/policy"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// testTunables aggregates the real components the engine exposes to the
// controller in production.
type testTunables struct {
	store    *store.Store
	engine   *compression.Engine
	selector *policy.Selector
}

func (t *testTunables) Budget(layer store.LayerID) int { return t.store.Budget(layer) }

func (t *testTunables) SetBudget(layer store.LayerID, budget int) error {
	return t.store.SetBudget(layer, budget)
}

func (t *testTunables) Ratios() (token, hierarchical, semantic float64) {
	m := t.engine.Ratios()
	return m[compression.StrategyTokenOptimization],
		m[compression.StrategyHierarchicalPruning],
		m[compression.StrategySemanticCompression]
}

func (t *testTunables) SetRatios(token, hierarchical, semantic float64) error {
	return t.engine.SetRatios(token, hierarchical, semantic)
}

func (t *testTunables) Weights() store.Weights { return t.store.Weights() }

func (t *testTunables) SetWeights(w store.Weights) error { return t.store.SetWeights(w) }

func (t *testTunables) Thresholds() (contextual, deep int) { return t.selector.Thresholds() }

func (t *testTunables) SetThresholds(contextual, deep int) error {
	return t.selector.SetThresholds(contextual, deep)
}

func newTestController(t *testing.T, mutate ...func(*config.Config)) (*Controller, *testTunables, *metrics.Recorder) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Controller.BackoffBase = config.Duration(time.Millisecond)
	for _, m := range mutate {
		m(cfg)
	}

	st, err := store.New(cfg, nil)
	require.NoError(t, err)
	eng, err := compression.New(cfg, st, nil)
	require.NoError(t, err)
	sel, err := policy.New(cfg, st, nil)
	require.NoError(t, err)
	rec, err := metrics.NewRecorder(cfg)
	require.NoError(t, err)

	tun := &testTunables{store: st, engine: eng, selector: sel}
	ctl, err := New(cfg, rec, tun, nil)
	require.NoError(t, err)
	return ctl, tun, rec
}

func fill(t *testing.T, rec *metrics.Recorder, name string, value float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, rec.Record(name, value))
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := config.DefaultConfig()
	st, err := store.New(cfg, nil)
	require.NoError(t, err)
	eng, err := compression.New(cfg, st, nil)
	require.NoError(t, err)
	sel, err := policy.New(cfg, st, nil)
	require.NoError(t, err)
	rec, err := metrics.NewRecorder(cfg)
	require.NoError(t, err)
	tun := &testTunables{store: st, engine: eng, selector: sel}

	_, err = New(nil, rec, tun, nil)
	assert.Error(t, err)

	_, err = New(cfg, nil, tun, nil)
	assert.Error(t, err)

	_, err = New(cfg, rec, nil, nil)
	assert.Error(t, err)

	ctl, err := New(cfg, rec, tun, nil)
	require.NoError(t, err)
	assert.NotNil(t, ctl)
}

func TestCycle_NoViolationStaysNormal(t *testing.T) {
	ctl, tun, rec := newTestController(t)
	fill(t, rec, config.MetricLatencyMS, 50, 40)

	require.NoError(t, ctl.Cycle(context.Background()))

	assert.Equal(t, StateNormal, ctl.StatusFor(config.MetricLatencyMS).State)
	assert.Empty(t, ctl.History())
	assert.Equal(t, 12000, tun.Budget(store.Contextual))
}

func TestCycle_SkipsInsufficientData(t *testing.T) {
	ctl, tun, rec := newTestController(t)
	// Far above the threshold, but below the minimum sample count.
	fill(t, rec, config.MetricLatencyMS, 500, 10)

	require.NoError(t, ctl.Cycle(context.Background()))

	assert.Equal(t, StateNormal, ctl.StatusFor(config.MetricLatencyMS).State)
	assert.Empty(t, ctl.History())
	assert.Equal(t, 12000, tun.Budget(store.Contextual))
}

func TestCycle_DetectsViolationAndRemediates(t *testing.T) {
	ctl, tun, rec := newTestController(t)
	fill(t, rec, config.MetricLatencyMS, 120, 40)

	require.NoError(t, ctl.Cycle(context.Background()))

	status := ctl.StatusFor(config.MetricLatencyMS)
	assert.Equal(t, StateEvaluating, status.State)
	assert.Equal(t, ActionShrinkBudgets, status.LastAction)
	assert.Equal(t, 1, status.Attempts)

	// The evictable budgets shrank one step; Core is untouched.
	assert.Equal(t, 10800, tun.Budget(store.Contextual))
	assert.Equal(t, 13500, tun.Budget(store.Deep))
	assert.Equal(t, 8000, tun.Budget(store.Core))

	var path []State
	for _, r := range ctl.History() {
		if r.Metric == config.MetricLatencyMS {
			path = append(path, r.To)
		}
	}
	assert.Equal(t, []State{StateViolationDetected, StateActionApplied, StateEvaluating}, path)
}

func TestCycle_WaitsForPostActionSamples(t *testing.T) {
	ctl, tun, rec := newTestController(t)
	fill(t, rec, config.MetricLatencyMS, 120, 40)
	require.NoError(t, ctl.Cycle(context.Background()))
	require.Equal(t, 10800, tun.Budget(store.Contextual))

	// No fresh samples: the action must not be judged on the pre-action
	// window, and no second action may stack on top of the first.
	require.NoError(t, ctl.Cycle(context.Background()))

	status := ctl.StatusFor(config.MetricLatencyMS)
	assert.Equal(t, StateEvaluating, status.State)
	assert.Equal(t, 1, status.Attempts)
	assert.Equal(t, 10800, tun.Budget(store.Contextual))
}

func TestCycle_ResolvesAndRecordsSuccess(t *testing.T) {
	ctl, _, rec := newTestController(t)
	fill(t, rec, config.MetricLatencyMS, 120, 40)
	require.NoError(t, ctl.Cycle(context.Background()))
	require.Equal(t, StateEvaluating, ctl.StatusFor(config.MetricLatencyMS).State)

	// Post-action samples must timestamp after the action.
	time.Sleep(time.Millisecond)
	fill(t, rec, config.MetricLatencyMS, 85, 40)
	require.NoError(t, ctl.Cycle(context.Background()))

	assert.Equal(t, StateResolved, ctl.StatusFor(config.MetricLatencyMS).State)

	outcomes := ctl.Outcomes()[config.MetricLatencyMS]
	assert.Equal(t, 1, outcomes[ActionShrinkBudgets].Successes)
	assert.Equal(t, 0, outcomes[ActionShrinkBudgets].Failures)

	hist := ctl.History()
	last := hist[len(hist)-1]
	assert.Equal(t, StateResolved, last.To)
	assert.Equal(t, ActionShrinkBudgets, last.Action)
	assert.InDelta(t, 85, last.Mean, 1e-9)

	// With the violation gone, the next cycle retires RESOLVED to NORMAL.
	require.NoError(t, ctl.Cycle(context.Background()))
	assert.Equal(t, StateNormal, ctl.StatusFor(config.MetricLatencyMS).State)
}

func TestCycle_EscalatesAfterRetryBudget(t *testing.T) {
	ctl, tun, rec := newTestController(t, func(cfg *config.Config) {
		cfg.Controller.MaxRetries = 2
		cfg.Controller.Thresholds = []config.MetricThreshold{
			{Metric: config.MetricLatencyMS, Value: 100, Direction: config.DirectionUpper},
		}
		cfg.Metrics.WindowCapacity = 40
	})
	ctx := context.Background()

	fill(t, rec, config.MetricLatencyMS, 120, 40)
	require.NoError(t, ctl.Cycle(ctx))
	require.Equal(t, ActionShrinkBudgets, ctl.StatusFor(config.MetricLatencyMS).LastAction)

	// First action does not help.
	time.Sleep(time.Millisecond)
	fill(t, rec, config.MetricLatencyMS, 120, 40)
	require.NoError(t, ctl.Cycle(ctx))
	status := ctl.StatusFor(config.MetricLatencyMS)
	require.Equal(t, StateEvaluating, status.State)
	require.Equal(t, ActionTightenRatios, status.LastAction)
	require.Equal(t, 2, status.Attempts)

	// Neither does the second; the retry budget is spent.
	time.Sleep(time.Millisecond)
	fill(t, rec, config.MetricLatencyMS, 120, 40)
	require.NoError(t, ctl.Cycle(ctx))
	assert.Equal(t, StateEscalated, ctl.StatusFor(config.MetricLatencyMS).State)

	outcomes := ctl.Outcomes()[config.MetricLatencyMS]
	assert.Equal(t, 1, outcomes[ActionShrinkBudgets].Failures)
	assert.Equal(t, 1, outcomes[ActionTightenRatios].Failures)

	hist := ctl.History()
	assert.Equal(t, "retry budget exhausted", hist[len(hist)-1].Change)

	// Escalation freezes remediation until the metric recovers on its own.
	time.Sleep(time.Millisecond)
	fill(t, rec, config.MetricLatencyMS, 90, 40)
	require.NoError(t, ctl.Cycle(ctx))
	assert.Equal(t, StateNormal, ctl.StatusFor(config.MetricLatencyMS).State)
	hist = ctl.History()
	assert.Equal(t, "recovered after escalation", hist[len(hist)-1].Change)

	// Both failed actions left the tunables mutated once each.
	assert.Equal(t, 10800, tun.Budget(store.Contextual))
	token, _, _ := tun.Ratios()
	assert.InDelta(t, 0.72, token, 1e-9)
}

func TestCycle_EscalatesWhenCandidatesExhausted(t *testing.T) {
	ctl, _, rec := newTestController(t, func(cfg *config.Config) {
		cfg.Controller.MaxRetries = 5
		cfg.Controller.Thresholds = []config.MetricThreshold{
			{Metric: config.MetricQualityRetention, Value: 0.95, Direction: config.DirectionLower},
		}
		cfg.Metrics.WindowCapacity = 40
	})
	ctx := context.Background()

	fill(t, rec, config.MetricQualityRetention, 0.5, 40)
	require.NoError(t, ctl.Cycle(ctx))
	require.Equal(t, ActionRelaxRatios, ctl.StatusFor(config.MetricQualityRetention).LastAction)

	time.Sleep(time.Millisecond)
	fill(t, rec, config.MetricQualityRetention, 0.5, 40)
	require.NoError(t, ctl.Cycle(ctx))
	require.Equal(t, ActionGrowBudgets, ctl.StatusFor(config.MetricQualityRetention).LastAction)

	// Both candidates for this metric have been tried this episode.
	time.Sleep(time.Millisecond)
	fill(t, rec, config.MetricQualityRetention, 0.5, 40)
	require.NoError(t, ctl.Cycle(ctx))

	assert.Equal(t, StateEscalated, ctl.StatusFor(config.MetricQualityRetention).State)
	hist := ctl.History()
	assert.Equal(t, "remediation candidates exhausted", hist[len(hist)-1].Change)
}

func TestCycle_LowerBoundViolationRelaxesRatios(t *testing.T) {
	ctl, tun, rec := newTestController(t)
	fill(t, rec, config.MetricQualityRetention, 0.80, 40)

	require.NoError(t, ctl.Cycle(context.Background()))

	status := ctl.StatusFor(config.MetricQualityRetention)
	assert.Equal(t, StateEvaluating, status.State)
	assert.Equal(t, ActionRelaxRatios, status.LastAction)

	token, hier, sem := tun.Ratios()
	assert.InDelta(t, 0.88, token, 1e-9)
	assert.InDelta(t, 0.66, hier, 1e-9)
	assert.InDelta(t, 0.44, sem, 1e-9)
	// The store's compression floor follows the new most aggressive ratio.
	assert.InDelta(t, 0.44, tun.store.FloorRatio(), 1e-9)
}

func TestCycle_RateLimitedActionDefers(t *testing.T) {
	ctl, tun, rec := newTestController(t, func(cfg *config.Config) {
		cfg.Controller.ActionBurst = 1
		cfg.Controller.Thresholds = []config.MetricThreshold{
			{Metric: config.MetricLatencyMS, Value: 100, Direction: config.DirectionUpper},
		}
		cfg.Metrics.WindowCapacity = 40
	})
	ctx := context.Background()

	fill(t, rec, config.MetricLatencyMS, 120, 40)
	require.NoError(t, ctl.Cycle(ctx))
	require.Equal(t, 1, ctl.StatusFor(config.MetricLatencyMS).Attempts)

	// The burst is spent: the follow-up action must wait for the limiter, so
	// the metric rests at UNRESOLVED with no second mutation.
	time.Sleep(time.Millisecond)
	fill(t, rec, config.MetricLatencyMS, 120, 40)
	require.NoError(t, ctl.Cycle(ctx))

	status := ctl.StatusFor(config.MetricLatencyMS)
	assert.Equal(t, StateUnresolved, status.State)
	assert.Equal(t, 1, status.Attempts)

	token, hier, sem := tun.Ratios()
	assert.InDelta(t, 0.80, token, 1e-9)
	assert.InDelta(t, 0.60, hier, 1e-9)
	assert.InDelta(t, 0.40, sem, 1e-9)
}

func TestTriggerAction(t *testing.T) {
	ctl, tun, rec := newTestController(t)
	fill(t, rec, config.MetricLatencyMS, 120, 40)

	status, err := ctl.TriggerAction(context.Background(), config.MetricLatencyMS)
	require.NoError(t, err)
	assert.Equal(t, StateEvaluating, status.State)
	assert.Equal(t, ActionShrinkBudgets, status.LastAction)
	assert.Equal(t, 10800, tun.Budget(store.Contextual))
}

func TestTriggerAction_UnknownMetric(t *testing.T) {
	ctl, _, _ := newTestController(t)

	_, err := ctl.TriggerAction(context.Background(), "p99_disk_ms")
	assert.ErrorIs(t, err, ErrNoThreshold)
}

func TestTriggerAction_ConflictWhenBusy(t *testing.T) {
	ctl, _, _ := newTestController(t)
	ctl.actionMu.Lock()
	defer ctl.actionMu.Unlock()

	_, err := ctl.TriggerAction(context.Background(), config.MetricLatencyMS)
	assert.ErrorIs(t, err, ErrActionConflict)
}

func TestClassify(t *testing.T) {
	upper := config.MetricThreshold{Metric: "m", Value: 100, Direction: config.DirectionUpper}
	lower := config.MetricThreshold{Metric: "m", Value: 0.9, Direction: config.DirectionLower}

	tests := []struct {
		name      string
		threshold config.MetricThreshold
		low, high float64
		want      verdict
	}{
		{"upper violating", upper, 110, 130, verdictViolating},
		{"upper cleared", upper, 70, 90, verdictCleared},
		{"upper straddling", upper, 95, 105, verdictIndeterminate},
		{"upper touching from below", upper, 90, 100, verdictIndeterminate},
		{"upper touching from above", upper, 100, 110, verdictIndeterminate},
		{"lower violating", lower, 0.5, 0.7, verdictViolating},
		{"lower cleared", lower, 0.95, 0.99, verdictCleared},
		{"lower straddling", lower, 0.85, 0.95, verdictIndeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := metrics.ConfidenceReport{Low: tt.low, High: tt.high}
			assert.Equal(t, tt.want, classify(rep, tt.threshold))
		})
	}
}

func TestHistory_Capped(t *testing.T) {
	ctl, _, _ := newTestController(t, func(cfg *config.Config) {
		cfg.Controller.HistoryCapacity = 3
	})
	ctx := context.Background()
	ms := ctl.stateFor(config.MetricLatencyMS)

	steps := []State{StateViolationDetected, StateActionApplied, StateEvaluating, StateUnresolved, StateEscalated}
	for i, to := range steps {
		ctl.transition(ctx, ms, config.MetricLatencyMS, to, float64(100+i), ActionRecord{})
	}

	hist := ctl.History()
	require.Len(t, hist, 3)
	assert.Equal(t, StateEvaluating, hist[0].To)
	assert.Equal(t, StateEscalated, hist[2].To)
}

func TestOutcomes_ReturnsCopy(t *testing.T) {
	ctl, _, _ := newTestController(t)
	ctl.outcomes.record(config.MetricLatencyMS, ActionShrinkBudgets, false)

	out := ctl.Outcomes()
	out[config.MetricLatencyMS][ActionShrinkBudgets] = ActionStats{Successes: 99}

	assert.Equal(t, 1, ctl.Outcomes()[config.MetricLatencyMS][ActionShrinkBudgets].Failures)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctl, _, rec := newTestController(t, func(cfg *config.Config) {
		cfg.Controller.Interval = config.Duration(5 * time.Millisecond)
	})
	fill(t, rec, config.MetricLatencyMS, 50, 40)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctl.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}
