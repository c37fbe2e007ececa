// Package controller implements the adaptive feedback loop. It periodically
// checks each configured metric's confidence interval against its threshold,
// walks a per-metric state machine from violation through remediation, and
// mutates the engine's tunables one serialized action at a time. Every action
// is judged on the samples recorded after it; outcomes feed a per-metric
// success table that orders future candidates.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/metrics"
)

// verdict classifies a confidence interval against a threshold.
type verdict int

const (
	verdictIndeterminate verdict = iota // interval straddles the threshold
	verdictViolating
	verdictCleared
)

// Controller drives the remediation state machine for every configured
// metric threshold.
//
// Run, Cycle and TriggerAction serialize through actionMu: at most one
// corrective action is ever in flight, and a trigger that loses the race gets
// ErrActionConflict. metricState fields are written only while holding both
// actionMu and mu; Status, StatusFor and History read them under mu.
type Controller struct {
	cfg      *config.Config
	recorder *metrics.Recorder
	tunables Tunables
	logger   *logging.Logger

	level   float64
	step    float64
	floor   int
	limiter *rate.Limiter

	actionMu sync.Mutex

	mu      sync.RWMutex
	states  map[string]*metricState
	history []ActionRecord

	outcomes *actionTable
}

type metricState struct {
	state    State
	since    time.Time
	attempts int
	action   Action
	actionAt time.Time
	tried    map[Action]bool
}

// New creates a Controller from configuration.
func New(cfg *config.Config, rec *metrics.Recorder, tun Tunables, logger *logging.Logger) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if rec == nil {
		return nil, errors.New("recorder is required")
	}
	if tun == nil {
		return nil, errors.New("tunables are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Controller{
		cfg:      cfg,
		recorder: rec,
		tunables: tun,
		logger:   logger.Named("controller"),
		level:    cfg.Metrics.ConfidenceLevel,
		step:     cfg.Controller.Step,
		floor:    cfg.Controller.BudgetFloor,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Controller.ActionsPerMinute/60), cfg.Controller.ActionBurst),
		states:   make(map[string]*metricState),
		outcomes: newActionTable(),
	}, nil
}

// Run drives periodic evaluation until the context is canceled.
func (c *Controller) Run(ctx context.Context) error {
	interval := c.cfg.Controller.Interval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info(ctx, "adaptive controller started",
		zap.Duration("interval", interval),
		zap.Int("thresholds", len(c.cfg.Controller.Thresholds)),
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, "adaptive controller stopped")
			return nil
		case <-ticker.C:
			if err := c.Cycle(ctx); err != nil {
				c.logger.Info(ctx, "adaptive controller stopped")
				return nil
			}
		}
	}
}

// Cycle evaluates every configured threshold once. It returns the context
// error when canceled mid-pass; evaluation problems are handled per metric
// and never abort the cycle.
func (c *Controller) Cycle(ctx context.Context) error {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	cyclesTotal.Inc()
	for _, t := range c.cfg.Controller.Thresholds {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.evaluate(ctx, t)
	}
	return nil
}

// TriggerAction evaluates one metric immediately, outside the periodic cycle.
// Actions are strictly serialized: a trigger that races the cycle or another
// trigger returns ErrActionConflict instead of queueing.
func (c *Controller) TriggerAction(ctx context.Context, metric string) (MetricStatus, error) {
	t, ok := c.cfg.ThresholdFor(metric)
	if !ok {
		return MetricStatus{}, fmt.Errorf("metric %q: %w", metric, ErrNoThreshold)
	}
	if !c.actionMu.TryLock() {
		return MetricStatus{}, ErrActionConflict
	}
	defer c.actionMu.Unlock()

	c.evaluate(ctx, t)
	return c.StatusFor(metric), nil
}

// evaluate advances one metric's state machine by one step. Callers hold
// actionMu.
func (c *Controller) evaluate(ctx context.Context, t config.MetricThreshold) {
	ms := c.stateFor(t.Metric)

	switch ms.state {
	case StateNormal, StateResolved:
		rep, err := c.recorder.ConfidenceInterval(t.Metric, c.level)
		if err != nil {
			c.logger.Debug(ctx, "metric not evaluated",
				zap.String("metric", t.Metric), zap.Error(err))
			return
		}
		if classify(rep, t) != verdictViolating {
			if ms.state == StateResolved {
				c.transition(ctx, ms, t.Metric, StateNormal, rep.Mean, ActionRecord{})
			}
			return
		}
		c.mu.Lock()
		ms.attempts = 0
		ms.tried = make(map[Action]bool)
		c.mu.Unlock()
		c.transition(ctx, ms, t.Metric, StateViolationDetected, rep.Mean, ActionRecord{})
		c.remediate(ctx, ms, t, rep)

	case StateViolationDetected, StateUnresolved:
		// A violation is standing but no action is being evaluated: the last
		// attempt was rate-limited, failed to apply, or was judged unresolved.
		rep, err := c.recorder.ConfidenceInterval(t.Metric, c.level)
		if err != nil {
			return
		}
		if classify(rep, t) == verdictCleared {
			c.transition(ctx, ms, t.Metric, StateNormal, rep.Mean,
				ActionRecord{Change: "cleared without action"})
			return
		}
		c.remediate(ctx, ms, t, rep)

	case StateEvaluating:
		rep, err := c.recorder.ConfidenceIntervalSince(t.Metric, c.level, ms.actionAt)
		if err != nil {
			// Not enough post-action samples yet.
			c.logger.Debug(ctx, "remediation still settling",
				zap.String("metric", t.Metric), zap.Error(err))
			return
		}
		switch classify(rep, t) {
		case verdictCleared:
			c.outcomes.record(t.Metric, ms.action, true)
			actionsTotal.WithLabelValues(t.Metric, string(ms.action), "resolved").Inc()
			c.transition(ctx, ms, t.Metric, StateResolved, rep.Mean,
				ActionRecord{Action: ms.action, Attempt: ms.attempts})
		case verdictViolating:
			c.outcomes.record(t.Metric, ms.action, false)
			actionsTotal.WithLabelValues(t.Metric, string(ms.action), "unresolved").Inc()
			c.transition(ctx, ms, t.Metric, StateUnresolved, rep.Mean,
				ActionRecord{Action: ms.action, Attempt: ms.attempts})
			if ms.attempts >= c.cfg.Controller.MaxRetries {
				c.escalate(ctx, ms, t.Metric, rep.Mean, "retry budget exhausted")
				return
			}
			c.remediate(ctx, ms, t, rep)
		default:
			// Interval straddles the threshold; keep waiting.
		}

	case StateEscalated:
		rep, err := c.recorder.ConfidenceInterval(t.Metric, c.level)
		if err != nil {
			return
		}
		if classify(rep, t) == verdictCleared {
			c.transition(ctx, ms, t.Metric, StateNormal, rep.Mean,
				ActionRecord{Change: "recovered after escalation"})
		}
	}
}

// remediate picks the best untried candidate for the violated metric and
// applies it. Rate limiting defers to the next cycle without consuming an
// attempt; an apply failure consumes one and can escalate.
func (c *Controller) remediate(ctx context.Context, ms *metricState, t config.MetricThreshold, rep metrics.ConfidenceReport) {
	action, ok := c.nextAction(t.Metric, t.Direction, ms.tried)
	if !ok {
		c.escalate(ctx, ms, t.Metric, rep.Mean, "remediation candidates exhausted")
		return
	}
	if !c.limiter.Allow() {
		actionsTotal.WithLabelValues(t.Metric, string(action), "rate_limited").Inc()
		c.logger.Warn(ctx, "corrective action rate-limited",
			zap.String("metric", t.Metric),
			zap.String("action", string(action)),
		)
		return
	}
	if ms.attempts > 0 {
		backoff := c.cfg.Controller.BackoffBase.Duration() << (ms.attempts - 1)
		if !c.sleep(ctx, backoff) {
			return
		}
	}

	c.mu.Lock()
	ms.attempts++
	ms.tried[action] = true
	c.mu.Unlock()

	change, err := c.apply(action)
	if err != nil {
		c.outcomes.record(t.Metric, action, false)
		actionsTotal.WithLabelValues(t.Metric, string(action), "failed").Inc()
		c.logger.Warn(ctx, "corrective action failed",
			zap.String("metric", t.Metric),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		c.transition(ctx, ms, t.Metric, ms.state, rep.Mean, ActionRecord{
			Action:  action,
			Attempt: ms.attempts,
			Error:   err.Error(),
		})
		if ms.attempts >= c.cfg.Controller.MaxRetries {
			c.escalate(ctx, ms, t.Metric, rep.Mean, "retry budget exhausted")
		}
		return
	}

	c.mu.Lock()
	ms.action = action
	ms.actionAt = time.Now()
	c.mu.Unlock()

	actionsTotal.WithLabelValues(t.Metric, string(action), "applied").Inc()
	c.transition(ctx, ms, t.Metric, StateActionApplied, rep.Mean, ActionRecord{
		Action:  action,
		Change:  change,
		Attempt: ms.attempts,
	})
	c.transition(ctx, ms, t.Metric, StateEvaluating, rep.Mean, ActionRecord{Action: action})
}

// nextAction returns the best-ranked candidate not yet tried this episode.
func (c *Controller) nextAction(metric, direction string, tried map[Action]bool) (Action, bool) {
	for _, a := range c.outcomes.ranked(metric, candidatesFor(metric, direction)) {
		if !tried[a] {
			return a, true
		}
	}
	return "", false
}

// escalate parks the metric in ESCALATED: no further automatic actions until
// the violation clears on its own. The error log line is the operator
// hand-off.
func (c *Controller) escalate(ctx context.Context, ms *metricState, metric string, mean float64, why string) {
	escalationsTotal.WithLabelValues(metric).Inc()
	c.transition(ctx, ms, metric, StateEscalated, mean, ActionRecord{Change: why})
	c.logger.Error(ctx, "violation escalated",
		zap.String("metric", metric),
		zap.Float64("mean", mean),
		zap.Int("attempts", ms.attempts),
		zap.String("reason", why),
	)
}

// transition moves a metric to a new state and appends a history record. A
// record whose target equals the current state (a failed apply) is appended
// without a state change.
func (c *Controller) transition(ctx context.Context, ms *metricState, metric string, to State, mean float64, rec ActionRecord) {
	from := ms.state
	rec.At = time.Now()
	rec.Metric = metric
	rec.From = from
	rec.To = to
	rec.Mean = mean

	c.mu.Lock()
	if to != from {
		ms.state = to
		ms.since = rec.At
	}
	c.history = append(c.history, rec)
	if limit := c.cfg.Controller.HistoryCapacity; len(c.history) > limit {
		c.history = c.history[len(c.history)-limit:]
	}
	c.mu.Unlock()

	if to == from {
		return
	}
	transitionsTotal.WithLabelValues(metric, string(to)).Inc()
	c.logger.Info(ctx, "metric state changed",
		zap.String("metric", metric),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Float64("mean", mean),
		zap.String("action", string(rec.Action)),
	)
}

// classify judges an interval against a threshold. Both directions are
// conservative: a violation needs the whole interval past the threshold, a
// clearance needs the whole interval inside it, and anything straddling is
// indeterminate.
func classify(rep metrics.ConfidenceReport, t config.MetricThreshold) verdict {
	switch t.Direction {
	case config.DirectionUpper:
		if rep.Low > t.Value {
			return verdictViolating
		}
		if rep.High < t.Value {
			return verdictCleared
		}
	case config.DirectionLower:
		if rep.High < t.Value {
			return verdictViolating
		}
		if rep.Low > t.Value {
			return verdictCleared
		}
	}
	return verdictIndeterminate
}

// stateFor returns the tracked state for a metric, creating it on first use.
func (c *Controller) stateFor(metric string) *metricState {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, ok := c.states[metric]
	if !ok {
		ms = &metricState{state: StateNormal, since: time.Now(), tried: make(map[Action]bool)}
		c.states[metric] = ms
	}
	return ms
}

// sleep waits for d or until the context ends; it reports whether the full
// wait elapsed.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Status reports every tracked metric's lifecycle position, sorted by name.
func (c *Controller) Status() []MetricStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]MetricStatus, 0, len(c.states))
	for metric, ms := range c.states {
		out = append(out, MetricStatus{
			Metric:     metric,
			State:      ms.state,
			Attempts:   ms.attempts,
			LastAction: ms.action,
			Since:      ms.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// StatusFor reports one metric's lifecycle position. A metric that has never
// been evaluated reports NORMAL.
func (c *Controller) StatusFor(metric string) MetricStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ms, ok := c.states[metric]
	if !ok {
		return MetricStatus{Metric: metric, State: StateNormal}
	}
	return MetricStatus{
		Metric:     metric,
		State:      ms.state,
		Attempts:   ms.attempts,
		LastAction: ms.action,
		Since:      ms.since,
	}
}

// History returns a copy of the transition history, oldest first.
func (c *Controller) History() []ActionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ActionRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Outcomes returns a copy of the per-metric action success table.
func (c *Controller) Outcomes() map[string]map[Action]ActionStats {
	return c.outcomes.snapshot()
}
