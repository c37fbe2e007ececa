// Package report schedules the periodic operational jobs: an alert sweep
// that classifies current metric statistics against the configured rules and
// delivers every breach to the sink, and an occupancy digest that logs how
// full each store layer is. Both jobs read shared state through snapshots
// and never mutate it.
package report

import (
	"context"
	"errors"
	"fmt"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/alert"
	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/metrics"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// Reporter owns the scheduled sweep and digest jobs.
type Reporter struct {
	cfg      *config.Config
	recorder *metrics.Recorder
	store    *store.Store
	manager  *alert.Manager
	sink     alert.Sink
	logger   *logging.Logger
}

// New creates a Reporter from configuration. A nil sink falls back to the
// log-backed sink.
func New(cfg *config.Config, rec *metrics.Recorder, st *store.Store, mgr *alert.Manager, sink alert.Sink, logger *logging.Logger) (*Reporter, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if rec == nil {
		return nil, errors.New("recorder is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if mgr == nil {
		return nil, errors.New("alert manager is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if sink == nil {
		sink = alert.NewLogSink(logger)
	}

	return &Reporter{
		cfg:      cfg,
		recorder: rec,
		store:    st,
		manager:  mgr,
		sink:     sink,
		logger:   logger.Named("report"),
	}, nil
}

// Run registers both jobs on their configured schedules and blocks until the
// context is canceled, then waits for any in-flight job to finish.
func (r *Reporter) Run(ctx context.Context) error {
	c := rcron.New()
	if _, err := c.AddFunc(r.cfg.Report.AlertSchedule, func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("alert schedule %q: %w", r.cfg.Report.AlertSchedule, err)
	}
	if _, err := c.AddFunc(r.cfg.Report.DigestSchedule, func() { r.Digest(ctx) }); err != nil {
		return fmt.Errorf("digest schedule %q: %w", r.cfg.Report.DigestSchedule, err)
	}

	c.Start()
	r.logger.Info(ctx, "report scheduler started",
		zap.String("alert_schedule", r.cfg.Report.AlertSchedule),
		zap.String("digest_schedule", r.cfg.Report.DigestSchedule),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info(ctx, "report scheduler stopped")
	return nil
}

// Sweep runs one alert pass: classify the recorder's current statistics and
// deliver each breach to the sink. Delivery failures are logged and counted,
// never propagated; the sweep itself must not miss its next slot.
func (r *Reporter) Sweep(ctx context.Context) []alert.Alert {
	sweepsTotal.Inc()

	alerts := r.manager.Check(r.recorder.Snapshot())
	if len(alerts) == 0 {
		return nil
	}

	for _, a := range alerts {
		if err := r.sink.Deliver(ctx, a); err != nil {
			deliveryFailures.WithLabelValues(a.Metric).Inc()
			r.logger.Warn(ctx, "alert delivery failed",
				zap.String("metric", a.Metric),
				zap.String("level", string(a.Level)),
				zap.Error(err),
			)
		}
	}

	r.logger.Info(ctx, "alert sweep completed",
		zap.Int("alerts", len(alerts)),
		zap.String("report", r.manager.Report(alerts)),
	)
	return alerts
}

// Digest logs one line summarizing per-layer occupancy against budget.
func (r *Reporter) Digest(ctx context.Context) {
	digestsTotal.Inc()

	fields := make([]zap.Field, 0, len(store.Layers)*3)
	for _, layer := range store.Layers {
		occ := r.store.Occupancy(layer)
		budget := r.store.Budget(layer)
		fields = append(fields,
			zap.Int(string(layer)+"_tokens", occ),
			zap.Int(string(layer)+"_budget", budget),
			zap.Int(string(layer)+"_units", r.store.UnitCount(layer)),
		)
	}
	r.logger.Info(ctx, "store occupancy digest", fields...)
}
