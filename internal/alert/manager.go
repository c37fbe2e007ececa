package alert

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/metrics"
)

// Manager evaluates alert rules over metric statistics.
type Manager struct {
	rules  []config.AlertRule
	logger *logging.Logger
}

// New creates a Manager from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	rules := make([]config.AlertRule, len(cfg.Alerts.Rules))
	copy(rules, cfg.Alerts.Rules)

	return &Manager{
		rules:  rules,
		logger: logger.Named("alert"),
	}, nil
}

// Check classifies each statistic against its rule. The critical tier wins
// over warning; metrics with no rule or no samples are skipped. Alerts come
// back ordered by metric name so repeated checks render stably.
func (m *Manager) Check(stats map[string]metrics.Stat) []Alert {
	now := time.Now().UTC()

	var alerts []Alert
	for _, rule := range m.rules {
		stat, ok := stats[rule.Metric]
		if !ok || stat.N == 0 {
			continue
		}

		level, threshold, breached := classify(rule, stat.Mean)
		if !breached {
			continue
		}

		alertsTotal.WithLabelValues(rule.Metric, string(level)).Inc()
		alerts = append(alerts, Alert{
			Level:       level,
			Metric:      rule.Metric,
			Value:       stat.Mean,
			Threshold:   threshold,
			Direction:   rule.Direction,
			Recommended: rule.Recommended,
			At:          now,
		})
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Metric < alerts[j].Metric })
	return alerts
}

// Report renders alerts as a short human-readable digest, one line per alert.
func (m *Manager) Report(alerts []Alert) string {
	if len(alerts) == 0 {
		return "all metrics within thresholds"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d threshold breach(es)\n", len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(&b, "[%s] %s: %s %s %s — %s\n",
			a.Level, a.Metric,
			FormatValue(a.Metric, a.Value),
			breachVerb(a.Direction),
			FormatValue(a.Metric, a.Threshold),
			a.Recommended,
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Rules returns a copy of the configured rules.
func (m *Manager) Rules() []config.AlertRule {
	out := make([]config.AlertRule, len(m.rules))
	copy(out, m.rules)
	return out
}

// classify resolves the tier a value lands in. Thresholds are inclusive on
// the breaching side.
func classify(rule config.AlertRule, value float64) (Level, float64, bool) {
	switch rule.Direction {
	case config.DirectionUpper:
		if value >= rule.Critical {
			return LevelCritical, rule.Critical, true
		}
		if value >= rule.Warning {
			return LevelWarning, rule.Warning, true
		}
	case config.DirectionLower:
		if value <= rule.Critical {
			return LevelCritical, rule.Critical, true
		}
		if value <= rule.Warning {
			return LevelWarning, rule.Warning, true
		}
	}
	return "", 0, false
}

func breachVerb(direction string) string {
	if direction == config.DirectionLower {
		return "at or below"
	}
	return "at or above"
}
