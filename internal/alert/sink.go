package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/logging"
)

// Sink receives raised alerts. Delivery beyond the process boundary (pagers,
// chat, email) is out of scope here; implementations decide what to do with
// each alert.
type Sink interface {
	Deliver(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to the process log: warnings at WARN, criticals at
// ERROR.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSink{logger: logger.Named("alerts")}
}

// Deliver logs one alert. It never fails.
func (s *LogSink) Deliver(ctx context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("metric", a.Metric),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
		zap.String("direction", a.Direction),
		zap.String("recommended", a.Recommended),
	}
	if a.Level == LevelCritical {
		s.logger.Error(ctx, "critical threshold breached", fields...)
		return nil
	}
	s.logger.Warn(ctx, "warning threshold breached", fields...)
	return nil
}
