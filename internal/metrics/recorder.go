// Package metrics implements the bounded-window metrics recorder: lock-free
// per-metric sample rings and confidence-interval queries over snapshots.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/budgetd/internal/config"
)

const meterName = "github.com/fyrsmithlabs/budgetd/internal/metrics"

// Sample is one recorded measurement.
type Sample struct {
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// ConfidenceReport is the result of a confidence-interval query.
type ConfidenceReport struct {
	Metric string  `json:"metric"`
	Level  float64 `json:"level"`
	Mean   float64 `json:"mean"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
	N      int     `json:"n"`
}

// Stat summarizes one metric's current window for alert checks.
type Stat struct {
	Mean float64 `json:"mean"`
	N    int     `json:"n"`
	Last float64 `json:"last"`
}

// zCritical maps supported confidence levels to normal critical values.
var zCritical = map[float64]float64{
	0.90: 1.645,
	0.95: 1.960,
	0.99: 2.576,
}

// Recorder keeps a bounded FIFO window of samples per metric.
//
// Record is safe for many concurrent writers and never takes a lock on the
// append path: rings are created once per metric name via sync.Map, and the
// ring itself is atomic. Readers work on copies and never block writers.
type Recorder struct {
	rings      sync.Map // string -> *ring
	capacity   int
	minSamples int

	samples metric.Int64Counter
}

// NewRecorder creates a Recorder from configuration.
func NewRecorder(cfg *config.Config) (*Recorder, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Metrics.WindowCapacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", cfg.Metrics.WindowCapacity)
	}

	r := &Recorder{
		capacity:   cfg.Metrics.WindowCapacity,
		minSamples: cfg.Metrics.MinSamples,
	}

	var err error
	r.samples, err = otel.Meter(meterName).Int64Counter(
		"budgetd.metrics.samples",
		metric.WithDescription("Total number of metric samples recorded"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample counter: %w", err)
	}

	return r, nil
}

// Record appends a sample to the metric's window, evicting the oldest sample
// once the window is full.
func (r *Recorder) Record(name string, value float64) error {
	if name == "" || math.IsNaN(value) || math.IsInf(value, 0) {
		return ErrInvalidSample
	}

	rg := r.ringFor(name)
	rg.append(&Sample{Name: name, Value: value, At: time.Now()})

	r.samples.Add(context.Background(), 1, metric.WithAttributes(attribute.String("metric", name)))
	return nil
}

// ConfidenceInterval computes a confidence interval over the metric's current
// window. Returns ErrInsufficientData until the window holds the configured
// minimum sample count (default 30), and ErrInvalidLevel for levels other
// than 0.90, 0.95 and 0.99.
func (r *Recorder) ConfidenceInterval(name string, level float64) (ConfidenceReport, error) {
	return r.confidence(name, level, time.Time{})
}

// ConfidenceIntervalSince computes a confidence interval over only the samples
// recorded after the cutoff. The controller uses it to judge a remediation on
// post-action samples instead of the whole window.
func (r *Recorder) ConfidenceIntervalSince(name string, level float64, since time.Time) (ConfidenceReport, error) {
	return r.confidence(name, level, since)
}

func (r *Recorder) confidence(name string, level float64, since time.Time) (ConfidenceReport, error) {
	z, ok := zCritical[level]
	if !ok {
		return ConfidenceReport{}, fmt.Errorf("level %v: %w", level, ErrInvalidLevel)
	}

	v, ok := r.rings.Load(name)
	if !ok {
		return ConfidenceReport{}, fmt.Errorf("metric %q: %w", name, ErrUnknownMetric)
	}
	window := v.(*ring).snapshot()
	if !since.IsZero() {
		kept := window[:0]
		for _, s := range window {
			if s.At.After(since) {
				kept = append(kept, s)
			}
		}
		window = kept
	}

	n := len(window)
	if n < r.minSamples {
		return ConfidenceReport{}, fmt.Errorf("metric %q has %d of %d samples: %w",
			name, n, r.minSamples, ErrInsufficientData)
	}

	mean := 0.0
	for _, s := range window {
		mean += s.Value
	}
	mean /= float64(n)

	variance := 0.0
	for _, s := range window {
		d := s.Value - mean
		variance += d * d
	}
	variance /= float64(n - 1)

	margin := z * math.Sqrt(variance) / math.Sqrt(float64(n))

	return ConfidenceReport{
		Metric: name,
		Level:  level,
		Mean:   mean,
		Low:    mean - margin,
		High:   mean + margin,
		N:      n,
	}, nil
}

// Window returns a copy of the metric's current sample window, oldest first.
func (r *Recorder) Window(name string) []Sample {
	v, ok := r.rings.Load(name)
	if !ok {
		return nil
	}
	return v.(*ring).snapshot()
}

// Count returns the number of samples currently held for a metric.
func (r *Recorder) Count(name string) int {
	v, ok := r.rings.Load(name)
	if !ok {
		return 0
	}
	return v.(*ring).len()
}

// Snapshot summarizes every known metric for alert checks.
func (r *Recorder) Snapshot() map[string]Stat {
	out := make(map[string]Stat)
	r.rings.Range(func(key, value any) bool {
		window := value.(*ring).snapshot()
		if len(window) == 0 {
			return true
		}
		sum := 0.0
		for _, s := range window {
			sum += s.Value
		}
		out[key.(string)] = Stat{
			Mean: sum / float64(len(window)),
			N:    len(window),
			Last: window[len(window)-1].Value,
		}
		return true
	})
	return out
}

// MinSamples returns the configured minimum sample count for intervals.
func (r *Recorder) MinSamples() int {
	return r.minSamples
}

func (r *Recorder) ringFor(name string) *ring {
	if v, ok := r.rings.Load(name); ok {
		return v.(*ring)
	}
	v, _ := r.rings.LoadOrStore(name, newRing(r.capacity))
	return v.(*ring)
}
