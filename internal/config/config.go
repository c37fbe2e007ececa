// Package config provides configuration loading for budgetd.
//
// Configuration is loaded once at process start from defaults, an optional
// YAML file, and environment variable overrides. The resulting Config is
// treated as immutable; runtime tuning happens through the adaptive
// controller's serialized path, never by rewriting this object.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig marks any fatal configuration problem detected at startup,
// including a Core layer whose content cannot fit its budget.
var ErrInvalidConfig = errors.New("invalid configuration")

// CoreOverBudgetError reports Core content that cannot fit the configured
// Core budget even at maximum compression. Core is never evicted, so the
// only remedies are a larger budget or less always-active content; the error
// unwraps to ErrInvalidConfig and is fatal during startup seeding.
type CoreOverBudgetError struct {
	Needed int
	Budget int
}

func (e *CoreOverBudgetError) Error() string {
	return fmt.Sprintf("core content needs at least %d tokens, budget is %d: %v",
		e.Needed, e.Budget, ErrInvalidConfig)
}

func (e *CoreOverBudgetError) Unwrap() error { return ErrInvalidConfig }

// Metric direction constants. Upper-bound metrics violate when the observed
// mean rises above the threshold; lower-bound metrics violate when it falls
// below.
const (
	DirectionUpper = "upper"
	DirectionLower = "lower"
)

// Well-known metric names recorded by the engine and evaluated by the
// controller and alert manager.
const (
	MetricLatencyMS        = "latency_ms"
	MetricMemoryMB         = "memory_mb"
	MetricEfficiencyRatio  = "efficiency_ratio"
	MetricQualityRetention = "quality_retention"
	MetricSpeedupFactor    = "speedup_factor"
)

// Config holds the complete budgetd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Store       StoreConfig       `koanf:"store"`
	Policy      PolicyConfig      `koanf:"policy"`
	Compression CompressionConfig `koanf:"compression"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Controller  ControllerConfig  `koanf:"controller"`
	Alerts      AlertsConfig      `koanf:"alerts"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Report      ReportConfig      `koanf:"report"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure    bool   `koanf:"insecure"`
}

// StoreConfig holds layer budgets and relevance weighting.
//
// Budgets are token-equivalent units. Relevance for candidate ordering and
// eviction is w1*recency + w2*usage + w3*tag_match.
type StoreConfig struct {
	CoreBudget       int      `koanf:"core_budget"`
	ContextualBudget int      `koanf:"contextual_budget"`
	DeepBudget       int      `koanf:"deep_budget"`
	RecencyWeight    float64  `koanf:"recency_weight"`
	UsageWeight      float64  `koanf:"usage_weight"`
	TagWeight        float64  `koanf:"tag_weight"`
	RecencyHalfLife  Duration `koanf:"recency_half_life"`
}

// PolicyConfig holds layer activation thresholds and success pattern gating.
type PolicyConfig struct {
	ContextualThreshold int     `koanf:"contextual_threshold"`
	DeepThreshold       int     `koanf:"deep_threshold"`
	PatternSuccessBar   float64 `koanf:"pattern_success_bar"`
	PatternMinSamples   int     `koanf:"pattern_min_samples"`
}

// CompressionConfig holds per-strategy target ratios and quality thresholds,
// plus the per-request deadline bounding the strategy loop.
type CompressionConfig struct {
	TokenRatio          float64  `koanf:"token_ratio"`
	TokenQuality        float64  `koanf:"token_quality"`
	HierarchicalRatio   float64  `koanf:"hierarchical_ratio"`
	HierarchicalQuality float64  `koanf:"hierarchical_quality"`
	SemanticRatio       float64  `koanf:"semantic_ratio"`
	SemanticQuality     float64  `koanf:"semantic_quality"`
	Deadline            Duration `koanf:"deadline"`
}

// MaxRatio returns the most aggressive (smallest) configured target ratio.
// It defines the compression floor used for capacity checks.
func (c CompressionConfig) MaxRatio() float64 {
	min := c.TokenRatio
	if c.HierarchicalRatio < min {
		min = c.HierarchicalRatio
	}
	if c.SemanticRatio < min {
		min = c.SemanticRatio
	}
	return min
}

// MetricsConfig holds rolling window and confidence interval settings.
type MetricsConfig struct {
	WindowCapacity  int     `koanf:"window_capacity"`
	MinSamples      int     `koanf:"min_samples"`
	ConfidenceLevel float64 `koanf:"confidence_level"`
}

// MetricThreshold is one controller evaluation rule.
type MetricThreshold struct {
	Metric    string  `koanf:"metric"`
	Value     float64 `koanf:"value"`
	Direction string  `koanf:"direction"`
}

// ControllerConfig holds the adaptive controller's evaluation loop settings.
//
// Step is the fraction by which one corrective action nudges a tunable.
// BudgetFloor bounds how far budget-shrinking actions may go, in tokens.
type ControllerConfig struct {
	Interval         Duration          `koanf:"interval"`
	MaxRetries       int               `koanf:"max_retries"`
	BackoffBase      Duration          `koanf:"backoff_base"`
	ActionsPerMinute float64           `koanf:"actions_per_minute"`
	ActionBurst      int               `koanf:"action_burst"`
	Step             float64           `koanf:"step"`
	BudgetFloor      int               `koanf:"budget_floor"`
	HistoryCapacity  int               `koanf:"history_capacity"`
	Thresholds       []MetricThreshold `koanf:"thresholds"`
}

// AlertRule is one two-tier alerting rule, independent from the controller's
// thresholds.
type AlertRule struct {
	Metric      string  `koanf:"metric"`
	Direction   string  `koanf:"direction"`
	Warning     float64 `koanf:"warning"`
	Critical    float64 `koanf:"critical"`
	Recommended string  `koanf:"recommended"`
}

// AlertsConfig holds alert classification rules.
type AlertsConfig struct {
	Rules []AlertRule `koanf:"rules"`
}

// IngestConfig holds content ingestion settings.
type IngestConfig struct {
	Enabled       bool     `koanf:"enabled"`
	Dir           string   `koanf:"dir"`
	Debounce      Duration `koanf:"debounce"`
	Scrub         bool     `koanf:"scrub"`
	AllowlistPath string   `koanf:"allowlist_path"`
}

// ReportConfig holds cron schedules for the periodic alert sweep and the
// occupancy digest.
type ReportConfig struct {
	Enabled        bool   `koanf:"enabled"`
	AlertSchedule  string `koanf:"alert_schedule"`
	DigestSchedule string `koanf:"digest_schedule"`
}

// DefaultConfig returns the normative defaults. Every number the engine
// consumes lives here; nothing is hard-coded at use sites.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9092,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "budgetd",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
		},
		Store: StoreConfig{
			CoreBudget:       8000,
			ContextualBudget: 12000,
			DeepBudget:       15000,
			RecencyWeight:    0.5,
			UsageWeight:      0.3,
			TagWeight:        0.2,
			RecencyHalfLife:  Duration(30 * time.Minute),
		},
		Policy: PolicyConfig{
			ContextualThreshold: 4,
			DeepThreshold:       7,
			PatternSuccessBar:   0.8,
			PatternMinSamples:   5,
		},
		Compression: CompressionConfig{
			TokenRatio:          0.80,
			TokenQuality:        1.00,
			HierarchicalRatio:   0.60,
			HierarchicalQuality: 0.97,
			SemanticRatio:       0.40,
			SemanticQuality:     0.95,
			Deadline:            Duration(50 * time.Millisecond),
		},
		Metrics: MetricsConfig{
			WindowCapacity:  1000,
			MinSamples:      30,
			ConfidenceLevel: 0.95,
		},
		Controller: ControllerConfig{
			Interval:         Duration(30 * time.Second),
			MaxRetries:       3,
			BackoffBase:      Duration(100 * time.Millisecond),
			ActionsPerMinute: 6,
			ActionBurst:      2,
			Step:             0.10,
			BudgetFloor:      1000,
			HistoryCapacity:  1000,
			Thresholds: []MetricThreshold{
				{Metric: MetricLatencyMS, Value: 100, Direction: DirectionUpper},
				{Metric: MetricMemoryMB, Value: 512, Direction: DirectionUpper},
				{Metric: MetricEfficiencyRatio, Value: 0.7, Direction: DirectionLower},
				{Metric: MetricQualityRetention, Value: 0.95, Direction: DirectionLower},
				{Metric: MetricSpeedupFactor, Value: 1.0, Direction: DirectionLower},
			},
		},
		Alerts: AlertsConfig{
			Rules: []AlertRule{
				{Metric: MetricLatencyMS, Direction: DirectionUpper, Warning: 100, Critical: 200,
					Recommended: "reduce active layer budgets or raise compression aggressiveness"},
				{Metric: MetricMemoryMB, Direction: DirectionUpper, Warning: 512, Critical: 1024,
					Recommended: "shrink metric window capacity or lower the deep layer budget"},
				{Metric: MetricEfficiencyRatio, Direction: DirectionLower, Warning: 0.7, Critical: 0.5,
					Recommended: "review relevance weights; candidates may be poorly ranked"},
				{Metric: MetricQualityRetention, Direction: DirectionLower, Warning: 0.95, Critical: 0.90,
					Recommended: "prefer gentler compression strategies"},
				{Metric: MetricSpeedupFactor, Direction: DirectionLower, Warning: 1.0, Critical: 0.8,
					Recommended: "raise layer budgets; over-compression suspected"},
			},
		},
		Ingest: IngestConfig{
			Enabled:  true,
			Dir:      "",
			Debounce: Duration(500 * time.Millisecond),
			Scrub:    true,
		},
		Report: ReportConfig{
			Enabled:        true,
			AlertSchedule:  "@every 1m",
			DigestSchedule: "@every 5m",
		},
	}
}

// Validate validates the configuration.
//
// All violations are collected and reported together, wrapped in
// ErrInvalidConfig, so an operator sees the full list in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server shutdown timeout must be positive"))
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			errs = append(errs, errors.New("telemetry service name required when telemetry is enabled"))
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			errs = append(errs, fmt.Errorf("telemetry protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol))
		}
	}

	if c.Store.CoreBudget <= 0 {
		errs = append(errs, fmt.Errorf("core budget must be positive, got %d", c.Store.CoreBudget))
	}
	if c.Store.ContextualBudget <= 0 {
		errs = append(errs, fmt.Errorf("contextual budget must be positive, got %d", c.Store.ContextualBudget))
	}
	if c.Store.DeepBudget <= 0 {
		errs = append(errs, fmt.Errorf("deep budget must be positive, got %d", c.Store.DeepBudget))
	}
	if sum := c.Store.RecencyWeight + c.Store.UsageWeight + c.Store.TagWeight; sum <= 0 {
		errs = append(errs, fmt.Errorf("relevance weights must sum to a positive value, got %v", sum))
	}
	if c.Store.RecencyHalfLife.Duration() <= 0 {
		errs = append(errs, errors.New("recency half-life must be positive"))
	}

	if c.Policy.ContextualThreshold < 1 || c.Policy.ContextualThreshold > 10 {
		errs = append(errs, fmt.Errorf("contextual threshold must be 1-10, got %d", c.Policy.ContextualThreshold))
	}
	if c.Policy.DeepThreshold < 1 || c.Policy.DeepThreshold > 10 {
		errs = append(errs, fmt.Errorf("deep threshold must be 1-10, got %d", c.Policy.DeepThreshold))
	}
	if c.Policy.DeepThreshold < c.Policy.ContextualThreshold {
		errs = append(errs, fmt.Errorf("deep threshold %d cannot be below contextual threshold %d",
			c.Policy.DeepThreshold, c.Policy.ContextualThreshold))
	}
	if c.Policy.PatternSuccessBar <= 0 || c.Policy.PatternSuccessBar > 1 {
		errs = append(errs, fmt.Errorf("pattern success bar must be in (0,1], got %v", c.Policy.PatternSuccessBar))
	}
	if c.Policy.PatternMinSamples < 1 {
		errs = append(errs, fmt.Errorf("pattern min samples must be at least 1, got %d", c.Policy.PatternMinSamples))
	}

	ratios := map[string]float64{
		"token":        c.Compression.TokenRatio,
		"hierarchical": c.Compression.HierarchicalRatio,
		"semantic":     c.Compression.SemanticRatio,
	}
	for name, ratio := range ratios {
		if ratio <= 0 || ratio > 1 {
			errs = append(errs, fmt.Errorf("%s target ratio must be in (0,1], got %v", name, ratio))
		}
	}
	qualities := map[string]float64{
		"token":        c.Compression.TokenQuality,
		"hierarchical": c.Compression.HierarchicalQuality,
		"semantic":     c.Compression.SemanticQuality,
	}
	for name, q := range qualities {
		if q <= 0 || q > 1 {
			errs = append(errs, fmt.Errorf("%s quality threshold must be in (0,1], got %v", name, q))
		}
	}
	if c.Compression.Deadline.Duration() <= 0 {
		errs = append(errs, errors.New("compression deadline must be positive"))
	}

	if c.Metrics.WindowCapacity < 1 {
		errs = append(errs, fmt.Errorf("metrics window capacity must be at least 1, got %d", c.Metrics.WindowCapacity))
	}
	if c.Metrics.MinSamples < 2 {
		errs = append(errs, fmt.Errorf("metrics min samples must be at least 2, got %d", c.Metrics.MinSamples))
	}
	if c.Metrics.WindowCapacity < c.Metrics.MinSamples {
		errs = append(errs, fmt.Errorf("window capacity %d cannot be below min samples %d",
			c.Metrics.WindowCapacity, c.Metrics.MinSamples))
	}
	switch c.Metrics.ConfidenceLevel {
	case 0.90, 0.95, 0.99:
	default:
		errs = append(errs, fmt.Errorf("confidence level must be one of 0.90, 0.95, 0.99, got %v", c.Metrics.ConfidenceLevel))
	}

	if c.Controller.Interval.Duration() <= 0 {
		errs = append(errs, errors.New("controller interval must be positive"))
	}
	if c.Controller.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("controller max retries cannot be negative, got %d", c.Controller.MaxRetries))
	}
	if c.Controller.BackoffBase.Duration() <= 0 {
		errs = append(errs, errors.New("controller backoff base must be positive"))
	}
	if c.Controller.ActionsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("controller actions per minute must be positive, got %v", c.Controller.ActionsPerMinute))
	}
	if c.Controller.ActionBurst < 1 {
		errs = append(errs, fmt.Errorf("controller action burst must be at least 1, got %d", c.Controller.ActionBurst))
	}
	if c.Controller.Step <= 0 || c.Controller.Step > 0.5 {
		errs = append(errs, fmt.Errorf("controller step must be in (0,0.5], got %v", c.Controller.Step))
	}
	if c.Controller.BudgetFloor < 1 {
		errs = append(errs, fmt.Errorf("controller budget floor must be at least 1, got %d", c.Controller.BudgetFloor))
	}
	if c.Controller.HistoryCapacity < 1 {
		errs = append(errs, fmt.Errorf("controller history capacity must be at least 1, got %d", c.Controller.HistoryCapacity))
	}
	for i, t := range c.Controller.Thresholds {
		if t.Metric == "" {
			errs = append(errs, fmt.Errorf("controller threshold %d: metric name required", i))
		}
		if t.Direction != DirectionUpper && t.Direction != DirectionLower {
			errs = append(errs, fmt.Errorf("controller threshold %q: direction must be %q or %q, got %q",
				t.Metric, DirectionUpper, DirectionLower, t.Direction))
		}
	}

	for i, r := range c.Alerts.Rules {
		if r.Metric == "" {
			errs = append(errs, fmt.Errorf("alert rule %d: metric name required", i))
			continue
		}
		switch r.Direction {
		case DirectionUpper:
			if r.Critical < r.Warning {
				errs = append(errs, fmt.Errorf("alert rule %q: critical %v below warning %v for an upper-bound metric",
					r.Metric, r.Critical, r.Warning))
			}
		case DirectionLower:
			if r.Critical > r.Warning {
				errs = append(errs, fmt.Errorf("alert rule %q: critical %v above warning %v for a lower-bound metric",
					r.Metric, r.Critical, r.Warning))
			}
		default:
			errs = append(errs, fmt.Errorf("alert rule %q: direction must be %q or %q, got %q",
				r.Metric, DirectionUpper, DirectionLower, r.Direction))
		}
	}

	if c.Ingest.Enabled && c.Ingest.Debounce.Duration() <= 0 {
		errs = append(errs, errors.New("ingest debounce must be positive when ingest is enabled"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ThresholdFor returns the controller threshold for a metric, if configured.
func (c *Config) ThresholdFor(metric string) (MetricThreshold, bool) {
	for _, t := range c.Controller.Thresholds {
		if t.Metric == metric {
			return t, true
		}
	}
	return MetricThreshold{}, false
}
