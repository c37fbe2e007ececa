package metrics

import "errors"

var (
	// ErrInsufficientData is returned when a confidence interval is requested
	// before the metric has accumulated the minimum sample count.
	ErrInsufficientData = errors.New("insufficient data for confidence interval")

	// ErrUnknownMetric is returned for metrics that have never been recorded.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrInvalidLevel is returned for confidence levels without a critical value.
	ErrInvalidLevel = errors.New("unsupported confidence level")

	// ErrInvalidSample is returned for empty metric names or non-finite values.
	ErrInvalidSample = errors.New("invalid metric sample")
)
