package alert

import (
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/budgetd/internal/config"
)

// FormatValue renders a metric value with its natural unit.
func FormatValue(metric string, v float64) string {
	switch metric {
	case config.MetricLatencyMS:
		return FormatLatency(v)
	case config.MetricMemoryMB:
		return FormatMemory(v)
	case config.MetricEfficiencyRatio, config.MetricQualityRetention:
		return FormatPercentage(v)
	case config.MetricSpeedupFactor:
		return fmt.Sprintf("%.2fx", v)
	default:
		return strconv.FormatFloat(v, 'g', 4, 64)
	}
}

// FormatLatency formats milliseconds as "X.Xms" or "X.Xs"
func FormatLatency(ms float64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.1fs", ms/1000)
	}
	return fmt.Sprintf("%.1fms", ms)
}

// FormatMemory formats megabytes as "X.X MB" or "X.X GB"
func FormatMemory(mb float64) string {
	if mb >= 1024 {
		return fmt.Sprintf("%.1f GB", mb/1024)
	}
	return fmt.Sprintf("%.1f MB", mb)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}
