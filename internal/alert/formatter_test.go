package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/budgetd/internal/config"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name   string
		metric string
		value  float64
		want   string
	}{
		{"latency ms", config.MetricLatencyMS, 150, "150.0ms"},
		{"latency seconds", config.MetricLatencyMS, 2500, "2.5s"},
		{"memory mb", config.MetricMemoryMB, 512, "512.0 MB"},
		{"memory gb", config.MetricMemoryMB, 2048, "2.0 GB"},
		{"efficiency", config.MetricEfficiencyRatio, 0.65, "65.0%"},
		{"quality", config.MetricQualityRetention, 0.97, "97.0%"},
		{"speedup", config.MetricSpeedupFactor, 1.25, "1.25x"},
		{"unknown metric", "custom_metric", 3.14159, "3.142"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatValue(tt.metric, tt.value))
		})
	}
}
