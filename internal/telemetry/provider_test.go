package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()

	res, err := newResource(cfg)
	require.NoError(t, err)
	require.NotNil(t, res)

	attrs := res.Attributes()
	var foundServiceName bool
	for _, attr := range attrs {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, cfg.ServiceName, attr.Value.AsString())
			foundServiceName = true
		}
	}
	assert.True(t, foundServiceName, "service.name attribute not found")
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"https://collector:4318", "collector:4318"},
		{"http://localhost:4318", "localhost:4318"},
		{"localhost:4317", "localhost:4317"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, stripScheme(tt.endpoint))
	}
}

func TestProviderOptions(t *testing.T) {
	topts := &tracerProviderOptions{}
	assert.Nil(t, topts.exporter)
	WithTraceExporter(nil)(topts)
	assert.Nil(t, topts.exporter)

	mopts := &meterProviderOptions{}
	assert.Nil(t, mopts.exporter)
	WithMetricExporter(nil)(mopts)
	assert.Nil(t, mopts.exporter)
}
