package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, "unknown", cfg.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())

	cfg = &Config{ServiceName: "federationd", ServiceVersion: "v1.0.0", Endpoint: "otel:4318"}
	assert.Equal(t, "federationd", cfg.GetServiceName())
	assert.Equal(t, "v1.0.0", cfg.GetServiceVersion())
	assert.Equal(t, "otel:4318", cfg.GetEndpoint())
}

func TestTracingConfig_GetSampling(t *testing.T) {
	t.Parallel()

	var nilCfg *TracingConfig
	assert.Equal(t, DefaultSampling, nilCfg.GetSampling())
	assert.Equal(t, DefaultSampling, (&TracingConfig{}).GetSampling())
	assert.Equal(t, 0.0, (&TracingConfig{Sampling: ptr(0.0)}).GetSampling())
	assert.Equal(t, 1.0, (&TracingConfig{Sampling: ptr(1.0)}).GetSampling())
}

func TestMetricsConfig_GetExporter(t *testing.T) {
	t.Parallel()

	var nilCfg *MetricsConfig
	assert.Equal(t, ExporterOTLP, nilCfg.GetExporter())
	assert.Equal(t, ExporterOTLP, (&MetricsConfig{}).GetExporter())
	assert.Equal(t, ExporterPrometheus, (&MetricsConfig{Exporter: ExporterPrometheus}).GetExporter())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{
			name:   "nil config is valid",
			config: nil,
		},
		{
			name: "disabled config is not checked",
			config: &Config{
				Enabled: false,
				Tracing: &TracingConfig{Enabled: true, Sampling: ptr(5.0)},
			},
		},
		{
			name: "valid full config",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: ptr(0.5)},
				Metrics: &MetricsConfig{Enabled: true, Exporter: ExporterPrometheus},
			},
		},
		{
			name: "sampling above one",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: ptr(1.5)},
			},
			wantErr: "sampling must be between 0.0 and 1.0",
		},
		{
			name: "negative sampling",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: ptr(-0.1)},
			},
			wantErr: "sampling must be between 0.0 and 1.0",
		},
		{
			name: "unknown exporter",
			config: &Config{
				Enabled: true,
				Metrics: &MetricsConfig{Enabled: true, Exporter: "statsd"},
			},
			wantErr: `unknown exporter "statsd"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
