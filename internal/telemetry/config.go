// Package telemetry sets up OpenTelemetry for the bridge library and for
// federationd. Spans go to an OTLP/HTTP collector; metrics go either to the
// collector or to a Prometheus registry that federationd serves on /metrics.
package telemetry

import (
	"errors"
	"fmt"
)

const (
	// DefaultServiceName names the service when the config leaves it blank
	DefaultServiceName = "minimint-bridge"

	// DefaultEndpoint is the local OTLP/HTTP collector
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling keeps one trace in twenty
	DefaultSampling = 0.05

	// ExporterOTLP pushes metrics to the collector
	ExporterOTLP = "otlp"

	// ExporterPrometheus registers metrics for scraping
	ExporterPrometheus = "prometheus"
)

// Config is the `telemetry:` block of the federationd configuration
type Config struct {
	Enabled        bool           `yaml:"enabled"`
	ServiceName    string         `yaml:"serviceName,omitempty"`
	ServiceVersion string         `yaml:"serviceVersion,omitempty"`
	Endpoint       string         `yaml:"endpoint,omitempty"` // host:port of the collector
	Insecure       bool           `yaml:"insecure,omitempty"` // plain HTTP to the collector
	Tracing        *TracingConfig `yaml:"tracing,omitempty"`
	Metrics        *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig is the `telemetry.tracing:` block
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Sampling is a ratio in [0, 1]; unset means DefaultSampling
	Sampling *float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig is the `telemetry.metrics:` block
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter,omitempty"`
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetServiceName returns the configured service name or DefaultServiceName
func (c *Config) GetServiceName() string { return orDefault(c.ServiceName, DefaultServiceName) }

// GetServiceVersion returns the configured version or "unknown"
func (c *Config) GetServiceVersion() string { return orDefault(c.ServiceVersion, "unknown") }

// GetEndpoint returns the configured collector or DefaultEndpoint
func (c *Config) GetEndpoint() string { return orDefault(c.Endpoint, DefaultEndpoint) }

// GetSampling returns the sampling ratio, DefaultSampling when unset
func (c *TracingConfig) GetSampling() float64 {
	if c != nil && c.Sampling != nil {
		return *c.Sampling
	}
	return DefaultSampling
}

// GetExporter returns the metrics exporter, ExporterOTLP when unset
func (c *MetricsConfig) GetExporter() string {
	if c == nil {
		return ExporterOTLP
	}
	return orDefault(c.Exporter, ExporterOTLP)
}

func (c *Config) tracingOn() bool {
	return c != nil && c.Enabled && c.Tracing != nil && c.Tracing.Enabled
}

func (c *Config) metricsOn() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

// Validate reports every problem in an enabled configuration at once
func (c *Config) Validate() error {
	var errs []error
	if c.tracingOn() {
		if s := c.Tracing.GetSampling(); s < 0 || s > 1 {
			errs = append(errs, fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %g", s))
		}
	}
	if c.metricsOn() {
		if e := c.Metrics.GetExporter(); e != ExporterOTLP && e != ExporterPrometheus {
			errs = append(errs, fmt.Errorf("metrics: unknown exporter %q", e))
		}
	}
	return errors.Join(errs...)
}
