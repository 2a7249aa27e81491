package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the pair of providers handed to the bridge and to federationd
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	shutdown       []func(context.Context) error
}

// Option configures New
type Option func(*options)

type options struct {
	config     *Config
	registerer prometheus.Registerer
}

// WithTelemetryConfig supplies the configuration; without it telemetry is off
func WithTelemetryConfig(cfg *Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithPrometheusRegisterer chooses the registry Prometheus metrics land on
func WithPrometheusRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) { o.registerer = registerer }
}

// New validates the configuration and builds both providers. Disabled parts
// get no-op providers. Shutdown must be called to flush exporters.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	t := &Telemetry{}

	tp, err := NewTracerProvider(ctx, o.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	t.tracerProvider = tp
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		t.shutdown = append(t.shutdown, sdk.Shutdown)
	}

	mp, err := NewMeterProvider(ctx, o.config, o.registerer)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}
	t.meterProvider = mp
	if sdk, ok := mp.(*sdkmetric.MeterProvider); ok {
		t.shutdown = append(t.shutdown, sdk.Shutdown)
	}

	if o.config != nil && o.config.Enabled {
		slog.Info("Telemetry ready",
			"service_name", o.config.GetServiceName(),
			"service_version", o.config.GetServiceVersion(),
		)
	}
	return t, nil
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider { return t.tracerProvider }

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meterProvider }

// Shutdown flushes and closes every SDK provider New created
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range t.shutdown {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown: %w", errors.Join(errs...))
	}
	return nil
}
