package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultMetricsInterval is the OTLP metrics push period
const DefaultMetricsInterval = time.Minute

// NewTracerProvider builds an OTLP-exporting tracer provider and installs it,
// with the W3C propagators, as the process-wide default. When tracing is off
// the result is a no-op provider and globals are untouched.
func NewTracerProvider(ctx context.Context, cfg *Config) (trace.TracerProvider, error) {
	if !cfg.tracingOn() {
		slog.Debug("Tracing off")
		return tracenoop.NewTracerProvider(), nil
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exportOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.GetEndpoint())}
	if cfg.Insecure {
		exportOpts = append(exportOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	ratio := cfg.Tracing.GetSampling()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	slog.Info("Tracing on", "endpoint", cfg.GetEndpoint(), "sampling_ratio", ratio, "insecure", cfg.Insecure)
	return tp, nil
}

// NewMeterProvider builds a meter provider reading into the configured
// exporter. Prometheus metrics land on registerer, or the default registerer
// when nil. When metrics are off the result is a no-op provider.
func NewMeterProvider(
	ctx context.Context,
	cfg *Config,
	registerer prometheus.Registerer,
) (metric.MeterProvider, error) {
	if !cfg.metricsOn() {
		slog.Debug("Metrics off")
		return metricnoop.NewMeterProvider(), nil
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reader, err := metricReader(ctx, cfg, registerer)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	slog.Info("Metrics on", "exporter", cfg.Metrics.GetExporter())
	return mp, nil
}

func metricReader(ctx context.Context, cfg *Config, registerer prometheus.Registerer) (sdkmetric.Reader, error) {
	if cfg.Metrics.GetExporter() == ExporterPrometheus {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		exporter, err := otelprom.New(otelprom.WithRegisterer(registerer))
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		return exporter, nil
	}

	exportOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.GetEndpoint())}
	if cfg.Insecure {
		exportOpts = append(exportOpts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(DefaultMetricsInterval)), nil
}

// serviceResource uses resource.New rather than merging with
// resource.Default, whose schema URL may differ from semconv's.
func serviceResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.GetServiceName()),
			semconv.ServiceVersion(cfg.GetServiceVersion()),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
