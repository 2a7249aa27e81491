package bridge

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluttermint/minimint-bridge/internal/httpclient"
)

// Option configures a Bridge
type Option func(*Bridge)

// WithSyncInterval sets the pause between background sync passes
func WithSyncInterval(interval time.Duration) Option {
	return func(b *Bridge) {
		if interval > 0 {
			b.syncInterval = interval
		}
	}
}

// WithWorkers sets the size of the execution engine
func WithWorkers(n int) Option {
	return func(b *Bridge) {
		b.workers = n
	}
}

// WithHTTPTimeout sets the timeout of federation requests. Ignored when
// WithHTTPClient is also given.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.httpTimeout = timeout
		}
	}
}

// WithHTTPClient sets the client used to reach federations
func WithHTTPClient(client httpclient.Client) Option {
	return func(b *Bridge) {
		b.httpClient = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMeterProvider enables operation and sync metrics
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(b *Bridge) {
		b.meterProvider = provider
	}
}

// WithTracerProvider enables tracing of bridge and client operations
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(b *Bridge) {
		b.tracerProvider = provider
	}
}

// WithClock sets the time source used for payment status and timestamps
func WithClock(clock func() time.Time) Option {
	return func(b *Bridge) {
		if clock != nil {
			b.clock = clock
		}
	}
}
