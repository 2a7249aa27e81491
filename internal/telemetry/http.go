package telemetry

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// HTTPMetricsMeterName is the meter federationd's HTTP instruments live on
	HTTPMetricsMeterName = "github.com/fluttermint/minimint-bridge/http"

	// TracerName is the tracer federationd's server spans are started on
	TracerName = "github.com/fluttermint/minimint-bridge/http"

	unknownRoute = "unknown_route"
)

// latencyBuckets covers a local payment round trip up to a slow guardian
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// HTTPMetrics counts and times requests served by the federation API
type HTTPMetrics struct {
	latency  metric.Float64Histogram
	served   metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the HTTP instruments on provider.
// A nil provider yields nil metrics, which Middleware treats as disabled.
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(HTTPMetricsMeterName)

	var (
		m   HTTPMetrics
		err error
	)
	if m.latency, err = meter.Float64Histogram("minimint_federation_http_request_duration_seconds",
		metric.WithDescription("Time taken to answer federation API requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.served, err = meter.Int64Counter("minimint_federation_http_requests_total",
		metric.WithDescription("Federation API requests answered"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.inFlight, err = meter.Int64UpDownCounter("minimint_federation_http_active_requests",
		metric.WithDescription("Federation API requests being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// Middleware observes each request, labelled by the chi route that matched it
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m.inFlight.Add(ctx, 1)
		snoop := httpsnoop.CaptureMetrics(next, w, r)
		m.inFlight.Add(ctx, -1)

		labels := metric.WithAttributeSet(attribute.NewSet(
			attribute.String("method", r.Method),
			attribute.String("route", routePattern(r)),
			attribute.String("status_code", strconv.Itoa(snoop.Code)),
		))
		m.latency.Record(ctx, snoop.Duration.Seconds(), labels)
		m.served.Add(ctx, 1, labels)
	})
}

// MetricsMiddleware returns the request-metrics middleware for provider
func MetricsMiddleware(provider metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	m, err := NewHTTPMetrics(provider)
	if err != nil {
		return nil, err
	}
	return m.Middleware, nil
}

// TracingMiddleware wraps every request in a server span. Incoming W3C trace
// headers become the span's parent. Only 5xx answers mark the span failed;
// rejected payments and unknown invoices are ordinary outcomes.
func TracingMiddleware(provider trace.TracerProvider) func(http.Handler) http.Handler {
	if provider == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	tracer := provider.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(parent, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			r = r.WithContext(ctx)
			snoop := httpsnoop.CaptureMetrics(next, w, r)

			// chi fills in the pattern while routing
			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPResponseStatusCode(snoop.Code),
			)
			if snoop.Code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(snoop.Code))
				return
			}
			span.SetStatus(codes.Ok, "")
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unknownRoute
}
