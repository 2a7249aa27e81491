// Package otel holds the tracing helpers shared by the bridge and the federation server.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on bridge and federation spans
const (
	AttrOperation    = attribute.Key("bridge.operation")
	AttrFederationID = attribute.Key("federation.id")
	AttrClientID     = attribute.Key("federation.client_id")
	AttrPaymentHash  = attribute.Key("payment.hash")
	AttrAmount       = attribute.Key("payment.amount_sats")
	AttrGeneration   = attribute.Key("registry.generation")
	AttrResultCount  = attribute.Key("result.count")
)

// StartSpan starts a span on tracer, or returns the span already in ctx when
// tracer is nil so callers never need to check whether tracing is enabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed. The status text stays generic; the error
// itself is attached as an event. Nil spans and nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}

// End records err on span and ends it. Intended for use with a named error return:
//
//	ctx, span := otel.StartSpan(ctx, tracer, "mint.Pay")
//	defer func() { otel.End(span, err) }()
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	RecordError(span, err)
	span.End()
}
