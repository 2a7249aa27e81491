package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
)

const (
	// BridgeMetricsMeterName is the name used for the bridge operation meter
	BridgeMetricsMeterName = "github.com/fluttermint/minimint-bridge/bridge"

	// SyncMetricsMeterName is the name used for the background sync meter
	SyncMetricsMeterName = "github.com/fluttermint/minimint-bridge/sync"

	// FederationMetricsMeterName is the name used for the federation server meter
	FederationMetricsMeterName = "github.com/fluttermint/minimint-bridge/federation"
)

// Payment outcomes recorded by FederationMetrics.RecordPayment
const (
	OutcomeSettled      = "settled"
	OutcomeInsufficient = "insufficient_funds"
	OutcomeExpired      = "expired"
	OutcomeAlreadyPaid  = "already_paid"
	OutcomeRejected     = "rejected"
)

// errorKind labels an outcome without leaking error text into metric attributes
func errorKind(err error) string {
	if err == nil {
		return "none"
	}
	if kind := bridgeerr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "unknown"
}

// BridgeMetrics holds the instruments for synchronous bridge operations
type BridgeMetrics struct {
	operationDuration metric.Float64Histogram
	operationsTotal   metric.Int64Counter
	balance           metric.Int64Gauge
}

// NewBridgeMetrics creates a new BridgeMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewBridgeMetrics(provider metric.MeterProvider) (*BridgeMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(BridgeMetricsMeterName)

	operationDuration, err := meter.Float64Histogram(
		"minimint_bridge_operation_duration_seconds",
		metric.WithDescription("Duration of bridge operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	operationsTotal, err := meter.Int64Counter(
		"minimint_bridge_operations_total",
		metric.WithDescription("Total number of bridge operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	balance, err := meter.Int64Gauge(
		"minimint_bridge_balance_sats",
		metric.WithDescription("Last balance reported by the active client"),
		metric.WithUnit("{sat}"),
	)
	if err != nil {
		return nil, err
	}

	return &BridgeMetrics{
		operationDuration: operationDuration,
		operationsTotal:   operationsTotal,
		balance:           balance,
	}, nil
}

// RecordOperation records one completed bridge call and its error kind
func (m *BridgeMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
		attribute.String("error_kind", errorKind(err)),
	)
	m.operationDuration.Record(ctx, duration.Seconds(), attrs)
	m.operationsTotal.Add(ctx, 1, attrs)
}

// RecordBalance records the balance of the client bound to federationID
func (m *BridgeMetrics) RecordBalance(ctx context.Context, federationID string, sats uint64) {
	if m == nil {
		return
	}
	m.balance.Record(ctx, int64(sats), metric.WithAttributes(attribute.String("federation", federationID)))
}

// SyncMetrics holds the instruments for background synchronization
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
	syncFailures metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"minimint_bridge_sync_duration_seconds",
		metric.WithDescription("Duration of sync passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	syncFailures, err := meter.Int64Counter(
		"minimint_bridge_sync_failures_total",
		metric.WithDescription("Total number of failed sync passes"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
		syncFailures: syncFailures,
	}, nil
}

// RecordSync records the duration of one sync pass for a federation
func (m *SyncMetrics) RecordSync(ctx context.Context, federationID string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("federation", federationID),
		attribute.Bool("success", err == nil),
	}
	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		m.syncFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("federation", federationID),
			attribute.String("error_kind", errorKind(err)),
		))
	}
}

// FederationMetrics holds the instruments of the federation server ledger
type FederationMetrics struct {
	invoicesIssued    metric.Int64Counter
	payments          metric.Int64Counter
	paymentVolume     metric.Int64Counter
	clientsRegistered metric.Int64Counter
}

// NewFederationMetrics creates a new FederationMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewFederationMetrics(provider metric.MeterProvider) (*FederationMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(FederationMetricsMeterName)

	invoicesIssued, err := meter.Int64Counter(
		"minimint_federation_invoices_issued_total",
		metric.WithDescription("Total number of invoices issued"),
		metric.WithUnit("{invoice}"),
	)
	if err != nil {
		return nil, err
	}

	payments, err := meter.Int64Counter(
		"minimint_federation_payments_total",
		metric.WithDescription("Total number of payment attempts by outcome"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, err
	}

	paymentVolume, err := meter.Int64Counter(
		"minimint_federation_payment_volume_sats_total",
		metric.WithDescription("Total amount of settled payments"),
		metric.WithUnit("{sat}"),
	)
	if err != nil {
		return nil, err
	}

	clientsRegistered, err := meter.Int64Counter(
		"minimint_federation_clients_registered_total",
		metric.WithDescription("Total number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, err
	}

	return &FederationMetrics{
		invoicesIssued:    invoicesIssued,
		payments:          payments,
		paymentVolume:     paymentVolume,
		clientsRegistered: clientsRegistered,
	}, nil
}

// RecordInvoiceIssued counts an invoice created for a client
func (m *FederationMetrics) RecordInvoiceIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.invoicesIssued.Add(ctx, 1)
}

// RecordPayment counts a payment attempt. Settled payments add amount to the volume.
func (m *FederationMetrics) RecordPayment(ctx context.Context, outcome string, amount uint64) {
	if m == nil {
		return
	}
	m.payments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == OutcomeSettled {
		m.paymentVolume.Add(ctx, int64(amount))
	}
}

// RecordClientRegistered counts a newly registered client
func (m *FederationMetrics) RecordClientRegistered(ctx context.Context) {
	if m == nil {
		return
	}
	m.clientsRegistered.Add(ctx, 1)
}
