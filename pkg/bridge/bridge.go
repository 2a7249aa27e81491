// Package bridge exposes blocking operations over a federation client.
//
// A Bridge holds at most one active federation client. Every operation runs on
// the bridge's execution engine and blocks the caller until it has finished,
// so hosts without an event loop can call it like any other function. While a
// client is active, a background synchronizer polls the federation for
// settlements; it is stopped whenever the client is replaced or removed.
//
// The package level functions operate on a process-wide Bridge created on
// first use.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluttermint/minimint-bridge/internal/engine"
	"github.com/fluttermint/minimint-bridge/internal/httpclient"
	"github.com/fluttermint/minimint-bridge/internal/mint"
	"github.com/fluttermint/minimint-bridge/internal/otel"
	"github.com/fluttermint/minimint-bridge/internal/registry"
	"github.com/fluttermint/minimint-bridge/internal/store"
	"github.com/fluttermint/minimint-bridge/internal/synchronizer"
	"github.com/fluttermint/minimint-bridge/internal/telemetry"
	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
	"github.com/fluttermint/minimint-bridge/pkg/invoice"
	"github.com/fluttermint/minimint-bridge/pkg/ledger"
)

// TracerName is the name of the bridge tracer
const TracerName = "github.com/fluttermint/minimint-bridge/bridge"

// Operation names used in spans, metrics and errors
const (
	OpInit               = "init"
	OpJoinFederation     = "join_federation"
	OpLeaveFederation    = "leave_federation"
	OpDestroyClientState = "destroy_client_state"
	OpBalance            = "balance"
	OpPay                = "pay"
	OpInvoice            = "invoice"
	OpDecodeInvoice      = "decode_invoice"
	OpFetchPayment       = "fetch_payment"
	OpListPayments       = "list_payments"
)

const stateDirPerm = 0o700

// Bridge is a synchronous front for one federation client at a time
type Bridge struct {
	// lifecycle orders Init, JoinFederation, LeaveFederation and Close so
	// that only one of them opens or wipes client state at a time. Other
	// operations never take it.
	lifecycle sync.Mutex

	registry *registry.Registry
	engine   *engine.Engine
	metrics  *telemetry.BridgeMetrics
	tracer   trace.Tracer

	workers        int
	syncInterval   time.Duration
	httpTimeout    time.Duration
	httpClient     httpclient.Client
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	clock          func() time.Time
}

// New creates a bridge with no active client. Close releases it.
func New(opts ...Option) (*Bridge, error) {
	b := &Bridge{
		syncInterval: synchronizer.DefaultInterval,
		httpTimeout:  httpclient.DefaultTimeout,
		logger:       slog.Default(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.httpClient == nil {
		b.httpClient = httpclient.NewDefaultClient(b.httpTimeout)
	}
	if b.tracerProvider != nil {
		b.tracer = b.tracerProvider.Tracer(TracerName)
	}

	metrics, err := telemetry.NewBridgeMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge metrics: %w", err)
	}
	b.metrics = metrics

	syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}

	syncOpts := []synchronizer.Option{
		synchronizer.WithInterval(b.syncInterval),
		synchronizer.WithLogger(b.logger),
		synchronizer.WithSyncMetrics(syncMetrics),
	}
	b.registry = registry.New(
		registry.WithLogger(b.logger),
		registry.WithSynchronizer(func(ctx context.Context, h mint.Handle) {
			synchronizer.Run(ctx, h, syncOpts...)
		}),
	)
	b.engine = engine.New(engine.WithWorkers(b.workers), engine.WithLogger(b.logger))

	return b, nil
}

func (b *Bridge) clientOptions() []mint.Option {
	return []mint.Option{
		mint.WithHTTPClient(b.httpClient),
		mint.WithClock(b.clock),
		mint.WithLogger(b.logger),
		mint.WithTracerProvider(b.tracerProvider),
	}
}

// run executes fn on the engine under a span and records the outcome
func run[T any](ctx context.Context, b *Bridge, op string, fn func(context.Context) (T, error)) (T, error) {
	return observe(ctx, b, op, func(ctx context.Context) (T, error) {
		return engine.Do(ctx, b.engine, fn)
	})
}

// observe runs fn on the calling goroutine inside the operation's span and metrics
func observe[T any](ctx context.Context, b *Bridge, op string, fn func(context.Context) (T, error)) (result T, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, b.tracer, "bridge."+op,
		trace.WithAttributes(otel.AttrOperation.String(op)))
	defer func() {
		otel.End(span, err)
		b.metrics.RecordOperation(ctx, op, time.Since(start), err)
	}()

	return fn(ctx)
}

// install makes h the active client; the client it replaces is closed
func (b *Bridge) install(ctx context.Context, h mint.Handle) {
	if previous := b.registry.Install(h); previous != nil {
		b.closeHandle(previous)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		otel.AttrFederationID.String(h.FederationID()),
		otel.AttrGeneration.Int64(int64(b.registry.Generation())), //nolint:gosec // generation is a small counter
	)
}

// retire removes the active client, if any, and closes it
func (b *Bridge) retire() mint.Handle {
	previous := b.registry.Clear()
	if previous != nil {
		b.closeHandle(previous)
	}
	return previous
}

func (b *Bridge) closeHandle(h mint.Handle) {
	if err := h.Close(); err != nil {
		b.logger.Warn("Failed to close federation client",
			"federation_id", h.FederationID(),
			"error", err,
		)
	}
}

// openStore creates dir if needed and opens the state database in it
func (b *Bridge) openStore(ctx context.Context, op, dir string) (*store.Store, error) {
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindStorage, op, fmt.Sprintf("failed to create state directory %s", dir), err)
	}
	return store.Open(ctx, dir, store.WithLogger(b.logger))
}

// Init drops the active client and loads the client persisted at path. It
// reports whether a federation membership was found; when none is, nothing is
// installed.
func (b *Bridge) Init(ctx context.Context, path string) (bool, error) {
	return run(ctx, b, OpInit, func(ctx context.Context) (bool, error) {
		b.lifecycle.Lock()
		defer b.lifecycle.Unlock()

		b.retire()

		st, err := b.openStore(ctx, OpInit, path)
		if err != nil {
			return false, err
		}

		client, err := mint.TryLoad(ctx, st, b.clientOptions()...)
		if err != nil {
			_ = st.Close()
			return false, err
		}
		if client == nil {
			b.logger.Info("No federation membership found", "path", path)
			return false, st.Close()
		}

		b.install(ctx, client)
		return true, nil
	})
}

// JoinFederation irreversibly wipes any client state in userDir, joins the
// federation publishing its configuration at configURL and makes the new
// client active. The previously active client is closed first, even when
// joining fails.
func (b *Bridge) JoinFederation(ctx context.Context, userDir, configURL string) error {
	_, err := run(ctx, b, OpJoinFederation, func(ctx context.Context) (struct{}, error) {
		b.lifecycle.Lock()
		defer b.lifecycle.Unlock()

		b.retire()

		if err := b.destroyClientState(userDir); err != nil {
			return struct{}{}, err
		}

		st, err := b.openStore(ctx, OpJoinFederation, userDir)
		if err != nil {
			return struct{}{}, err
		}

		client, err := mint.New(ctx, st, configURL, b.clientOptions()...)
		if err != nil {
			_ = st.Close()
			return struct{}{}, err
		}

		b.install(ctx, client)
		return struct{}{}, nil
	})
	return err
}

// DestroyClientState irreversibly deletes the client state in userDir, including
// any funds it holds. It refuses to touch the state of the active client; use
// LeaveFederation for that.
func (b *Bridge) DestroyClientState(ctx context.Context, userDir string) error {
	_, err := run(ctx, b, OpDestroyClientState, func(context.Context) (struct{}, error) {
		b.lifecycle.Lock()
		defer b.lifecycle.Unlock()

		if h, err := b.registry.Get(); err == nil && samePath(h.StoragePath(), userDir) {
			return struct{}{}, bridgeerr.New(bridgeerr.KindStorage, OpDestroyClientState,
				"refusing to destroy the state of the active client")
		}
		return struct{}{}, b.destroyClientState(userDir)
	})
	return err
}

func (b *Bridge) destroyClientState(userDir string) error {
	if !store.Exists(userDir) {
		return nil
	}
	b.logger.Warn("Destroying client state", "path", store.DatabasePath(userDir))
	return store.Destroy(userDir)
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// LeaveFederation stops the active client, closes it and erases its state,
// discarding any funds it holds. Callers still holding the old client see
// storage errors. Leaving with no active client is a no-op.
func (b *Bridge) LeaveFederation(ctx context.Context) error {
	_, err := run(ctx, b, OpLeaveFederation, func(context.Context) (struct{}, error) {
		b.lifecycle.Lock()
		defer b.lifecycle.Unlock()

		previous := b.retire()
		if previous == nil {
			return struct{}{}, nil
		}

		b.logger.Info("Left federation", "federation_id", previous.FederationID())
		return struct{}{}, b.destroyClientState(previous.StoragePath())
	})
	return err
}

// Balance returns the spendable balance of the active client in sats
func (b *Bridge) Balance(ctx context.Context) (uint64, error) {
	return run(ctx, b, OpBalance, func(ctx context.Context) (uint64, error) {
		h, err := b.registry.Get()
		if err != nil {
			return 0, err
		}
		balance, err := h.Balance(ctx)
		if err != nil {
			return 0, err
		}
		b.metrics.RecordBalance(ctx, h.FederationID(), balance)
		return balance, nil
	})
}

// Pay pays the encoded invoice from the active client's balance
func (b *Bridge) Pay(ctx context.Context, encoded string) error {
	_, err := run(ctx, b, OpPay, func(ctx context.Context) (struct{}, error) {
		h, err := b.registry.Get()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, h.Pay(ctx, encoded)
	})
	return err
}

// Invoice creates an invoice payable to the active client and returns its
// encoded form
func (b *Bridge) Invoice(ctx context.Context, amount uint64, description string) (string, error) {
	return run(ctx, b, OpInvoice, func(ctx context.Context) (string, error) {
		h, err := b.registry.Get()
		if err != nil {
			return "", err
		}
		return h.CreateInvoice(ctx, amount, description)
	})
}

// DecodeInvoice returns the human readable form of an encoded invoice. It is
// stateless: it needs no active client and keeps working after Close.
func (b *Bridge) DecodeInvoice(ctx context.Context, encoded string) (string, error) {
	return observe(ctx, b, OpDecodeInvoice, func(context.Context) (string, error) {
		return invoice.DecodeHuman(encoded)
	})
}

// FetchPayment returns the payment with the given hex payment hash
func (b *Bridge) FetchPayment(ctx context.Context, paymentHash string) (ledger.BridgePayment, error) {
	return run(ctx, b, OpFetchPayment, func(ctx context.Context) (ledger.BridgePayment, error) {
		hash, err := invoice.ParsePaymentHash(paymentHash)
		if err != nil {
			return ledger.BridgePayment{}, bridgeerr.Recast(bridgeerr.KindInvoiceInvalid, OpFetchPayment,
				"invalid payment hash", err)
		}

		h, err := b.registry.Get()
		if err != nil {
			return ledger.BridgePayment{}, err
		}
		payment, err := h.FetchPayment(ctx, hash)
		if err != nil {
			return ledger.BridgePayment{}, err
		}
		return ledger.Project(payment, invoice.DecodeHuman, b.clock())
	})
}

// ListPayments returns every payment of the active client, oldest first. If
// any one invoice cannot be decoded the whole call fails.
func (b *Bridge) ListPayments(ctx context.Context) ([]ledger.BridgePayment, error) {
	return run(ctx, b, OpListPayments, func(ctx context.Context) ([]ledger.BridgePayment, error) {
		h, err := b.registry.Get()
		if err != nil {
			return nil, err
		}
		payments, err := h.ListPayments(ctx)
		if err != nil {
			return nil, err
		}
		out, err := ledger.ProjectAll(payments, invoice.DecodeHuman, b.clock())
		if err != nil {
			return nil, err
		}
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrResultCount.Int(len(out)))
		return out, nil
	})
}

// Active reports whether a client is installed
func (b *Bridge) Active() bool {
	return b.registry.Active()
}

// Close stops the background synchronizer, closes the active client and shuts
// the engine down. Operations after Close fail with an engine closed error.
func (b *Bridge) Close() error {
	b.lifecycle.Lock()
	b.retire()
	b.lifecycle.Unlock()

	return b.engine.Close()
}
