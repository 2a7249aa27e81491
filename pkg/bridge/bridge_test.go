package bridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fluttermint/minimint-bridge/internal/fedserver"
	"github.com/fluttermint/minimint-bridge/internal/mint"
	"github.com/fluttermint/minimint-bridge/internal/store"
	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
	"github.com/fluttermint/minimint-bridge/pkg/invoice"
	"github.com/fluttermint/minimint-bridge/pkg/ledger"
)

const testSyncInterval = 20 * time.Millisecond

func newTestBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()

	opts = append([]Option{WithSyncInterval(testSyncInterval), WithWorkers(4)}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// activeClient returns the reference client installed in b
func activeClient(t *testing.T, b *Bridge) *mint.Client {
	t.Helper()
	h, err := b.registry.Get()
	require.NoError(t, err)
	c, ok := h.(*mint.Client)
	require.True(t, ok)
	return c
}

// joined returns a bridge that joined fed with its state in a temp dir
func joined(t *testing.T, fed *fedserver.TestFederation, opts ...Option) (*Bridge, string) {
	t.Helper()
	b := newTestBridge(t, opts...)
	dir := t.TempDir()
	require.NoError(t, b.JoinFederation(context.Background(), dir, fed.ConfigURL()))
	return b, dir
}

func fund(t *testing.T, fed *fedserver.TestFederation, b *Bridge, amount uint64) {
	t.Helper()
	_, err := fed.Ledger().Deposit(activeClient(t, b).ClientID(), amount)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		balance, err := b.Balance(context.Background())
		return err == nil && balance >= amount
	}, 5*time.Second, testSyncInterval)
}

func TestInit_FreshDirectory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBridge(t)
	dir := filepath.Join(t.TempDir(), "not", "yet", "created")

	active, err := b.Init(ctx, dir)
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, b.Active())
	assert.True(t, store.Exists(dir))

	_, err = b.Balance(ctx)
	assert.ErrorIs(t, err, bridgeerr.ErrNoActiveFederation)
	assert.Contains(t, err.Error(), "join a federation first")

	// the state is released again, so a second init of the same path works
	active, err = b.Init(ctx, dir)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestJoinFederation_StartsAtZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, dir := joined(t, fed)

	assert.True(t, b.Active())
	balance, err := b.Balance(ctx)
	require.NoError(t, err)
	assert.Zero(t, balance)
	assert.Equal(t, dir, activeClient(t, b).StoragePath())
}

func TestInvoice_PendingThenPaidAfterSync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, _ := joined(t, fed)

	encoded, err := b.Invoice(ctx, 1000, "coffee")
	require.NoError(t, err)

	human, err := b.DecodeInvoice(ctx, encoded)
	require.NoError(t, err)
	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(human), &view))
	assert.EqualValues(t, 1000, view["amount"])
	assert.Equal(t, "coffee", view["description"])

	hash, err := invoice.HashOf(encoded)
	require.NoError(t, err)

	payment, err := b.FetchPayment(ctx, hash.String())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, payment.Status)
	assert.False(t, payment.Paid)
	assert.Equal(t, human, payment.Invoice)

	// an external payer settles the invoice on the federation
	_, err = fed.Ledger().Settle(hash)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := b.FetchPayment(ctx, hash.String())
		return err == nil && p.Paid
	}, 5*time.Second, testSyncInterval)

	payment, err = b.FetchPayment(ctx, hash.String())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, payment.Status)
	assert.True(t, payment.Paid)

	balance, err := b.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), balance)
}

func TestPay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, _ := joined(t, fed)
	fund(t, fed, b, 300)

	payee := fed.Ledger().RegisterClient()

	t.Run("exceeding balance fails and leaves balance alone", func(t *testing.T) {
		encoded, _, err := fed.Ledger().IssueInvoice(payee, 5000, "too much", time.Hour)
		require.NoError(t, err)

		err = b.Pay(ctx, encoded)
		assert.ErrorIs(t, err, bridgeerr.ErrPaymentFailed)

		balance, err := b.Balance(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(300), balance)
	})

	t.Run("malformed invoice fails", func(t *testing.T) {
		err := b.Pay(ctx, "lnmintregtest1garbage")
		assert.ErrorIs(t, err, bridgeerr.ErrPaymentFailed)
	})

	t.Run("affordable invoice is paid and listed", func(t *testing.T) {
		encoded, hash, err := fed.Ledger().IssueInvoice(payee, 120, "lunch", time.Hour)
		require.NoError(t, err)

		require.NoError(t, b.Pay(ctx, encoded))

		balance, err := b.Balance(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(180), balance)

		payment, err := b.FetchPayment(ctx, hash.String())
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPaid, payment.Status)

		err = b.Pay(ctx, encoded)
		assert.ErrorIs(t, err, bridgeerr.ErrPaymentFailed)
	})
}

func TestListPayments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, _ := joined(t, fed)

	payments, err := b.ListPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, payments)

	for _, desc := range []string{"first", "second", "third"} {
		_, err := b.Invoice(ctx, 10, desc)
		require.NoError(t, err)
	}

	payments, err = b.ListPayments(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	for i := 1; i < len(payments); i++ {
		assert.LessOrEqual(t, payments[i-1].CreatedAt, payments[i].CreatedAt)
	}
	for _, p := range payments {
		assert.Equal(t, ledger.StatusPending, p.Status)
		assert.Contains(t, p.Invoice, `"amount":10`)
	}
}

func TestFetchPayment_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBridge(t)

	_, err := b.FetchPayment(ctx, "not-a-hash")
	assert.ErrorIs(t, err, bridgeerr.ErrInvoiceInvalid)

	unknown := invoice.PaymentHash{1, 2, 3}
	_, err = b.FetchPayment(ctx, unknown.String())
	assert.ErrorIs(t, err, bridgeerr.ErrNoActiveFederation)

	fed := fedserver.NewTestFederation(t)
	require.NoError(t, b.JoinFederation(ctx, t.TempDir(), fed.ConfigURL()))

	_, err = b.FetchPayment(ctx, unknown.String())
	assert.ErrorIs(t, err, bridgeerr.ErrPaymentNotFound)
}

func TestDecodeInvoice_Malformed(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t)
	for _, s := range []string{"", "lnbc1", "lnmintregtest1", "lnmintregtest10OIl"} {
		_, err := b.DecodeInvoice(context.Background(), s)
		assert.ErrorIs(t, err, bridgeerr.ErrInvoiceInvalid, "input %q", s)
	}
}

func TestInit_ReloadsMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, dir := joined(t, fed)
	fund(t, fed, b, 42)
	clientID := activeClient(t, b).ClientID()
	require.NoError(t, b.Close())

	other := newTestBridge(t)
	active, err := other.Init(ctx, dir)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, clientID, activeClient(t, other).ClientID())

	balance, err := other.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), balance)

	// init of the same path replaces the client with a fresh load
	previous := activeClient(t, other)
	active, err = other.Init(ctx, dir)
	require.NoError(t, err)
	assert.True(t, active)
	assert.NotSame(t, previous, activeClient(t, other))

	_, err = previous.Balance(ctx)
	assert.ErrorIs(t, err, bridgeerr.ErrStorage)
}

func TestInit_StateHeldElsewhere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, dir)
	require.NoError(t, err)
	defer st.Close()

	b := newTestBridge(t)
	_, err = b.Init(ctx, dir)
	assert.ErrorIs(t, err, bridgeerr.ErrStorage)
	assert.False(t, b.Active())
}

func TestJoinFederation_Failures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)

	t.Run("unreachable federation", func(t *testing.T) {
		t.Parallel()

		b, _ := joined(t, fed)
		down := fedserver.NewTestFederation(t)
		url := down.ConfigURL()
		down.HTTP.Close()

		err := b.JoinFederation(ctx, t.TempDir(), url)
		assert.ErrorIs(t, err, bridgeerr.ErrFederationUnreachable)

		// the previous client was dropped before joining
		assert.False(t, b.Active())
		_, err = b.Balance(ctx)
		assert.ErrorIs(t, err, bridgeerr.ErrNoActiveFederation)
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()

		b := newTestBridge(t)
		err := b.JoinFederation(ctx, t.TempDir(), fed.HTTP.URL+"/health")
		assert.ErrorIs(t, err, bridgeerr.ErrConfigInvalid)
		assert.False(t, b.Active())
	})
}

func TestJoinFederation_WipesExistingState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, dir := joined(t, fed)
	fund(t, fed, b, 500)
	firstID := activeClient(t, b).ClientID()

	require.NoError(t, b.JoinFederation(ctx, dir, fed.ConfigURL()))
	assert.NotEqual(t, firstID, activeClient(t, b).ClientID())

	balance, err := b.Balance(ctx)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestJoinFederation_ReplacesActiveClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, _ := joined(t, fed)
	first := activeClient(t, b)

	require.NoError(t, b.JoinFederation(ctx, t.TempDir(), fed.ConfigURL()))
	second := activeClient(t, b)
	assert.NotSame(t, first, second)
	assert.Equal(t, uint64(2), b.registry.Generation())

	_, err := first.Balance(ctx)
	assert.ErrorIs(t, err, bridgeerr.ErrStorage)
}

func TestLeaveFederation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, dir := joined(t, fed)

	require.NoError(t, b.LeaveFederation(ctx))
	assert.False(t, b.Active())
	assert.False(t, store.Exists(dir))

	_, err := b.Balance(ctx)
	assert.ErrorIs(t, err, bridgeerr.ErrNoActiveFederation)

	active, err := b.Init(ctx, dir)
	require.NoError(t, err)
	assert.False(t, active)

	// leaving again is a no-op
	require.NoError(t, b.LeaveFederation(ctx))
}

func TestDestroyClientState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, activeDir := joined(t, fed)

	err := b.DestroyClientState(ctx, activeDir)
	assert.ErrorIs(t, err, bridgeerr.ErrStorage)
	assert.True(t, store.Exists(activeDir))

	// state of an inactive membership can be destroyed
	other := newTestBridge(t)
	otherDir := t.TempDir()
	require.NoError(t, other.JoinFederation(ctx, otherDir, fed.ConfigURL()))
	require.NoError(t, other.Close())

	require.NoError(t, b.DestroyClientState(ctx, otherDir))
	assert.False(t, store.Exists(otherDir))

	// missing state is fine
	require.NoError(t, b.DestroyClientState(ctx, t.TempDir()))
}

func TestClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, _ := joined(t, fed)
	client := activeClient(t, b)

	encoded, err := b.Invoice(ctx, 500, "after close")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.Active())

	_, err = b.Balance(ctx)
	assert.ErrorIs(t, err, bridgeerr.ErrEngineClosed)

	// decoding is stateless and does not need the engine
	human, err := b.DecodeInvoice(ctx, encoded)
	require.NoError(t, err)
	assert.Contains(t, human, "after close")

	_, err = client.Balance(ctx)
	assert.ErrorIs(t, err, bridgeerr.ErrStorage)
}

func TestConcurrentCallsDuringReinit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fed := fedserver.NewTestFederation(t)
	b, dir := joined(t, fed)

	allowed := []bridgeerr.Kind{"", bridgeerr.KindNoActiveFederation, bridgeerr.KindStorage}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := b.Balance(ctx)
				assert.Contains(t, allowed, bridgeerr.KindOf(err))
				_, err = b.ListPayments(ctx)
				assert.Contains(t, allowed, bridgeerr.KindOf(err))
			}
		}()
	}

	for i := 0; i < 5; i++ {
		active, err := b.Init(ctx, dir)
		require.NoError(t, err)
		assert.True(t, active)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, uint64(11), b.registry.Generation())
	_, err := b.Balance(ctx)
	require.NoError(t, err)
}

func TestBridge_Telemetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	b := newTestBridge(t, WithMeterProvider(meterProvider), WithTracerProvider(tracerProvider))

	_, err := b.Balance(ctx)
	require.Error(t, err)
	_, err = b.DecodeInvoice(ctx, "garbage")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["minimint_bridge_operations_total"])
	assert.True(t, names["minimint_bridge_operation_duration_seconds"])

	spans := exporter.GetSpans()
	var spanNames []string
	for _, s := range spans {
		spanNames = append(spanNames, s.Name)
	}
	assert.Contains(t, spanNames, "bridge.balance")
	assert.Contains(t, spanNames, "bridge.decode_invoice")
}

func TestDefaultBridge(t *testing.T) {
	dir := t.TempDir()

	active, err := Init(dir)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = Balance()
	assert.ErrorIs(t, err, bridgeerr.ErrNoActiveFederation)

	_, err = DecodeInvoice("garbage")
	assert.ErrorIs(t, err, bridgeerr.ErrInvoiceInvalid)

	require.NoError(t, LeaveFederation())

	b, err := Default()
	require.NoError(t, err)
	same, err := Default()
	require.NoError(t, err)
	assert.Same(t, b, same)
}
