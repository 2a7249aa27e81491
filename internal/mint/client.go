package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluttermint/minimint-bridge/internal/federation"
	"github.com/fluttermint/minimint-bridge/internal/httpclient"
	"github.com/fluttermint/minimint-bridge/internal/otel"
	"github.com/fluttermint/minimint-bridge/internal/store"
	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
	"github.com/fluttermint/minimint-bridge/pkg/invoice"
	"github.com/fluttermint/minimint-bridge/pkg/ledger"
)

// TracerName is the name of the mint client tracer
const TracerName = "github.com/fluttermint/minimint-bridge/mint"

// Store keys
const (
	keyConfig      = "federation/config"
	keyMembership  = "client/membership"
	keyBalance     = "client/balance"
	paymentsPrefix = "payments/"
)

func paymentKey(hash invoice.PaymentHash) string {
	return paymentsPrefix + hash.String()
}

type membership struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
	JoinedAt int64  `json:"joinedAt"`
}

// Client is the reference Handle. All of its operations take one mutex, so a
// sync pass never interleaves with a payment.
type Client struct {
	mu sync.Mutex

	store    *store.Store
	http     httpclient.Client
	config   federation.Config
	member   membership
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	closeErr error
	closed   bool
}

var _ Handle = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the client used to reach the federation
func WithHTTPClient(client httpclient.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithClock sets the time source used for timestamps and expiry checks
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracerProvider enables tracing of client operations
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *Client) {
		if provider != nil {
			c.tracer = provider.Tracer(TracerName)
		}
	}
}

func newClient(st *store.Store, opts []Option) *Client {
	c := &Client{
		store:  st,
		http:   httpclient.NewDefaultClient(httpclient.DefaultTimeout),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryLoad restores the client persisted in st. It returns nil, nil when st
// holds no federation membership. The returned client owns st.
func TryLoad(ctx context.Context, st *store.Store, opts ...Option) (*Client, error) {
	c := newClient(st, opts)

	ctx, span := otel.StartSpan(ctx, c.tracer, "mint.TryLoad")
	defer span.End()

	rawMember, err := st.Get(ctx, keyMembership)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	if err := json.Unmarshal(rawMember, &c.member); err != nil || c.member.ClientID == "" {
		err = bridgeerr.Newf(bridgeerr.KindStorage, "load_client", "persisted membership is corrupt: %v", err)
		otel.RecordError(span, err)
		return nil, err
	}

	rawConfig, err := st.Get(ctx, keyConfig)
	if err != nil {
		err = bridgeerr.Wrap(bridgeerr.KindStorage, "load_client", "persisted federation config is missing", err)
		otel.RecordError(span, err)
		return nil, err
	}
	if err := json.Unmarshal(rawConfig, &c.config); err != nil {
		err = bridgeerr.Wrap(bridgeerr.KindStorage, "load_client", "persisted federation config is corrupt", err)
		otel.RecordError(span, err)
		return nil, err
	}
	if err := c.config.Validate(); err != nil {
		err = bridgeerr.Wrap(bridgeerr.KindStorage, "load_client", "persisted federation config is invalid", err)
		otel.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		otel.AttrFederationID.String(c.config.FederationID),
		otel.AttrClientID.String(c.member.ClientID),
	)
	c.logger.Info("Loaded federation client",
		"federation_id", c.config.FederationID,
		"client_id", c.member.ClientID,
		"path", st.Dir(),
	)
	return c, nil
}

// New joins the federation publishing its configuration at configURL and
// persists the new membership in st, which must be empty. The returned client
// owns st.
func New(ctx context.Context, st *store.Store, configURL string, opts ...Option) (c *Client, err error) {
	c = newClient(st, opts)

	ctx, span := otel.StartSpan(ctx, c.tracer, "mint.New")
	defer func() { otel.End(span, err) }()

	cfg, err := federation.Fetch(ctx, c.http, configURL)
	if err != nil {
		return nil, err
	}
	c.config = *cfg
	span.SetAttributes(otel.AttrFederationID.String(cfg.FederationID))

	body, err := c.http.PostJSON(ctx, c.url("clients"), struct{}{})
	if err != nil {
		return nil, federationError("join_federation", "registration rejected", err, bridgeerr.KindConfigInvalid)
	}
	var reg registerResponse
	if err := json.Unmarshal(body, &reg); err != nil || reg.ClientID == "" || reg.Token == "" {
		return nil, bridgeerr.Newf(bridgeerr.KindConfigInvalid, "join_federation", "malformed registration response: %v", err)
	}
	c.member = membership{ClientID: reg.ClientID, Token: reg.Token, JoinedAt: c.clock().Unix()}
	span.SetAttributes(otel.AttrClientID.String(reg.ClientID))

	err = st.Update(ctx, func(tx *store.Store) error {
		if err := putJSON(ctx, tx, keyConfig, c.config); err != nil {
			return err
		}
		if err := putJSON(ctx, tx, keyMembership, c.member); err != nil {
			return err
		}
		return putJSON(ctx, tx, keyBalance, uint64(0))
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Joined federation",
		"federation_id", c.config.FederationID,
		"federation_name", c.config.Name,
		"client_id", c.member.ClientID,
		"path", st.Dir(),
	)
	return c, nil
}

// FederationID implements Handle
func (c *Client) FederationID() string {
	return c.config.FederationID
}

// ClientID returns the id the federation assigned to this client
func (c *Client) ClientID() string {
	return c.member.ClientID
}

// StoragePath implements Handle
func (c *Client) StoragePath() string {
	return c.store.Dir()
}

func (c *Client) url(path ...string) string {
	return strings.TrimSuffix(c.config.APIEndpoint, "/") + "/" + strings.Join(path, "/")
}

func (c *Client) auth() httpclient.RequestOption {
	return httpclient.WithBearerToken(c.member.Token)
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		otel.AttrFederationID.String(c.config.FederationID),
		otel.AttrClientID.String(c.member.ClientID),
	)
	return otel.StartSpan(ctx, c.tracer, name, trace.WithAttributes(attrs...))
}

// Balance implements Handle. It reports the balance recorded by the last sync
// or payment without contacting the federation.
func (c *Client) Balance(ctx context.Context) (balance uint64, err error) {
	ctx, span := c.startSpan(ctx, "mint.Balance")
	defer func() { otel.End(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.loadBalance(ctx, c.store)
}

func (c *Client) loadBalance(ctx context.Context, st *store.Store) (uint64, error) {
	var balance uint64
	if err := getJSON(ctx, st, keyBalance, &balance); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// Pay implements Handle. Invoices that are malformed, expired, for another
// network, already paid or larger than the local balance are refused before
// the federation is contacted.
func (c *Client) Pay(ctx context.Context, encoded string) (err error) {
	ctx, span := c.startSpan(ctx, "mint.Pay")
	defer func() { otel.End(span, err) }()

	inv, err := invoice.Decode(encoded)
	if err != nil {
		return bridgeerr.Recast(bridgeerr.KindPaymentFailed, "pay", "cannot pay malformed invoice", err)
	}
	span.SetAttributes(
		otel.AttrPaymentHash.String(inv.PaymentHash.String()),
		otel.AttrAmount.Int64(int64(inv.AmountSats)), //nolint:gosec // amounts are far below 2^63
	)

	if inv.Network != c.config.Network {
		return bridgeerr.Newf(bridgeerr.KindPaymentFailed, "pay",
			"invoice is for network %q, federation uses %q", inv.Network, c.config.Network)
	}
	if inv.IsExpired(c.clock()) {
		return bridgeerr.New(bridgeerr.KindPaymentFailed, "pay", "invoice has expired")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var existing ledger.Payment
	switch err := getJSON(ctx, c.store, paymentKey(inv.PaymentHash), &existing); {
	case err == nil:
		if existing.Paid {
			return bridgeerr.New(bridgeerr.KindPaymentFailed, "pay", "invoice is already paid")
		}
		if existing.Direction == ledger.DirectionIncoming {
			return bridgeerr.New(bridgeerr.KindPaymentFailed, "pay", "cannot pay an invoice issued to this client")
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	balance, err := c.loadBalance(ctx, c.store)
	if err != nil {
		return err
	}
	if balance < inv.AmountSats {
		return bridgeerr.Newf(bridgeerr.KindPaymentFailed, "pay",
			"insufficient balance: have %d sats, invoice requires %d", balance, inv.AmountSats)
	}

	body, err := c.http.PostJSON(ctx, c.url("payments"),
		payRequest{ClientID: c.member.ClientID, Invoice: inv.String()}, c.auth())
	if err != nil {
		return federationError("pay", "federation rejected the payment", err, bridgeerr.KindPaymentFailed)
	}
	var resp payResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindFederationUnreachable, "pay", "malformed payment response", err)
	}

	payment := ledger.Payment{
		Hash:        inv.PaymentHash,
		Invoice:     inv.String(),
		Amount:      inv.AmountSats,
		Description: inv.Description,
		CreatedAt:   uint64(c.clock().Unix()), //nolint:gosec // wall clock is after 1970
		ExpiresAt:   uint64(inv.ExpiresAt().Unix()),
		Paid:        true,
		Direction:   ledger.DirectionOutgoing,
	}
	err = c.store.Update(ctx, func(tx *store.Store) error {
		if err := putJSON(ctx, tx, keyBalance, resp.Balance); err != nil {
			return err
		}
		return putJSON(ctx, tx, paymentKey(payment.Hash), payment)
	})
	if err != nil {
		return err
	}

	c.logger.Info("Payment sent",
		"payment_hash", payment.Hash.String(),
		"amount", payment.Amount,
		"balance", resp.Balance,
	)
	return nil
}

// CreateInvoice implements Handle
func (c *Client) CreateInvoice(ctx context.Context, amount uint64, description string) (encoded string, err error) {
	ctx, span := c.startSpan(ctx, "mint.CreateInvoice",
		otel.AttrAmount.Int64(int64(amount))) //nolint:gosec // amounts are far below 2^63
	defer func() { otel.End(span, err) }()

	if amount == 0 {
		return "", bridgeerr.New(bridgeerr.KindInvoiceInvalid, "create_invoice", "amount must be greater than zero")
	}
	if len(description) > invoice.MaxDescriptionLength {
		return "", bridgeerr.Newf(bridgeerr.KindInvoiceInvalid, "create_invoice",
			"description exceeds %d bytes", invoice.MaxDescriptionLength)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.http.PostJSON(ctx, c.url("invoices"), createInvoiceRequest{
		ClientID:    c.member.ClientID,
		Amount:      amount,
		Description: description,
	}, c.auth())
	if err != nil {
		return "", federationError("create_invoice", "federation refused to issue the invoice", err, bridgeerr.KindInvoiceInvalid)
	}
	var resp createInvoiceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindFederationUnreachable, "create_invoice", "malformed invoice response", err)
	}

	inv, err := c.verifyIssued(resp.Invoice, amount)
	if err != nil {
		return "", err
	}
	span.SetAttributes(otel.AttrPaymentHash.String(inv.PaymentHash.String()))

	payment := ledger.Payment{
		Hash:        inv.PaymentHash,
		Invoice:     inv.String(),
		Amount:      inv.AmountSats,
		Description: inv.Description,
		CreatedAt:   inv.Timestamp,
		ExpiresAt:   uint64(inv.ExpiresAt().Unix()),
		Direction:   ledger.DirectionIncoming,
	}
	if err := putJSON(ctx, c.store, paymentKey(payment.Hash), payment); err != nil {
		return "", err
	}

	c.logger.Debug("Invoice created", "payment_hash", payment.Hash.String(), "amount", amount)
	return inv.String(), nil
}

// verifyIssued checks that an invoice returned by the federation is signed by
// it and asks for the requested amount
func (c *Client) verifyIssued(encoded string, amount uint64) (*invoice.Invoice, error) {
	inv, err := invoice.Decode(encoded)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindFederationUnreachable, "create_invoice", "federation returned a malformed invoice", err)
	}
	key, err := c.config.PubKey()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "create_invoice", "federation key is invalid", err)
	}
	if string(inv.Payee) != string(key.SerializeCompressed()) {
		return nil, bridgeerr.New(bridgeerr.KindFederationUnreachable, "create_invoice", "invoice is not signed by the federation")
	}
	if inv.AmountSats != amount {
		return nil, bridgeerr.Newf(bridgeerr.KindFederationUnreachable, "create_invoice",
			"federation issued %d sats instead of %d", inv.AmountSats, amount)
	}
	return inv, nil
}

// FetchPayment implements Handle
func (c *Client) FetchPayment(ctx context.Context, hash invoice.PaymentHash) (payment ledger.Payment, err error) {
	ctx, span := c.startSpan(ctx, "mint.FetchPayment", otel.AttrPaymentHash.String(hash.String()))
	defer func() { otel.End(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	err = getJSON(ctx, c.store, paymentKey(hash), &payment)
	if errors.Is(err, store.ErrNotFound) {
		return ledger.Payment{}, bridgeerr.Newf(bridgeerr.KindPaymentNotFound, "fetch_payment", "no payment with hash %s", hash)
	}
	if err != nil {
		return ledger.Payment{}, err
	}
	return payment, nil
}

// ListPayments implements Handle
func (c *Client) ListPayments(ctx context.Context) (payments []ledger.Payment, err error) {
	ctx, span := c.startSpan(ctx, "mint.ListPayments")
	defer func() { otel.End(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	payments, err = c.listPayments(ctx)
	span.SetAttributes(otel.AttrResultCount.Int(len(payments)))
	return payments, err
}

func (c *Client) listPayments(ctx context.Context) ([]ledger.Payment, error) {
	entries, err := c.store.List(ctx, paymentsPrefix)
	if err != nil {
		return nil, err
	}

	payments := make([]ledger.Payment, 0, len(entries))
	for _, e := range entries {
		var p ledger.Payment
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindStorage, "list_payments",
				fmt.Sprintf("payment record %q is corrupt", e.Key), err)
		}
		payments = append(payments, p)
	}
	return payments, nil
}

// SyncOnce implements Handle. It refreshes the balance and marks incoming
// payments the federation reports as paid. Expired invoices are not queried.
func (c *Client) SyncOnce(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "mint.SyncOnce")
	defer func() { otel.End(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.http.Get(ctx, c.url("clients", c.member.ClientID), c.auth())
	if err != nil {
		return federationError("sync", "federation rejected the client", err, bridgeerr.KindFederationUnreachable)
	}
	var account clientResponse
	if err := json.Unmarshal(body, &account); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindFederationUnreachable, "sync", "malformed client response", err)
	}

	payments, err := c.listPayments(ctx)
	if err != nil {
		return err
	}

	now := c.clock()
	var settled []ledger.Payment
	for _, p := range payments {
		if p.Direction != ledger.DirectionIncoming || ledger.Status(p, now) != ledger.StatusPending {
			continue
		}
		body, err := c.http.Get(ctx, c.url("invoices", p.Hash.String()))
		if err != nil {
			return federationError("sync", "federation rejected the invoice lookup", err, bridgeerr.KindFederationUnreachable)
		}
		var status invoiceStatusResponse
		if err := json.Unmarshal(body, &status); err != nil {
			return bridgeerr.Wrap(bridgeerr.KindFederationUnreachable, "sync", "malformed invoice response", err)
		}
		if status.Paid {
			p.Paid = true
			settled = append(settled, p)
		}
	}

	err = c.store.Update(ctx, func(tx *store.Store) error {
		if err := putJSON(ctx, tx, keyBalance, account.Balance); err != nil {
			return err
		}
		for _, p := range settled {
			if err := putJSON(ctx, tx, paymentKey(p.Hash), p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range settled {
		c.logger.Info("Incoming payment settled", "payment_hash", p.Hash.String(), "amount", p.Amount)
	}
	span.SetAttributes(otel.AttrResultCount.Int(len(settled)))
	return nil
}

// Close implements Handle. Later operations fail with a storage error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closeErr
	}
	c.closed = true
	c.closeErr = c.store.Close()
	return c.closeErr
}

func putJSON(ctx context.Context, st *store.Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindStorage, "store_put", fmt.Sprintf("failed to encode %q", key), err)
	}
	return st.Put(ctx, key, data)
}

// getJSON passes store.ErrNotFound through unwrapped
func getJSON(ctx context.Context, st *store.Store, key string, v any) error {
	data, err := st.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindStorage, "store_get", fmt.Sprintf("record %q is corrupt", key), err)
	}
	return nil
}

// federationError classifies a failed federation request. A 4xx answer is a
// decision by the federation and gets rejectKind; anything else means the
// federation could not be reached or failed.
func federationError(op, message string, err error, rejectKind bridgeerr.Kind) error {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return bridgeerr.Wrap(rejectKind, op, fmt.Sprintf("%s: %s", message, httpErr.Message), err)
	}
	return bridgeerr.Wrap(bridgeerr.KindFederationUnreachable, op, "federation request failed", err)
}
