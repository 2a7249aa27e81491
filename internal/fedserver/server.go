// Package fedserver implements a development federation: a custodial account
// ledger behind the HTTP API the reference mint client speaks. It signs the
// invoices it issues and lets tests settle them as an outside payer would.
package fedserver

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fluttermint/minimint-bridge/internal/federation"
	"github.com/fluttermint/minimint-bridge/internal/telemetry"
)

// APIVersion is the federation API version this server implements
const APIVersion = "1.0.0"

// Identity describes the federation a Server presents
type Identity struct {
	FederationID string
	Name         string
	Network      string

	// APIEndpoint is advertised in the config when set; otherwise clients
	// derive it from the config URL
	APIEndpoint string
}

// Server serves the federation API
type Server struct {
	identity Identity
	key      *secp256k1.PrivateKey
	ledger   *Ledger
	tokens   *Tokens
	logger   *slog.Logger
	metrics  *telemetry.FederationMetrics

	middlewares []func(http.Handler) http.Handler

	invoiceExpiry   atomic.Int64
	depositsEnabled atomic.Bool
}

// Option configures a Server
type Option func(*serverOptions)

type serverOptions struct {
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *telemetry.FederationMetrics
	middlewares   []func(http.Handler) http.Handler
	invoiceExpiry time.Duration
	deposits      bool
}

// WithClock sets the time source used for invoice timestamps and expiry
func WithClock(clock func() time.Time) Option {
	return func(o *serverOptions) {
		o.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the ledger metrics recorder
func WithMetrics(metrics *telemetry.FederationMetrics) Option {
	return func(o *serverOptions) {
		o.metrics = metrics
	}
}

// WithMiddlewares adds middleware to the router
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(o *serverOptions) {
		o.middlewares = append(o.middlewares, mw...)
	}
}

// WithInvoiceExpiry sets the expiry of newly issued invoices
func WithInvoiceExpiry(expiry time.Duration) Option {
	return func(o *serverOptions) {
		o.invoiceExpiry = expiry
	}
}

// WithDeposits enables the test funding endpoint
func WithDeposits(enabled bool) Option {
	return func(o *serverOptions) {
		o.deposits = enabled
	}
}

// New creates a federation server signing with key and authenticating
// clients with tokenSecret
func New(identity Identity, key *secp256k1.PrivateKey, tokenSecret []byte, opts ...Option) *Server {
	o := &serverOptions{
		clock:         time.Now,
		logger:        slog.Default(),
		invoiceExpiry: time.Hour,
		deposits:      true,
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{
		identity:    identity,
		key:         key,
		ledger:      NewLedger(identity.Network, key, o.clock),
		tokens:      NewTokens(tokenSecret, identity.FederationID, o.clock),
		logger:      o.logger,
		metrics:     o.metrics,
		middlewares: o.middlewares,
	}
	s.SetInvoiceExpiry(o.invoiceExpiry)
	s.SetDepositsEnabled(o.deposits)
	return s
}

// Ledger exposes the account book
func (s *Server) Ledger() *Ledger {
	return s.ledger
}

// SetInvoiceExpiry changes the expiry of invoices issued from now on
func (s *Server) SetInvoiceExpiry(expiry time.Duration) {
	s.invoiceExpiry.Store(int64(expiry))
}

// InvoiceExpiry returns the expiry applied to new invoices
func (s *Server) InvoiceExpiry() time.Duration {
	return time.Duration(s.invoiceExpiry.Load())
}

// SetDepositsEnabled turns the funding endpoint on or off
func (s *Server) SetDepositsEnabled(enabled bool) {
	s.depositsEnabled.Store(enabled)
}

// Config returns the public configuration clients fetch before joining
func (s *Server) Config() federation.Config {
	return federation.Config{
		FederationID:      s.identity.FederationID,
		Name:              s.identity.Name,
		APIVersion:        APIVersion,
		APIEndpoint:       s.identity.APIEndpoint,
		Network:           s.identity.Network,
		InvoiceExpirySecs: uint64(s.InvoiceExpiry() / time.Second),
		PublicKey:         hex.EncodeToString(s.key.PubKey().SerializeCompressed()),
	}
}

// Handler builds the HTTP router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range s.middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.health)
	r.Get("/config", s.getConfig)

	r.Post("/clients", s.registerClient)
	r.Get("/clients/{id}", s.getClient)
	r.Post("/clients/{id}/deposit", s.deposit)

	r.Post("/invoices", s.createInvoice)
	r.Get("/invoices/{hash}", s.getInvoice)
	r.Post("/invoices/{hash}/settle", s.settleInvoice)

	r.Post("/payments", s.pay)

	return r
}

// LoggingMiddleware logs each request at debug level
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
