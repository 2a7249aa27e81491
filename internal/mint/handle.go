// Package mint is the reference federation client core: it keeps a membership,
// a balance and a payment ledger in the client store and reconciles them with
// the federation over HTTP.
package mint

import (
	"context"

	"github.com/fluttermint/minimint-bridge/pkg/invoice"
	"github.com/fluttermint/minimint-bridge/pkg/ledger"
)

//go:generate mockgen -destination=mocks/mock_handle.go -package=mocks -source=handle.go Handle

// Handle is an active federation client. Implementations serialize their own
// state changes; a Handle is shared by concurrent callers and the background
// synchronizer.
type Handle interface {
	// FederationID identifies the federation the client belongs to
	FederationID() string

	// Balance returns the spendable balance in satoshis
	Balance(ctx context.Context) (uint64, error)

	// Pay pays an encoded invoice
	Pay(ctx context.Context, encoded string) error

	// CreateInvoice requests a new receivable invoice and returns its encoded form
	CreateInvoice(ctx context.Context, amount uint64, description string) (string, error)

	// FetchPayment returns the payment stored under hash
	FetchPayment(ctx context.Context, hash invoice.PaymentHash) (ledger.Payment, error)

	// ListPayments returns every known payment
	ListPayments(ctx context.Context) ([]ledger.Payment, error)

	// SyncOnce reconciles local state with the federation
	SyncOnce(ctx context.Context) error

	// StoragePath is the directory holding the client's persisted state
	StoragePath() string

	// Close releases the persisted state
	Close() error
}
