package fedserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
	"github.com/fluttermint/minimint-bridge/pkg/invoice"
)

// Ledger errors, mapped to HTTP statuses by the router
var (
	ErrUnknownClient     = errors.New("unknown client")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrAlreadyPaid       = errors.New("invoice already paid")
	ErrInvoiceExpired    = errors.New("invoice expired")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrForeignInvoice    = errors.New("invoice was not issued by this federation")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
)

type account struct {
	balance uint64
}

type issuedInvoice struct {
	data     invoice.Data
	encoded  string
	payee    string
	preimage invoice.Preimage
	paid     bool
	paidAt   time.Time
}

// InvoiceStatus is the federation's view of an issued invoice
type InvoiceStatus struct {
	PaymentHash invoice.PaymentHash `json:"paymentHash"`
	Amount      uint64              `json:"amount"`
	Paid        bool                `json:"paid"`
	Expired     bool                `json:"expired"`
	Preimage    string              `json:"preimage,omitempty"`
}

// Ledger is the federation's in-memory custodial account book. Every client
// holds a balance; invoices move value between clients, or in from outside
// through Settle.
type Ledger struct {
	mu       sync.Mutex
	network  string
	key      *secp256k1.PrivateKey
	clock    func() time.Time
	accounts map[string]*account
	invoices map[invoice.PaymentHash]*issuedInvoice
}

// NewLedger creates an empty ledger that signs invoices with key
func NewLedger(network string, key *secp256k1.PrivateKey, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		network:  network,
		key:      key,
		clock:    clock,
		accounts: make(map[string]*account),
		invoices: make(map[invoice.PaymentHash]*issuedInvoice),
	}
}

// RegisterClient opens an empty account and returns its id
func (l *Ledger) RegisterClient() string {
	id := uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[id] = &account{}
	return id
}

// Balance returns the balance of a client
func (l *Ledger) Balance(clientID string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[clientID]
	if !ok {
		return 0, ErrUnknownClient
	}
	return acct.balance, nil
}

// Deposit credits a client from outside the federation
func (l *Ledger) Deposit(clientID string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[clientID]
	if !ok {
		return 0, ErrUnknownClient
	}
	acct.balance += amount
	return acct.balance, nil
}

// IssueInvoice creates a signed invoice paying amount to clientID
func (l *Ledger) IssueInvoice(clientID string, amount uint64, description string, expiry time.Duration) (string, invoice.PaymentHash, error) {
	if amount == 0 {
		return "", invoice.PaymentHash{}, ErrInvalidAmount
	}

	preimage, hash, err := invoice.NewPreimage()
	if err != nil {
		return "", invoice.PaymentHash{}, fmt.Errorf("failed to generate preimage: %w", err)
	}

	data := invoice.Data{
		Network:     l.network,
		AmountSats:  amount,
		Description: description,
		PaymentHash: hash,
		Timestamp:   uint64(l.clock().Unix()), //nolint:gosec // wall clock is after 1970
		ExpirySecs:  uint64(expiry / time.Second),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[clientID]; !ok {
		return "", invoice.PaymentHash{}, ErrUnknownClient
	}

	encoded, err := invoice.Encode(data, l.key)
	if err != nil {
		return "", invoice.PaymentHash{}, bridgeerr.Wrap(bridgeerr.KindInvoiceInvalid, "issue_invoice", "cannot issue invoice", err)
	}

	l.invoices[hash] = &issuedInvoice{
		data:     data,
		encoded:  encoded,
		payee:    clientID,
		preimage: preimage,
	}
	return encoded, hash, nil
}

// Invoice returns the status of an issued invoice. The preimage is revealed
// only once the invoice is paid.
func (l *Ledger) Invoice(hash invoice.PaymentHash) (InvoiceStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.invoices[hash]
	if !ok {
		return InvoiceStatus{}, ErrInvoiceNotFound
	}
	return l.statusLocked(hash, inv), nil
}

func (l *Ledger) statusLocked(hash invoice.PaymentHash, inv *issuedInvoice) InvoiceStatus {
	status := InvoiceStatus{
		PaymentHash: hash,
		Amount:      inv.data.AmountSats,
		Paid:        inv.paid,
		Expired:     !inv.paid && inv.data.IsExpired(l.clock()),
	}
	if inv.paid {
		status.Preimage = inv.preimage.String()
	}
	return status
}

// Settle marks an invoice paid by a payer outside the federation and credits
// the payee
func (l *Ledger) Settle(hash invoice.PaymentHash) (InvoiceStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.invoices[hash]
	if !ok {
		return InvoiceStatus{}, ErrInvoiceNotFound
	}
	if err := l.payableLocked(inv); err != nil {
		return InvoiceStatus{}, err
	}

	l.accounts[inv.payee].balance += inv.data.AmountSats
	inv.paid = true
	inv.paidAt = l.clock()
	return l.statusLocked(hash, inv), nil
}

// Pay moves the invoice amount from payer to the invoice's payee. It returns the
// payer's new balance and the settled invoice.
func (l *Ledger) Pay(payerID string, encoded string) (uint64, InvoiceStatus, error) {
	decoded, err := invoice.Decode(encoded)
	if err != nil {
		return 0, InvoiceStatus{}, err
	}
	if string(decoded.Payee) != string(l.key.PubKey().SerializeCompressed()) {
		return 0, InvoiceStatus{}, ErrForeignInvoice
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	payer, ok := l.accounts[payerID]
	if !ok {
		return 0, InvoiceStatus{}, ErrUnknownClient
	}
	inv, ok := l.invoices[decoded.PaymentHash]
	if !ok {
		return 0, InvoiceStatus{}, ErrInvoiceNotFound
	}
	if err := l.payableLocked(inv); err != nil {
		return payer.balance, InvoiceStatus{}, err
	}
	if payer.balance < inv.data.AmountSats {
		return payer.balance, InvoiceStatus{}, ErrInsufficientFunds
	}

	payer.balance -= inv.data.AmountSats
	l.accounts[inv.payee].balance += inv.data.AmountSats
	inv.paid = true
	inv.paidAt = l.clock()
	return payer.balance, l.statusLocked(decoded.PaymentHash, inv), nil
}

func (l *Ledger) payableLocked(inv *issuedInvoice) error {
	if inv.paid {
		return ErrAlreadyPaid
	}
	if inv.data.IsExpired(l.clock()) {
		return ErrInvoiceExpired
	}
	return nil
}
