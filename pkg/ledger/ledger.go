// Package ledger derives the externally visible view of payment records.
//
// Payment records are owned and mutated by the federation client. This package
// only reads them: Status computes a payment's status from its raw fields and the
// current time, and Project turns a record into the BridgePayment shape returned
// to hosts. Nothing here caches a status, since wall-clock time moves without any
// write to the record.
package ledger

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
	"github.com/fluttermint/minimint-bridge/pkg/invoice"
)

// PaymentStatus is the derived state of a payment
type PaymentStatus string

const (
	// StatusPending means the payment is neither settled nor expired
	StatusPending PaymentStatus = "pending"

	// StatusPaid means the federation reported the payment as settled
	StatusPaid PaymentStatus = "paid"

	// StatusExpired means the payment was not settled before its expiry
	StatusExpired PaymentStatus = "expired"
)

// Direction tells whether a payment was received or sent
type Direction string

const (
	// DirectionIncoming is a payment created by issuing an invoice
	DirectionIncoming Direction = "incoming"

	// DirectionOutgoing is a payment created by paying an invoice
	DirectionOutgoing Direction = "outgoing"
)

// Payment is a payment record keyed by its payment hash
type Payment struct {
	Hash        invoice.PaymentHash `json:"hash"`
	Invoice     string              `json:"invoice"`
	Amount      uint64              `json:"amount"`
	Description string              `json:"description,omitempty"`
	CreatedAt   uint64              `json:"createdAt"`
	ExpiresAt   uint64              `json:"expiresAt"`
	Paid        bool                `json:"paid"`
	Direction   Direction           `json:"direction"`
}

// BridgePayment is the projection of a Payment returned to hosts
type BridgePayment struct {
	// Invoice is the decoded, human readable form of the payment's invoice
	Invoice   string        `json:"invoice"`
	Status    PaymentStatus `json:"status"`
	CreatedAt uint64        `json:"createdAt"`
	Paid      bool          `json:"paid"`
}

// Decoder turns an encoded invoice into its human readable form
type Decoder func(encoded string) (string, error)

// Status returns the status of p at now. Paid takes precedence over Expired,
// which takes precedence over Pending. A payment is expired only strictly after
// its expiry instant.
func Status(p Payment, now time.Time) PaymentStatus {
	if p.Paid {
		return StatusPaid
	}
	if now.Unix() > int64(p.ExpiresAt) { //nolint:gosec // unix seconds fit in int64
		return StatusExpired
	}
	return StatusPending
}

// Project builds the BridgePayment for p using decode for the invoice text
func Project(p Payment, decode Decoder, now time.Time) (BridgePayment, error) {
	human, err := decode(p.Invoice)
	if err != nil {
		return BridgePayment{}, bridgeerr.Wrap(bridgeerr.KindInvoiceInvalid, "project_payment",
			fmt.Sprintf("failed to decode invoice of payment %s", p.Hash), err)
	}

	return BridgePayment{
		Invoice:   human,
		Status:    Status(p, now),
		CreatedAt: p.CreatedAt,
		Paid:      p.Paid,
	}, nil
}

// ProjectAll projects every payment, ordered by creation time and then hash.
// A single decode failure fails the whole call.
func ProjectAll(payments []Payment, decode Decoder, now time.Time) ([]BridgePayment, error) {
	sorted := slices.Clone(payments)
	SortPayments(sorted)

	out := make([]BridgePayment, 0, len(sorted))
	for _, p := range sorted {
		bp, err := Project(p, decode, now)
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, nil
}

// SortPayments orders payments by creation time, breaking ties by hash
func SortPayments(payments []Payment) {
	slices.SortFunc(payments, func(a, b Payment) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.Hash[:], b.Hash[:])
	})
}
