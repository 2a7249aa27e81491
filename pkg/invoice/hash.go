package invoice

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
)

// HashSize is the size of a payment hash in bytes
const HashSize = sha256.Size

// PaymentHash identifies a payment: the SHA-256 of its preimage
type PaymentHash [HashSize]byte

// String returns the lowercase hex form of the hash
func (h PaymentHash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as hex
func (h PaymentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash
func (h *PaymentHash) UnmarshalText(text []byte) error {
	parsed, err := ParsePaymentHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// IsZero reports whether h is the zero hash
func (h PaymentHash) IsZero() bool {
	return h == PaymentHash{}
}

// ParsePaymentHash parses a 64 character hex payment hash
func ParsePaymentHash(s string) (PaymentHash, error) {
	var h PaymentHash
	s = strings.TrimSpace(s)
	if len(s) != 2*HashSize {
		return h, bridgeerr.Newf(bridgeerr.KindInvoiceInvalid, "parse_payment_hash",
			"payment hash must be %d hex characters, got %d", 2*HashSize, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, bridgeerr.Wrap(bridgeerr.KindInvoiceInvalid, "parse_payment_hash", "payment hash is not hex", err)
	}
	return h, nil
}

// Preimage is the secret revealed when an invoice is paid
type Preimage [32]byte

// NewPreimage returns a random preimage and its payment hash
func NewPreimage() (Preimage, PaymentHash, error) {
	var p Preimage
	if _, err := rand.Read(p[:]); err != nil {
		return p, PaymentHash{}, fmt.Errorf("failed to generate preimage: %w", err)
	}
	return p, p.Hash(), nil
}

// Hash returns the payment hash committed to by p
func (p Preimage) Hash() PaymentHash {
	return sha256.Sum256(p[:])
}

// String returns the hex form of the preimage
func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}
