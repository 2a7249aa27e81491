// Package invoice implements the text encoding of payment requests exchanged with a
// minimint federation.
//
// An encoded invoice has the form
//
//	lnmint<network>1<base58(payload || signature)>
//
// where payload is the binary encoding of Data and signature is a 65-byte
// recoverable secp256k1 signature over sha256(hrp || payload). The payee's public
// key is recovered from the signature on decode, so decoding needs no key material.
package invoice

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	bin "github.com/gagliardetto/binary"
	"github.com/mr-tron/base58"

	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
)

const (
	// Prefix starts every encoded invoice
	Prefix = "lnmint"

	// separator ends the human readable part
	separator = "1"

	// signatureSize is the size of a compact recoverable signature
	signatureSize = 65

	// MaxEncodedLength bounds the accepted input size
	MaxEncodedLength = 4096

	// MaxDescriptionLength bounds the description carried by an invoice
	MaxDescriptionLength = 639

	// DefaultExpiry is used when Data.ExpirySecs is zero
	DefaultExpiry = time.Hour

	// MaxExpirySecs is the longest expiry an invoice may carry
	MaxExpirySecs = uint64(365 * 24 * time.Hour / time.Second)

	// maxInstant is 9999-12-31T23:59:59Z, the last second time.Time formats
	maxInstant = 253402300799

	// MaxTimestamp is the latest creation time whose expiry still fits maxInstant
	MaxTimestamp = maxInstant - MaxExpirySecs
)

// Data is the signed content of an invoice
type Data struct {
	Network     string
	AmountSats  uint64
	Description string
	PaymentHash PaymentHash
	Timestamp   uint64
	ExpirySecs  uint64
}

// Invoice is a decoded, signature-checked invoice
type Invoice struct {
	Data

	// Payee is the compressed public key recovered from the signature
	Payee []byte

	raw string
}

// String returns the encoded form the invoice was decoded from
func (inv *Invoice) String() string {
	return inv.raw
}

// ExpiresAt returns the instant after which the invoice can no longer be paid
func (d Data) ExpiresAt() time.Time {
	return time.Unix(int64(d.Timestamp), 0).Add(d.expiry()) //nolint:gosec // bounded by validate
}

// IsExpired reports whether now is past the invoice expiry
func (d Data) IsExpired(now time.Time) bool {
	return now.After(d.ExpiresAt())
}

func (d Data) expiry() time.Duration {
	if d.ExpirySecs == 0 {
		return DefaultExpiry
	}
	return time.Duration(d.ExpirySecs) * time.Second //nolint:gosec // bounded by validate
}

func (d Data) validate() error {
	if !validNetwork(d.Network) {
		return fmt.Errorf("invalid network %q", d.Network)
	}
	if d.AmountSats == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if len(d.Description) > MaxDescriptionLength {
		return fmt.Errorf("description exceeds %d bytes", MaxDescriptionLength)
	}
	if d.ExpirySecs > MaxExpirySecs {
		return fmt.Errorf("expiry of %d seconds is too long", d.ExpirySecs)
	}
	if d.Timestamp > MaxTimestamp {
		return fmt.Errorf("timestamp %d is out of range", d.Timestamp)
	}
	return nil
}

// validNetwork accepts lowercase ASCII letters only; digits would collide with the separator
func validNetwork(network string) bool {
	if network == "" || len(network) > 16 {
		return false
	}
	for _, r := range network {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func hrp(network string) string {
	return Prefix + network
}

func sigHash(humanPart string, payload []byte) []byte {
	h := sha256.New()
	h.Write([]byte(humanPart))
	h.Write(payload)
	return h.Sum(nil)
}

// Encode signs d with key and returns its text form
func Encode(d Data, key *secp256k1.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key is required")
	}
	if err := d.validate(); err != nil {
		return "", fmt.Errorf("invalid invoice data: %w", err)
	}

	var buf bytes.Buffer
	if err := bin.NewBinEncoder(&buf).Encode(&d); err != nil {
		return "", fmt.Errorf("failed to encode invoice payload: %w", err)
	}
	payload := buf.Bytes()

	humanPart := hrp(d.Network)
	sig := ecdsa.SignCompact(key, sigHash(humanPart, payload), true)

	return humanPart + separator + base58.Encode(append(payload, sig...)), nil
}

// Decode parses and verifies an encoded invoice. It never panics; every
// malformed input yields a bridgeerr.KindInvoiceInvalid error.
func Decode(s string) (inv *Invoice, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv = nil
			err = bridgeerr.Newf(bridgeerr.KindInvoiceInvalid, "decode_invoice", "malformed invoice: %v", r)
		}
	}()

	data, payee, err := decode(strings.TrimSpace(s))
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvoiceInvalid, "decode_invoice", "malformed invoice", err)
	}
	return &Invoice{Data: *data, Payee: payee, raw: strings.TrimSpace(s)}, nil
}

func decode(s string) (*Data, []byte, error) {
	if len(s) > MaxEncodedLength {
		return nil, nil, fmt.Errorf("invoice exceeds %d characters", MaxEncodedLength)
	}
	if !strings.HasPrefix(s, Prefix) {
		return nil, nil, fmt.Errorf("missing %q prefix", Prefix)
	}

	network, body, found := strings.Cut(strings.TrimPrefix(s, Prefix), separator)
	if !found {
		return nil, nil, fmt.Errorf("missing separator")
	}
	if !validNetwork(network) {
		return nil, nil, fmt.Errorf("invalid network %q", network)
	}

	raw, err := base58.Decode(body)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid base58 body: %w", err)
	}
	if len(raw) <= signatureSize {
		return nil, nil, fmt.Errorf("invoice body too short")
	}

	payload, sig := raw[:len(raw)-signatureSize], raw[len(raw)-signatureSize:]

	var d Data
	dec := bin.NewBinDecoder(payload)
	if err := dec.Decode(&d); err != nil {
		return nil, nil, fmt.Errorf("invalid payload: %w", err)
	}
	if dec.Remaining() != 0 {
		return nil, nil, fmt.Errorf("unexpected %d trailing payload bytes", dec.Remaining())
	}
	if d.Network != network {
		return nil, nil, fmt.Errorf("network mismatch: prefix says %q, payload says %q", network, d.Network)
	}
	if err := d.validate(); err != nil {
		return nil, nil, err
	}

	pub, _, err := ecdsa.RecoverCompact(sig, sigHash(hrp(network), payload))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid signature: %w", err)
	}

	return &d, pub.SerializeCompressed(), nil
}

// HashOf returns the payment hash carried by an encoded invoice
func HashOf(s string) (PaymentHash, error) {
	inv, err := Decode(s)
	if err != nil {
		return PaymentHash{}, err
	}
	return inv.PaymentHash, nil
}

// humanView is the JSON shape returned to hosts by HumanReadable
type humanView struct {
	Amount      uint64 `json:"amount"`
	Description string `json:"description"`
	PaymentHash string `json:"paymentHash"`
	Payee       string `json:"payee,omitempty"`
	Network     string `json:"network"`
	Timestamp   uint64 `json:"timestamp"`
	Expiry      uint64 `json:"expiry"`
	Invoice     string `json:"invoice"`
}

// HumanReadable renders the invoice as a JSON object for display
func (inv *Invoice) HumanReadable() string {
	return render(inv.Data, inv.Payee, inv.raw)
}

func render(d Data, payee []byte, raw string) string {
	view := humanView{
		Amount:      d.AmountSats,
		Description: d.Description,
		PaymentHash: d.PaymentHash.String(),
		Network:     d.Network,
		Timestamp:   d.Timestamp,
		Expiry:      uint64(d.expiry() / time.Second),
		Invoice:     raw,
	}
	if len(payee) > 0 {
		view.Payee = hex.EncodeToString(payee)
	}
	// Marshalling a struct of strings and integers cannot fail
	out, _ := json.Marshal(view)
	return string(out)
}

// Render returns the display form of d as DecodeHuman would produce it for the
// invoice encoded as raw and signed by payee
func Render(d Data, payee *secp256k1.PublicKey, raw string) string {
	var payeeBytes []byte
	if payee != nil {
		payeeBytes = payee.SerializeCompressed()
	}
	return render(d, payeeBytes, raw)
}

// DecodeHuman decodes s and returns its display form
func DecodeHuman(s string) (string, error) {
	inv, err := Decode(s)
	if err != nil {
		return "", err
	}
	return inv.HumanReadable(), nil
}
