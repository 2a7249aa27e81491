// Package bridgeerr defines the typed failures returned across the bridge boundary.
//
// Every facade operation returns either a value or an *Error whose Kind tells the
// host what went wrong. Callers match kinds with errors.Is against the exported
// sentinels:
//
//	if errors.Is(err, bridgeerr.ErrNoActiveFederation) {
//	    // prompt the user to join a federation
//	}
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure
type Kind string

const (
	// KindNoActiveFederation means a client-requiring operation ran before any client was installed
	KindNoActiveFederation Kind = "no_active_federation"

	// KindStorage means persisted client state could not be opened, read or written
	KindStorage Kind = "storage"

	// KindFederationUnreachable means the federation could not be reached or answered with a server error
	KindFederationUnreachable Kind = "federation_unreachable"

	// KindConfigInvalid means the federation configuration could not be parsed or validated
	KindConfigInvalid Kind = "config_invalid"

	// KindPaymentFailed means a payment was rejected locally or by the federation
	KindPaymentFailed Kind = "payment_failed"

	// KindPaymentNotFound means no payment exists for the requested hash
	KindPaymentNotFound Kind = "payment_not_found"

	// KindInvoiceInvalid means an invoice or payment hash could not be decoded
	KindInvoiceInvalid Kind = "invoice_invalid"

	// KindEngineClosed means the bridge was closed before the operation could run
	KindEngineClosed Kind = "engine_closed"
)

// Sentinels usable as errors.Is targets. Only the Kind is compared.
var (
	ErrNoActiveFederation    = &Error{Kind: KindNoActiveFederation, Message: "join a federation first"}
	ErrStorage               = &Error{Kind: KindStorage, Message: "storage failure"}
	ErrFederationUnreachable = &Error{Kind: KindFederationUnreachable, Message: "federation unreachable"}
	ErrConfigInvalid         = &Error{Kind: KindConfigInvalid, Message: "invalid federation config"}
	ErrPaymentFailed         = &Error{Kind: KindPaymentFailed, Message: "payment failed"}
	ErrPaymentNotFound       = &Error{Kind: KindPaymentNotFound, Message: "payment not found"}
	ErrInvoiceInvalid        = &Error{Kind: KindInvoiceInvalid, Message: "invalid invoice"}
	ErrEngineClosed          = &Error{Kind: KindEngineClosed, Message: "bridge closed"}
)

// Error is a classified bridge failure
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = fmt.Sprintf("%s:%s", e.Kind, e.Op)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error without a cause
func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// Newf creates an error without a cause using a format string
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// Wrap classifies err. An err that is already classified is returned unchanged
// so the innermost classification wins. Wrap returns nil for a nil err.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

// Recast classifies err as kind even when it is already classified. The
// original classification stays reachable through errors.Is.
func Recast(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// IsKind checks whether err is classified as kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
