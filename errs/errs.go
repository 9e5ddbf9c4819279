// Package errs defines the typed error kinds the core distinguishes
// internally, as laid out in the error handling design. Every component
// that needs to signal one of these wraps the underlying cause with %w
// so callers can still unwrap to the original broker/db error while
// switching on Kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories the engine and admission pipeline
// branch on. Never add a Kind without updating the Admission Pipeline's
// and Scheduler's dispatch switches.
type Kind int

const (
	// KindValidation is an alert malformed or missing required fields.
	KindValidation Kind = iota
	// KindAuth is a webhook secret mismatch.
	KindAuth
	// KindGateRejection is a Risk Gate predicate failure.
	KindGateRejection
	// KindNoLiquidContract is a Contract Selector finding nothing tradeable.
	KindNoLiquidContract
	// KindTransientBroker is a retryable broker-side failure (network, 5xx, rate limit).
	KindTransientBroker
	// KindPermanentBroker is a broker rejection or order expiry — not retryable.
	KindPermanentBroker
	// KindInvariantViolation is an illegal state transition attempt — a bug signal.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuth:
		return "auth_error"
	case KindGateRejection:
		return "gate_rejection"
	case KindNoLiquidContract:
		return "no_liquid_contract"
	case KindTransientBroker:
		return "transient_broker_error"
	case KindPermanentBroker:
		return "permanent_broker_error"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown_error"
	}
}

// Error is the single error type carrying a Kind, a human-readable
// reason code (used as Alert.rejection_reason / exit_reason text), and
// an optional wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare *Error with no wrapped cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an *Error wrapping cause under the given kind/reason.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ReasonOf extracts the Reason string from err if it is an *Error,
// otherwise returns err.Error().
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}
