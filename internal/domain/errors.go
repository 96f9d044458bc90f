package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors that cross module boundaries. Kinds map
// one-to-one onto the client-visible error states.
type ErrorKind string

const (
	KindValidation            ErrorKind = "ValidationError"
	KindInsufficientLiquidity ErrorKind = "InsufficientLiquidity"
	KindStalePrice            ErrorKind = "StalePrice"
	KindNoPriceData           ErrorKind = "NoPriceData"
	KindBadNonce              ErrorKind = "BadNonce"
	KindBadNoncePersistence   ErrorKind = "BadNoncePersistence"
	KindChainRejected         ErrorKind = "ChainRejected"
	KindChainFailed           ErrorKind = "ChainFailed"
	KindStale                 ErrorKind = "Stale"
	KindReconciliation        ErrorKind = "Reconciliation"
	KindConfig                ErrorKind = "ConfigError"
)

// Error is a classified error. Wrap carries the underlying cause (may be nil).
type Error struct {
	Kind    ErrorKind
	Message string
	Wrap    error
}

func (e *Error) Error() string {
	if e.Wrap != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrap)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrap
}

// Is matches two classified errors by kind, so errors.Is(err, &Error{Kind: k})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Wrap: err}
}

// KindOf extracts the kind of a classified error, or "" for plain errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Sentinel instances used with errors.Is for the common control-flow kinds.
var (
	ErrInsufficientLiquidity = NewError(KindInsufficientLiquidity, "tier cannot cover requested amount")
	ErrTierAtCapacity        = NewError(KindInsufficientLiquidity, "tier is at its capacity limit")
	ErrNoPriceData           = NewError(KindNoPriceData, "oracle has no price data")
	ErrStalePrice            = NewError(KindStalePrice, "oracle price is stale")
)
