// Package apperr defines the typed error taxonomy shared by services and
// handlers. Handlers translate these into HTTP status codes through Status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindUnauthorized          Kind = "unauthorized"
	KindNotFound              Kind = "not_found"
	KindProviderNotConfigured Kind = "provider_not_configured"
	KindPaymentInit           Kind = "payment_initialization_error"
	KindPaymentVerification   Kind = "payment_verification_error"
	KindRefundUnsupported     Kind = "refund_unsupported"
	KindRefund                Kind = "refund_error"
	KindInvariantViolation    Kind = "invariant_violation"
	KindWebhookVerification   Kind = "webhook_verification_error"
	KindConflict              Kind = "conflict"
	KindInternal              Kind = "internal_error"
)

// Error is a classified application error. Details carries structured
// context (field lists, offending values) surfaced to API clients.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches structured detail to the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Validation is shorthand for a KindValidation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// NotFound is shorthand for a KindNotFound error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Sentinel errors used with errors.Is across package boundaries.
var (
	ErrRefundUnsupported     = New(KindRefundUnsupported, "provider does not support refunds")
	ErrProviderNotConfigured = New(KindProviderNotConfigured, "provider is not configured for this merchant")
)

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// AsError extracts the *Error from a chain, or wraps the error as internal.
func AsError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(KindInternal, "internal error", err)
}

// Status maps an error kind to its HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation, KindProviderNotConfigured, KindRefundUnsupported, KindRefund:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPaymentInit, KindPaymentVerification:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
