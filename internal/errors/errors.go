// Package errors provides the structured error type used across Rice.
//
// Every failure that crosses a component boundary is classified by Kind, and
// the API layers map kinds onto transport status codes. Internal details stay
// in the Cause chain and are logged, never surfaced to clients.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and surfacing decisions.
type Kind int

const (
	// KindInternal is an unexpected bug or panic. Surfaced sanitized.
	KindInternal Kind = iota
	// KindValidation is a rejected input. Not recovered; surfaced verbatim.
	KindValidation
	// KindNotFound means a store, version, file, or tracker entry is missing.
	KindNotFound
	// KindConflict means a version-state or duplicate-create violation.
	KindConflict
	// KindCapacity means a quota or max-file bound was exceeded.
	KindCapacity
	// KindThrottled means a worker pool is saturated; clients should retry.
	KindThrottled
	// KindTransient is a retryable external failure (engine, model service).
	KindTransient
	// KindPartial marks an operation that completed with partial results.
	KindPartial
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCapacity:
		return "capacity_exceeded"
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	case KindPartial:
		return "partial"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindCapacity:
		return 413
	case KindThrottled:
		return 429
	case KindTransient:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for Rice.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message is the human-readable message. For validation errors this is
	// shown to clients; for internal errors it is logged only.
	Message string
	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, so errors.Is(err, &Error{Kind: KindNotFound})
// works across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a kind and message. Returns nil for
// a nil cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation creates a client-visible validation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Throttled creates a saturation error with a retry hint.
func Throttled(format string, args ...any) *Error {
	return New(KindThrottled, format, args...)
}

// Transient creates a retryable external-failure error.
func Transient(cause error, format string, args ...any) *Error {
	return Wrap(KindTransient, cause, format, args...)
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the operation that produced err may be retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindThrottled:
		return true
	default:
		return false
	}
}

// ClientMessage returns the message safe to show a client. Validation errors
// keep their text; everything else collapses to the kind name so internals
// never leak.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindNotFound, KindConflict, KindCapacity, KindThrottled:
			return e.Message
		}
	}
	return "internal error"
}
