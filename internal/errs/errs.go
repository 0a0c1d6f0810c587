// Package errs defines the error kinds surfaced by the memory engine core
// and helpers to classify and map them at the HTTP boundary.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to branch on failure mode.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota
	// KindInvalidInput marks caller-side errors (empty text, bad page size).
	KindInvalidInput
	// KindNotFound marks lookups of memories or users with no data.
	KindNotFound
	// KindConflict marks duplicate-id inserts.
	KindConflict
	// KindTransient marks retryable external failures (embedding API, DB hiccup).
	KindTransient
	// KindDimension marks embedding vectors of the wrong shape. Never retried.
	KindDimension
	// KindUnavailable marks a failed build with no usable cached fallback.
	KindUnavailable
	// KindTimeout marks an expired caller deadline.
	KindTimeout
)

// String returns the canonical name for a kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindDimension:
		return "dimension"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error carries a kind and an operation name alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the error chain and returns the first classified kind.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error is worth retrying.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps an error kind to the status code the read endpoints return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput, KindDimension:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
