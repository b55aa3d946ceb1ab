package oracle

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for API mapping. The string value is the stable
// short code surfaced in responses.
type Kind string

const (
	KindInvalidInput         Kind = "invalid-input"
	KindUnauthorized         Kind = "unauthorized"
	KindSignatureInvalid     Kind = "signature-invalid"
	KindPublisherUnknown     Kind = "publisher-unknown"
	KindPublisherInactive    Kind = "publisher-inactive"
	KindTimestampOutOfWindow Kind = "timestamp-out-of-window"
	KindRateLimited          Kind = "rate-limited"
	KindNotFound             Kind = "not-found"
	KindInsufficientSources  Kind = "insufficient-sources"
	KindTransient            Kind = "transient"
	KindInternal             Kind = "internal"
)

// Error is the one error type that crosses package boundaries. Index is the
// 0-based offending entry for batch failures (-1 when not applicable);
// RetryAfter is set for rate-limited errors.
type Error struct {
	Kind       Kind
	Message    string
	Index      int
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error without changing the kind.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// E builds a typed error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Index: -1}
}

func InvalidInput(format string, args ...any) *Error { return E(KindInvalidInput, format, args...) }
func NotFound(format string, args ...any) *Error     { return E(KindNotFound, format, args...) }
func Internal(format string, args ...any) *Error     { return E(KindInternal, format, args...) }

// Transient wraps a store/bus/cache failure that the caller may retry.
func Transient(err error, format string, args ...any) *Error {
	e := E(KindTransient, format, args...)
	e.cause = err
	return e
}

// SignatureInvalid reports a verification failure at a batch index.
func SignatureInvalid(index int, format string, args ...any) *Error {
	e := E(KindSignatureInvalid, format, args...)
	e.Index = index
	return e
}

// RateLimited reports admission denial with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	e := E(KindRateLimited, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// KindOf extracts the kind from any error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

// AsError returns the typed error in the chain, wrapping foreign errors as
// internal so handlers always have a code and message to serialize.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return Internal("unexpected error").WithCause(err)
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindSignatureInvalid, KindTimestampOutOfWindow:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPublisherUnknown, KindNotFound:
		return http.StatusNotFound
	case KindPublisherInactive:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInsufficientSources:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
