// Package apierr defines the platform error taxonomy and its HTTP mapping.
// Admission and inline operations surface these to callers; background
// pipelines log and continue.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for recovery and surfacing decisions.
type Kind string

const (
	InvalidInput        Kind = "INVALID_INPUT"
	NotFound            Kind = "NOT_FOUND"
	Conflict            Kind = "CONFLICT"
	Forbidden           Kind = "FORBIDDEN"
	NoLicense           Kind = "NO_LICENSE"
	QuotaExceeded       Kind = "QUOTA_EXCEEDED"
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	StorageTransient    Kind = "STORAGE_TRANSIENT"
	EncodeDecode        Kind = "ENCODE_DECODE"
	Internal            Kind = "INTERNAL"
)

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind with a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps an error kind to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Forbidden, NoLicense, QuotaExceeded:
		return http.StatusForbidden
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the error kind permits retry with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case UpstreamUnavailable, StorageTransient:
		return true
	default:
		return false
	}
}
