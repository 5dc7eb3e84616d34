// Package apperr defines the error taxonomy shared by every service in the
// system. Errors carry a Kind that drives retry and cleanup decisions, and an
// optional correlation ID so user-facing surfaces never need to expose raw
// upstream messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and retry policy.
type Kind string

const (
	// KindValidation marks bad input shape, size, or content. Not retried.
	KindValidation Kind = "validation"
	// KindForbidden marks a tenant scope mismatch or a disabled tenant. Not retried.
	KindForbidden Kind = "forbidden"
	// KindNotFound marks a missing entity. Not retried.
	KindNotFound Kind = "not_found"
	// KindRateLimited marks a rejected request per rate policy. The caller decides.
	KindRateLimited Kind = "rate_limited"
	// KindTransientUpstream marks a retryable upstream failure (OCR, embedding,
	// LLM, cache, metadata store).
	KindTransientUpstream Kind = "transient_upstream"
	// KindPermanentUpstream marks an upstream rejection of our schema or format.
	// Not retried.
	KindPermanentUpstream Kind = "permanent_upstream"
	// KindCancelled marks a deadline expiry or explicit cancellation. Not retried.
	KindCancelled Kind = "cancelled"
	// KindInternal marks a bug. Not retried; fatal to the current request only.
	KindInternal Kind = "internal"
)

// Error is a classified error. The zero value is not usable; construct with New
// or Wrap.
type Error struct {
	Kind Kind
	// Msg is safe to surface to callers.
	Msg string
	// Err is the underlying cause; never shown to end users.
	Err error
	// CorrelationID ties the error to a request for log lookup.
	CorrelationID string
	// RetryAfter is a hint for rate-limited callers.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a caller-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted caller-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. The message is caller-safe; err is kept
// only for logs.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, unwrapping as needed. Unclassified errors are
// internal; context cancellation and deadline expiry map to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the classification permits another attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientUpstream
}

// WithCorrelation attaches a correlation ID, preserving classification.
func WithCorrelation(err error, correlationID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		e.CorrelationID = correlationID
		return e
	}
	return &Error{Kind: KindInternal, Msg: "internal error", Err: err, CorrelationID: correlationID}
}

