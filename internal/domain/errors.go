package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of failure categories the orchestrator
// surfaces. Every error crossing a component boundary carries exactly one
// kind.
type ErrorKind string

const (
	// ErrInvalidRequest marks malformed input: empty message list, unknown
	// model, contract mismatch. Never retried.
	ErrInvalidRequest ErrorKind = "invalid-request"

	// ErrBackendUnavailable marks a transient backend failure: network error,
	// 5xx, single-attempt timeout. Retried via the cascade.
	ErrBackendUnavailable ErrorKind = "backend-unavailable"

	// ErrRateLimited is transient with a backoff recommendation. Retried.
	ErrRateLimited ErrorKind = "rate-limited"

	// ErrQuotaExhausted is permanent for the backend within this request;
	// the cascade proceeds to other backends without retrying this one.
	ErrQuotaExhausted ErrorKind = "quota-exhausted"

	// ErrCancelled is cooperative cancellation, surfaced as-is.
	ErrCancelled ErrorKind = "cancelled"

	// ErrDeadlineExceeded is the per-request timeout, surfaced as-is.
	ErrDeadlineExceeded ErrorKind = "deadline-exceeded"

	// ErrSynthesisFailed means the cascade exhausted every candidate on
	// retryable errors.
	ErrSynthesisFailed ErrorKind = "synthesis-failed"
)

// Error is the tagged error type used across component boundaries.
// RetryAfter is a backoff recommendation carried by rate-limit rejections;
// zero means none was given.
type Error struct {
	Kind       ErrorKind
	Backend    Backend
	ModelID    string
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s (backend=%s model=%s)", e.Kind, msg, e.Backend, e.ModelID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged error from a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error with a kind and backend attribution.
func WrapError(kind ErrorKind, backend Backend, modelID string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, ModelID: modelID, Err: err}
}

// KindOf extracts the kind of err, translating context errors to their
// orchestrator kinds. Unknown errors report as backend-unavailable, the
// conservative retryable default.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return ErrBackendUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// RetryAfterOf extracts the backoff recommendation from err, or zero.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the cascade may advance past err to another
// attempt. Rate limits and transient backend failures are retryable; quota
// exhaustion advances without retrying the same backend, and everything else
// stops the cascade.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrRateLimited, ErrBackendUnavailable:
		return true
	}
	return false
}

// IsInvalidRequest reports whether err is a caller error.
func IsInvalidRequest(err error) bool { return IsKind(err, ErrInvalidRequest) }

// IsCancelled reports whether err is cooperative cancellation.
func IsCancelled(err error) bool { return IsKind(err, ErrCancelled) }
