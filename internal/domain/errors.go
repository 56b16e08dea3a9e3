// Package domain provides the shared types and error taxonomy for the
// assist orchestration pipeline.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind categorizes a pipeline failure. The kind decides retry behavior
// and how (or whether) the failure is surfaced to the user.
type ErrorKind string

const (
	// KindRateLimited indicates admission was denied by the local token
	// bucket. Carries a retry-after hint; never reaches the completion API.
	KindRateLimited ErrorKind = "rate_limited"

	// KindCancelled indicates a user- or supersession-triggered cancel.
	// Never retried and never shown as an error.
	KindCancelled ErrorKind = "cancelled"

	// KindTransient indicates a timeout, 5xx, or network failure.
	// Retried up to the attempt cap, then surfaced.
	KindTransient ErrorKind = "transient"

	// KindClientRejected indicates a 4xx other than 429, or the AI
	// capability being disabled. Never retried, surfaced immediately.
	KindClientRejected ErrorKind = "client_rejected"

	// KindClassifierDegraded indicates an unparseable relevancy verdict.
	// Logged and defaulted to "relevant"; never surfaced to the user.
	KindClassifierDegraded ErrorKind = "classifier_degraded"
)

// Error is the canonical pipeline error. Producers tag failures with a kind
// so the retrier and the session controller can branch without string
// matching.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a pipeline error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithStatusCode sets the originating HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryAfter sets the retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// ErrRateLimited creates a rate-limit denial with a retry-after hint.
func ErrRateLimited(retryAfter time.Duration) *Error {
	return NewError(KindRateLimited, "too many requests, please wait").
		WithStatusCode(http.StatusTooManyRequests).
		WithRetryAfter(retryAfter)
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *Error {
	return NewError(KindCancelled, message)
}

// ErrTransient creates a retryable failure.
func ErrTransient(message string, cause error) *Error {
	return NewError(KindTransient, message).WithCause(cause)
}

// ErrClientRejected creates a non-retryable client-side failure.
func ErrClientRejected(message string) *Error {
	return NewError(KindClientRejected, message)
}

// FromStatusCode maps an HTTP status code from the completion API to a
// pipeline error. 429 and 5xx are transient; other 4xx are client
// rejections.
func FromStatusCode(status int, message string) *Error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return NewError(KindTransient, message).WithStatusCode(status)
	case status >= 400:
		return NewError(KindClientRejected, message).WithStatusCode(status)
	default:
		return NewError(KindTransient, message).WithStatusCode(status)
	}
}

// KindOf returns the kind of err if it is a pipeline error, or "" otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCancelled reports whether err represents a user- or
// supersession-triggered cancel, including raw context cancellation.
func IsCancelled(err error) bool {
	if KindOf(err) == KindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsRetryable is the default retry predicate: transient failures and
// timeouts retry, cancellations and client rejections do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancelled(err) {
		return false
	}
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindClientRejected, KindRateLimited, KindClassifierDegraded:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
