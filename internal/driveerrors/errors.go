// Package driveerrors defines the closed error taxonomy shared by every
// layer of the SDK. It is grounded in rclone's fs/fserrors: a typed
// wrapper with a Cause-style unwrap, ShouldRetry classification and
// RetryAfter support, but the Kind set and retry policy follow the
// SDK's own taxonomy rather than a generic filesystem one.
package driveerrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of error categories the SDK ever returns.
type Kind int

const (
	// Abort indicates the operation was cancelled; never retried, never
	// reported as a telemetry error.
	Abort Kind = iota
	// Validation indicates inputs violated a precondition.
	Validation
	// Offline indicates the fetcher reported no network connectivity.
	Offline
	// Timeout indicates a request exceeded its deadline.
	Timeout
	// Network indicates a non-timeout transport fault.
	Network
	// RateLimited indicates the 429 circuit breaker has tripped.
	RateLimited
	// ServerError indicates the 5xx circuit breaker tripped, or a
	// non-retryable 5xx was returned.
	ServerError
	// APIHTTPError indicates a non-2xx response without a typed JSON body.
	APIHTTPError
	// APICodeError indicates a typed JSON error envelope.
	APICodeError
	// NotFound is the APICodeError(2501) specialization.
	NotFound
	// Decryption indicates an OpenPGP failure in any field.
	Decryption
	// Verification indicates a missing or invalid signature, wrapped for
	// telemetry; decryption helpers never throw this directly.
	Verification
	// Integrity indicates a SHA-1 or size mismatch, or a block verifier
	// rejection.
	Integrity
)

func (k Kind) String() string {
	switch k {
	case Abort:
		return "abort"
	case Validation:
		return "validation"
	case Offline:
		return "offline"
	case Timeout:
		return "timeout"
	case Network:
		return "network"
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	case APIHTTPError:
		return "api_http_error"
	case APICodeError:
		return "api_code_error"
	case NotFound:
		return "not_found"
	case Decryption:
		return "decryption_error"
	case Verification:
		return "verification_error"
	case Integrity:
		return "integrity_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across the SDK boundary.
type Error struct {
	Kind       Kind
	StatusCode int    // APIHTTPError
	Code       int    // APICodeError
	Message    string
	Err        error
	retryAfter *time.Time
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause so errors.Is/As work across the SDK.
func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind wrapping err (which may be nil).
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRetryAfter attaches a server-specified retry-after instant.
func (e *Error) WithRetryAfter(t time.Time) *Error {
	e.retryAfter = &t
	return e
}

// WithStatusCode attaches the HTTP status code an APIHTTPError/
// ServerError wraps.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithCode attaches the API envelope Code an APICodeError wraps.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ShouldRetry classifies whether a layer above the API transport should
// attempt the call again, independent of the retry matrix's own bookkeeping
// (§4.B): Offline/Timeout/Network/RateLimited/ServerError are candidates,
// everything else is not.
func ShouldRetry(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case Offline, Timeout, Network, RateLimited, ServerError:
		return true
	default:
		return false
	}
}

// IsRetryAfterError reports whether err carries a server-specified
// retry-after instant (set via WithRetryAfter, typically on a 429).
func IsRetryAfterError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.retryAfter != nil
	}
	return false
}

// RetryAfterErrorTime returns the retry-after instant carried by err, or
// the zero time if err carries none.
func RetryAfterErrorTime(err error) time.Time {
	var e *Error
	if errors.As(err, &e) && e.retryAfter != nil {
		return *e.retryAfter
	}
	return time.Time{}
}

// ContextError checks ctx for cancellation/deadline and, if the context is
// done and *err is nil, sets *err to an Abort/Timeout error accordingly.
// Returns true if *err is non-nil after the check.
func ContextError(ctx context.Context, err *error) bool {
	if *err != nil {
		return true
	}
	select {
	case <-ctx.Done():
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			*err = New(Timeout, "context deadline exceeded", cause)
		} else {
			*err = New(Abort, "context cancelled", cause)
		}
		return true
	default:
		return false
	}
}

// AsTelemetryErrorKind maps an error to the closed telemetry error-kind set
// used by download/upload completion events (§4.G, §4.H): one of
// rate_limited | decryption_error | integrity_error | 4xx | 5xx |
// server_error | network_error | unknown. Abort and Validation are never
// reported (caller must filter those before calling this).
func AsTelemetryErrorKind(err error) string {
	kind, ok := KindOf(err)
	if !ok {
		return "unknown"
	}
	switch kind {
	case RateLimited:
		return "rate_limited"
	case Decryption:
		return "decryption_error"
	case Integrity, Verification:
		return "integrity_error"
	case APIHTTPError:
		var e *Error
		if errors.As(err, &e) {
			if e.StatusCode >= 400 && e.StatusCode < 500 {
				return "4xx"
			}
			if e.StatusCode >= 500 {
				return "5xx"
			}
		}
		return "unknown"
	case ServerError:
		return "server_error"
	case Offline, Timeout, Network:
		return "network_error"
	default:
		return "unknown"
	}
}
