// result.go defines the typed outcome wrapper returned by every broker call.
//
// The broker layer never uses Go errors for flow control: each endpoint
// returns a Result[T] carrying either a value or a *Error with a kind from
// a closed taxonomy. The HTTP edge maps kinds to statuses, which keeps the
// CORS/JSON envelope intact even when the broker call fails.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed broker call. The set is closed; new kinds
// require an HTTP status mapping below.
type ErrorKind string

const (
	KindAuthFailed  ErrorKind = "AUTH_FAILED"
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindNetwork     ErrorKind = "NETWORK"
	KindBadRequest  ErrorKind = "BAD_REQUEST"
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindBroker      ErrorKind = "BROKER_ERROR"
	KindTimeout     ErrorKind = "TIMEOUT"
	KindCancelled   ErrorKind = "CANCELLED"
)

// HTTPStatus maps an error kind to the status the HTTP surface returns.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNetwork:
		return http.StatusBadGateway
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBroker:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failed broker outcome.
type Error struct {
	Kind      ErrorKind
	Message   string
	Status    int  // upstream HTTP status when one was observed, else 0
	Retriable bool // true when the REST client may retry the call
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the tagged outcome of a broker call: either a value or an error.
type Result[T any] struct {
	Value T
	Err   *Error
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps an error outcome.
func Fail[T any](err *Error) Result[T] {
	return Result[T]{Err: err}
}

// Failf builds a non-retriable error outcome from a kind and format string.
func Failf[T any](kind ErrorKind, format string, args ...any) Result[T] {
	return Result[T]{Err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// IsOK reports whether the call succeeded.
func (r Result[T]) IsOK() bool { return r.Err == nil }

// Errf builds a bare *Error.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// errFromContext classifies a context failure: deadline expiry is TIMEOUT,
// explicit cancellation is CANCELLED.
func errFromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "deadline exceeded", Retriable: true}
	}
	return &Error{Kind: KindCancelled, Message: "request cancelled"}
}

// errFromStatus classifies an upstream HTTP status. 429 and 408 are
// retriable; other 4xx are not.
func errFromStatus(status int, body string) *Error {
	e := &Error{Status: status, Message: body}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthFailed
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.Retriable = true
	case status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
		e.Retriable = true
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 400 && status < 500:
		e.Kind = KindBadRequest
	default:
		// 5xx surfaces as BROKER_ERROR. Retry is reserved for NETWORK,
		// RATE_LIMITED and TIMEOUT; a broker-side rejection is replayed
		// only by an explicit caller decision.
		e.Kind = KindBroker
	}
	return e
}
