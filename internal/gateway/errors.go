package gateway

import (
	"fmt"
	"net/http"
)

// ErrorKind names a class of caller-visible failure.
type ErrorKind string

// Error kinds rendered in the "error" field of API error bodies.
const (
	KindAuthentication ErrorKind = "AuthenticationError"
	KindAuthorization  ErrorKind = "AuthorizationError"
	KindValidation     ErrorKind = "ValidationError"
	KindUpstream       ErrorKind = "UpstreamError"
	KindNotFound       ErrorKind = "NotFoundError"
	KindInternal       ErrorKind = "InternalError"
)

// Error is a failure with a caller-facing status and message. Err carries the
// internal cause for logging and is never rendered.
type Error struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the internal cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrAuthentication reports a missing credential.
func ErrAuthentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Status: http.StatusUnauthorized, Message: message}
}

// ErrAuthorization reports a credential outside the allow-list.
func ErrAuthorization(message string) *Error {
	return &Error{Kind: KindAuthorization, Status: http.StatusUnauthorized, Message: message}
}

// ErrRateLimited reports a client that exhausted its failed-attempt budget.
func ErrRateLimited(message string, retryAfterSeconds int) *Error {
	return &Error{
		Kind:       KindAuthorization,
		Status:     http.StatusTooManyRequests,
		Message:    message,
		RetryAfter: retryAfterSeconds,
	}
}

// ErrValidation reports a malformed request body.
func ErrValidation(message string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: message}
}

// ErrUpstream reports a failed dependency. status is the HTTP status relayed to the caller.
func ErrUpstream(status int, message string, err error) *Error {
	return &Error{Kind: KindUpstream, Status: status, Message: message, Err: err}
}

// ErrResourceNotFound reports an unknown route.
func ErrResourceNotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: message}
}

// ErrInternal reports an unexpected fault. The message is always generic.
func ErrInternal(err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal server error", Err: err}
}
