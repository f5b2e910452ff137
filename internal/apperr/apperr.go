// Package apperr defines the stable error codes surfaced to clients over
// both the WebSocket error frame and the HTTP error body. Internal errors
// are wrapped with fmt.Errorf as usual; only failures that cross the API
// boundary are converted to *Error.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeNotAParticipant  Code = "NOT_A_PARTICIPANT"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeSessionNotActive Code = "SESSION_NOT_ACTIVE"
	CodeAlreadyInSession Code = "ALREADY_IN_SESSION"
	CodeMatchExpired     Code = "MATCH_EXPIRED"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeInvalidContent   Code = "INVALID_CONTENT"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeInternal         Code = "INTERNAL"
)

// Error is a user-facing error with a stable code and a human-readable
// message.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AuthRequired reports that the operation needs an authenticated user.
func AuthRequired() *Error {
	return New(CodeAuthRequired, "authentication required")
}

// NotAParticipant reports that the actor is not part of the session or ballot.
func NotAParticipant() *Error {
	return New(CodeNotAParticipant, "not a participant")
}

// Internal wraps an unexpected failure. The underlying error is kept out of
// the client-visible message.
func Internal() *Error {
	return New(CodeInternal, "internal error")
}

// Storage reports a durable-store failure.
func Storage() *Error {
	return New(CodeStorageFailure, "storage failure")
}

// CodeOf extracts the stable code from err. Unrecognised errors map to
// CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// MessageOf extracts the user-facing message from err. Unrecognised errors
// map to a generic message so internals never leak to clients.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
