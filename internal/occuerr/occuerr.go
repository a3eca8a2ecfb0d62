// Package occuerr defines the error taxonomy shared across the occupancy
// subsystem and its stable wire codes.
package occuerr

import (
	"errors"
	"fmt"
)

// Code is a stable, user-visible error code.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeSensor          Code = "SENSOR_ERROR"
	CodeConnection      Code = "CONNECTION_ERROR"
	CodeDisconnect      Code = "DISCONNECT_ERROR"
	CodeNotConnected    Code = "NOT_CONNECTED"
	CodeBroadcastFailed Code = "BROADCAST_FAILED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error carries a code alongside the message so handlers can map failures
// to the uniform response envelope without string matching.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds a coded error around a cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Validation rejects bad input; never escalated to a crash.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound signals no reading exists yet for a space.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Sensor signals a sensor health failure ahead of a query.
func Sensor(format string, args ...any) *Error {
	return &Error{Code: CodeSensor, Message: fmt.Sprintf(format, args...)}
}

// Connection signals broker connectivity trouble with a subtype code.
func Connection(code Code, msg string, err error) *Error {
	switch code {
	case CodeConnection, CodeDisconnect, CodeNotConnected:
	default:
		code = CodeConnection
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// RateLimited signals a throttled real-time connection.
func RateLimited(msg string) *Error {
	return &Error{Code: CodeRateLimited, Message: msg}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// CodeOf extracts the stable code from any error; unknown errors map to
// INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts the user-facing message from any error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
