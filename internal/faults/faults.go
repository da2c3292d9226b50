package faults

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure surfaced at the service boundary.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodePoolExhausted    Code = "POOL_EXHAUSTED"
	CodeInitFailed       Code = "INIT_FAILED"
	CodeConnectionStale  Code = "CONNECTION_STALE"
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeAuthTimeout      Code = "AUTH_TIMEOUT"
	CodeAuthFailed       Code = "AUTH_FAILED"
	CodeShuttingDown     Code = "SHUTTING_DOWN"
)

// Error is a structured application error carrying a boundary code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new error with a code
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from an error chain, defaulting to UNKNOWN.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodePoolExhausted, CodeExecutionTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a code to the HTTP status used at the boundary.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidInput:
		return 400
	case CodeAuthRequired, CodeAuthTimeout, CodeAuthFailed:
		return 401
	case CodeExecutionTimeout:
		return 408
	case CodePoolExhausted:
		return 429
	case CodeShuttingDown:
		return 503
	default:
		return 500
	}
}
