package browser

import (
	"context"
	"errors"
	"fmt"
)

const (
	CodeValidation        = "VALIDATION"
	CodeSession           = "SESSION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeDaemonUnreachable = "DAEMON_UNREACHABLE"
	CodeProtocol          = "PROTOCOL_ERROR"
	CodeLimit             = "LIMIT"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// CodedError is a typed error used for stable IPC and exit-code mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// SessionError wraps a browser failure. Callers may retry.
func SessionError(msg string, cause error) error {
	return NewError(CodeSession, msg, cause)
}

// NotFound reports a missing tab, profile or snapshot.
func NotFound(msg string) error {
	return NewError(CodeNotFound, msg, nil)
}

// Validation reports a bad request parameter.
func Validation(msg string) error {
	return NewError(CodeValidation, msg, nil)
}

// CodeOf returns the code of the first *CodedError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// IsTimeout reports whether err is a session error caused by a deadline.
func IsTimeout(err error) bool {
	return HasCode(err, CodeSession) && errors.Is(err, context.DeadlineExceeded)
}
