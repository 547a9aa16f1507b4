// Package core provides the foundational types shared by the ToolBridge
// components.
//
// This package contains:
//   - Error: the structured, code-carrying error used across the module
//   - Timing: after-the-fact soft-SLA accounting attached to results
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes shared across the registry, converter, state machine, and
// persistence store. Codes are machine-readable; callers map them to
// protocol-level errors, this module never formats user-facing text.
const (
	// CodeInvalidName is returned when a tool name fails length/pattern checks.
	CodeInvalidName = "INVALID_NAME"
	// CodeInvalidSchema is returned when a parameter schema is malformed.
	CodeInvalidSchema = "INVALID_SCHEMA"
	// CodeInvalidVersion is returned when a version string is not MAJOR.MINOR.PATCH.
	CodeInvalidVersion = "INVALID_VERSION"
	// CodeInvalidInput is returned when a whole call is rejected up front.
	CodeInvalidInput = "INVALID_INPUT"
	// CodeDuplicateSchema is returned when a registration collides with an entry.
	CodeDuplicateSchema = "DUPLICATE_SCHEMA"
	// CodeCapacityExceeded is returned when a count or byte ceiling is hit.
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	// CodeNotFound is returned when a lookup misses.
	CodeNotFound = "NOT_FOUND"
	// CodeTimeout marks a soft SLA breach; the accompanying result is still valid.
	CodeTimeout = "TIMEOUT"
	// CodeInvalidTransition is returned for illegal state-machine moves.
	CodeInvalidTransition = "INVALID_TRANSITION"
	// CodeFidelityLost is returned when a conversion round trip drops data.
	CodeFidelityLost = "DATA_FIDELITY_LOST"
	// CodePersistenceFailed is returned for storage read/write failures.
	CodePersistenceFailed = "PERSISTENCE_FAILED"
	// CodeRecoveryFailed is returned when a backup restore cannot be trusted.
	CodeRecoveryFailed = "RECOVERY_FAILED"
)

// Error is a structured error that can flow across components and the
// embedding front end without losing its machine-readable code.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return CodeInvalidInput
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds an Error with the given code and formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{
		Code:    strings.TrimSpace(code),
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError builds an Error around a cause.
func WrapError(code string, cause error, format string, args ...any) *Error {
	err := NewError(code, format, args...)
	err.Cause = cause
	return err
}

// WithDetails attaches key/value diagnostics to an Error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e == nil || len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		e.Details[key] = value
	}
	return e
}

// ErrorCode extracts the code from an error, or "" when it carries none.
func ErrorCode(err error) string {
	var coreErr *Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return coreErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
