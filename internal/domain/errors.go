package domain

import (
	"fmt"
	"net/http"
)

// Code is the machine-readable error kind reported to clients.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeConflict        Code = "CONFLICT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeSnapshotMissing Code = "SNAPSHOT_MISSING"
	CodeDomain          Code = "DOMAIN_ERROR"
)

// Status maps the code to an HTTP status.
func (c Code) Status() int {
	switch c {
	case CodeValidation, CodeDomain:
		return http.StatusBadRequest
	case CodeConflict, CodeSnapshotMissing:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is the coded error returned by every layer of the session engine.
type Error struct {
	Code    Code
	Message string
	// Reason carries the rule-engine reason code for denials.
	Reason  string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by code so callers can use errors.Is(err, domain.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrValidation      = &Error{Code: CodeValidation, Message: "validation error"}
	ErrConflict        = &Error{Code: CodeConflict, Message: "conflict"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrSnapshotMissing = &Error{Code: CodeSnapshotMissing, Message: "snapshot missing"}
	ErrDomain          = &Error{Code: CodeDomain, Message: "domain error"}
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message + ": " + cause.Error(), Cause: cause}
}

func Validationf(format string, args ...any) error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return New(CodeConflict, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func SnapshotMissingf(format string, args ...any) error {
	return New(CodeSnapshotMissing, fmt.Sprintf(format, args...))
}

func DomainErrorf(format string, args ...any) error {
	return New(CodeDomain, fmt.Sprintf(format, args...))
}

// RuleDenied reports a rule-engine denial as a validation error.
func RuleDenied(reason string, details map[string]any) error {
	return &Error{
		Code:    CodeValidation,
		Message: "rule denied: " + reason,
		Reason:  reason,
		Details: details,
	}
}
