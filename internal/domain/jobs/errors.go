package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode standardizes registry failure semantics surfaced to callers.
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "not_found"
	CodeConflict          ErrorCode = "conflict"
	CodeIllegalTransition ErrorCode = "illegal_transition"
	CodePipelinePaused    ErrorCode = "pipeline_paused"
	CodeContended         ErrorCode = "contended"
	CodeTerminal          ErrorCode = "terminal"
	CodeUnavailable       ErrorCode = "unavailable"
	CodeBadRequest        ErrorCode = "bad_request"
)

// Error is the canonical registry error wrapper.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a registry error with explicit code + operation.
func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// Wrap annotates an existing error with registry error semantics.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(code, op, err.Error(), err)
}

// IsCode checks whether err (or a wrapped err) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var regErr *Error
	if !errors.As(err, &regErr) {
		return false
	}
	return regErr.Code == code
}

// CodeOf extracts the registry error code when available.
func CodeOf(err error) ErrorCode {
	var regErr *Error
	if !errors.As(err, &regErr) {
		return ""
	}
	return regErr.Code
}
