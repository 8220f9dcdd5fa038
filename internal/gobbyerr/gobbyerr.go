// Package gobbyerr defines the closed set of error kinds used across the
// daemon (storage, workflow evaluation, MCP proxying, action execution).
// Callers classify failures with errors.As against *Error rather than
// string-matching: the usual fmt.Errorf wrapping stays, with a shared,
// inspectable Kind layered on top.
package gobbyerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed error kinds.
type Kind string

const (
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	InvalidInput       Kind = "invalid_input"
	PermissionDenied   Kind = "permission_denied"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Timeout            Kind = "timeout"
	StorageError       Kind = "storage_error"
	WorkflowLoadError  Kind = "workflow_load_error"
	EvaluationError    Kind = "evaluation_error"
	ActionError        Kind = "action_error"
	Cancelled          Kind = "cancelled"
)

// Error is a typed error carrying one of the closed Kinds plus an
// optional wrapped cause and a user-safe message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error with the given kind, message, and wrapped cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
