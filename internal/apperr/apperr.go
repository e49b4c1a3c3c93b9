// Package apperr defines the controller's error taxonomy. Kinds classify
// failures for metrics and propagation policy rather than identifying a Go
// type; callers wrap a cause with a kind and inspect it with Is.
package apperr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is one of the error classes the control plane distinguishes at its
// propagation boundaries.
type Kind string

const (
	KindConfigInvalid       Kind = "config_invalid"
	KindUnauthorized        Kind = "unauthorized"
	KindExternalUnavailable Kind = "external_unavailable"
	KindTransient           Kind = "transient"
	KindAgentTimeout        Kind = "agent_timeout"
	KindResultInvalid       Kind = "result_invalid"
	KindLoopBreak           Kind = "loop_break"
	KindDuplicateSuppressed Kind = "duplicate_suppressed"
)

// kindError pairs a Kind with a pkg/errors-wrapped cause, giving call sites
// a concrete classification to switch on while keeping the underlying error
// chain intact.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return string(e.kind) + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }

// New wraps cause with kind, adding msg as additional context via pkg/errors.
func New(kind Kind, cause error, msg string) error {
	wrapped := cause
	switch {
	case cause == nil && msg != "":
		wrapped = pkgerrors.New(msg)
	case msg != "":
		wrapped = pkgerrors.Wrap(cause, msg)
	}
	return &kindError{kind: kind, cause: wrapped}
}

// Newf is New with a formatted message.
func Newf(kind Kind, cause error, format string, args ...any) error {
	return New(kind, cause, fmt.Sprintf(format, args...))
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or "" if none is attached.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}
