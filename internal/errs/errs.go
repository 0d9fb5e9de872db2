// Package errs defines the control plane error taxonomy. Every public
// operation returns errors classified by Kind so the API layer can map them
// to status codes and callers can decide whether a retry is worthwhile.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an operational error.
type Kind string

const (
	KindValidation  Kind = "validation"      // malformed input, unknown capability, invalid transition
	KindPolicy      Kind = "policy"          // quota exceeded, missing/expired/consumed approval, duplicate name
	KindFrozen      Kind = "frozen"          // target agent, module, or system is frozen
	KindNotFound    Kind = "not_found"       // unknown agent/notification/approval
	KindConflict    Kind = "conflict"        // concurrent audit append; retry with backoff
	KindIntegrity   Kind = "audit_integrity" // hash chain mismatch; escalates to system freeze
	KindUnavailable Kind = "unavailable"     // audit store or freeze registry unreachable; fail closed
	KindInternal    Kind = "internal"
)

// Error carries a Kind alongside the message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a formatted error of the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the operation.
// Only conflicts are retryable; unavailable means fail closed.
func Retryable(err error) bool {
	return IsKind(err, KindConflict)
}
