// Package models defines error kinds shared across SalonPipe components.
package models

import (
	"errors"
	"fmt"
)

// ErrorKind tags an error with the way the turn handling should react to it.
type ErrorKind string

const (
	KindDuplicateMessage    ErrorKind = "duplicate_message"
	KindUnknownTenant       ErrorKind = "unknown_tenant"
	KindMisconfiguredTenant ErrorKind = "misconfigured_tenant"
	KindRateLimited         ErrorKind = "rate_limited"
	KindTransport           ErrorKind = "transport"
	KindValidation          ErrorKind = "validation"
	KindToolDomain          ErrorKind = "tool_domain"
	KindInvariantViolation  ErrorKind = "invariant_violation"
	KindTimeout             ErrorKind = "timeout"
	KindPersistence         ErrorKind = "persistence"
	KindInternal            ErrorKind = "internal"
)

// Sentinel errors for use with errors.Is.
var (
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrTenantMisconfigured  = errors.New("tenant misconfigured")
	ErrQueueFull            = errors.New("queue full")
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationCorrupt marks stored history that no longer decodes.
	ErrConversationCorrupt = errors.New("conversation corrupt")
)

// Error is a tagged error crossing component boundaries.
type Error struct {
	Kind ErrorKind
	Op   string
	// Code is the booking backend result code for KindToolDomain errors.
	Code int
	Hint string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error with a formatted cause.
func Errorf(kind ErrorKind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first tagged error in err's chain, or
// KindInternal when none is present.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
