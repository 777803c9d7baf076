// Package shared contains the identifiers, events and error kinds every
// domain package uses. It has no dependencies outside the standard library.
package shared

import (
	"errors"
	"strings"
)

// Error kinds. Callers match them with errors.Is; every DomainError carries
// exactly one.
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrInvalidID       = errors.New("invalid id")
	ErrInvalidInput    = errors.New("invalid input")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidState    = errors.New("invalid state")

	// ErrStoreContention is a lost row lock or serialization race; the
	// whole read-modify-write is safe to repeat.
	ErrStoreContention = errors.New("store contention")

	// ErrSessionConflict is a violated session invariant. The operation is
	// rejected, the process keeps running.
	ErrSessionConflict = errors.New("session conflict")

	// ErrExternalService is a collaborator failure (Redis, the gateway).
	ErrExternalService = errors.New("external service error")
)

// DomainError is an error kind plus where it happened.
type DomainError struct {
	Domain  string // "progress", "presence", "policy", ...
	Op      string
	Kind    error
	Message string
	Err     error // optional cause
}

func (e *DomainError) Error() string {
	var b strings.Builder
	b.WriteString(e.Domain)
	b.WriteByte('.')
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *DomainError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func domainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError attaches domain context and a kind to a backend error.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// Contention wraps a backend error as retryable store contention.
func Contention(op string, err error) error {
	return WrapError("progress", op, ErrStoreContention, "transient lock failure", err)
}

// ══════════════════════════════════════════════════════════════════════════════
// SENTINELS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrProgressNotFound = domainError("progress", "Find", ErrNotFound, "progress record not found")
	ErrInvalidExpDelta  = domainError("progress", "Validate", ErrInvalidInput, "exp delta must not be zero")
	ErrInvalidLevel     = domainError("progress", "Validate", ErrValueOutOfRange, "level out of range")
	ErrInvalidPoints    = domainError("progress", "Validate", ErrValueOutOfRange, "points must not be negative")
)

var (
	ErrInvalidMember     = domainError("presence", "Validate", ErrInvalidID, "user, guild and channel ids must be positive")
	ErrDuplicateSession  = domainError("presence", "Join", ErrSessionConflict, "a session already exists for this user")
	ErrRegistryClosed    = domainError("presence", "Admit", ErrInvalidState, "session registry is shut down")
	ErrNoPresenceChange  = domainError("presence", "Dispatch", ErrInvalidInput, "presence change has neither source nor target channel")
	ErrGuildNotMonitored = domainError("presence", "Resync", ErrNotFound, "guild has no policy channels")
)

var (
	ErrPolicyNotFound = domainError("policy", "Lookup", ErrNotFound, "channel has no reward policy")
	ErrInvalidPolicy  = domainError("policy", "Validate", ErrValidation, "invalid channel policy")
)

// ══════════════════════════════════════════════════════════════════════════════
// CLASSIFIERS
// ══════════════════════════════════════════════════════════════════════════════

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is a caller input problem.
func IsValidation(err error) bool {
	for _, kind := range []error{ErrValidation, ErrInvalidInput, ErrInvalidID, ErrValueOutOfRange} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsTransient reports whether a fresh read-modify-write may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreContention)
}

// IsConflict reports a session invariant violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSessionConflict)
}
