// Package rzerr defines the stable error taxonomy of the matching core.
// Every failure surfaced by the library is one of these codes.
package rzerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	PoolNotFound         Code = "POOL_NOT_FOUND"
	PoolClosed           Code = "POOL_CLOSED"
	PoolNotInCommitPhase Code = "POOL_NOT_IN_COMMIT_PHASE"
	PoolNotInRevealPhase Code = "POOL_NOT_IN_REVEAL_PHASE"

	AlreadyRegistered   Code = "ALREADY_REGISTERED"
	ParticipantNotFound Code = "PARTICIPANT_NOT_FOUND"

	DuplicateNullifier       Code = "DUPLICATE_NULLIFIER"
	PreferenceLimitExceeded  Code = "PREFERENCE_LIMIT_EXCEEDED"
	InvalidEligibilityProof  Code = "INVALID_ELIGIBILITY_PROOF"

	CommitmentNotFound  Code = "COMMITMENT_NOT_FOUND"
	CommitmentMismatch  Code = "COMMITMENT_MISMATCH"

	InvalidPublicKey  Code = "INVALID_PUBLIC_KEY"
	InvalidPrivateKey Code = "INVALID_PRIVATE_KEY"

	InvalidInput   Code = "INVALID_INPUT"
	InternalError  Code = "INTERNAL_ERROR"
)

// Error is the typed error value returned by core operations. It carries a
// stable Code plus a human-readable message and, optionally, the underlying
// cause for %w-unwrapping.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err is an *Error with the given code, so callers can
// write `errors.Is`-style checks against a sentinel built from a code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// InternalError otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}
