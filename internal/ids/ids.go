// Package ids mints the opaque fixed-width identifiers used for pools,
// PSI requests, responses, and federation instances. Match tokens,
// nullifiers, and keys are 32-byte cryptographic values handled directly by
// internal/crypto; these are administrative identifiers, not matching
// material.
package ids

import "github.com/google/uuid"

// PoolID uniquely identifies a pool.
type PoolID = uuid.UUID

// RequestID uniquely identifies a PSI request/response pair.
type RequestID = uuid.UUID

// InstanceID uniquely identifies a federation peer instance.
type InstanceID = uuid.UUID

// New mints a fresh random (version 4) identifier.
func New() uuid.UUID {
	return uuid.New()
}

// Parse parses a canonical string form identifier.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
