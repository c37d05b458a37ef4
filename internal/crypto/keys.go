// Package crypto implements the cryptographic primitives of the matching
// protocol: agreement keypairs, match-token derivation, commitments,
// nullifiers, authenticated encryption, and signed request envelopes.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// Domain separators. Fixed, disjoint, ASCII. Changing any of these requires
// a protocol version bump.
const (
	domainMatchToken = "rendezvous-match-v1"
	domainNullifier  = "rendezvous-nullifier-v1"
	domainEncrypt    = "rendezvous-encrypt-v1"
	domainSign       = "rendezvous-sign-v1"
)

// KeySize is the length in bytes of every agreement key, token, commitment
// and nullifier in the protocol.
const KeySize = 32

var curve = ecdh.X25519()

// AgreementKeyPair is an X25519 keypair used for match-token derivation.
type AgreementKeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateAgreementKeyPair produces a uniformly random X25519 keypair.
func GenerateAgreementKeyPair() (*AgreementKeyPair, error) {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &AgreementKeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ParseAgreementPrivateKey validates and parses a 32-byte X25519 scalar.
func ParseAgreementPrivateKey(b []byte) (*ecdh.PrivateKey, error) {
	if len(b) != KeySize {
		return nil, ErrInvalidPrivateKey
	}
	priv, err := curve.NewPrivateKey(b)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return priv, nil
}

// ParseAgreementPublicKey validates and parses a 32-byte X25519 public key.
// Any byte string that is not exactly 32 bytes is rejected; not every
// 32-byte string is a valid point, so the underlying X25519 parse is the
// final arbiter.
func ParseAgreementPublicKey(b []byte) (*ecdh.PublicKey, error) {
	if len(b) != KeySize {
		return nil, ErrInvalidPublicKey
	}
	pub, err := curve.NewPublicKey(b)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// Sentinel errors for the crypto package's error taxonomy (§7).
var (
	ErrInvalidPublicKey  = errors.New("INVALID_PUBLIC_KEY")
	ErrInvalidPrivateKey = errors.New("INVALID_PRIVATE_KEY")
)

// DeriveMatchToken computes the 32-byte match token for mySecret selecting
// theirPublic within poolID: H(DH(mySecret, theirPublic) || poolID || domain).
//
// The critical property is symmetry: if A selects B and B selects A within
// the same pool, DeriveMatchToken(A.sk, B.pk, pool) == DeriveMatchToken(B.sk,
// A.pk, pool), because X25519 shared secrets are commutative.
func DeriveMatchToken(mySecret *ecdh.PrivateKey, theirPublic *ecdh.PublicKey, poolID []byte) ([]byte, error) {
	shared, err := mySecret.ECDH(theirPublic)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(shared)
	h.Write(poolID)
	h.Write([]byte(domainMatchToken))
	sum := h.Sum(nil)
	return sum, nil
}

// Commit returns H(token), the commitment posted during the commit phase.
func Commit(token []byte) []byte {
	sum := sha256.Sum256(token)
	return sum[:]
}

// VerifyCommit reports whether token hashes to commitment, in constant time.
func VerifyCommit(token, commitment []byte) bool {
	got := Commit(token)
	return subtle.ConstantTimeCompare(got, commitment) == 1
}

// DeriveNullifier computes a deterministic per-participant, per-pool value
// used to detect duplicate submissions without revealing identity.
func DeriveNullifier(mySecret *ecdh.PrivateKey, poolID []byte) []byte {
	h := sha256.New()
	h.Write(mySecret.Bytes())
	h.Write(poolID)
	h.Write([]byte(domainNullifier))
	sum := h.Sum(nil)
	return sum
}

// ConstantTimeEqual compares two byte strings without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
