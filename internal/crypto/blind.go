package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
)

/* -------------------------------------------------------------------------- */
/*         Owner-held-key PSI: hash-to-point and commutative blinding         */
/* -------------------------------------------------------------------------- */

// HashTokenToPoint maps a hex-encoded match token onto a point on
// edwards25519, giving the PSI protocol a group element to blind instead of
// a bare byte string.
func HashTokenToPoint(token string) *edwards25519.Point {
	h := sha256.Sum256([]byte(token))
	scalar, err := new(edwards25519.Scalar).SetCanonicalBytes(h[:])
	if err != nil {
		// The digest landed outside the field's canonical range; reduce it
		// instead. SetUniformBytes never fails on a 32-byte input.
		scalar, _ = new(edwards25519.Scalar).SetUniformBytes(h[:])
	}
	return new(edwards25519.Point).ScalarBaseMult(scalar)
}

// NewBlindingFactor draws a uniformly-random scalar for use as a client's
// one-time query blind or the owner's long-lived PSI setup secret.
func NewBlindingFactor() (*edwards25519.Scalar, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("rendezvous/crypto: read blinding factor entropy: %w", err)
	}
	s, err := new(edwards25519.Scalar).SetUniformBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("rendezvous/crypto: reduce blinding factor: %w", err)
	}
	return s, nil
}

// BlindToken produces the client's first-round message for a candidate
// point P: Q = r·P. The caller must retain r (never transmitted) to later
// strip it back off the owner's response.
func BlindToken(p *edwards25519.Point) (blinded *edwards25519.Point, factor *edwards25519.Scalar, err error) {
	r, err := NewBlindingFactor()
	if err != nil {
		return nil, nil, err
	}
	return new(edwards25519.Point).ScalarMult(r, p), r, nil
}

// ApplyServerSecret folds the owner's PSI setup secret s into a
// client-blinded point without the owner ever learning the client's blind
// or the underlying candidate: Q' = s·Q.
func ApplyServerSecret(blinded *edwards25519.Point, serverSecret *edwards25519.Scalar) *edwards25519.Point {
	return new(edwards25519.Point).ScalarMult(serverSecret, blinded)
}

// RemoveBlindingFactor recovers s·P from the owner's doubly-exponentiated
// response Q' = s·r·P, given the factor r the client kept from BlindToken:
// P' = r⁻¹·Q'.
func RemoveBlindingFactor(doubleBlinded *edwards25519.Point, factor *edwards25519.Scalar) *edwards25519.Point {
	rInv := new(edwards25519.Scalar).Invert(factor)
	return new(edwards25519.Point).ScalarMult(rInv, doubleBlinded)
}

/* -------------------------------------------------------------------------- */
/*                   Comparable fingerprint for set membership                */
/* -------------------------------------------------------------------------- */

// PointFingerprint collapses a group element to a 32-byte value that both
// sides of the PSI protocol can compare for set membership once unblinded.
func PointFingerprint(pt *edwards25519.Point) []byte {
	h := sha256.Sum256(pt.Bytes())
	return h[:]
}
