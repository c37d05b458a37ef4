package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SigningKeyPair is an Ed25519 keypair used for administrative actions
// (pool owner authentication) and federation handshakes.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateSigningKeyPair produces a new Ed25519 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Private: priv, Public: pub}, nil
}

// Sign signs msg under domain separation: sig = Ed25519(H(domain || msg), sk).
func Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domainSign))
	h.Write(msg)
	return ed25519.Sign(sk, h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	h := sha256.New()
	h.Write([]byte(domainSign))
	h.Write(msg)
	return ed25519.Verify(pk, h.Sum(nil), sig)
}

// SignedEnvelopeSkew is the maximum tolerated clock skew for a signed
// request envelope (§4.1).
const SignedEnvelopeSkew = 5 * time.Minute

// SignRequest produces a signature over "action:poolID:timestampMillis" for
// an owner-authenticated administrative action.
func SignRequest(sk ed25519.PrivateKey, action string, poolID []byte, timestampMillis int64) []byte {
	msg := envelopeMessage(action, poolID, timestampMillis)
	return Sign(sk, msg)
}

// VerifyRequest checks the signature and that |now - timestamp| is within
// SignedEnvelopeSkew.
func VerifyRequest(pk ed25519.PublicKey, action string, poolID []byte, timestampMillis int64, sig []byte, now time.Time) bool {
	msg := envelopeMessage(action, poolID, timestampMillis)
	if !Verify(pk, msg, sig) {
		return false
	}
	ts := time.UnixMilli(timestampMillis)
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= SignedEnvelopeSkew
}

func envelopeMessage(action string, poolID []byte, timestampMillis int64) []byte {
	var b strings.Builder
	b.WriteString(action)
	b.WriteByte(':')
	b.WriteString(fmt.Sprintf("%x", poolID))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(timestampMillis, 10))
	return []byte(b.String())
}
