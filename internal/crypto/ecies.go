package crypto

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// EncryptedEnvelope is the wire shape of an authenticated encryption to a
// recipient's agreement public key: ephemeral public key, nonce, and
// AEAD ciphertext+tag. §9 substitutes a standard AEAD (AES-256-GCM) for the
// source's homegrown XOR-stream construction while preserving this shape.
type EncryptedEnvelope struct {
	EphemeralPublic []byte
	Nonce           []byte
	Ciphertext      []byte
}

// EncryptTo seals plaintext to recipientPublic using an ephemeral X25519
// keypair, HKDF-SHA-256 key derivation, and AES-256-GCM.
func EncryptTo(recipientPublic []byte, plaintext []byte) (*EncryptedEnvelope, error) {
	recipPub, err := ParseAgreementPublicKey(recipientPublic)
	if err != nil {
		return nil, err
	}
	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared, err := eph.ECDH(recipPub)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	key, err := hkdf.Key(sha256.New, shared, nonce, domainEncrypt, 32)
	if err != nil {
		return nil, err
	}

	gcmNonce, ciphertext, err := sealAEAD(key, plaintext)
	if err != nil {
		return nil, err
	}
	// Fold the random GCM nonce into the envelope nonce field so the wire
	// shape stays (ephemeral-pk, nonce, ciphertext+tag): the HKDF salt and
	// the AEAD nonce are independent 12-byte strings, concatenated here.
	return &EncryptedEnvelope{
		EphemeralPublic: eph.PublicKey().Bytes(),
		Nonce:           append(nonce, gcmNonce...),
		Ciphertext:      ciphertext,
	}, nil
}

// DecryptFrom opens an envelope produced by EncryptTo using the recipient's
// private key. Fails closed (no plaintext is returned) on any tag mismatch.
func DecryptFrom(recipientPrivate []byte, env *EncryptedEnvelope) ([]byte, error) {
	priv, err := ParseAgreementPrivateKey(recipientPrivate)
	if err != nil {
		return nil, err
	}
	ephPub, err := ParseAgreementPublicKey(env.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != 24 {
		return nil, fmt.Errorf("rendezvous/crypto: malformed envelope nonce")
	}
	hkdfSalt, gcmNonce := env.Nonce[:12], env.Nonce[12:]

	key, err := hkdf.Key(sha256.New, shared, hkdfSalt, domainEncrypt, 32)
	if err != nil {
		return nil, err
	}

	return openAEAD(key, gcmNonce, env.Ciphertext)
}

// SealReveal encrypts a reveal-on-match payload under the match token
// itself: only a party that can independently derive the same token can
// decrypt it. Envelope = nonce || ciphertext || tag (AES-256-GCM).
func SealReveal(matchToken, plaintext []byte) ([]byte, error) {
	if len(matchToken) != KeySize {
		return nil, fmt.Errorf("rendezvous/crypto: match token must be %d bytes", KeySize)
	}
	nonce, ciphertext, err := sealAEAD(matchToken, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// OpenReveal decrypts a payload sealed with SealReveal.
func OpenReveal(matchToken, envelope []byte) ([]byte, error) {
	if len(matchToken) != KeySize {
		return nil, fmt.Errorf("rendezvous/crypto: match token must be %d bytes", KeySize)
	}
	const nonceSize = 12
	if len(envelope) < nonceSize {
		return nil, fmt.Errorf("rendezvous/crypto: envelope too short")
	}
	nonce, ciphertext := envelope[:nonceSize], envelope[nonceSize:]
	return openAEAD(matchToken, nonce, ciphertext)
}
