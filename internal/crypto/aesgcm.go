package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// sealAEAD is the AES-256-GCM primitive shared by the two envelope formats
// in ecies.go: EncryptTo's ECIES-style agreement-key sealing and
// SealReveal's reveal-on-match payload, both keyed differently but sealed
// the same way.
func sealAEAD(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// openAEAD reverses sealAEAD, failing closed on any tag mismatch.
func openAEAD(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("rendezvous/crypto: invalid AEAD nonce size")
	}

	return aead.Open(nil, nonce, ciphertext, nil)
}
