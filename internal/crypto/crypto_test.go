package crypto

import (
	"bytes"
	"testing"
	"time"
)

func mustKeyPair(t *testing.T) *AgreementKeyPair {
	t.Helper()
	kp, err := GenerateAgreementKeyPair()
	if err != nil {
		t.Fatalf("GenerateAgreementKeyPair: %v", err)
	}
	return kp
}

func TestMatchTokenSymmetry(t *testing.T) {
	a := mustKeyPair(t)
	b := mustKeyPair(t)
	poolID := []byte("pool-1")

	tokenAB, err := DeriveMatchToken(a.Private, b.Public, poolID)
	if err != nil {
		t.Fatalf("derive A->B: %v", err)
	}
	tokenBA, err := DeriveMatchToken(b.Private, a.Public, poolID)
	if err != nil {
		t.Fatalf("derive B->A: %v", err)
	}
	if !bytes.Equal(tokenAB, tokenBA) {
		t.Fatalf("match tokens differ: %x != %x", tokenAB, tokenBA)
	}

	c := mustKeyPair(t)
	tokenAC, _ := DeriveMatchToken(a.Private, c.Public, poolID)
	if bytes.Equal(tokenAB, tokenAC) {
		t.Fatal("different selected party produced the same token")
	}

	tokenAB2, _ := DeriveMatchToken(a.Private, b.Public, []byte("pool-2"))
	if bytes.Equal(tokenAB, tokenAB2) {
		t.Fatal("different pool id produced the same token")
	}
}

func TestNullifierDeterminism(t *testing.T) {
	a := mustKeyPair(t)
	n1 := DeriveNullifier(a.Private, []byte("pool-1"))
	n2 := DeriveNullifier(a.Private, []byte("pool-1"))
	if !bytes.Equal(n1, n2) {
		t.Fatal("nullifier not deterministic")
	}
	n3 := DeriveNullifier(a.Private, []byte("pool-2"))
	if bytes.Equal(n1, n3) {
		t.Fatal("nullifier did not change with pool id")
	}
	b := mustKeyPair(t)
	n4 := DeriveNullifier(b.Private, []byte("pool-1"))
	if bytes.Equal(n1, n4) {
		t.Fatal("nullifier did not change with secret key")
	}
}

func TestCommitRoundTrip(t *testing.T) {
	token := bytes.Repeat([]byte{0x42}, KeySize)
	commitment := Commit(token)
	if !VerifyCommit(token, commitment) {
		t.Fatal("commitment failed to verify against its own token")
	}
	other := bytes.Repeat([]byte{0x43}, KeySize)
	if VerifyCommit(other, commitment) {
		t.Fatal("commitment verified against a different token")
	}
}

func TestParseAgreementPublicKeyRejectsBadLength(t *testing.T) {
	if _, err := ParseAgreementPublicKey(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := ParseAgreementPublicKey(make([]byte, 64)); err == nil {
		t.Fatal("expected error for long key")
	}
	kp := mustKeyPair(t)
	if _, err := ParseAgreementPublicKey(kp.Public.Bytes()); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	recipient := mustKeyPair(t)
	msg := []byte("hello rendezvous")

	env, err := EncryptTo(recipient.Public.Bytes(), msg)
	if err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	got, err := DecryptFrom(recipient.Private.Bytes(), env)
	if err != nil {
		t.Fatalf("DecryptFrom: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", got, msg)
	}

	// Flipping a ciphertext byte must cause decryption to fail.
	tampered := *env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF
	if _, err := DecryptFrom(recipient.Private.Bytes(), &tampered); err == nil {
		t.Fatal("decryption succeeded on tampered ciphertext")
	}
}

func TestSealOpenReveal(t *testing.T) {
	token := bytes.Repeat([]byte{0x07}, KeySize)
	plaintext := []byte("see you there")

	envelope, err := SealReveal(token, plaintext)
	if err != nil {
		t.Fatalf("SealReveal: %v", err)
	}
	got, err := OpenReveal(token, envelope)
	if err != nil {
		t.Fatalf("OpenReveal: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("reveal round trip mismatch: got %q want %q", got, plaintext)
	}

	tampered := append([]byte(nil), envelope...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := OpenReveal(token, tampered); err == nil {
		t.Fatal("OpenReveal succeeded on tampered envelope")
	}
}

func TestSignedRequestEnvelope(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair: %v", err)
	}
	poolID := []byte("pool-1")
	now := time.Now()
	ts := now.UnixMilli()
	sig := SignRequest(kp.Private, "close", poolID, ts)

	if !VerifyRequest(kp.Public, "close", poolID, ts, sig, now) {
		t.Fatal("unmodified envelope failed to verify")
	}
	if VerifyRequest(kp.Public, "close", poolID, ts, sig, now.Add(10*time.Minute)) {
		t.Fatal("envelope verified despite exceeding clock skew")
	}
	if VerifyRequest(kp.Public, "delete", poolID, ts, sig, now) {
		t.Fatal("envelope verified with a mutated action")
	}
	other, _ := GenerateSigningKeyPair()
	if VerifyRequest(other.Public, "close", poolID, ts, sig, now) {
		t.Fatal("envelope verified against the wrong public key")
	}
}
