package match

import (
	"context"
	"crypto/ecdh"
	"testing"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/store"
	"github.com/auroradata-ai/rendezvous/internal/submission"
)

type participant struct {
	kp *crypto.AgreementKeyPair
}

func newParticipant(t *testing.T) participant {
	t.Helper()
	kp, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return participant{kp: kp}
}

func closePool(t *testing.T, s store.Store, p *store.Pool) {
	t.Helper()
	p.RevealDeadline = time.Now().Add(-time.Second)
	p.Status = store.StatusClosed
	if err := s.UpdatePool(context.Background(), p); err != nil {
		t.Fatal(err)
	}
}

// Scenario A / property 1 / property 10: mutual two-party match.
func TestDetectMutualTwoPartyMatch(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	sm := submission.New(s, pools)
	det := New(s, pools, nil)
	ctx := context.Background()

	alice := newParticipant(t)
	bob := newParticipant(t)

	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "ab",
		CreatorAgreementKey: alice.kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	aliceTok, err := crypto.DeriveMatchToken(alice.kp.Private, bob.kp.Public, p.ID[:])
	if err != nil {
		t.Fatal(err)
	}
	bobTok, err := crypto.DeriveMatchToken(bob.kp.Private, alice.kp.Public, p.ID[:])
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.ConstantTimeEqual(aliceTok, bobTok) {
		t.Fatal("expected symmetric match tokens")
	}

	aliceNull := crypto.DeriveNullifier(alice.kp.Private, p.ID[:])
	bobNull := crypto.DeriveNullifier(bob.kp.Private, p.ID[:])

	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{aliceTok}, Nullifier: aliceNull}); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{bobTok}, Nullifier: bobNull}); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	closePool(t, s, p)

	result, err := det.Detect(ctx, p.ID)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(result.MatchedTokens) != 1 {
		t.Fatalf("expected exactly one matched token, got %d", len(result.MatchedTokens))
	}
	if result.TotalSubmissions < 2 {
		t.Fatalf("expected decoy-inflated total submissions >= 2, got %d", result.TotalSubmissions)
	}
	if result.ParticipantCount != 2 {
		t.Fatalf("expected participant count 2, got %d", result.ParticipantCount)
	}
}

// Property 11: local discovery soundness.
func TestDiscoverSoundness(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	sm := submission.New(s, pools)
	det := New(s, pools, nil)
	ctx := context.Background()

	alice := newParticipant(t)
	bob := newParticipant(t)
	charlie := newParticipant(t)

	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "abc",
		CreatorAgreementKey: alice.kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	aliceToBob, err := crypto.DeriveMatchToken(alice.kp.Private, bob.kp.Public, p.ID[:])
	if err != nil {
		t.Fatal(err)
	}
	bobToAlice, err := crypto.DeriveMatchToken(bob.kp.Private, alice.kp.Public, p.ID[:])
	if err != nil {
		t.Fatal(err)
	}

	aliceNull := crypto.DeriveNullifier(alice.kp.Private, p.ID[:])
	bobNull := crypto.DeriveNullifier(bob.kp.Private, p.ID[:])

	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{aliceToBob}, Nullifier: aliceNull}); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{bobToAlice}, Nullifier: bobNull}); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	closePool(t, s, p)

	result, err := det.Detect(ctx, p.ID)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	found, err := Discover(result, alice.kp.Private, p.ID, []*ecdh.PublicKey{bob.kp.Public})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected bob to be discovered, got %d results", len(found))
	}

	empty, err := Discover(result, alice.kp.Private, p.ID, []*ecdh.PublicKey{charlie.kp.Public})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no match for uninvolved candidate, got %d", len(empty))
	}
}

// Scenario B: unilateral selection yields no match.
func TestDetectUnilateralSelectionYieldsNoMatch(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	sm := submission.New(s, pools)
	det := New(s, pools, nil)
	ctx := context.Background()

	alice := newParticipant(t)
	bob := newParticipant(t)

	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "unilateral",
		CreatorAgreementKey: alice.kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	aliceToBob, err := crypto.DeriveMatchToken(alice.kp.Private, bob.kp.Public, p.ID[:])
	if err != nil {
		t.Fatal(err)
	}
	aliceNull := crypto.DeriveNullifier(alice.kp.Private, p.ID[:])
	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{aliceToBob}, Nullifier: aliceNull}); err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	closePool(t, s, p)

	result, err := det.Detect(ctx, p.ID)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(result.MatchedTokens) != 0 {
		t.Fatalf("expected zero matched tokens, got %d", len(result.MatchedTokens))
	}
	if result.TotalSubmissions < 1 {
		t.Fatal("expected total submissions >= 1 due to decoy inflation")
	}

	found, err := Discover(result, alice.kp.Private, p.ID, []*ecdh.PublicKey{bob.kp.Public})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no discovered match, got %d", len(found))
	}
}

// Property 12: idempotent detection.
func TestDetectIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	calls := 0
	det := New(s, pools, attestorFunc(func(ctx context.Context, hash []byte) (*store.Attestation, error) {
		calls++
		return &store.Attestation{Hash: hash, Timestamp: 1}, nil
	}))
	ctx := context.Background()

	alice := newParticipant(t)
	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "idem",
		CreatorAgreementKey: alice.kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	closePool(t, s, p)

	first, err := det.Detect(ctx, p.ID)
	if err != nil {
		t.Fatalf("first Detect: %v", err)
	}
	second, err := det.Detect(ctx, p.ID)
	if err != nil {
		t.Fatalf("second Detect: %v", err)
	}
	if string(first.ContentHash) != string(second.ContentHash) {
		t.Fatal("expected identical result across idempotent calls")
	}
	if calls != 1 {
		t.Fatalf("expected attestation exactly once, got %d calls", calls)
	}
}

type attestorFunc func(ctx context.Context, hash []byte) (*store.Attestation, error)

func (f attestorFunc) Attest(ctx context.Context, hash []byte) (*store.Attestation, error) {
	return f(ctx, hash)
}

// Property 10: integrity verification passes iff counts agree with matched list.
func TestVerifyIntegrityPassesOnConsistentResult(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	sm := submission.New(s, pools)
	det := New(s, pools, nil)
	ctx := context.Background()

	alice := newParticipant(t)
	bob := newParticipant(t)
	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "integrity",
		CreatorAgreementKey: alice.kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	aliceTok, _ := crypto.DeriveMatchToken(alice.kp.Private, bob.kp.Public, p.ID[:])
	bobTok, _ := crypto.DeriveMatchToken(bob.kp.Private, alice.kp.Public, p.ID[:])
	aliceNull := crypto.DeriveNullifier(alice.kp.Private, p.ID[:])
	bobNull := crypto.DeriveNullifier(bob.kp.Private, p.ID[:])
	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{aliceTok}, Nullifier: aliceNull}); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{bobTok}, Nullifier: bobNull}); err != nil {
		t.Fatal(err)
	}
	closePool(t, s, p)

	if _, err := det.Detect(ctx, p.ID); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if problems := det.VerifyIntegrity(ctx, p.ID); len(problems) != 0 {
		t.Fatalf("expected no integrity problems, got %v", problems)
	}
}

func TestDetectRejectsOnOpenPool(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	det := New(s, pools, nil)
	ctx := context.Background()

	alice := newParticipant(t)
	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "not closed",
		CreatorAgreementKey: alice.kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := det.Detect(ctx, p.ID); err == nil {
		t.Fatal("expected Detect to reject an open pool")
	}
}
