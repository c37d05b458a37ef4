package submission

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

func newTestManager(t *testing.T, commit bool) (*Manager, *store.Pool) {
	t.Helper()
	s := store.NewMemoryStore()
	pools := pool.New(s)
	kp, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	params := pool.CreateParams{
		Name:                "test pool",
		CreatorAgreementKey: kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	}
	if commit {
		cd := time.Now().Add(30 * time.Minute)
		params.CommitDeadline = &cd
	}
	p, err := pools.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return New(s, pools), p
}

func randomToken(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, crypto.KeySize)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func randomNullifier(t *testing.T) []byte {
	return randomToken(t)
}

// Submission uniqueness: a second submission under the same nullifier is
// rejected.
func TestSubmitRejectsDuplicateNullifier(t *testing.T) {
	m, p := newTestManager(t, false)
	ctx := context.Background()
	nullifier := randomNullifier(t)
	tok := randomToken(t)

	if _, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: [][]byte{tok}, Nullifier: nullifier}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: [][]byte{randomToken(t)}, Nullifier: nullifier})
	if rzerr.CodeOf(err) != rzerr.DuplicateNullifier {
		t.Fatalf("expected DuplicateNullifier, got %v", err)
	}
}

// Preference limit excludes decoys: a submission at exactly MaxPreferences
// real tokens succeeds regardless of how many decoys get added.
func TestSubmitEnforcesPreferenceLimitExcludingDecoys(t *testing.T) {
	m, p := newTestManager(t, false)
	ctx := context.Background()
	max := 2
	p.MaxPreferences = &max
	if err := m.Store.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}

	ok := [][]byte{randomToken(t), randomToken(t)}
	if _, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: ok, Nullifier: randomNullifier(t)}); err != nil {
		t.Fatalf("expected submission at the limit to succeed: %v", err)
	}

	tooMany := [][]byte{randomToken(t), randomToken(t), randomToken(t)}
	_, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: tooMany, Nullifier: randomNullifier(t)})
	if rzerr.CodeOf(err) != rzerr.PreferenceLimitExceeded {
		t.Fatalf("expected PreferenceLimitExceeded, got %v", err)
	}
}

// Decoy invisibility: Submit never returns decoys to the caller, and the
// stored preference count always exceeds what was submitted.
func TestSubmitAddsInvisibleDecoys(t *testing.T) {
	m, p := newTestManager(t, false)
	ctx := context.Background()
	nullifier := randomNullifier(t)
	tokens := [][]byte{randomToken(t), randomToken(t)}

	real, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: tokens, Nullifier: nullifier})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(real) != len(tokens) {
		t.Fatalf("expected %d real preferences returned, got %d", len(tokens), len(real))
	}

	stored, err := m.Store.ListPreferencesByNullifier(ctx, p.ID, nullifier)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) <= len(tokens) {
		t.Fatalf("expected decoys to be added, stored=%d submitted=%d", len(stored), len(tokens))
	}
	if len(stored) < len(tokens)+decoyMin || len(stored) > len(tokens)+decoyMax {
		t.Fatalf("decoy count out of [%d,%d]: stored=%d submitted=%d", decoyMin, decoyMax, len(stored), len(tokens))
	}
}

func TestSubmitRejectsOnClosedPool(t *testing.T) {
	m, p := newTestManager(t, false)
	ctx := context.Background()
	p.Status = store.StatusClosed
	p.RevealDeadline = time.Now().Add(-time.Minute)
	if err := m.Store.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}
	_, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: [][]byte{randomToken(t)}, Nullifier: randomNullifier(t)})
	if rzerr.CodeOf(err) != rzerr.PoolClosed {
		t.Fatalf("expected PoolClosed, got %v", err)
	}
}

func TestRevealFlipsMatchingCommitsAndAutoRevealsDecoys(t *testing.T) {
	m, p := newTestManager(t, true)
	ctx := context.Background()
	nullifier := randomNullifier(t)
	tokens := [][]byte{randomToken(t), randomToken(t)}

	if _, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: tokens, Nullifier: nullifier}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	p.CommitDeadline = timePtr(time.Now().Add(-time.Minute))
	if err := m.Store.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := m.Reveal(ctx, RevealParams{PoolID: p.ID, Nullifier: nullifier, Tokens: tokens}); err != nil {
		t.Fatalf("Reveal: %v", err)
	}

	all, err := m.Store.ListPreferencesByNullifier(ctx, p.ID, nullifier)
	if err != nil {
		t.Fatal(err)
	}
	for _, pref := range all {
		if !pref.Revealed {
			t.Fatalf("expected every preference (including decoys) to be revealed, found unrevealed token %x", pref.MatchToken)
		}
	}
}

func TestRevealRejectsMismatchedToken(t *testing.T) {
	m, p := newTestManager(t, true)
	ctx := context.Background()
	nullifier := randomNullifier(t)
	tokens := [][]byte{randomToken(t)}

	if _, err := m.Submit(ctx, SubmitParams{PoolID: p.ID, Tokens: tokens, Nullifier: nullifier}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.CommitDeadline = timePtr(time.Now().Add(-time.Minute))
	if err := m.Store.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}

	err := m.Reveal(ctx, RevealParams{PoolID: p.ID, Nullifier: nullifier, Tokens: [][]byte{randomToken(t)}})
	if rzerr.CodeOf(err) != rzerr.CommitmentMismatch {
		t.Fatalf("expected CommitmentMismatch, got %v", err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
