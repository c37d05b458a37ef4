package pool

import (
	"context"
	"testing"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	rzstore "github.com/auroradata-ai/rendezvous/internal/store"
)

func newTestPool(t *testing.T) (*Manager, *rzstore.Pool) {
	t.Helper()
	m := New(rzstore.NewMemoryStore())
	kp, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	p, err := m.Create(context.Background(), CreateParams{
		Name:                "test pool",
		CreatorAgreementKey: kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m, p
}

func TestEffectiveStatusPureFunction(t *testing.T) {
	now := time.Now()
	reveal := now.Add(time.Hour)
	commit := now.Add(30 * time.Minute)

	p := &rzstore.Pool{Status: rzstore.StatusOpen, RevealDeadline: reveal}
	if got := EffectiveStatus(p, now); got != rzstore.StatusOpen {
		t.Fatalf("no commit deadline: got %s want open", got)
	}

	p2 := &rzstore.Pool{Status: rzstore.StatusCommit, CommitDeadline: &commit, RevealDeadline: reveal}
	if got := EffectiveStatus(p2, now); got != rzstore.StatusCommit {
		t.Fatalf("before commit deadline: got %s want commit", got)
	}
	if got := EffectiveStatus(p2, commit.Add(time.Minute)); got != rzstore.StatusReveal {
		t.Fatalf("after commit deadline: got %s want reveal", got)
	}
	if got := EffectiveStatus(p2, reveal.Add(time.Minute)); got != rzstore.StatusClosed {
		t.Fatalf("after reveal deadline: got %s want closed", got)
	}

	p3 := &rzstore.Pool{Status: rzstore.StatusClosed, RevealDeadline: reveal}
	if got := EffectiveStatus(p3, now); got != rzstore.StatusClosed {
		t.Fatal("closed status must be absorbing")
	}
}

func TestCreateRejectsPastRevealDeadline(t *testing.T) {
	m := New(rzstore.NewMemoryStore())
	kp, _ := crypto.GenerateAgreementKeyPair()
	_, err := m.Create(context.Background(), CreateParams{
		Name:                "bad pool",
		CreatorAgreementKey: kp.Public.Bytes(),
		RevealDeadline:      time.Now().Add(-time.Hour),
	})
	if err == nil {
		t.Fatal("expected error for past reveal deadline")
	}
}

func TestCreateRejectsCommitAfterReveal(t *testing.T) {
	m := New(rzstore.NewMemoryStore())
	kp, _ := crypto.GenerateAgreementKeyPair()
	reveal := time.Now().Add(time.Hour)
	commit := reveal.Add(time.Minute)
	_, err := m.Create(context.Background(), CreateParams{
		Name:                "bad pool",
		CreatorAgreementKey: kp.Public.Bytes(),
		CommitDeadline:      &commit,
		RevealDeadline:      reveal,
	})
	if err == nil {
		t.Fatal("expected error when commit deadline is not before reveal deadline")
	}
}

func TestSyncStatusPersistsDivergence(t *testing.T) {
	m, p := newTestPool(t)
	p.RevealDeadline = time.Now().Add(-time.Second)
	ctx := context.Background()
	if err := m.Store.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}
	updated, err := m.SyncStatus(ctx, p, time.Now())
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if updated.Status != rzstore.StatusClosed {
		t.Fatalf("expected persisted status closed, got %s", updated.Status)
	}
	reloaded, err := m.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != rzstore.StatusClosed {
		t.Fatal("status divergence was not persisted")
	}
}
