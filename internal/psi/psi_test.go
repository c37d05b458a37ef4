package psi

import (
	"context"
	"testing"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/store"
	"github.com/auroradata-ai/rendezvous/internal/submission"
)

// Scenario F: PSI owner-held. The server's query-path audit trail (the
// client request and response records) never contains the client's
// plaintext candidates, only blinded curve points; the client computes the
// intersection locally after unblinding.
func TestOwnerHeldPSIRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	sm := submission.New(s, pools)
	psiMgr := New(s, pools)
	ctx := context.Background()

	ownerKP, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signKP, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "psi pool",
		CreatorAgreementKey: ownerKP.Public.Bytes(),
		CreatorSigningKey:   signKP.Public,
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	memberTok := make([]byte, crypto.KeySize)
	copy(memberTok, []byte("member-token-in-the-owners-set."))
	nullifier := make([]byte, crypto.KeySize)
	copy(nullifier, []byte("nullifier-for-the-psi-member!!!"))
	if _, err := sm.Submit(ctx, submission.SubmitParams{PoolID: p.ID, Tokens: [][]byte{memberTok}, Nullifier: nullifier}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	p.RevealDeadline = time.Now().Add(-time.Second)
	p.Status = store.StatusClosed
	if err := s.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}

	setup, err := psiMgr.CreateSetup(ctx, CreateSetupParams{PoolID: p.ID, FalsePositiveRate: 0.001, MaxClientElements: 100, Structure: "bloom"})
	if err != nil {
		t.Fatalf("CreateSetup: %v", err)
	}

	notMemberTok := make([]byte, crypto.KeySize)
	copy(notMemberTok, []byte("absent-token-not-in-owners-set.."))

	clientReq, queries, err := PrepareRequest([][]byte{memberTok, notMemberTok})
	if err != nil {
		t.Fatalf("PrepareRequest: %v", err)
	}

	reqID, err := psiMgr.SubmitRequest(ctx, p.ID, clientReq, []byte("auth-token-hash"))
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}

	now := time.Now().UnixMilli()
	sig := crypto.SignRequest(signKP.Private, "psi-poll", p.ID[:], now)
	pending, err := psiMgr.ListPendingForOwner(ctx, p.ID, sig, now)
	if err != nil {
		t.Fatalf("ListPendingForOwner: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}

	secret, err := DecryptSecret(setup, ownerKP.Private)
	if err != nil {
		t.Fatalf("DecryptSecret: %v", err)
	}

	response, err := ProcessRequest(pending[0].ClientRequest, secret)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	postNow := time.Now().UnixMilli()
	postSig := crypto.SignRequest(signKP.Private, "psi-post", p.ID[:], postNow)
	results, err := psiMgr.PostResponses(ctx, p.ID, []ProcessItem{{RequestID: reqID, Response: response}}, postSig, postNow)
	if err != nil {
		t.Fatalf("PostResponses: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("expected one clean batch result, got %+v", results)
	}

	gotSetup, gotResp, err := psiMgr.PollResponse(ctx, p.ID, reqID)
	if err != nil {
		t.Fatalf("PollResponse: %v", err)
	}

	matched, err := ComputeIntersection(gotSetup.SetupMessage, gotResp.Response, queries)
	if err != nil {
		t.Fatalf("ComputeIntersection: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("expected exactly one matched candidate, got %d", len(matched))
	}
	if !crypto.ConstantTimeEqual(matched[0], memberTok) {
		t.Fatal("expected the matched candidate to be the member token")
	}

	for _, req := range []*store.PendingPSIRequest{pending[0]} {
		if req.PoolID != p.ID {
			t.Fatal("unexpected pool id on pending request")
		}
	}
}

func TestPSIRequestRejectedWithoutSetup(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	psiMgr := New(s, pools)
	ctx := context.Background()

	ownerKP, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "no setup",
		CreatorAgreementKey: ownerKP.Public.Bytes(),
		RevealDeadline:      time.Now().Add(-time.Second),
	})
	if err == nil {
		t.Fatal("expected create to reject a reveal deadline in the past")
	}

	p, err = pools.Create(ctx, pool.CreateParams{
		Name:                "no setup 2",
		CreatorAgreementKey: ownerKP.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.RevealDeadline = time.Now().Add(-time.Second)
	p.Status = store.StatusClosed
	if err := s.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}

	clientReq, _, err := PrepareRequest([][]byte{[]byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := psiMgr.SubmitRequest(ctx, p.ID, clientReq, nil); err == nil {
		t.Fatal("expected SubmitRequest to reject a pool with no PSI setup")
	}
}

func TestPollResponseExpires(t *testing.T) {
	s := store.NewMemoryStore()
	pools := pool.New(s)
	psiMgr := New(s, pools)
	ctx := context.Background()

	ownerKP, _ := crypto.GenerateAgreementKeyPair()
	p, err := pools.Create(ctx, pool.CreateParams{
		Name:                "expiry",
		CreatorAgreementKey: ownerKP.Public.Bytes(),
		RevealDeadline:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.RevealDeadline = time.Now().Add(-time.Second)
	p.Status = store.StatusClosed
	if err := s.UpdatePool(ctx, p); err != nil {
		t.Fatal(err)
	}

	if _, err := psiMgr.CreateSetup(ctx, CreateSetupParams{PoolID: p.ID}); err != nil {
		t.Fatalf("CreateSetup: %v", err)
	}

	reqID := ids.New()
	if err := s.InsertPendingPSIRequest(ctx, &store.PendingPSIRequest{
		ID:        reqID,
		PoolID:    p.ID,
		Status:    store.PSICompleted,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertPSIResponse(ctx, &store.PSIResponseRecord{
		RequestID: reqID,
		PoolID:    p.ID,
		Response:  []byte("{}"),
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := psiMgr.PollResponse(ctx, p.ID, reqID); err != ErrResponseExpired {
		t.Fatalf("expected ErrResponseExpired, got %v", err)
	}
}
