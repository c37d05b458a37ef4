// Package rendezvous is the facade: the single programmatic
// entry point composing crypto, storage, pool lifecycle, eligibility gates,
// submission handling, match detection, and PSI into the narrow contract a
// front end (cmd/rendezvous, or any other adapter) programs against. It
// contains no matching logic of its own — only wiring and lifecycle.
package rendezvous

import (
	"context"
	"crypto/ecdh"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/config"
	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/federation"
	"github.com/auroradata-ai/rendezvous/internal/gate"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/match"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/psi"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/rzlog"
	"github.com/auroradata-ai/rendezvous/internal/store"
	"github.com/auroradata-ai/rendezvous/internal/submission"
)

// Attestor is the richer, facade-level shape of the timestamp-attestation
// adapter (attest + verify). It satisfies match.Attestor directly, so a
// Service can hand it straight to match.New.
type Attestor interface {
	Attest(ctx context.Context, contentHash []byte) (*store.Attestation, error)
	Verify(ctx context.Context, att *store.Attestation, originalHash []byte) (bool, error)
}

// Service is the facade. Construct with New, optionally call EnableFederation,
// then Serve to start background work and Close to release resources.
type Service struct {
	Config      *config.Config
	Store       store.Store
	Pools       *pool.Manager
	Submissions *submission.Manager
	Match       *match.Detector
	PSI         *psi.Manager
	GateIssuers map[string]gate.IssuerVerifier
	Attestor    Attestor // optional, nil disables attestation

	Federation *federation.Manager // nil until EnableFederation succeeds

	log *rzlog.Logger

	mu          sync.Mutex
	scheduled   map[ids.PoolID]bool
	schedCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs a Service over s, wiring every internal manager. cfg must
// not be nil; gateIssuers and attestor may be nil/empty when unused.
func New(cfg *config.Config, s store.Store, gateIssuers map[string]gate.IssuerVerifier, attestor Attestor) *Service {
	pools := pool.New(s)
	sm := submission.New(s, pools)
	detector := match.New(s, pools, attestor)
	return &Service{
		Config:      cfg,
		Store:       s,
		Pools:       pools,
		Submissions: sm,
		Match:       detector,
		PSI:         psi.New(s, pools),
		GateIssuers: gateIssuers,
		Attestor:    attestor,
		log:         rzlog.Default(),
		scheduled:   make(map[ids.PoolID]bool),
	}
}

// EnableFederation constructs and attaches a federation.Manager, bound to
// this Service's store, pool manager, and submission manager. Call before
// Serve. issuer may be nil if this deployment does not mint or verify
// unlinkable tokens for anonymous federation sends.
func (svc *Service) EnableFederation(self store.InstanceRecord, agreementKey *ecdh.PrivateKey, issuer gate.IssuerVerifier) {
	svc.Federation = federation.New(self, agreementKey, federation.NewDocument(), svc.Store, svc.Pools, svc.Submissions, issuer, svc.GateIssuers, svc.Config)
}

// EnableFederationFromConfig is a convenience over EnableFederation for
// deployments that keep this instance's identity in Config.PrivateKey/
// PublicKey (hex agreement keypair) rather than minting one programmatically.
// It derives the instance's federation endpoint from
// Config.Federation.ListenPort.
func (svc *Service) EnableFederationFromConfig(issuer gate.IssuerVerifier) error {
	if svc.Config.PrivateKey == "" {
		return rzerr.New(rzerr.InvalidInput, "federation requires config.private_key (this instance's agreement private key)")
	}
	privBytes, err := hex.DecodeString(svc.Config.PrivateKey)
	if err != nil {
		return rzerr.New(rzerr.InvalidInput, "invalid config.private_key: "+err.Error())
	}
	priv, err := crypto.ParseAgreementPrivateKey(privBytes)
	if err != nil {
		return rzerr.New(rzerr.InvalidInput, "invalid config.private_key: "+err.Error())
	}

	self := store.InstanceRecord{
		ID:        ids.New(),
		Endpoint:  svc.FederationListenAddr(),
		PublicKey: priv.PublicKey().Bytes(),
	}
	svc.EnableFederation(self, priv, issuer)
	return nil
}

// FederationListenAddr reports the listen address derived from
// Config.Federation.ListenPort, for use with Serve. Empty when unconfigured.
func (svc *Service) FederationListenAddr() string {
	if svc.Config.Federation.ListenPort == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", svc.Config.Federation.ListenPort)
}

// DialSeedPeers connects to every seed peer named in Config.Federation.Peers.
// A single unreachable seed is logged, not returned, so it doesn't block
// startup against the rest of the configured peers.
func (svc *Service) DialSeedPeers(ctx context.Context) {
	if svc.Federation == nil {
		return
	}
	for _, addr := range svc.Config.Federation.Peers {
		if _, err := svc.Federation.Dial(ctx, addr); err != nil {
			svc.log.Warn("federation: dial seed peer %s: %v", addr, err)
		}
	}
}

// CreatePool creates a new matching pool.
func (svc *Service) CreatePool(ctx context.Context, params pool.CreateParams) (*store.Pool, error) {
	return svc.Pools.Create(ctx, params)
}

// GetPool fetches a pool by id.
func (svc *Service) GetPool(ctx context.Context, id ids.PoolID) (*store.Pool, error) {
	return svc.Pools.Get(ctx, id)
}

// ListPools returns every pool.
func (svc *Service) ListPools(ctx context.Context) ([]*store.Pool, error) {
	return svc.Pools.List(ctx)
}

// ClosePool forces a pool closed, authenticated by the creator's signed
// administrative request.
func (svc *Service) ClosePool(ctx context.Context, id ids.PoolID, signature []byte, timestampMillis int64) (*store.Pool, error) {
	return svc.Pools.Close(ctx, id, signature, timestampMillis)
}

// CheckEligibility evaluates a pool's gate for a prospective participant
// without registering them.
func (svc *Service) CheckEligibility(ctx context.Context, poolID ids.PoolID, participantKey []byte, tokenProof *gate.TokenProof) (gate.Result, error) {
	p, err := svc.Pools.Get(ctx, poolID)
	if err != nil {
		return gate.Result{}, err
	}
	return gate.Evaluate(p.Gate, gate.Context{ParticipantKey: participantKey, TokenProof: tokenProof, PoolID: poolID[:]}, svc.GateIssuers), nil
}

// RegisterParticipant evaluates the pool's eligibility gate and, if
// eligible, registers the participant. Ineligible callers get a fail-closed
// InvalidEligibilityProof error naming the gate's denial reason.
func (svc *Service) RegisterParticipant(ctx context.Context, poolID ids.PoolID, participant *store.Participant, tokenProof *gate.TokenProof) error {
	p, err := svc.Pools.Get(ctx, poolID)
	if err != nil {
		return err
	}
	result := gate.Evaluate(p.Gate, gate.Context{ParticipantKey: participant.AgreementKey, TokenProof: tokenProof, PoolID: poolID[:]}, svc.GateIssuers)
	if !result.Eligible {
		svc.log.Audit("participant_registration_denied", map[string]interface{}{"pool_id": poolID, "reason": result.Reason})
		return rzerr.New(rzerr.InvalidEligibilityProof, "participant does not satisfy the pool's eligibility gate: "+result.Reason)
	}
	participant.PoolID = poolID
	if participant.RegisteredAt.IsZero() {
		participant.RegisteredAt = time.Now()
	}
	return svc.Store.InsertParticipant(ctx, participant)
}

// ListParticipants lists every registered participant of a pool.
func (svc *Service) ListParticipants(ctx context.Context, poolID ids.PoolID) ([]*store.Participant, error) {
	return svc.Store.ListParticipants(ctx, poolID)
}

// Submit validates and stores a preference submission.
func (svc *Service) Submit(ctx context.Context, p submission.SubmitParams) ([]*store.Preference, error) {
	return svc.Submissions.Submit(ctx, p)
}

// Reveal matches supplied tokens against outstanding commitments.
func (svc *Service) Reveal(ctx context.Context, p submission.RevealParams) error {
	return svc.Submissions.Reveal(ctx, p)
}

// DetectMatch runs (or returns the cached result of) match detection for a
// closed pool.
func (svc *Service) DetectMatch(ctx context.Context, poolID ids.PoolID) (*store.MatchResult, error) {
	return svc.Match.Detect(ctx, poolID)
}

// MatchResult fetches a previously detected result without recomputation.
func (svc *Service) MatchResult(ctx context.Context, poolID ids.PoolID) (*store.MatchResult, error) {
	return svc.Store.GetMatchResult(ctx, poolID)
}

// VerifyMatchIntegrity recounts a pool's preferences and reports any
// discrepancy against the recorded match result.
func (svc *Service) VerifyMatchIntegrity(ctx context.Context, poolID ids.PoolID) []string {
	return svc.Match.VerifyIntegrity(ctx, poolID)
}

// Discover runs the pure client-side local-discovery recomputation (spec
// §4.6): no server round trip beyond the already-published matched-tokens
// set carried in result.
func (svc *Service) Discover(result *store.MatchResult, mySecret *ecdh.PrivateKey, poolID ids.PoolID, candidates []*ecdh.PublicKey) ([]*ecdh.PublicKey, error) {
	return match.Discover(result, mySecret, poolID, candidates)
}

// Serve starts the deadline-driven scheduler and, if federation is
// enabled, the federation listener and periodic sync tick. It blocks until
// ctx is cancelled.
func (svc *Service) Serve(ctx context.Context, federationListenAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	svc.mu.Lock()
	svc.schedCancel = cancel
	svc.mu.Unlock()

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.runScheduler(ctx)
	}()

	if svc.Federation != nil && svc.Config.Federation.Enabled {
		svc.DialSeedPeers(ctx)
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			svc.runSyncTicker(ctx)
		}()
		if federationListenAddr != "" {
			return svc.Federation.Listen(ctx, federationListenAddr)
		}
	}

	<-ctx.Done()
	return nil
}

func (svc *Service) runSyncTicker(ctx context.Context) {
	interval := svc.Config.Federation.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			svc.Federation.SyncTick()
		}
	}
}

// Close stops background work and releases the store. Safe to call once.
func (svc *Service) Close() error {
	svc.mu.Lock()
	cancel := svc.schedCancel
	svc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	svc.wg.Wait()
	return svc.Store.Close()
}

func (svc *Service) String() string {
	return fmt.Sprintf("rendezvous.Service{store=%T federation=%v}", svc.Store, svc.Federation != nil)
}
