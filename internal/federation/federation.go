package federation

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/config"
	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/gate"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/rzlog"
	"github.com/auroradata-ai/rendezvous/internal/store"
	"github.com/auroradata-ai/rendezvous/internal/submission"
)

// Manager drives one instance's side of federation: transport, CRDT sync,
// and the identified/anonymous message flows.
type Manager struct {
	Self           store.InstanceRecord
	AgreementKey   *ecdh.PrivateKey // this instance's own agreement keypair, for decrypting join payloads addressed to it
	Doc            *Document
	Store          store.Store
	Pools          *pool.Manager
	Submissions    *submission.Manager
	Issuer         gate.IssuerVerifier            // optional: mints/verifies unlinkable tokens for anonymous sends
	GateIssuers    map[string]gate.IssuerVerifier // issuer id -> verifier, for evaluating a joining participant's gate
	Config         *config.Config
	Limiter        *PeerLimiter

	mu           sync.Mutex
	peers        map[string]*PeerState
	pendingJoins map[string]chan JoinResponsePayload

	log *rzlog.Logger
}

// NewManager constructs a federation Manager. issuer and gateIssuers may be
// nil/empty if the deployment runs without unlinkable-token federation
// (anonymous sends and token-gated joins are then unavailable).
func New(self store.InstanceRecord, agreementKey *ecdh.PrivateKey, doc *Document, s store.Store, pools *pool.Manager, sm *submission.Manager, issuer gate.IssuerVerifier, gateIssuers map[string]gate.IssuerVerifier, cfg *config.Config) *Manager {
	return &Manager{
		Self:         self,
		AgreementKey: agreementKey,
		Doc:          doc,
		Store:        s,
		Pools:        pools,
		Submissions:  sm,
		Issuer:       issuer,
		GateIssuers:  gateIssuers,
		Config:       cfg,
		Limiter:      NewPeerLimiter(cfg),
		peers:        make(map[string]*PeerState),
		pendingJoins: make(map[string]chan JoinResponsePayload),
		log:          rzlog.Default(),
	}
}

// Listen accepts peer connections on addr until ctx is cancelled, blocking
// until the accept loop exits.
func (m *Manager) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("federation listen: %w", err)
	}
	return m.serveListener(ctx, ln)
}

// ListenAddr starts accepting peer connections in the background and
// returns the resolved listen address, so a dynamic port ("addr:0") can be
// discovered by the caller (tests, or logging a chosen ephemeral port).
func (m *Manager) ListenAddr(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("federation listen: %w", err)
	}
	go m.serveListener(ctx, ln)
	return ln.Addr(), nil
}

func (m *Manager) serveListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.log.Warn("federation accept: %v", err)
				continue
			}
		}
		if err := m.Limiter.Allow(nc.RemoteAddr().String()); err != nil {
			m.log.Audit("federation_connection_rejected", map[string]interface{}{"remote": nc.RemoteAddr().String(), "reason": err.Error()})
			nc.Close()
			continue
		}
		go func(nc net.Conn) {
			defer m.Limiter.Release()
			m.serve(ctx, NewConn(nc))
		}(nc)
	}
}

// Dial connects to a peer and exchanges handshakes, then serves the
// connection's read loop in the background. The returned Conn remains
// usable by the caller for further sends (join requests, token relay)
// concurrently with the background receive loop.
func (m *Manager) Dial(ctx context.Context, addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("federation dial: %w", err)
	}
	conn := NewConn(nc)
	if err := conn.Send(Envelope{
		Kind:      KindHandshake,
		MessageID: newMessageID(),
		SenderID:  &m.Self.ID,
		Handshake: &HandshakePayload{Instance: m.Self},
	}); err != nil {
		conn.Close()
		return nil, err
	}
	go m.serve(ctx, conn)
	return conn, nil
}

// serve runs the read loop for one peer connection: handshake first, then
// dispatch by message kind until the connection closes.
func (m *Manager) serve(ctx context.Context, conn *Conn) {
	defer conn.Close()

	state := &PeerState{}
	var peerAddr string

	for {
		env, err := conn.Recv()
		if err != nil {
			if peerAddr != "" {
				m.removePeer(peerAddr)
			}
			return
		}

		if IsIdentified(env.Kind) {
			if env.SenderID == nil {
				continue // malformed identified message, drop
			}
		} else {
			if !m.verifyAnonymous(env.AuthToken) {
				m.log.Audit("federation_anonymous_rejected", map[string]interface{}{"kind": env.Kind})
				continue // anonymous message failing verification is dropped silently
			}
		}

		switch env.Kind {
		case KindHandshake:
			if env.Handshake == nil {
				continue
			}
			peerAddr = env.Handshake.Instance.Endpoint
			state.markConnected(conn, env.Handshake.Instance.ID)
			m.addPeer(peerAddr, state)
			m.Doc.PutInstance(&env.Handshake.Instance, env.Handshake.Instance.ID, time.Now())
			_ = conn.Send(Envelope{
				Kind:      KindSync,
				MessageID: newMessageID(),
				SenderID:  &m.Self.ID,
				Sync:      snapshotPtr(m.Doc.Snapshot()),
			})

		case KindSync:
			if env.Sync == nil {
				continue
			}
			m.applySync(ctx, *env.Sync)

		case KindPoolAnnounce, KindPoolUpdate:
			if env.PoolAnnounce == nil {
				continue
			}
			m.Doc.PutPool(env.PoolAnnounce, *env.SenderID, time.Now())
			if m.Store != nil {
				_ = m.Store.UpsertFederatedPool(ctx, env.PoolAnnounce)
			}

		case KindResultNotify:
			// Informational only: a peer is telling us a pool's result is
			// ready. The core does not currently act on this beyond logging;
			// a caller polling match.Detect locally remains authoritative.
			if env.ResultNotify != nil {
				m.log.Info("federation: peer %s reports result ready for pool %s", env.SenderID, env.ResultNotify.PoolID)
			}

		case KindPing:
			_ = conn.Send(Envelope{Kind: KindPong, MessageID: newMessageID(), SenderID: &m.Self.ID})

		case KindPong:
			state.mu.Lock()
			state.LastPing = time.Now()
			state.mu.Unlock()

		case KindJoinRequest:
			m.handleJoinRequest(ctx, conn, env)

		case KindJoinResponse:
			m.resolveJoin(env)

		case KindTokenRelay:
			m.handleTokenRelay(ctx, env)
		}
	}
}

func snapshotPtr(s Snapshot) *Snapshot { return &s }

func (m *Manager) addPeer(addr string, state *PeerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[addr] = state
}

func (m *Manager) removePeer(addr string) {
	m.mu.Lock()
	state, ok := m.peers[addr]
	m.mu.Unlock()
	if ok {
		state.markDisconnected()
	}
}

// applySync merges a peer's snapshot and persists every changed record to
// the durable store, so the replicated document survives a restart.
func (m *Manager) applySync(ctx context.Context, snap Snapshot) {
	if m.Doc.Merge(snap) == 0 {
		return
	}
	if m.Store == nil {
		return
	}
	for _, si := range snap.Instances {
		rec := si.Record
		_ = m.Store.UpsertInstance(ctx, &rec)
	}
	for _, sp := range snap.Pools {
		meta := sp.Meta
		_ = m.Store.UpsertFederatedPool(ctx, &meta)
	}
}

func (m *Manager) verifyAnonymous(token *gate.TokenProof) bool {
	if token == nil {
		return false
	}
	if m.Issuer == nil {
		return false
	}
	if m.Issuer.IsExpired(*token) {
		return false
	}
	ok, err := m.Issuer.Verify(*token)
	if err != nil {
		return false
	}
	return ok
}

func (m *Manager) freshToken(scope string) (*gate.TokenProof, error) {
	if m.Issuer == nil {
		return nil, rzerr.New(rzerr.InvalidInput, "no unlinkable-token issuer configured")
	}
	proof, err := m.Issuer.RequestToken(scope)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "request unlinkable token", err)
	}
	return &proof, nil
}

// SendJoinRequest encrypts payload to the pool owner's agreement key and
// sends a join_request over conn, blocking for up to the configured
// cross-instance join timeout for the correlated join_response.
func (m *Manager) SendJoinRequest(ctx context.Context, conn *Conn, poolID ids.PoolID, ownerAgreementPublic []byte, publicKey []byte, payload JoinPayload) (*JoinResponsePayload, error) {
	token, err := m.freshToken("join_request")
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "marshal join payload", err)
	}
	sealed, err := crypto.EncryptTo(ownerAgreementPublic, raw)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "seal join payload", err)
	}
	sealedBytes, err := json.Marshal(sealed)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "marshal sealed envelope", err)
	}

	msgID := newMessageID()
	reply := make(chan JoinResponsePayload, 1)
	m.mu.Lock()
	m.pendingJoins[msgID] = reply
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingJoins, msgID)
		m.mu.Unlock()
	}()

	time.Sleep(BaseJitter(m.Config.Federation.JitterMinMS, m.Config.Federation.JitterMaxMS))

	if err := conn.Send(Envelope{
		Kind:      KindJoinRequest,
		MessageID: msgID,
		AuthToken: token,
		JoinRequest: &JoinRequestPayload{
			PoolID:           poolID,
			PublicKey:        publicKey,
			EncryptedPayload: sealedBytes,
		},
	}); err != nil {
		return nil, err
	}

	timeout := m.Config.Timeouts.CrossInstanceJoin
	if timeout <= 0 {
		timeout = JoinRequestTimeout
	}
	select {
	case resp := <-reply:
		return &resp, nil
	case <-time.After(timeout):
		return nil, rzerr.New(rzerr.InternalError, "join request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JoinPayload is the plaintext sealed inside a join_request's
// encrypted_payload.
type JoinPayload struct {
	DisplayName    string `json:"display_name"`
	Bio            string `json:"bio"`
	IssuanceProof  []byte `json:"issuance_proof,omitempty"`
}

func (m *Manager) resolveJoin(env Envelope) {
	if env.JoinResponse == nil {
		return
	}
	m.mu.Lock()
	reply, ok := m.pendingJoins[env.JoinResponse.RequestMessageID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case reply <- *env.JoinResponse:
	default:
	}
}

// handleJoinRequest processes an inbound join_request: decrypt, evaluate
// eligibility against the pool's gate, and register the participant on
// success. Always answers with a join_response correlated by message id.
func (m *Manager) handleJoinRequest(ctx context.Context, conn *Conn, env Envelope) {
	req := env.JoinRequest
	respond := func(accepted bool, reason string) {
		_ = conn.Send(Envelope{
			Kind:      KindJoinResponse,
			MessageID: newMessageID(),
			SenderID:  &m.Self.ID,
			JoinResponse: &JoinResponsePayload{
				RequestMessageID: env.MessageID,
				Accepted:         accepted,
				Reason:           reason,
			},
		})
	}
	if req == nil || m.AgreementKey == nil {
		respond(false, "malformed_request")
		return
	}

	var sealed crypto.EncryptedEnvelope
	if err := json.Unmarshal(req.EncryptedPayload, &sealed); err != nil {
		respond(false, "undecryptable_payload")
		return
	}
	plain, err := crypto.DecryptFrom(m.AgreementKey.Bytes(), &sealed)
	if err != nil {
		respond(false, "decryption_failed")
		return
	}
	var payload JoinPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		respond(false, "malformed_payload")
		return
	}

	p, err := m.Pools.Get(ctx, req.PoolID)
	if err != nil {
		respond(false, "pool_not_found")
		return
	}

	result := gate.Evaluate(p.Gate, gate.Context{ParticipantKey: req.PublicKey, PoolID: req.PoolID[:]}, m.GateIssuers)
	if !result.Eligible {
		m.log.Audit("join_request_denied", map[string]interface{}{"pool_id": req.PoolID, "reason": result.Reason})
		respond(false, result.Reason)
		return
	}

	participant := &store.Participant{
		PoolID:       req.PoolID,
		AgreementKey: req.PublicKey,
		DisplayName:  payload.DisplayName,
		Bio:          payload.Bio,
		RegisteredAt: time.Now(),
	}
	if err := m.Store.InsertParticipant(ctx, participant); err != nil {
		respond(false, "registration_failed")
		return
	}
	respond(true, "")
}

// RelayTokens waits the token-relay jitter, then anonymously sends A's
// computed tokens and nullifier to B over conn for B to submit locally. A
// relay to self (selfInstanceID == target) is a no-op.
func (m *Manager) RelayTokens(ctx context.Context, conn *Conn, poolID ids.PoolID, matchTokens [][]byte, nullifier []byte, targetInstanceID ids.InstanceID) error {
	if targetInstanceID == m.Self.ID {
		return nil
	}
	token, err := m.freshToken("token_relay")
	if err != nil {
		return err
	}

	select {
	case <-time.After(RelayJitter(m.Config.Federation.RelayJitterMinSec, m.Config.Federation.RelayJitterMaxSec)):
	case <-ctx.Done():
		return ctx.Err()
	}
	time.Sleep(BaseJitter(m.Config.Federation.JitterMinMS, m.Config.Federation.JitterMaxMS))

	return conn.Send(Envelope{
		Kind:      KindTokenRelay,
		MessageID: newMessageID(),
		AuthToken: token,
		TokenRelay: &TokenRelayPayload{
			PoolID:      poolID,
			MatchTokens: matchTokens,
			Nullifier:   nullifier,
		},
	})
}

// handleTokenRelay submits a relayed (poolId, tokens, nullifier) to the
// local submission manager, mirroring a direct client Submit call.
func (m *Manager) handleTokenRelay(ctx context.Context, env Envelope) {
	rel := env.TokenRelay
	if rel == nil || m.Submissions == nil {
		return
	}
	if _, err := m.Submissions.Submit(ctx, submission.SubmitParams{
		PoolID:    rel.PoolID,
		Tokens:    rel.MatchTokens,
		Nullifier: rel.Nullifier,
	}); err != nil {
		m.log.Warn("federation: relayed submission rejected: %v", err)
	}
}

// SyncTick sends an incremental sync to every connected peer. Intended to
// be driven by a ticker at Config.Federation.SyncInterval.
func (m *Manager) SyncTick() {
	m.mu.Lock()
	peers := make([]*PeerState, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	snap := m.Doc.Snapshot()
	for _, p := range peers {
		p.mu.Lock()
		conn := p.conn
		connected := p.Connected
		p.mu.Unlock()
		if !connected || conn == nil {
			continue
		}
		_ = conn.Send(Envelope{Kind: KindSync, MessageID: newMessageID(), SenderID: &m.Self.ID, Sync: &snap})
	}
}
