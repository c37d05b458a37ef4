// Package psi implements the PSI service: a trivial server-held
// path plus the owner-held-key queue pipeline built on the DH-blinding
// commutative-encryption primitive (filippo.io/edwards25519, generalized
// from per-token blocking to a two-party set-intersection protocol).
package psi

import (
	"context"
	"crypto/ecdh"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"filippo.io/edwards25519"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

const responseTTL = time.Hour

// Manager drives the owner-held-key PSI pipeline.
type Manager struct {
	Store store.Store
	Pools *pool.Manager
}

// New constructs a PSI Manager.
func New(s store.Store, pools *pool.Manager) *Manager {
	return &Manager{Store: s, Pools: pools}
}

// wireSet is the JSON shape of both the published setup message and a
// request/response batch: a list of hex-encoded curve points.
type wireSet struct {
	Points []string `json:"points"`
}

func encodeSet(points []*edwards25519.Point) []byte {
	w := wireSet{Points: make([]string, len(points))}
	for i, p := range points {
		w.Points[i] = hex.EncodeToString(p.Bytes())
	}
	sort.Strings(w.Points)
	b, _ := json.Marshal(w)
	return b
}

func decodeSet(data []byte) ([]*edwards25519.Point, error) {
	var w wireSet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	out := make([]*edwards25519.Point, len(w.Points))
	for i, hx := range w.Points {
		raw, err := hex.DecodeString(hx)
		if err != nil {
			return nil, err
		}
		p := new(edwards25519.Point)
		if _, err := p.SetBytes(raw); err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// CreateSetupParams are the inputs to CreateSetup.
type CreateSetupParams struct {
	PoolID            ids.PoolID
	FalsePositiveRate float64
	MaxClientElements int
	Structure         string
}

// CreateSetup runs the PSI server-side setup over the pool's real (non-decoy)
// revealed token set, generates a fresh server secret, seals it to the
// pool owner's own agreement public key, and persists the setup.
func (m *Manager) CreateSetup(ctx context.Context, p CreateSetupParams) (*store.PSISetup, error) {
	pl, err := m.Pools.Get(ctx, p.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.EffectiveStatus(pl, time.Now()) != store.StatusClosed {
		return nil, rzerr.New(rzerr.InvalidInput, "PSI setup requires a closed pool")
	}

	prefs, err := m.Store.ListPreferencesByRevealed(ctx, p.PoolID, true)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "list revealed preferences", err)
	}

	secret, err := crypto.NewBlindingFactor()
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "generate PSI setup secret", err)
	}

	// Every revealed preference is blinded into the setup set, decoys
	// included: a 32-random-byte decoy colliding with a genuine candidate a
	// client later queries for has probability 2^-256, so leaving decoys in
	// costs nothing while keeping them indistinguishable from real tokens at
	// the storage layer (the same reasoning internal/match.tally relies on).
	seen := make(map[string]struct{})
	var points []*edwards25519.Point
	for _, pref := range prefs {
		k := hex.EncodeToString(pref.MatchToken)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		base := crypto.HashTokenToPoint(k)
		points = append(points, crypto.ApplyServerSecret(base, secret))
	}
	setupMessage := encodeSet(points)

	secretBytes, err := json.Marshal(hex.EncodeToString(secret.Bytes()))
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "marshal secret", err)
	}
	sealed, err := crypto.EncryptTo(pl.CreatorAgreementKey, secretBytes)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "seal server secret", err)
	}
	sealedBytes, err := json.Marshal(sealed)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "marshal sealed envelope", err)
	}

	setup := &store.PSISetup{
		PoolID:            p.PoolID,
		SetupMessage:      setupMessage,
		SealedServerKey:   sealedBytes,
		OwnerPublicKey:    pl.CreatorAgreementKey,
		FalsePositiveRate: p.FalsePositiveRate,
		MaxClientElements: p.MaxClientElements,
		Structure:         p.Structure,
	}
	if err := m.Store.InsertPSISetup(ctx, setup); err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "insert PSI setup", err)
	}
	return setup, nil
}

// BlindedQuery is a client's locally-held correspondence between a candidate
// token and the random blinding scalar used to mask it. Never transmitted.
type BlindedQuery struct {
	Candidate []byte
	Blind     *edwards25519.Scalar
}

// PrepareRequest blinds each candidate token with a fresh random scalar and
// returns the serialized client request (safe to transmit) plus the local
// blinding state the client must keep to unblind the response.
func PrepareRequest(candidates [][]byte) (clientRequest []byte, queries []BlindedQuery, err error) {
	queries = make([]BlindedQuery, len(candidates))
	points := make([]*edwards25519.Point, len(candidates))
	for i, c := range candidates {
		base := crypto.HashTokenToPoint(hex.EncodeToString(c))
		q, r, err := crypto.BlindToken(base)
		if err != nil {
			return nil, nil, err
		}
		queries[i] = BlindedQuery{Candidate: c, Blind: r}
		points[i] = q
	}
	return encodeSet(points), queries, nil
}

// SubmitRequest enqueues a client's serialized PSI request. The server never
// sees the client's plaintext candidate set, only blinded curve points.
func (m *Manager) SubmitRequest(ctx context.Context, poolID ids.PoolID, clientRequest []byte, authTokenHash []byte) (ids.RequestID, error) {
	pl, err := m.Pools.Get(ctx, poolID)
	if err != nil {
		return ids.RequestID{}, err
	}
	if pool.EffectiveStatus(pl, time.Now()) != store.StatusClosed {
		return ids.RequestID{}, rzerr.New(rzerr.InvalidInput, "PSI request requires a closed pool")
	}
	if _, err := m.Store.GetPSISetup(ctx, poolID); err != nil {
		if err == store.ErrNotFound {
			return ids.RequestID{}, rzerr.New(rzerr.InvalidInput, "pool has no PSI setup")
		}
		return ids.RequestID{}, rzerr.Wrap(rzerr.InternalError, "get PSI setup", err)
	}

	req := &store.PendingPSIRequest{
		ID:            ids.New(),
		PoolID:        poolID,
		ClientRequest: clientRequest,
		Status:        store.PSIPending,
		CreatedAt:     time.Now(),
		AuthTokenHash: authTokenHash,
	}
	if err := m.Store.InsertPendingPSIRequest(ctx, req); err != nil {
		return ids.RequestID{}, rzerr.Wrap(rzerr.InternalError, "insert pending PSI request", err)
	}
	return req.ID, nil
}

// ListPendingForOwner returns pending requests for a pool, authenticated by a
// signed envelope over the pool's administrative signing key (§4.1).
func (m *Manager) ListPendingForOwner(ctx context.Context, poolID ids.PoolID, signature []byte, timestampMillis int64) ([]*store.PendingPSIRequest, error) {
	pl, err := m.Pools.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if len(pl.CreatorSigningKey) == 0 || !crypto.VerifyRequest(pl.CreatorSigningKey, "psi-poll", poolID[:], timestampMillis, signature, time.Now()) {
		return nil, rzerr.New(rzerr.InvalidInput, "PSI poll request failed signature verification")
	}
	reqs, err := m.Store.ListPendingPSIRequests(ctx, poolID, store.PSIPending)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "list pending PSI requests", err)
	}
	return reqs, nil
}

// DecryptSecret recovers the owner's server secret scalar from a PSISetup
// using the owner's agreement private key. Local-only; never transmitted.
func DecryptSecret(setup *store.PSISetup, ownerPrivate *ecdh.PrivateKey) (*edwards25519.Scalar, error) {
	var env crypto.EncryptedEnvelope
	if err := json.Unmarshal(setup.SealedServerKey, &env); err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "unmarshal sealed envelope", err)
	}
	plaintext, err := crypto.DecryptFrom(ownerPrivate.Bytes(), &env)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "decrypt sealed server secret", err)
	}
	var hexScalar string
	if err := json.Unmarshal(plaintext, &hexScalar); err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "unmarshal server secret", err)
	}
	raw, err := hex.DecodeString(hexScalar)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "decode server secret", err)
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(raw)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "parse server secret scalar", err)
	}
	return s, nil
}

// ProcessItem is one owner-computed response for a pending request.
type ProcessItem struct {
	RequestID ids.RequestID
	Response  []byte
}

// BatchResult reports the per-item outcome of PostResponses. A batch-item
// error never fails the whole call.
type BatchResult struct {
	RequestID ids.RequestID
	Err       error
}

// ProcessRequest computes the owner's response for one pending request's
// blinded client points: each point is re-exponentiated by the server
// secret, yielding secret·blind·H(candidate) — still masked by the client's
// blind until the client unblinds it.
func ProcessRequest(clientRequest []byte, secret *edwards25519.Scalar) ([]byte, error) {
	points, err := decodeSet(clientRequest)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InvalidInput, "decode client request", err)
	}
	out := make([]*edwards25519.Point, len(points))
	for i, q := range points {
		out[i] = crypto.ApplyServerSecret(q, secret)
	}
	return encodeSet(out), nil
}

// PostResponses marks each item completed and records its response with a
// 1-hour expiration, authenticated by a signed envelope. Items against a
// completed or missing request are reported as per-item errors, never a
// transaction failure.
func (m *Manager) PostResponses(ctx context.Context, poolID ids.PoolID, items []ProcessItem, signature []byte, timestampMillis int64) ([]BatchResult, error) {
	pl, err := m.Pools.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if len(pl.CreatorSigningKey) == 0 || !crypto.VerifyRequest(pl.CreatorSigningKey, "psi-post", poolID[:], timestampMillis, signature, time.Now()) {
		return nil, rzerr.New(rzerr.InvalidInput, "PSI post request failed signature verification")
	}

	results := make([]BatchResult, 0, len(items))
	now := time.Now()
	for _, item := range items {
		req, err := m.Store.GetPendingPSIRequest(ctx, item.RequestID)
		if err != nil {
			results = append(results, BatchResult{RequestID: item.RequestID, Err: rzerr.New(rzerr.InvalidInput, "request not found")})
			continue
		}
		if req.Status != store.PSIPending && req.Status != store.PSIProcessing {
			results = append(results, BatchResult{RequestID: item.RequestID, Err: rzerr.New(rzerr.InvalidInput, "request already completed or expired")})
			continue
		}
		record := &store.PSIResponseRecord{
			RequestID:    item.RequestID,
			PoolID:       poolID,
			SetupMessage: nil, // filled by the client poll path from the pool's setup
			Response:     item.Response,
			CreatedAt:    now,
			ExpiresAt:    now.Add(responseTTL),
		}
		if err := m.Store.InsertPSIResponse(ctx, record); err != nil {
			results = append(results, BatchResult{RequestID: item.RequestID, Err: rzerr.Wrap(rzerr.InternalError, "insert PSI response", err)})
			continue
		}
		if err := m.Store.UpdatePendingPSIRequestStatus(ctx, item.RequestID, store.PSICompleted); err != nil {
			results = append(results, BatchResult{RequestID: item.RequestID, Err: rzerr.Wrap(rzerr.InternalError, "update request status", err)})
			continue
		}
		results = append(results, BatchResult{RequestID: item.RequestID})
	}
	return results, nil
}

// ErrResponseExpired is returned by PollResponse once a response's 1-hour
// expiry has passed.
var ErrResponseExpired = rzerr.New(rzerr.InvalidInput, "PSI response expired")

// PollResponse returns the pool's setup message and the owner's response for
// requestID, once available.
func (m *Manager) PollResponse(ctx context.Context, poolID ids.PoolID, requestID ids.RequestID) (*store.PSISetup, *store.PSIResponseRecord, error) {
	setup, err := m.Store.GetPSISetup(ctx, poolID)
	if err != nil {
		return nil, nil, rzerr.Wrap(rzerr.InternalError, "get PSI setup", err)
	}
	resp, err := m.Store.GetPSIResponse(ctx, requestID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, rzerr.New(rzerr.InvalidInput, "response not yet available")
		}
		return nil, nil, rzerr.Wrap(rzerr.InternalError, "get PSI response", err)
	}
	if time.Now().After(resp.ExpiresAt) {
		return nil, nil, ErrResponseExpired
	}
	return setup, resp, nil
}

// ComputeIntersection runs entirely client-side: it unblinds each response
// point with its matching query's blinding scalar and reports which
// candidates land in the owner's published setup set.
func ComputeIntersection(setupMessage []byte, responseMessage []byte, queries []BlindedQuery) ([][]byte, error) {
	setupPoints, err := decodeSet(setupMessage)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InvalidInput, "decode setup message", err)
	}
	responsePoints, err := decodeSet(responseMessage)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InvalidInput, "decode response message", err)
	}
	if len(responsePoints) != len(queries) {
		return nil, rzerr.New(rzerr.InvalidInput, "response length does not match request length")
	}

	setupSet := make(map[string]struct{}, len(setupPoints))
	for _, p := range setupPoints {
		setupSet[hex.EncodeToString(p.Bytes())] = struct{}{}
	}

	var matched [][]byte
	for i, q := range queries {
		unblinded := crypto.RemoveBlindingFactor(responsePoints[i], q.Blind)
		if _, ok := setupSet[hex.EncodeToString(unblinded.Bytes())]; ok {
			matched = append(matched, q.Candidate)
		}
	}
	return matched, nil
}

// TrivialIntersect is the optional server-held trivial path: the server
// directly compares the client's plaintext candidates against the pool's
// real revealed token set. Unlike the owner-held-key pipeline, this reveals
// the client's candidates to the server and should only be used when that
// tradeoff is acceptable.
func (m *Manager) TrivialIntersect(ctx context.Context, poolID ids.PoolID, candidates [][]byte) ([][]byte, error) {
	prefs, err := m.Store.ListPreferencesByRevealed(ctx, poolID, true)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "list revealed preferences", err)
	}
	// Decoys stay in serverSet for the same reason CreateSetup keeps them in
	// the blinded setup set: they're indistinguishable from real tokens at
	// this layer, and collision with a client's genuine candidate is
	// negligible.
	serverSet := make(map[string]struct{}, len(prefs))
	for _, p := range prefs {
		serverSet[hex.EncodeToString(p.MatchToken)] = struct{}{}
	}
	var matched [][]byte
	for _, c := range candidates {
		if _, ok := serverSet[hex.EncodeToString(c)]; ok {
			matched = append(matched, c)
		}
	}
	return matched, nil
}
