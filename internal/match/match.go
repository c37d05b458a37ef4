// Package match implements match detection: occurrence-count
// based mutual-match extraction, deterministic content hashing, optional
// timestamp attestation, and client-side local discovery.
package match

import (
	"context"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

// resultVersion is embedded in the content hash; bump it if the hashed
// shape ever changes.
const resultVersion = "rendezvous-v1"

// Attestor obtains a third-party timestamp attestation over a content hash.
// External to the core; nil disables attestation.
type Attestor interface {
	Attest(ctx context.Context, contentHash []byte) (*store.Attestation, error)
}

// Detector drives match detection over a pool's closed preference set.
type Detector struct {
	Store    store.Store
	Pools    *pool.Manager
	Attestor Attestor // optional
}

// New constructs a Detector. attestor may be nil.
func New(s store.Store, pools *pool.Manager, attestor Attestor) *Detector {
	return &Detector{Store: s, Pools: pools, Attestor: attestor}
}

// Detect requires the pool's effective status to be closed. It is idempotent:
// a prior result is returned as-is without recomputation or a second
// attestation call.
func (d *Detector) Detect(ctx context.Context, poolID ids.PoolID) (*store.MatchResult, error) {
	p, err := d.Pools.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.EffectiveStatus(p, time.Now()) != store.StatusClosed {
		return nil, rzerr.New(rzerr.InvalidInput, "pool is not yet closed")
	}

	if existing, err := d.Store.GetMatchResult(ctx, poolID); err == nil {
		return existing, nil
	} else if err != store.ErrNotFound {
		return nil, rzerr.Wrap(rzerr.InternalError, "get match result", err)
	}

	matched, totalSubmissions, participantCount, err := d.tally(ctx, poolID)
	if err != nil {
		return nil, err
	}

	hash := contentHash(poolID, matched, participantCount)

	result := &store.MatchResult{
		PoolID:           poolID,
		MatchedTokens:    matched,
		TotalSubmissions: totalSubmissions,
		ParticipantCount: participantCount,
		DetectedAt:       time.Now(),
		ContentHash:      hash,
	}

	if d.Attestor != nil {
		att, err := d.Attestor.Attest(ctx, hash)
		if err != nil {
			return nil, rzerr.Wrap(rzerr.InternalError, "attest match result", err)
		}
		result.Attestation = att
	}

	if err := d.Store.InsertMatchResult(ctx, result); err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "insert match result", err)
	}
	return result, nil
}

// tally computes matched tokens, total submission count (all preferences,
// real and decoy — decoys are deliberately counted so an observer cannot
// back out the true submission count), and the number of distinct
// nullifiers among revealed preferences.
func (d *Detector) tally(ctx context.Context, poolID ids.PoolID) (matched [][]byte, totalSubmissions, participantCount int, err error) {
	counts, err := d.Store.CountTokenOccurrences(ctx, poolID)
	if err != nil {
		return nil, 0, 0, rzerr.Wrap(rzerr.InternalError, "count token occurrences", err)
	}
	for tokHex, n := range counts {
		if n == 2 {
			tok, decErr := hex.DecodeString(tokHex)
			if decErr != nil {
				return nil, 0, 0, rzerr.Wrap(rzerr.InternalError, "decode token", decErr)
			}
			matched = append(matched, tok)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return hex.EncodeToString(matched[i]) < hex.EncodeToString(matched[j]) })

	revealed, err := d.Store.ListPreferencesByRevealed(ctx, poolID, true)
	if err != nil {
		return nil, 0, 0, rzerr.Wrap(rzerr.InternalError, "list revealed preferences", err)
	}
	unrevealed, err := d.Store.ListPreferencesByRevealed(ctx, poolID, false)
	if err != nil {
		return nil, 0, 0, rzerr.Wrap(rzerr.InternalError, "list unrevealed preferences", err)
	}
	totalSubmissions = len(revealed) + len(unrevealed)

	seen := make(map[string]struct{})
	for _, p := range revealed {
		seen[hex.EncodeToString(p.Nullifier)] = struct{}{}
	}
	participantCount = len(seen)
	return matched, totalSubmissions, participantCount, nil
}

// contentHashDoc is the exact JSON shape hashed for attestation.
type contentHashDoc struct {
	PoolID           string   `json:"pool_id"`
	MatchedTokens    []string `json:"matched_tokens"`
	ParticipantCount int      `json:"participant_count"`
	Version          string   `json:"version"`
}

func contentHash(poolID ids.PoolID, matched [][]byte, participantCount int) []byte {
	hexTokens := make([]string, len(matched))
	for i, t := range matched {
		hexTokens[i] = hex.EncodeToString(t)
	}
	doc := contentHashDoc{
		PoolID:           poolID.String(),
		MatchedTokens:    hexTokens,
		ParticipantCount: participantCount,
		Version:          resultVersion,
	}
	b, _ := json.Marshal(doc)
	sum := sha256.Sum256(b)
	return sum[:]
}

// VerifyIntegrity recounts preferences and checks that every matched token
// has count exactly 2, no token exceeds count 2, and every count-2 token is
// present in the matched list. It reports errors rather than panicking.
func (d *Detector) VerifyIntegrity(ctx context.Context, poolID ids.PoolID) []string {
	var problems []string

	result, err := d.Store.GetMatchResult(ctx, poolID)
	if err != nil {
		return []string{"no match result recorded for pool"}
	}
	counts, err := d.Store.CountTokenOccurrences(ctx, poolID)
	if err != nil {
		return []string{"failed to recount token occurrences: " + err.Error()}
	}

	matchedSet := make(map[string]struct{}, len(result.MatchedTokens))
	for _, t := range result.MatchedTokens {
		matchedSet[hex.EncodeToString(t)] = struct{}{}
	}

	for tokHex, n := range counts {
		_, inMatched := matchedSet[tokHex]
		if n == 2 && !inMatched {
			problems = append(problems, "token with count=2 missing from matched list: "+tokHex)
		}
		if n != 2 && inMatched {
			problems = append(problems, "matched token does not have count=2: "+tokHex)
		}
		if n > 2 {
			problems = append(problems, "token occurs more than twice: "+tokHex)
		}
	}
	for tokHex := range matchedSet {
		if counts[tokHex] != 2 {
			problems = append(problems, "matched token absent from recount: "+tokHex)
		}
	}
	return problems
}

// Discover is pure client-side: it recomputes each candidate's would-be
// token and reports those present in the pool's matched-tokens set. It
// never contacts the server with candidate key material beyond reading the
// already-published matched-tokens list.
func Discover(result *store.MatchResult, mySecret *ecdh.PrivateKey, poolID ids.PoolID, candidates []*ecdh.PublicKey) ([]*ecdh.PublicKey, error) {
	matchedSet := make(map[string]struct{}, len(result.MatchedTokens))
	for _, t := range result.MatchedTokens {
		matchedSet[hex.EncodeToString(t)] = struct{}{}
	}

	var found []*ecdh.PublicKey
	for _, cand := range candidates {
		tok, err := crypto.DeriveMatchToken(mySecret, cand, poolID[:])
		if err != nil {
			return nil, err
		}
		if _, ok := matchedSet[hex.EncodeToString(tok)]; ok {
			found = append(found, cand)
		}
	}
	return found, nil
}
