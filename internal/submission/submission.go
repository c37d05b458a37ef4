// Package submission implements the commit-reveal submission protocol:
// nullifier-based Sybil control, preference-count limits, decoy padding,
// and encrypted reveal-on-match payloads.
package submission

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

// decoyMin and decoyMax bound the uniformly-random decoy count added to
// every accepted submission.
const (
	decoyMin = 3
	decoyMax = 8
)

// Manager validates and persists submissions and reveals.
type Manager struct {
	Store store.Store
	Pools *pool.Manager
}

// New constructs a submission Manager.
func New(s store.Store, pools *pool.Manager) *Manager {
	return &Manager{Store: s, Pools: pools}
}

// RevealData is an optional reveal-on-match payload attached to one
// submitted (non-decoy) token.
type RevealData struct {
	MatchToken      []byte
	EncryptedReveal []byte
}

// SubmitParams are the inputs to Submit.
type SubmitParams struct {
	PoolID    ids.PoolID
	Tokens    [][]byte
	Commits   [][]byte // optional; same length as Tokens when provided
	Nullifier []byte
	Reveals   []RevealData
}

// Submit validates and stores a submission. It returns the caller's own
// (non-decoy) preferences.
func (m *Manager) Submit(ctx context.Context, p SubmitParams) ([]*store.Preference, error) {
	pl, err := m.Pools.Get(ctx, p.PoolID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	effective := pool.EffectiveStatus(pl, now)
	if effective == store.StatusClosed {
		return nil, rzerr.New(rzerr.PoolClosed, "pool is closed")
	}

	if len(p.Nullifier) != crypto.KeySize {
		return nil, rzerr.New(rzerr.InvalidInput, "nullifier must be 32 bytes")
	}
	has, err := m.Store.HasNullifier(ctx, p.PoolID, p.Nullifier)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "check nullifier", err)
	}
	if has {
		return nil, rzerr.New(rzerr.DuplicateNullifier, "a submission already exists for this nullifier")
	}

	for _, tok := range p.Tokens {
		if len(tok) != crypto.KeySize {
			return nil, rzerr.New(rzerr.InvalidInput, "every token must be 32 bytes")
		}
	}
	if p.Commits != nil && len(p.Commits) != len(p.Tokens) {
		return nil, rzerr.New(rzerr.InvalidInput, "commits, when provided, must match tokens 1:1")
	}
	if pl.MaxPreferences != nil && len(p.Tokens) > *pl.MaxPreferences {
		return nil, rzerr.New(rzerr.PreferenceLimitExceeded, "submission exceeds the pool's max preferences")
	}

	inCommitPhase := effective == store.StatusCommit

	real := make([]*store.Preference, 0, len(p.Tokens))
	for i, tok := range p.Tokens {
		pref := &store.Preference{
			PoolID:      p.PoolID,
			Nullifier:   p.Nullifier,
			MatchToken:  tok,
			SubmittedAt: now,
		}
		if inCommitPhase {
			// The client may omit its commit hash and let the server
			// recompute it. Preserved for compatibility; this
			// weakens the commit-reveal privacy guarantee against an
			// adversarial server, which already sees the plaintext token.
			if p.Commits != nil && p.Commits[i] != nil {
				pref.CommitHash = p.Commits[i]
			} else {
				pref.CommitHash = crypto.Commit(tok)
			}
			pref.Revealed = false
		} else {
			pref.Revealed = true
		}
		real = append(real, pref)
	}

	for _, rd := range p.Reveals {
		for _, pref := range real {
			if crypto.ConstantTimeEqual(pref.MatchToken, rd.MatchToken) {
				pref.EncryptedReveal = rd.EncryptedReveal
			}
		}
	}

	decoys, err := makeDecoys(p.PoolID, p.Nullifier, inCommitPhase, now)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "generate decoys", err)
	}

	all := append(append([]*store.Preference{}, real...), decoys...)
	if err := m.Store.InsertPreferences(ctx, p.PoolID, p.Nullifier, all); err != nil {
		if store.IsAlreadyExists(err) {
			return nil, rzerr.New(rzerr.DuplicateNullifier, "a submission already exists for this nullifier")
		}
		return nil, rzerr.Wrap(rzerr.InternalError, "insert preferences", err)
	}

	return real, nil
}

func makeDecoys(poolID ids.PoolID, nullifier []byte, inCommitPhase bool, now time.Time) ([]*store.Preference, error) {
	n, err := randomInRange(decoyMin, decoyMax)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Preference, 0, n)
	for i := 0; i < n; i++ {
		tok := make([]byte, crypto.KeySize)
		if _, err := rand.Read(tok); err != nil {
			return nil, err
		}
		pref := &store.Preference{
			PoolID:      poolID,
			Nullifier:   nullifier,
			MatchToken:  tok,
			SubmittedAt: now,
		}
		if inCommitPhase {
			pref.CommitHash = crypto.Commit(tok)
			pref.Revealed = false
		} else {
			pref.Revealed = true
		}
		out = append(out, pref)
	}
	return out, nil
}

func randomInRange(min, max int) (int, error) {
	span := int64(max - min + 1)
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return min + int(v%uint64(span)), nil
}

// RevealParams are the inputs to Reveal.
type RevealParams struct {
	PoolID    ids.PoolID
	Nullifier []byte
	Tokens    [][]byte
}

// Reveal matches caller-supplied tokens against outstanding commitments for
// (PoolID, Nullifier) and flips them to revealed=true, auto-revealing
// decoys whose stored token self-verifies against its own commitment.
func (m *Manager) Reveal(ctx context.Context, p RevealParams) error {
	pl, err := m.Pools.Get(ctx, p.PoolID)
	if err != nil {
		return err
	}
	now := time.Now()
	if pool.EffectiveStatus(pl, now) != store.StatusReveal {
		return rzerr.New(rzerr.PoolNotInRevealPhase, "pool is not in the reveal phase")
	}

	prefs, err := m.Store.ListPreferencesByNullifier(ctx, p.PoolID, p.Nullifier)
	if err != nil {
		return rzerr.Wrap(rzerr.InternalError, "list preferences", err)
	}
	if len(prefs) == 0 {
		return rzerr.New(rzerr.CommitmentNotFound, "no preferences found for this nullifier")
	}

	consumed := make([]bool, len(p.Tokens))
	toPersist := make([]*store.Preference, 0, len(prefs))

	for _, pref := range prefs {
		if pref.Revealed {
			continue
		}
		matched := false
		for i, cand := range p.Tokens {
			if consumed[i] {
				continue
			}
			if crypto.VerifyCommit(cand, pref.CommitHash) {
				pref.MatchToken = cand
				pref.Revealed = true
				consumed[i] = true
				matched = true
				break
			}
		}
		if !matched && crypto.VerifyCommit(pref.MatchToken, pref.CommitHash) {
			// Decoy self-reveal: the server injected this token and its
			// commitment, so it always verifies against itself. Safe
			// because decoys are drawn from the full 256-bit random space
			// and cannot collide with a real, later-revealable token.
			pref.Revealed = true
			matched = true
		}
		if matched {
			toPersist = append(toPersist, pref)
		}
	}

	for _, consumed := range consumed {
		if !consumed {
			return rzerr.New(rzerr.CommitmentMismatch, "a supplied token did not match any outstanding commitment")
		}
	}

	for _, pref := range toPersist {
		if err := m.Store.UpdatePreference(ctx, pref); err != nil {
			return rzerr.Wrap(rzerr.InternalError, "update preference", err)
		}
	}
	return nil
}
