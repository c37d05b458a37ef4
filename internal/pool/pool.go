// Package pool implements the pool lifecycle state machine:
// creation, effective-status computation, and administrative transitions.
package pool

import (
	"context"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/gate"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

const maxNameLength = 200

// Manager drives pool creation and lifecycle transitions.
type Manager struct {
	Store store.Store
}

// New constructs a pool Manager over the given store.
func New(s store.Store) *Manager {
	return &Manager{Store: s}
}

// CreateParams are the validated inputs to Create.
type CreateParams struct {
	Name                 string
	Description          string
	CreatorAgreementKey  []byte
	CreatorSigningKey    []byte
	CommitDeadline       *time.Time
	RevealDeadline       time.Time
	Gate                 *gate.Node // nil defaults to allow-list{creator}
	MaxPreferences       *int
	Ephemeral            bool
	RequiresInviteToJoin bool
}

// Create validates params and persists a new pool.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*store.Pool, error) {
	now := time.Now()

	if p.Name == "" {
		return nil, rzerr.New(rzerr.InvalidInput, "pool name must not be empty")
	}
	if len(p.Name) > maxNameLength {
		return nil, rzerr.New(rzerr.InvalidInput, "pool name exceeds 200 characters")
	}
	if !p.RevealDeadline.After(now) {
		return nil, rzerr.New(rzerr.InvalidInput, "reveal deadline must be strictly in the future")
	}
	if p.CommitDeadline != nil {
		if !p.CommitDeadline.After(now) {
			return nil, rzerr.New(rzerr.InvalidInput, "commit deadline must be strictly in the future")
		}
		if !p.CommitDeadline.Before(p.RevealDeadline) {
			return nil, rzerr.New(rzerr.InvalidInput, "commit deadline must be strictly before reveal deadline")
		}
	}
	if p.MaxPreferences != nil && *p.MaxPreferences < 1 {
		return nil, rzerr.New(rzerr.InvalidInput, "max preferences must be at least 1 when set")
	}
	if _, err := crypto.ParseAgreementPublicKey(p.CreatorAgreementKey); err != nil {
		return nil, rzerr.Wrap(rzerr.InvalidPublicKey, "creator agreement key invalid", err)
	}

	gateNode := gate.AllowList(p.CreatorAgreementKey)
	if p.Gate != nil {
		gateNode = *p.Gate
	}

	status := store.StatusOpen
	if p.CommitDeadline != nil {
		status = store.StatusCommit
	}

	pl := &store.Pool{
		ID:                   ids.New(),
		Name:                 p.Name,
		Description:          p.Description,
		CreatorAgreementKey:  p.CreatorAgreementKey,
		CreatorSigningKey:    p.CreatorSigningKey,
		CommitDeadline:       p.CommitDeadline,
		RevealDeadline:       p.RevealDeadline,
		Gate:                 gateNode,
		MaxPreferences:       p.MaxPreferences,
		Ephemeral:            p.Ephemeral,
		RequiresInviteToJoin: p.RequiresInviteToJoin,
		Status:               status,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := m.Store.InsertPool(ctx, pl); err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "insert pool", err)
	}
	return pl, nil
}

// Get fetches a pool by id.
func (m *Manager) Get(ctx context.Context, id ids.PoolID) (*store.Pool, error) {
	p, err := m.Store.GetPool(ctx, id)
	if err != nil {
		return nil, rzerr.Wrap(rzerr.PoolNotFound, "pool not found", err)
	}
	return p, nil
}

// List returns every pool.
func (m *Manager) List(ctx context.Context) ([]*store.Pool, error) {
	return m.Store.ListAllPools(ctx)
}

// EffectiveStatus is a pure function of stored status, the deadlines, and
// now. closed is absorbing.
func EffectiveStatus(p *store.Pool, now time.Time) store.PoolStatus {
	if p.Status == store.StatusClosed || !now.Before(p.RevealDeadline) {
		return store.StatusClosed
	}
	if p.CommitDeadline != nil {
		if !p.CommitDeadline.After(now) && now.Before(p.RevealDeadline) {
			return store.StatusReveal
		}
		if now.Before(*p.CommitDeadline) {
			return store.StatusCommit
		}
	}
	return store.StatusOpen
}

// AcceptsCommits reports whether submissions in commit form are accepted.
func AcceptsCommits(p *store.Pool, now time.Time) bool {
	return EffectiveStatus(p, now) == store.StatusCommit
}

// AcceptsReveals reports whether direct tokens or reveals are accepted.
func AcceptsReveals(p *store.Pool, now time.Time) bool {
	s := EffectiveStatus(p, now)
	return s == store.StatusOpen || s == store.StatusReveal
}

// SyncStatus persists the effective status if it diverges from the stored
// one, returning the (possibly updated) pool.
func (m *Manager) SyncStatus(ctx context.Context, p *store.Pool, now time.Time) (*store.Pool, error) {
	eff := EffectiveStatus(p, now)
	if eff == p.Status {
		return p, nil
	}
	p.Status = eff
	p.UpdatedAt = now
	if err := m.Store.UpdatePool(ctx, p); err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "update pool status", err)
	}
	return p, nil
}

// Close forces status=closed, authenticated by the caller's signed request
// envelope over creatorSigningKey.
func (m *Manager) Close(ctx context.Context, id ids.PoolID, signature []byte, timestampMillis int64) (*store.Pool, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(p.CreatorSigningKey) == 0 || !crypto.VerifyRequest(p.CreatorSigningKey, "close", p.ID[:], timestampMillis, signature, time.Now()) {
		return nil, rzerr.New(rzerr.InvalidInput, "close request failed signature verification")
	}
	p.Status = store.StatusClosed
	p.UpdatedAt = time.Now()
	if err := m.Store.UpdatePool(ctx, p); err != nil {
		return nil, rzerr.Wrap(rzerr.InternalError, "close pool", err)
	}
	return p, nil
}
