package store

import (
	"context"

	"github.com/auroradata-ai/rendezvous/internal/ids"
)

// Store is the narrow transactional contract the rest of the core programs
// against. Implementations are free to choose any backing
// engine as long as they uphold:
//
//   - (pool_id, nullifier) admits at most one preference set per participant
//     per pool, even under concurrent InsertPreferences calls.
//   - InsertMatchResult is idempotent on pool_id (upsert).
//   - CountTokenOccurrences counts only preferences with Revealed=true.
type Store interface {
	// Pools
	InsertPool(ctx context.Context, p *Pool) error
	GetPool(ctx context.Context, id ids.PoolID) (*Pool, error)
	UpdatePool(ctx context.Context, p *Pool) error
	ListPoolsByStatus(ctx context.Context, status PoolStatus) ([]*Pool, error)
	ListPoolsByCreator(ctx context.Context, creatorAgreementKey []byte) ([]*Pool, error)
	ListAllPools(ctx context.Context) ([]*Pool, error)

	// Participants
	InsertParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, poolID ids.PoolID, agreementKey []byte) (*Participant, error)
	ListParticipants(ctx context.Context, poolID ids.PoolID) ([]*Participant, error)
	DeleteParticipantsByPool(ctx context.Context, poolID ids.PoolID) error

	// Preferences. InsertPreferences is the serialization point for
	// nullifier-uniqueness: it must reject the call in its entirety (no
	// partial insert) if (poolID, nullifier) already has any preferences.
	InsertPreferences(ctx context.Context, poolID ids.PoolID, nullifier []byte, prefs []*Preference) error
	HasNullifier(ctx context.Context, poolID ids.PoolID, nullifier []byte) (bool, error)
	ListPreferencesByNullifier(ctx context.Context, poolID ids.PoolID, nullifier []byte) ([]*Preference, error)
	ListPreferencesByRevealed(ctx context.Context, poolID ids.PoolID, revealed bool) ([]*Preference, error)
	UpdatePreference(ctx context.Context, p *Preference) error
	CountTokenOccurrences(ctx context.Context, poolID ids.PoolID) (map[string]int, error)

	// Match results
	InsertMatchResult(ctx context.Context, r *MatchResult) error
	GetMatchResult(ctx context.Context, poolID ids.PoolID) (*MatchResult, error)

	// PSI
	InsertPSISetup(ctx context.Context, s *PSISetup) error
	GetPSISetup(ctx context.Context, poolID ids.PoolID) (*PSISetup, error)
	InsertPendingPSIRequest(ctx context.Context, r *PendingPSIRequest) error
	GetPendingPSIRequest(ctx context.Context, id ids.RequestID) (*PendingPSIRequest, error)
	ListPendingPSIRequests(ctx context.Context, poolID ids.PoolID, status PSIRequestStatus) ([]*PendingPSIRequest, error)
	UpdatePendingPSIRequestStatus(ctx context.Context, id ids.RequestID, status PSIRequestStatus) error
	InsertPSIResponse(ctx context.Context, r *PSIResponseRecord) error
	GetPSIResponse(ctx context.Context, requestID ids.RequestID) (*PSIResponseRecord, error)

	// Federation CRDT document
	UpsertInstance(ctx context.Context, inst *InstanceRecord) error
	GetInstance(ctx context.Context, id ids.InstanceID) (*InstanceRecord, error)
	ListInstances(ctx context.Context) ([]*InstanceRecord, error)
	UpsertFederatedPool(ctx context.Context, meta *FederatedPoolMetadata) error
	GetFederatedPool(ctx context.Context, id ids.PoolID) (*FederatedPoolMetadata, error)
	ListFederatedPools(ctx context.Context) ([]*FederatedPoolMetadata, error)

	Close() error
}

// ErrNotFound is returned by Get-style lookups that find nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
