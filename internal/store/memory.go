package store

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/auroradata-ai/rendezvous/internal/ids"
)

// MemoryStore is an in-memory Store, guarded by a single RWMutex. It is the
// default backend: sufficient for tests and for a single-process
// deployment; PostgresStore is the persistent alternative.
type MemoryStore struct {
	mu sync.RWMutex

	pools        map[ids.PoolID]*Pool
	participants map[ids.PoolID]map[string]*Participant // key: hex(agreementKey)
	prefsByNull  map[ids.PoolID]map[string][]*Preference // key: hex(nullifier)
	matchResults map[ids.PoolID]*MatchResult

	psiSetups   map[ids.PoolID]*PSISetup
	psiRequests map[ids.RequestID]*PendingPSIRequest
	psiResponse map[ids.RequestID]*PSIResponseRecord

	instances       map[ids.InstanceID]*InstanceRecord
	federatedPools  map[ids.PoolID]*FederatedPoolMetadata
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:          make(map[ids.PoolID]*Pool),
		participants:   make(map[ids.PoolID]map[string]*Participant),
		prefsByNull:    make(map[ids.PoolID]map[string][]*Preference),
		matchResults:   make(map[ids.PoolID]*MatchResult),
		psiSetups:      make(map[ids.PoolID]*PSISetup),
		psiRequests:    make(map[ids.RequestID]*PendingPSIRequest),
		psiResponse:    make(map[ids.RequestID]*PSIResponseRecord),
		instances:      make(map[ids.InstanceID]*InstanceRecord),
		federatedPools: make(map[ids.PoolID]*FederatedPoolMetadata),
	}
}

func keyHex(b []byte) string { return hex.EncodeToString(b) }

func clonePool(p *Pool) *Pool {
	c := *p
	return &c
}

// --- Pools ---

func (m *MemoryStore) InsertPool(ctx context.Context, p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.ID] = clonePool(p)
	return nil
}

func (m *MemoryStore) GetPool(ctx context.Context, id ids.PoolID) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePool(p), nil
}

func (m *MemoryStore) UpdatePool(ctx context.Context, p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[p.ID]; !ok {
		return ErrNotFound
	}
	m.pools[p.ID] = clonePool(p)
	return nil
}

func (m *MemoryStore) ListPoolsByStatus(ctx context.Context, status PoolStatus) ([]*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Pool
	for _, p := range m.pools {
		if p.Status == status {
			out = append(out, clonePool(p))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPoolsByCreator(ctx context.Context, creatorAgreementKey []byte) ([]*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Pool
	for _, p := range m.pools {
		if keyHex(p.CreatorAgreementKey) == keyHex(creatorAgreementKey) {
			out = append(out, clonePool(p))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAllPools(ctx context.Context) ([]*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, clonePool(p))
	}
	return out, nil
}

// --- Participants ---

func (m *MemoryStore) InsertParticipant(ctx context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.participants[p.PoolID]
	if !ok {
		byKey = make(map[string]*Participant)
		m.participants[p.PoolID] = byKey
	}
	k := keyHex(p.AgreementKey)
	if _, exists := byKey[k]; exists {
		return &alreadyExistsError{"participant already registered"}
	}
	c := *p
	byKey[k] = &c
	return nil
}

type alreadyExistsError struct{ msg string }

func (e *alreadyExistsError) Error() string { return e.msg }

// IsAlreadyExists reports whether err came from a duplicate-insert guard.
func IsAlreadyExists(err error) bool {
	_, ok := err.(*alreadyExistsError)
	return ok
}

func (m *MemoryStore) GetParticipant(ctx context.Context, poolID ids.PoolID, agreementKey []byte) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey, ok := m.participants[poolID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := byKey[keyHex(agreementKey)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) ListParticipants(ctx context.Context, poolID ids.PoolID) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := m.participants[poolID]
	out := make([]*Participant, 0, len(byKey))
	for _, p := range byKey {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) DeleteParticipantsByPool(ctx context.Context, poolID ids.PoolID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, poolID)
	return nil
}

// --- Preferences ---

func (m *MemoryStore) InsertPreferences(ctx context.Context, poolID ids.PoolID, nullifier []byte, prefs []*Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byNull, ok := m.prefsByNull[poolID]
	if !ok {
		byNull = make(map[string][]*Preference)
		m.prefsByNull[poolID] = byNull
	}
	k := keyHex(nullifier)
	if existing, ok := byNull[k]; ok && len(existing) > 0 {
		return &alreadyExistsError{"DUPLICATE_NULLIFIER"}
	}

	cp := make([]*Preference, len(prefs))
	for i, p := range prefs {
		c := *p
		cp[i] = &c
	}
	byNull[k] = cp
	return nil
}

func (m *MemoryStore) HasNullifier(ctx context.Context, poolID ids.PoolID, nullifier []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNull, ok := m.prefsByNull[poolID]
	if !ok {
		return false, nil
	}
	existing, ok := byNull[keyHex(nullifier)]
	return ok && len(existing) > 0, nil
}

func (m *MemoryStore) ListPreferencesByNullifier(ctx context.Context, poolID ids.PoolID, nullifier []byte) ([]*Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNull := m.prefsByNull[poolID]
	src := byNull[keyHex(nullifier)]
	out := make([]*Preference, len(src))
	for i, p := range src {
		c := *p
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) ListPreferencesByRevealed(ctx context.Context, poolID ids.PoolID, revealed bool) ([]*Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Preference
	for _, prefs := range m.prefsByNull[poolID] {
		for _, p := range prefs {
			if p.Revealed == revealed {
				c := *p
				out = append(out, &c)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePreference(ctx context.Context, p *Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNull, ok := m.prefsByNull[p.PoolID]
	if !ok {
		return ErrNotFound
	}
	k := keyHex(p.Nullifier)
	prefs, ok := byNull[k]
	if !ok {
		return ErrNotFound
	}
	for i, existing := range prefs {
		if keyHex(existing.MatchToken) == keyHex(p.MatchToken) {
			c := *p
			prefs[i] = &c
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CountTokenOccurrences(ctx context.Context, poolID ids.PoolID) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, prefs := range m.prefsByNull[poolID] {
		for _, p := range prefs {
			if p.Revealed {
				counts[keyHex(p.MatchToken)]++
			}
		}
	}
	return counts, nil
}

// --- Match results ---

func (m *MemoryStore) InsertMatchResult(ctx context.Context, r *MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.matchResults[r.PoolID] = &c
	return nil
}

func (m *MemoryStore) GetMatchResult(ctx context.Context, poolID ids.PoolID) (*MatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.matchResults[poolID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// --- PSI ---

func (m *MemoryStore) InsertPSISetup(ctx context.Context, s *PSISetup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.psiSetups[s.PoolID] = &c
	return nil
}

func (m *MemoryStore) GetPSISetup(ctx context.Context, poolID ids.PoolID) (*PSISetup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.psiSetups[poolID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) InsertPendingPSIRequest(ctx context.Context, r *PendingPSIRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.psiRequests[r.ID] = &c
	return nil
}

func (m *MemoryStore) GetPendingPSIRequest(ctx context.Context, id ids.RequestID) (*PendingPSIRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.psiRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) ListPendingPSIRequests(ctx context.Context, poolID ids.PoolID, status PSIRequestStatus) ([]*PendingPSIRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PendingPSIRequest
	for _, r := range m.psiRequests {
		if r.PoolID == poolID && r.Status == status {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePendingPSIRequestStatus(ctx context.Context, id ids.RequestID, status PSIRequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.psiRequests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *MemoryStore) InsertPSIResponse(ctx context.Context, r *PSIResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.psiResponse[r.RequestID] = &c
	return nil
}

func (m *MemoryStore) GetPSIResponse(ctx context.Context, requestID ids.RequestID) (*PSIResponseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.psiResponse[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// --- Federation ---

func (m *MemoryStore) UpsertInstance(ctx context.Context, inst *InstanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inst
	m.instances[inst.ID] = &c
	return nil
}

func (m *MemoryStore) GetInstance(ctx context.Context, id ids.InstanceID) (*InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *inst
	return &c, nil
}

func (m *MemoryStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*InstanceRecord, 0, len(m.instances))
	for _, inst := range m.instances {
		c := *inst
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) UpsertFederatedPool(ctx context.Context, meta *FederatedPoolMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *meta
	m.federatedPools[meta.PoolID] = &c
	return nil
}

func (m *MemoryStore) GetFederatedPool(ctx context.Context, id ids.PoolID) (*FederatedPoolMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.federatedPools[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *meta
	return &c, nil
}

func (m *MemoryStore) ListFederatedPools(ctx context.Context) ([]*FederatedPoolMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*FederatedPoolMetadata, 0, len(m.federatedPools))
	for _, meta := range m.federatedPools {
		c := *meta
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
