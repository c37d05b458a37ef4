// Package federation implements the replicated instance/pool document (spec
// §4.8): a last-writer-wins CRDT synced between peers over a line-delimited
// JSON transport, plus the identified and anonymous message flows built on
// top of it (join request, token relay, ping/pong).
package federation

import (
	"sync"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

// fieldClock is the last-writer-wins timestamp attached to a single
// replicated field. Ties are broken by InstanceID so merge is deterministic
// across peers that observe the same wall-clock millisecond.
type fieldClock struct {
	UpdatedAt time.Time      `json:"updated_at"`
	OriginID  ids.InstanceID `json:"origin_id"`
}

func (c fieldClock) newerThan(o fieldClock) bool {
	if !c.UpdatedAt.Equal(o.UpdatedAt) {
		return c.UpdatedAt.After(o.UpdatedAt)
	}
	return c.OriginID.String() > o.OriginID.String()
}

// instanceClocks carries one fieldClock per mutable field of
// store.InstanceRecord. ID is the record's key and is never merged.
type instanceClocks struct {
	Name      fieldClock `json:"name"`
	Endpoint  fieldClock `json:"endpoint"`
	PublicKey fieldClock `json:"public_key"`
}

func uniformInstanceClocks(clk fieldClock) instanceClocks {
	return instanceClocks{Name: clk, Endpoint: clk, PublicKey: clk}
}

// poolClocks carries one fieldClock per mutable field of
// store.FederatedPoolMetadata. PoolID is the record's key and is never
// merged; UpdatedAt is derived (the latest of the other clocks) rather than
// merged on its own.
type poolClocks struct {
	Name              fieldClock `json:"name"`
	OwnerInstanceID   fieldClock `json:"owner_instance_id"`
	OwnerAgreementKey fieldClock `json:"owner_agreement_key"`
	RevealDeadline    fieldClock `json:"reveal_deadline"`
	Status            fieldClock `json:"status"`
}

func uniformPoolClocks(clk fieldClock) poolClocks {
	return poolClocks{Name: clk, OwnerInstanceID: clk, OwnerAgreementKey: clk, RevealDeadline: clk, Status: clk}
}

// latest returns whichever of the record's per-field clocks is newest, used
// to stamp the record's own UpdatedAt after a merge touches some subset of
// its fields.
func (c poolClocks) latest() fieldClock {
	latest := c.Name
	for _, other := range []fieldClock{c.OwnerInstanceID, c.OwnerAgreementKey, c.RevealDeadline, c.Status} {
		if other.newerThan(latest) {
			latest = other
		}
	}
	return latest
}

// Document is the replicated {instances, pools} state. Every mutation
// applies locally first; Merge folds in a peer's snapshot field by field, so
// two peers that concurrently update different fields of the same record
// both survive instead of one whole-record write clobbering the other.
type Document struct {
	mu sync.RWMutex

	instances   map[ids.InstanceID]*store.InstanceRecord
	instanceClk map[ids.InstanceID]instanceClocks

	pools   map[ids.PoolID]*store.FederatedPoolMetadata
	poolClk map[ids.PoolID]poolClocks

	version uint64
}

// NewDocument constructs an empty replicated document.
func NewDocument() *Document {
	return &Document{
		instances:   make(map[ids.InstanceID]*store.InstanceRecord),
		instanceClk: make(map[ids.InstanceID]instanceClocks),
		pools:       make(map[ids.PoolID]*store.FederatedPoolMetadata),
		poolClk:     make(map[ids.PoolID]poolClocks),
	}
}

// Version returns the document's local mutation counter, bumped on every
// accepted local or merged write.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// PutInstance applies a local write for inst, attributed to origin at now.
// A local write touches every field at once, so all of inst's fields share
// the same clock.
func (d *Document) PutInstance(inst *store.InstanceRecord, origin ids.InstanceID, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.putInstanceLocked(inst, uniformInstanceClocks(fieldClock{UpdatedAt: now, OriginID: origin}))
}

// putInstanceLocked merges inst's fields one at a time: a field only
// overwrites the stored value when its clock is strictly newer than that
// field's current clock, never when the record as a whole looks newer.
func (d *Document) putInstanceLocked(inst *store.InstanceRecord, clocks instanceClocks) bool {
	cur, ok := d.instances[inst.ID]
	if !ok {
		d.instances[inst.ID] = inst
		d.instanceClk[inst.ID] = clocks
		d.version++
		return true
	}

	curClk := d.instanceClk[inst.ID]
	merged := *cur
	changed := false

	if clocks.Name.newerThan(curClk.Name) {
		merged.Name = inst.Name
		curClk.Name = clocks.Name
		changed = true
	}
	if clocks.Endpoint.newerThan(curClk.Endpoint) {
		merged.Endpoint = inst.Endpoint
		curClk.Endpoint = clocks.Endpoint
		changed = true
	}
	if clocks.PublicKey.newerThan(curClk.PublicKey) {
		merged.PublicKey = inst.PublicKey
		curClk.PublicKey = clocks.PublicKey
		changed = true
	}
	if !changed {
		return false
	}
	d.instances[inst.ID] = &merged
	d.instanceClk[inst.ID] = curClk
	d.version++
	return true
}

// PutPool applies a local write for meta, attributed to origin at now.
func (d *Document) PutPool(meta *store.FederatedPoolMetadata, origin ids.InstanceID, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.putPoolLocked(meta, uniformPoolClocks(fieldClock{UpdatedAt: now, OriginID: origin}))
}

// putPoolLocked merges meta's fields one at a time, mirroring
// putInstanceLocked: a peer's later update to Status cannot be discarded by
// another peer's later-but-different-field update to Name on the same pool.
func (d *Document) putPoolLocked(meta *store.FederatedPoolMetadata, clocks poolClocks) bool {
	cur, ok := d.pools[meta.PoolID]
	if !ok {
		seeded := *meta
		seeded.UpdatedAt = clocks.latest().UpdatedAt
		d.pools[meta.PoolID] = &seeded
		d.poolClk[meta.PoolID] = clocks
		d.version++
		return true
	}

	curClk := d.poolClk[meta.PoolID]
	merged := *cur
	changed := false

	if clocks.Name.newerThan(curClk.Name) {
		merged.Name = meta.Name
		curClk.Name = clocks.Name
		changed = true
	}
	if clocks.OwnerInstanceID.newerThan(curClk.OwnerInstanceID) {
		merged.OwnerInstanceID = meta.OwnerInstanceID
		curClk.OwnerInstanceID = clocks.OwnerInstanceID
		changed = true
	}
	if clocks.OwnerAgreementKey.newerThan(curClk.OwnerAgreementKey) {
		merged.OwnerAgreementKey = meta.OwnerAgreementKey
		curClk.OwnerAgreementKey = clocks.OwnerAgreementKey
		changed = true
	}
	if clocks.RevealDeadline.newerThan(curClk.RevealDeadline) {
		merged.RevealDeadline = meta.RevealDeadline
		curClk.RevealDeadline = clocks.RevealDeadline
		changed = true
	}
	if clocks.Status.newerThan(curClk.Status) {
		merged.Status = meta.Status
		curClk.Status = clocks.Status
		changed = true
	}
	if !changed {
		return false
	}
	merged.UpdatedAt = curClk.latest().UpdatedAt
	d.pools[meta.PoolID] = &merged
	d.poolClk[meta.PoolID] = curClk
	d.version++
	return true
}

// Instance looks up a replicated instance record by id.
func (d *Document) Instance(id ids.InstanceID) (*store.InstanceRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instances[id]
	return inst, ok
}

// Pool looks up replicated pool metadata by id.
func (d *Document) Pool(id ids.PoolID) (*store.FederatedPoolMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	meta, ok := d.pools[id]
	return meta, ok
}

// Snapshot returns a full copy of the document's current state, suitable
// for an initial sync message.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := Snapshot{
		Instances: make([]SyncInstance, 0, len(d.instances)),
		Pools:     make([]SyncPool, 0, len(d.pools)),
		Version:   d.version,
	}
	for id, inst := range d.instances {
		snap.Instances = append(snap.Instances, SyncInstance{Record: *inst, Clocks: d.instanceClk[id]})
	}
	for id, meta := range d.pools {
		snap.Pools = append(snap.Pools, SyncPool{Meta: *meta, Clocks: d.poolClk[id]})
	}
	return snap
}

// Merge folds a peer's snapshot into the document, keeping the newer
// field-clock entry per field per record. Returns how many records had at
// least one field change, so callers can decide whether to re-broadcast.
func (d *Document) Merge(snap Snapshot) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := 0
	for _, si := range snap.Instances {
		inst := si.Record
		if d.putInstanceLocked(&inst, si.Clocks) {
			changed++
		}
	}
	for _, sp := range snap.Pools {
		meta := sp.Meta
		if d.putPoolLocked(&meta, sp.Clocks) {
			changed++
		}
	}
	return changed
}

// ListInstances returns every replicated instance record.
func (d *Document) ListInstances() []*store.InstanceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*store.InstanceRecord, 0, len(d.instances))
	for _, inst := range d.instances {
		out = append(out, inst)
	}
	return out
}

// ListPools returns every replicated pool metadata record.
func (d *Document) ListPools() []*store.FederatedPoolMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*store.FederatedPoolMetadata, 0, len(d.pools))
	for _, meta := range d.pools {
		out = append(out, meta)
	}
	return out
}
