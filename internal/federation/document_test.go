package federation

import (
	"testing"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

func TestMergeKeepsNewerFieldByClock(t *testing.T) {
	d := NewDocument()
	instID := ids.New()
	origin := ids.New()

	old := Snapshot{Instances: []SyncInstance{{
		Record: store.InstanceRecord{ID: instID, Name: "old-name"},
		Clocks: uniformInstanceClocks(fieldClock{UpdatedAt: time.Now().Add(-time.Hour), OriginID: origin}),
	}}}
	fresh := Snapshot{Instances: []SyncInstance{{
		Record: store.InstanceRecord{ID: instID, Name: "new-name"},
		Clocks: uniformInstanceClocks(fieldClock{UpdatedAt: time.Now(), OriginID: origin}),
	}}}

	if changed := d.Merge(old); changed != 1 {
		t.Fatalf("expected first merge to apply, got %d", changed)
	}
	if changed := d.Merge(fresh); changed != 1 {
		t.Fatalf("expected newer merge to apply, got %d", changed)
	}
	// A stale re-delivery of the old snapshot must not regress the value.
	if changed := d.Merge(old); changed != 0 {
		t.Fatalf("expected stale merge to be rejected, got %d changed", changed)
	}

	got, ok := d.Instance(instID)
	if !ok {
		t.Fatal("expected instance to be present")
	}
	if got.Name != "new-name" {
		t.Fatalf("expected last-writer-wins to keep new-name, got %q", got.Name)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	instID := ids.New()
	origin := ids.New()
	poolID := ids.New()

	instSnap := Snapshot{Instances: []SyncInstance{{
		Record: store.InstanceRecord{ID: instID, Name: "a"},
		Clocks: uniformInstanceClocks(fieldClock{UpdatedAt: time.Now(), OriginID: origin}),
	}}}
	poolSnap := Snapshot{Pools: []SyncPool{{
		Meta:   store.FederatedPoolMetadata{PoolID: poolID, Name: "p"},
		Clocks: uniformPoolClocks(fieldClock{UpdatedAt: time.Now(), OriginID: origin}),
	}}}

	d1 := NewDocument()
	d1.Merge(instSnap)
	d1.Merge(poolSnap)

	d2 := NewDocument()
	d2.Merge(poolSnap)
	d2.Merge(instSnap)

	i1, _ := d1.Instance(instID)
	i2, _ := d2.Instance(instID)
	if i1.Name != i2.Name {
		t.Fatal("expected merge order to not affect converged state")
	}
	p1, _ := d1.Pool(poolID)
	p2, _ := d2.Pool(poolID)
	if p1.Name != p2.Name {
		t.Fatal("expected merge order to not affect converged pool state")
	}
}

func TestSnapshotRoundTripsThroughMerge(t *testing.T) {
	d := NewDocument()
	instID := ids.New()
	d.PutInstance(&store.InstanceRecord{ID: instID, Name: "seed"}, instID, time.Now())

	snap := d.Snapshot()

	d2 := NewDocument()
	d2.Merge(snap)

	got, ok := d2.Instance(instID)
	if !ok || got.Name != "seed" {
		t.Fatal("expected snapshot to round-trip into a fresh document")
	}
}

// Two peers concurrently update different fields of the same pool record:
// peer A renames it earlier, peer B flips its status later. A whole-record
// clock would let B's later write replace the entire struct and silently
// revert A's rename (or vice versa, depending on arrival order); per-field
// clocks must keep both.
func TestMergeKeepsBothFieldsFromConcurrentPeerUpdates(t *testing.T) {
	d := NewDocument()
	poolID := ids.New()
	peerA := ids.New()
	peerB := ids.New()

	base := time.Now()
	baseClocks := uniformPoolClocks(fieldClock{UpdatedAt: base.Add(-time.Hour), OriginID: peerA})
	seed := Snapshot{Pools: []SyncPool{{
		Meta:   store.FederatedPoolMetadata{PoolID: poolID, Name: "original", Status: store.StatusOpen},
		Clocks: baseClocks,
	}}}
	if changed := d.Merge(seed); changed != 1 {
		t.Fatalf("expected seed merge to apply, got %d", changed)
	}

	// Peer A renames the pool at base+1m; peer B closes it at base+2m. Each
	// snapshot only carries a newer clock for the one field it touched, the
	// rest unchanged from baseClocks.
	aClocks := baseClocks
	aClocks.Name = fieldClock{UpdatedAt: base.Add(time.Minute), OriginID: peerA}
	renamedByA := Snapshot{Pools: []SyncPool{{
		Meta:   store.FederatedPoolMetadata{PoolID: poolID, Name: "renamed-by-a", Status: store.StatusOpen},
		Clocks: aClocks,
	}}}

	bClocks := baseClocks
	bClocks.Status = fieldClock{UpdatedAt: base.Add(2 * time.Minute), OriginID: peerB}
	closedByB := Snapshot{Pools: []SyncPool{{
		Meta:   store.FederatedPoolMetadata{PoolID: poolID, Name: "original", Status: store.StatusClosed},
		Clocks: bClocks,
	}}}

	if changed := d.Merge(renamedByA); changed != 1 {
		t.Fatalf("expected A's rename to apply, got %d", changed)
	}
	if changed := d.Merge(closedByB); changed != 1 {
		t.Fatalf("expected B's status change to apply, got %d", changed)
	}

	got, ok := d.Pool(poolID)
	if !ok {
		t.Fatal("expected pool to be present")
	}
	if got.Name != "renamed-by-a" {
		t.Fatalf("expected A's rename to survive B's later status write, got name %q", got.Name)
	}
	if got.Status != store.StatusClosed {
		t.Fatalf("expected B's status change to survive, got status %q", got.Status)
	}
}
