package blevel

import (
	"path/filepath"
	"testing"

	"github.com/kvtree/combotree/internal/alevel"
	"github.com/kvtree/combotree/internal/cbucket"
	"github.com/kvtree/combotree/internal/config"
	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/status"
)

func openArena(t *testing.T) *pmemarena.Arena {
	t.Helper()
	dir := t.TempDir()
	a, err := pmemarena.Open(filepath.Join(dir, "pool"), 16<<20, true)
	if err != nil {
		t.Fatalf("open arena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPutGetManyKeysAcrossEntrySplits(t *testing.T) {
	a := openArena(t)
	bl, err := New(a, cbucket.Sorted)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	const n = 500
	for i := uint64(0); i < n; i++ {
		if err := bl.Put(i, i*2); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	for i := uint64(0); i < n; i++ {
		got, err := bl.Get(i)
		if err != nil || got != i*2 {
			t.Fatalf("get %d: got=%d err=%v", i, got, err)
		}
	}
	if bl.NumEntries() < 2 {
		t.Fatalf("expected multiple entries after %d inserts, got %d", n, bl.NumEntries())
	}
	if bl.Size() != n {
		t.Fatalf("expected size %d, got %d", n, bl.Size())
	}
}

func TestScanRespectsRangeAndLimit(t *testing.T) {
	a := openArena(t)
	bl, _ := New(a, cbucket.Sorted)
	for i := uint64(0); i < 100; i++ {
		if err := bl.Put(i, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	out := bl.Scan(10, 50, 1000)
	if len(out) != 41 {
		t.Fatalf("expected 41 keys in [10,50], got %d", len(out))
	}
	if out[0].Key != 10 || out[len(out)-1].Key != 50 {
		t.Fatalf("unexpected range bounds: first=%d last=%d", out[0].Key, out[len(out)-1].Key)
	}
	limited := bl.Scan(0, 99, 5)
	if len(limited) != 5 {
		t.Fatalf("expected limit of 5, got %d", len(limited))
	}
}

func TestUpdateAndDelete(t *testing.T) {
	a := openArena(t)
	bl, _ := New(a, cbucket.Sorted)
	if err := bl.Put(1, 10); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := bl.Update(1, 20); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := bl.Get(1)
	if got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
	removed, err := bl.Delete(1)
	if err != nil || removed != 20 {
		t.Fatalf("delete: removed=%d err=%v", removed, err)
	}
	if _, err := bl.Get(1); err != status.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestAttachedRouterIsConsultedOnLookup checks that lookups stay correct
// with a SetRouter-attached alevel.Snapshot: first a router built from the
// current routing keys, then a deliberately stale one (every key predicted
// to be in the first slot only), which must still resolve correctly
// because locateWithin validates the prediction and falls back when it's
// stale.
func TestAttachedRouterIsConsultedOnLookup(t *testing.T) {
	a := openArena(t)
	bl, _ := New(a, cbucket.Sorted)
	const n = 200
	for i := uint64(0); i < n; i++ {
		if err := bl.Put(i, i*10); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	var snap alevel.Snapshot
	snap.Rebuild(config.RouterCDF, bl.Keys(), 32)
	bl.SetRouter(&snap)

	for i := uint64(0); i < n; i++ {
		got, err := bl.Get(i)
		if err != nil || got != i*10 {
			t.Fatalf("get %d with router attached: got=%d err=%v", i, got, err)
		}
	}

	// A stale router (predicting every key lands in the first slot only)
	// must not corrupt lookups: locateWithin rejects the bad window and
	// locate falls back to a full search.
	stale := &alevel.Snapshot{}
	stale.Rebuild(config.RouterCDF, []uint64{0}, 32)
	bl.SetRouter(stale)
	for i := uint64(0); i < n; i++ {
		got, err := bl.Get(i)
		if err != nil || got != i*10 {
			t.Fatalf("get %d with stale router: got=%d err=%v", i, got, err)
		}
	}
}

func TestMinMaxEntryKey(t *testing.T) {
	a := openArena(t)
	bl, _ := New(a, cbucket.Sorted)
	for i := uint64(0); i < 300; i++ {
		if err := bl.Put(i, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if bl.MinEntryKey() != 0 {
		t.Fatalf("expected min entry key 0, got %d", bl.MinEntryKey())
	}
	if bl.MaxEntryKey() == 0 {
		t.Fatal("expected a non-zero max entry key after many splits")
	}
}
