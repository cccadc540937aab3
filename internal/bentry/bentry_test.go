package bentry

import (
	"path/filepath"
	"testing"

	"github.com/kvtree/combotree/internal/cbucket"
	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/status"
)

func openArena(t *testing.T) *pmemarena.Arena {
	t.Helper()
	dir := t.TempDir()
	a, err := pmemarena.Open(filepath.Join(dir, "pool"), 4<<20, true)
	if err != nil {
		t.Fatalf("open arena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPutGetAcrossSplit(t *testing.T) {
	a := openArena(t)
	e, err := New(a, 0, cbucket.Sorted)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := uint64(0); i < 40; i++ {
		if err := e.Put(a, i, i*10); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	for i := uint64(0); i < 40; i++ {
		got, err := e.Get(a, i)
		if err != nil || got != i*10 {
			t.Fatalf("get %d: got=%d err=%v", i, got, err)
		}
	}
	if e.Count() < 2 {
		t.Fatalf("expected at least one bucket split, count=%d", e.Count())
	}
}

func TestUpdateMissingKeyReturnsNotFound(t *testing.T) {
	a := openArena(t)
	e, _ := New(a, 0, cbucket.Sorted)
	if err := e.Put(a, 1, 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.Update(a, 999, 1); err != status.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteReturnsPreRemovalValue(t *testing.T) {
	a := openArena(t)
	e, _ := New(a, 0, cbucket.Sorted)
	if err := e.Put(a, 5, 555); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := e.Delete(a, 5)
	if err != nil || got != 555 {
		t.Fatalf("delete: got=%d err=%v", got, err)
	}
	if _, err := e.Get(a, 5); err != status.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestEntryFullAfterMaxSubEntriesSplits(t *testing.T) {
	a := openArena(t)
	e, _ := New(a, 0, cbucket.Sorted)
	var lastErr error
	for i := uint64(0); i < 400; i++ {
		lastErr = e.Put(a, i, i)
		if lastErr == status.ErrFull {
			break
		}
	}
	if lastErr != status.ErrFull {
		t.Fatalf("expected ErrFull once sub-entries are exhausted, got %v", lastErr)
	}
	if e.Count() > MaxSubEntries {
		t.Fatalf("expected at most %d sub-entries, got %d", MaxSubEntries, e.Count())
	}
}

func TestIterReturnsAllPairsInOrder(t *testing.T) {
	a := openArena(t)
	e, _ := New(a, 0, cbucket.Sorted)
	for i := uint64(0); i < 30; i++ {
		if err := e.Put(a, i, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	pairs := e.Iter(a)
	if len(pairs) != 30 {
		t.Fatalf("expected 30 pairs, got %d", len(pairs))
	}
	last := uint64(0)
	for i, p := range pairs {
		if i > 0 && p.Key < last {
			t.Fatalf("iter not in ascending order at %d: %v", i, pairs)
		}
		last = p.Key
	}
}

func TestMergeAdjacentConsolidatesBuckets(t *testing.T) {
	a := openArena(t)
	left, _ := New(a, 0, cbucket.Sorted)
	right, _ := New(a, 1000, cbucket.Sorted)
	for i := uint64(0); i < 5; i++ {
		if err := left.Put(a, i, i); err != nil {
			t.Fatalf("put left %d: %v", i, err)
		}
	}
	for i := uint64(1000); i < 1005; i++ {
		if err := right.Put(a, i, i); err != nil {
			t.Fatalf("put right %d: %v", i, err)
		}
	}
	if _, err := left.MergeAdjacent(a, right); err != nil {
		t.Fatalf("merge: %v", err)
	}
	for i := uint64(1000); i < 1005; i++ {
		got, err := left.Get(a, i)
		if err != nil || got != i {
			t.Fatalf("expected merged key %d present, got=%d err=%v", i, got, err)
		}
	}
}

func TestAdjustEntryKeyRecompressesAfterSplit(t *testing.T) {
	a := openArena(t)
	e, _ := New(a, 0, cbucket.Sorted)
	for i := uint64(0); i < 40; i++ {
		if err := e.Put(a, i, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	e.AdjustEntryKey()
	for i := 0; i < e.Count(); i++ {
		if e.routingKey(i) != e.MinKey() && i == 0 {
			t.Fatalf("sub-entry 0 routing key should equal MinKey")
		}
	}
	for i := uint64(0); i < 40; i++ {
		if _, err := e.Get(a, i); err != nil {
			t.Fatalf("get %d after recompression: %v", i, err)
		}
	}
}
