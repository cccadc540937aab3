package alevel

import (
	"testing"

	"github.com/kvtree/combotree/internal/config"
)

func sortedKeys(n int) []uint64 {
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i) * 10
	}
	return keys
}

func testRouterContainsTrueIndex(t *testing.T, r Router, keys []uint64) {
	t.Helper()
	for i, k := range keys {
		begin, end := r.Locate(k)
		if i < begin || i >= end {
			t.Fatalf("key %d (true index %d) not in predicted range [%d,%d)", k, i, begin, end)
		}
	}
}

func TestCDFRouterLocatesKnownKeys(t *testing.T) {
	keys := sortedKeys(200)
	r := newCDFRouter(keys)
	testRouterContainsTrueIndex(t, r, keys)
}

func TestPGMRouterLocatesKnownKeys(t *testing.T) {
	keys := sortedKeys(500)
	r := newPGMRouter(keys, 16)
	testRouterContainsTrueIndex(t, r, keys)
}

func TestRMIRouterLocatesKnownKeys(t *testing.T) {
	keys := sortedKeys(500)
	r := newRMIRouter(keys)
	testRouterContainsTrueIndex(t, r, keys)
}

func TestSnapshotRebuildAndLocate(t *testing.T) {
	var s Snapshot
	keys := sortedKeys(100)
	s.Rebuild(config.RouterCDF, keys, 32)
	begin, end := s.Locate(keys[50])
	if 50 < begin || 50 >= end {
		t.Fatalf("expected index 50 within [%d,%d)", begin, end)
	}
}

func TestEmptyRouterDoesNotPanic(t *testing.T) {
	var s Snapshot
	s.Rebuild(config.RouterCDF, nil, 32)
	begin, end := s.Locate(42)
	if begin != 0 || end != 0 {
		t.Fatalf("expected empty range for empty router, got [%d,%d)", begin, end)
	}
}
