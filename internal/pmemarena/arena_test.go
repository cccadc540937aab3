package pmemarena

import (
	"path/filepath"
	"testing"
)

func TestAllocBumpsAndPersists(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "pool"), 1<<20, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	off1, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	off2, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if off1 == off2 {
		t.Fatal("expected distinct offsets")
	}
	if off2 <= off1 {
		t.Fatal("expected monotonically increasing offsets")
	}
}

func TestFreeOnlyReclaimsTopOfStack(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "pool"), 1<<20, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	off1, _ := a.Alloc(64, 8)
	off2, _ := a.Alloc(64, 8)

	// Freeing the non-top allocation cannot reclaim: it is accounted lost.
	a.Free(off1, 64)
	if a.Lost() != 64 {
		t.Fatalf("expected 64 lost bytes, got %d", a.Lost())
	}

	used := a.Used()
	a.Free(off2, 64)
	if a.Used() != used-64 {
		t.Fatalf("expected top-of-stack free to reclaim, used=%d want=%d", a.Used(), used-64)
	}
}

func TestAllocFailsWhenPoolExhausted(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "pool"), 1<<12, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	for {
		if _, err := a.Alloc(256, 8); err != nil {
			return // exhausted, as expected
		}
	}
}

func TestReopenResumesBumpCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool")
	a, err := Open(path, 1<<20, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	off, err := a.Alloc(128, 8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	used := a.Used()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := Open(path, 1<<20, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if b.Used() != used {
		t.Fatalf("expected resumed bump cursor %d, got %d", used, b.Used())
	}
	off2, err := b.Alloc(64, 8)
	if err != nil {
		t.Fatalf("alloc after reopen: %v", err)
	}
	if off2 == off {
		t.Fatal("expected a fresh offset after reopen")
	}
}

func TestVecGrowInsertRemove(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "pool"), 1<<20, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	v := NewVec[uint64](a)
	for i := uint64(0); i < 20; i++ {
		if err := v.Append(i); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if v.Len() != 20 {
		t.Fatalf("expected len 20, got %d", v.Len())
	}
	if !v.Insert(5, 999) {
		t.Fatal("insert failed")
	}
	got, _ := v.Get(5)
	if got != 999 {
		t.Fatalf("expected 999 at index 5, got %d", got)
	}
	if v.Len() != 21 {
		t.Fatalf("expected len 21 after insert, got %d", v.Len())
	}
	if !v.Remove(5) {
		t.Fatal("remove failed")
	}
	got, _ = v.Get(5)
	if got != 6 {
		t.Fatalf("expected 6 at index 5 after remove, got %d", got)
	}
}
