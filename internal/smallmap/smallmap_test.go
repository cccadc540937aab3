package smallmap

import (
	"path/filepath"
	"testing"

	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/status"
)

func openArena(t *testing.T) *pmemarena.Arena {
	t.Helper()
	dir := t.TempDir()
	a, err := pmemarena.Open(filepath.Join(dir, "small.pool"), 4<<20, true)
	if err != nil {
		t.Fatalf("open arena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestInsertGetUpdateDelete(t *testing.T) {
	a := openArena(t)
	s, err := Create(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Insert(1, 100); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(1, 200); err != status.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := s.Get(1)
	if err != nil || got != 100 {
		t.Fatalf("get: got=%d err=%v", got, err)
	}
	if err := s.Update(1, 999); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.Get(1)
	if got != 999 {
		t.Fatalf("expected 999, got %d", got)
	}
	val, err := s.Delete(1)
	if err != nil || val != 999 {
		t.Fatalf("delete: val=%d err=%v", val, err)
	}
	if _, err := s.Get(1); err != status.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGrowPreservesAllEntries(t *testing.T) {
	a := openArena(t)
	s, err := Create(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const n = 500
	for i := uint64(0); i < n; i++ {
		if err := s.Insert(i, i*7); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if s.Size() != n {
		t.Fatalf("expected size %d, got %d", n, s.Size())
	}
	for i := uint64(0); i < n; i++ {
		got, err := s.Get(i)
		if err != nil || got != i*7 {
			t.Fatalf("get %d after growth: got=%d err=%v", i, got, err)
		}
	}
}

func TestSnapshotIterIsOrderedAndComplete(t *testing.T) {
	a := openArena(t)
	s, _ := Create(a)
	keys := []uint64{50, 10, 30, 20, 40}
	for _, k := range keys {
		if err := s.Insert(k, k); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	pairs := s.SnapshotIter()
	if len(pairs) != len(keys) {
		t.Fatalf("expected %d pairs, got %d", len(keys), len(pairs))
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i].Key < pairs[i-1].Key {
			t.Fatalf("snapshot not ordered: %v", pairs)
		}
	}
}

func TestReopenRebuildsFromRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.pool")
	a, err := pmemarena.Open(path, 4<<20, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := Create(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := uint64(0); i < 50; i++ {
		if err := s.Insert(i, i+1); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	a2, err := pmemarena.Open(path, 4<<20, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a2.Close()
	s2, err := Open(a2)
	if err != nil {
		t.Fatalf("smallmap open: %v", err)
	}
	for i := uint64(0); i < 50; i++ {
		got, err := s2.Get(i)
		if err != nil || got != i+1 {
			t.Fatalf("get %d after reopen: got=%d err=%v", i, got, err)
		}
	}
}

func TestWriterReaderRefHandshake(t *testing.T) {
	a := openArena(t)
	s, _ := Create(a)
	if !s.AcquireWriter() {
		t.Fatal("expected AcquireWriter to succeed while valid")
	}
	s.MarkWriteInvalid()
	if s.AcquireWriter() {
		t.Fatal("expected AcquireWriter to fail once write-invalid")
	}
	if s.NoWriteRefs() {
		t.Fatal("expected outstanding writer ref to still be held")
	}
	s.ReleaseWriter()
	if !s.NoWriteRefs() {
		t.Fatal("expected no writer refs after release")
	}

	if !s.AcquireReader() {
		t.Fatal("expected AcquireReader to succeed while valid")
	}
	s.MarkReadInvalid()
	if s.AcquireReader() {
		t.Fatal("expected AcquireReader to fail once read-invalid")
	}
	s.ReleaseReader()
	if !s.NoReadRefs() {
		t.Fatal("expected no reader refs after release")
	}
}
