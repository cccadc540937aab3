package manifest

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	m, ok, err := Load(filepath.Join(dir, "MANIFEST"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a missing manifest")
	}
	if m != nil {
		t.Fatal("expected nil manifest for a missing file")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")
	want := &Manifest{
		SmallStorePath: filepath.Join(dir, "small.pool"),
		TreePoolPath:   filepath.Join(dir, "tree.pool"),
		IsTreeMode:     true,
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", *got, *want)
	}
}

func TestSaveRejectsOverlongPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	m := &Manifest{SmallStorePath: string(long)}
	if err := Save(path, m); err == nil {
		t.Fatal("expected an error for an overlong path")
	}
}
