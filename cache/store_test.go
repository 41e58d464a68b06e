package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func seedEntry(t *testing.T, store *Store, key string) {
	t.Helper()
	src := t.TempDir()
	writeFile(t, src, "registry/cache/serde.crate", "serde bytes")
	writeFile(t, src, "registry/index/config.json", `{"dl": "https://example.com"}`)
	if err := store.Save(key, src); err != nil {
		t.Fatal(err)
	}
}

func TestSaveAndRestore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	seedEntry(t, store, "cargo-abc")

	if !store.Has("cargo-abc") {
		t.Fatal("entry should exist after save")
	}

	dst := t.TempDir()
	if err := store.Restore("cargo-abc", dst); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "registry/cache/serde.crate"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "serde bytes" {
		t.Errorf("restored contents = %q", data)
	}
}

func TestRestoreMiss(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	err = store.Restore("no-such-key", t.TempDir())
	if !errors.Is(err, ErrMiss) {
		t.Errorf("error = %v, want ErrMiss", err)
	}
}

func TestRestoreDetectsCorruption(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatal(err)
	}

	seedEntry(t, store, "cargo-abc")

	// flip bytes behind the manifest's back
	tampered := filepath.Join(root, "cargo-abc", dataDirName, "registry/cache/serde.crate")
	if err := os.WriteFile(tampered, []byte("evil bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = store.Restore("cargo-abc", t.TempDir())
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("error = %v, want ErrCorrupt", err)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	seedEntry(t, store, "cargo-abc")
	manifest, err := store.Manifest("cargo-abc")
	if err != nil {
		t.Fatal(err)
	}

	// second save with different bytes must not clobber the entry
	other := t.TempDir()
	writeFile(t, other, "something-else", "different")
	if err := store.Save("cargo-abc", other); err != nil {
		t.Fatal(err)
	}

	again, err := store.Manifest("cargo-abc")
	if err != nil {
		t.Fatal(err)
	}
	if again.MerkleRoot != manifest.MerkleRoot {
		t.Error("saving over an existing key should be a no-op")
	}
}

func TestEntriesAndPrune(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatal(err)
	}

	seedEntry(t, store, "old")
	seedEntry(t, store, "fresh")

	// age the first entry by rewriting its manifest
	manifest, err := store.Manifest("old")
	if err != nil {
		t.Fatal(err)
	}
	manifest.CreatedAt = time.Now().Add(-48 * time.Hour)
	writeManifest(t, root, manifest)

	entries, err := store.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Key != "old" {
		t.Errorf("entries should be oldest first, got %q", entries[0].Key)
	}

	removed, err := store.Prune(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if store.Has("old") || !store.Has("fresh") {
		t.Error("prune removed the wrong entry")
	}
}

func writeManifest(t *testing.T, root string, m Manifest) {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, m.Key, manifestName), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}
