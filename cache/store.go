package cache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"bobbin.sh/core/merkle"
)

var (
	ErrMiss    = errors.New("cache miss")
	ErrCorrupt = errors.New("cache entry failed integrity check")
)

const (
	manifestName = "manifest.json"
	dataDirName  = "data"
)

// Manifest describes one stored entry. The merkle root covers every
// file in the entry, so a restore can detect torn writes or on-disk
// corruption before polluting a workspace.
type Manifest struct {
	Key        string    `json:"key"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int64     `json:"size"`
	FileCount  int       `json:"file_count"`
	MerkleRoot string    `json:"merkle_root"`
}

// Store is a directory of cache entries, one subdirectory per key.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Has(key string) bool {
	_, err := os.Stat(filepath.Join(s.root, key, manifestName))
	return err == nil
}

// Save populates the entry for key from srcDir. Saving over an existing
// entry is a no-op: keys are content-derived, the bytes are the same.
func (s *Store) Save(key, srcDir string) error {
	if s.Has(key) {
		return nil
	}

	entryDir := filepath.Join(s.root, key)

	// build into a temp dir first so a crash never leaves a
	// half-written entry behind a valid manifest
	tmpDir, err := os.MkdirTemp(s.root, "save-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	tmpData := filepath.Join(tmpDir, dataDirName)
	size, count, err := copyTree(srcDir, tmpData)
	if err != nil {
		return fmt.Errorf("copying into cache: %w", err)
	}

	root, err := treeRoot(tmpData)
	if err != nil {
		return err
	}

	manifest := Manifest{
		Key:        key,
		CreatedAt:  time.Now().UTC(),
		Size:       size,
		FileCount:  count,
		MerkleRoot: hex.EncodeToString(root[:]),
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, manifestName), raw, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tmpDir, entryDir); err != nil {
		// lost the race against a concurrent save of the same key
		if s.Has(key) {
			return nil
		}
		return err
	}

	return nil
}

// Restore copies the entry for key into dstDir after verifying its
// merkle root against the manifest.
func (s *Store) Restore(key, dstDir string) error {
	manifest, err := s.Manifest(key)
	if err != nil {
		return err
	}

	dataDir := filepath.Join(s.root, key, dataDirName)

	root, err := treeRoot(dataDir)
	if err != nil {
		return err
	}
	if hex.EncodeToString(root[:]) != manifest.MerkleRoot {
		return fmt.Errorf("%w: %s", ErrCorrupt, key)
	}

	if _, _, err := copyTree(dataDir, dstDir); err != nil {
		return fmt.Errorf("restoring from cache: %w", err)
	}

	return nil
}

func (s *Store) Manifest(key string) (Manifest, error) {
	var manifest Manifest

	raw, err := os.ReadFile(filepath.Join(s.root, key, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return manifest, fmt.Errorf("%w: %s", ErrMiss, key)
	}
	if err != nil {
		return manifest, err
	}

	if err := json.Unmarshal(raw, &manifest); err != nil {
		return manifest, fmt.Errorf("%w: %s: %s", ErrCorrupt, key, err)
	}

	return manifest, nil
}

// Entries lists manifests sorted by creation time, oldest first.
func (s *Store) Entries() ([]Manifest, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var entries []Manifest
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		manifest, err := s.Manifest(de.Name())
		if err != nil {
			continue
		}
		entries = append(entries, manifest)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return entries, nil
}

func (s *Store) Remove(key string) error {
	if !s.Has(key) {
		return fmt.Errorf("%w: %s", ErrMiss, key)
	}
	return os.RemoveAll(filepath.Join(s.root, key))
}

// Prune removes entries older than maxAge and reports how many went.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.CreatedAt.Before(cutoff) {
			if err := s.Remove(e.Key); err != nil {
				return removed, err
			}
			removed++
		}
	}

	return removed, nil
}

// treeRoot computes a merkle root over every regular file under dir.
// Leaves are ordered by relative path; each leaf binds the path to the
// file's content hash so renames change the root too.
func treeRoot(dir string) (merkle.Hash, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return merkle.Hash{}, err
	}

	sort.Strings(paths)

	tree, err := merkle.NewTree(merkle.MaxDepth)
	if err != nil {
		return merkle.Hash{}, err
	}

	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return merkle.Hash{}, err
		}
		content := merkle.HashLeaf(data)
		tree.AppendLeaf(merkle.HashLeaf(append([]byte(rel+"\x00"), content[:]...)))
	}

	return tree.Root(), nil
}

func copyTree(src, dst string) (size int64, count int, err error) {
	err = filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			n, err := copyFile(path, target)
			if err != nil {
				return err
			}
			size += n
			count++
			return nil
		default:
			// sockets, fifos and symlinks have no business in a
			// dependency cache
			return nil
		}
	})
	return size, count, err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}

	return n, out.Close()
}
