package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore implements Store on a local directory.
//
// Values live in a two-level tree keyed by the first two characters of the
// key, <root>/<key[:2]>/<key>, which bounds the fan-out of any one directory.
// Writes go to a temporary file in the same directory and are renamed into
// place, so readers never observe a partial value.
//
// DiskStore holds no lock of its own: the filesystem provides atomic rename
// and callers that need read-modify-write semantics serialize above it.
type DiskStore struct {
	root string
}

// NewDiskStore creates root if needed and returns a store over it.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("disk store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// Root returns the store's base directory.
func (d *DiskStore) Root() string { return d.root }

// ValidateKey reports whether key can be stored on disk. Keys need at least
// two characters, may not start with a dot, and may only contain letters,
// digits, '-', '_' and '.'.
func ValidateKey(key string) error {
	if len(key) < 2 || key[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Location returns the file path for key.
func (d *DiskStore) Location(key string) string {
	if len(key) < 2 {
		return filepath.Join(d.root, key)
	}
	return filepath.Join(d.root, key[:2], key)
}

// Get reads the value stored under key.
func (d *DiskStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Location(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put writes value under key via a temporary file and rename.
func (d *DiskStore) Put(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	path := d.Location(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (d *DiskStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := os.Remove(d.Location(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a file exists for key.
func (d *DiskStore) Exists(key string) bool {
	if ValidateKey(key) != nil {
		return false
	}
	info, err := os.Stat(d.Location(key))
	return err == nil && info.Mode().IsRegular()
}

// List walks the two-level tree and returns every stored key. Temporary files
// and anything outside the shard directories are ignored.
func (d *DiskStore) List() []string {
	keys, _ := d.walk()
	return keys
}

// Stats sums the sizes of every stored value.
func (d *DiskStore) Stats() StoreStats {
	_, stats := d.walk()
	return stats
}

func (d *DiskStore) walk() ([]string, StoreStats) {
	var (
		keys  []string
		stats StoreStats
	)
	shards, err := os.ReadDir(d.root)
	if err != nil {
		return keys, stats
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(d.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasPrefix(name, shard.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			keys = append(keys, name)
			stats.Keys++
			stats.Bytes += info.Size()
		}
	}
	return keys, stats
}
