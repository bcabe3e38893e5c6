package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrInvalidKey is returned when a key cannot be used by a backend
var ErrInvalidKey = errors.New("invalid key")

// Store defines the interface for blob storage keyed by string.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key. A failed Put never leaves a
	// partial value readable under key.
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// Exists reports whether key currently has a value
	Exists(key string) bool

	// List returns all keys in the store
	// Order is not guaranteed
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats

	// Location describes where key's value lives (a file path for disk
	// backends). It does not check existence.
	Location(key string) string
}

// StoreStats summarizes a store's contents.
type StoreStats struct {
	Keys  int   // Number of keys
	Bytes int64 // Total size of all values in bytes
}

// MemoryStore keeps blobs in a map. It backs caches that do not need to
// survive a restart and the tests of everything built on Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	bytes int64 // sum of len over blobs
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Get returns a copy of the blob under key, or ErrKeyNotFound.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return bytes.Clone(blob), nil
}

// Put stores a copy of value under key.
func (m *MemoryStore) Put(key string, value []byte) error {
	blob := bytes.Clone(value)
	if blob == nil {
		blob = []byte{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += int64(len(blob)) - int64(len(m.blobs[key]))
	m.blobs[key] = blob
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blob, ok := m.blobs[key]; ok {
		m.bytes -= int64(len(blob))
		delete(m.blobs, key)
	}
	return nil
}

func (m *MemoryStore) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok
}

// List returns the stored keys in sorted order.
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Keys: len(m.blobs), Bytes: m.bytes}
}

// Location returns a mem:// pseudo-path for key.
func (m *MemoryStore) Location(key string) string {
	return "mem://" + key
}
