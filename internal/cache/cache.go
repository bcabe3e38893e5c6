// Package cache is a content-addressable store for build artifacts.
//
// Artifacts are addressed by a cache key derived from every input that
// affects the compiled output (see GenerateKey). Blobs live in a
// storage.Store; the cache keeps the authoritative index of entries and
// enforces size bounds with least-recently-accessed eviction. A separate TTL
// sweep (Cleanup) removes old entries regardless of use, and Verify audits
// the index against storage without deleting anything.
//
// A cache may be paired with a RemoteClient pointing at another
// coordinator's /cache endpoint for fetch, push and sync.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/storage"
)

var (
	// ErrNotFound is returned when a key has no entry.
	ErrNotFound = errors.New("artifact not found")

	// ErrTooLarge is returned when an artifact can never fit in the cache.
	ErrTooLarge = errors.New("artifact exceeds cache capacity")

	// ErrBusy is returned when another store, eviction or delete of the same
	// key is in progress.
	ErrBusy = errors.New("artifact operation in progress")

	// ErrCorrupt is returned when stored bytes no longer match the entry's
	// content hash.
	ErrCorrupt = errors.New("artifact content hash mismatch")

	// ErrInvalidKey is returned for empty cache keys.
	ErrInvalidKey = errors.New("invalid cache key")
)

// ArtifactType classifies a cached output.
type ArtifactType string

const (
	TypeObject     ArtifactType = "object"
	TypeStaticLib  ArtifactType = "static-lib"
	TypeSharedLib  ArtifactType = "shared-lib"
	TypeExecutable ArtifactType = "executable"
	TypePCH        ArtifactType = "pch"
	TypeArchive    ArtifactType = "archive"
	TypeOther      ArtifactType = "other"
)

// TypeFromPath guesses an artifact type from a file name.
func TypeFromPath(path string) ArtifactType {
	switch filepath.Ext(path) {
	case ".o", ".obj":
		return TypeObject
	case ".a", ".lib":
		return TypeStaticLib
	case ".so", ".dylib", ".dll":
		return TypeSharedLib
	case ".exe", "":
		return TypeExecutable
	case ".pch", ".gch":
		return TypePCH
	case ".tar", ".zip", ".gz", ".tgz":
		return TypeArchive
	}
	return TypeOther
}

// LookupResult is the outcome of Lookup.
type LookupResult int

const (
	Miss LookupResult = iota
	HitLocal
	HitRemote
	// HitPending means the artifact is being produced right now.
	HitPending
)

func (r LookupResult) String() string {
	switch r {
	case Miss:
		return "miss"
	case HitLocal:
		return "hit-local"
	case HitRemote:
		return "hit-remote"
	case HitPending:
		return "hit-pending"
	}
	return fmt.Sprintf("lookup(%d)", int(r))
}

// Entry describes one cached artifact. Entries are immutable once stored
// except for their access bookkeeping; replacing content requires Delete then
// Store.
type Entry struct {
	Key         string       `yaml:"key" json:"cache_key"`
	ContentHash string       `yaml:"content_hash" json:"content_hash"`
	Type        ArtifactType `yaml:"type" json:"type"`
	Path        string       `yaml:"path" json:"path"`
	// Size is the artifact's uncompressed size; StoredSize is what it occupies
	// in storage and what capacity limits count.
	Size         int64     `yaml:"size" json:"size"`
	StoredSize   int64     `yaml:"stored_size" json:"stored_size"`
	Compression  string    `yaml:"compression,omitempty" json:"compression,omitempty"`
	CreatedAt    time.Time `yaml:"created_at" json:"created_at"`
	LastAccessed time.Time `yaml:"last_accessed" json:"last_accessed"`
	AccessCount  uint64    `yaml:"access_count" json:"access_count"`
	ProducerHost string    `yaml:"producer_host,omitempty" json:"producer_host,omitempty"`
	BuildID      string    `yaml:"build_id,omitempty" json:"build_id,omitempty"`
	// MarkedForRemoval is set by Verify when the backing blob is missing.
	MarkedForRemoval bool `yaml:"marked_for_removal,omitempty" json:"marked_for_removal,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// Meta is the provenance recorded with a stored artifact.
type Meta struct {
	Type         ArtifactType
	ProducerHost string
	BuildID      string
}

// Stats are cumulative counters plus current occupancy.
type Stats struct {
	Entries        int     `json:"entries"`
	Bytes          int64   `json:"bytes"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	RemoteHits     uint64  `json:"remote_hits"`
	PendingHits    uint64  `json:"pending_hits"`
	Stores         uint64  `json:"stores"`
	StoreFailures  uint64  `json:"store_failures"`
	EntriesEvicted uint64  `json:"entries_evicted"`
	BytesEvicted   int64   `json:"bytes_evicted"`
	EntriesExpired uint64  `json:"entries_expired"`
	BytesSaved     int64   `json:"bytes_saved"`
	HitRate        float64 `json:"hit_rate"`
}

// Config configures a Cache.
type Config struct {
	// MaxBytes bounds the total stored size; 0 means unbounded.
	MaxBytes int64
	// MaxEntries bounds the entry count; 0 means unbounded.
	MaxEntries int
	// MaxAge is the TTL used by Cleanup; 0 disables the sweep.
	MaxAge time.Duration
	// Compress stores blobs zstd-compressed when that makes them smaller.
	Compress bool
	// CompressMinSize skips compression for small artifacts.
	CompressMinSize int64
	// IndexPath persists the entry index as YAML; empty keeps it in memory.
	IndexPath string
}

// DefaultConfig returns a 10 GiB cache with a 30 day TTL.
func DefaultConfig() Config {
	return Config{
		MaxBytes:        10 << 30,
		MaxAge:          30 * 24 * time.Hour,
		Compress:        true,
		CompressMinSize: 4 << 10,
	}
}

// Cache is safe for concurrent use. A single mutex guards the index and the
// counters; blob I/O happens with the mutex released, and keys with I/O in
// flight are reserved so concurrent operations on them fail with ErrBusy.
type Cache struct {
	cfg    Config
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
	remote *RemoteClient

	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[string]struct{}
	pending  map[string]struct{}
	bytes    int64
	stats    Stats

	saveMu sync.Mutex
}

// New creates a cache over store. When cfg.IndexPath names an existing index
// it is loaded, and entries whose blobs are gone are dropped.
func New(cfg Config, store storage.Store, logger *zap.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("cache requires a store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		cfg:      cfg,
		store:    store,
		logger:   logger.Named("cache"),
		now:      time.Now,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
	if cfg.IndexPath != "" {
		if err := c.loadIndex(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetRemote attaches a remote cache used by Lookup, Fetch, Push and Sync.
func (c *Cache) SetRemote(r *RemoteClient) {
	c.mu.Lock()
	c.remote = r
	c.mu.Unlock()
}

// Remote returns the attached remote cache, if any.
func (c *Cache) Remote() *RemoteClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// MarkPending records that key is being produced so lookups report
// HitPending until ClearPending or a store.
func (c *Cache) MarkPending(key string) {
	c.mu.Lock()
	c.pending[key] = struct{}{}
	c.mu.Unlock()
}

// ClearPending removes a pending mark.
func (c *Cache) ClearPending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// Contains reports whether key has a local entry. It does not touch access
// bookkeeping.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Get returns a copy of key's entry and records the access.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.touchLocked(e)
	c.stats.Hits++
	return e.clone(), true
}

func (c *Cache) touchLocked(e *Entry) {
	e.LastAccessed = c.now()
	e.AccessCount++
}

// Peek returns a copy of key's entry without recording an access.
func (c *Cache) Peek(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// RetrieveBytes returns the artifact's uncompressed content after checking it
// against the recorded content hash.
func (c *Cache) RetrieveBytes(key string) ([]byte, *Entry, error) {
	entry, ok := c.Get(key)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	blob, err := c.store.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("%w: %s (blob missing)", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact %s: %w", key, err)
	}

	data, err := decompress(entry.Compression, blob)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress artifact %s: %w", key, err)
	}
	if contentHash(data) != entry.ContentHash {
		return nil, nil, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	return data, entry, nil
}

// Retrieve writes the artifact to dest, creating parent directories.
func (c *Cache) Retrieve(key, dest string) (*Entry, error) {
	data, entry, err := c.RetrieveBytes(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", dest, err)
	}
	return entry, nil
}

// Store caches the file at src under key. The artifact type defaults to a
// guess from the file name.
//
// Parameters:
//   - key: Cache key, usually from KeyForJob
//   - src: Path of the produced artifact
//   - meta: Producer details; a zero Type is derived from src
//
// Returns:
//   - A copy of the stored (or already present) entry
//   - An error if src cannot be read, plus every StoreBytes error
func (c *Cache) Store(key, src string, meta Meta) (*Entry, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		c.recordStoreFailure()
		return nil, fmt.Errorf("read %s: %w", src, err)
	}
	if meta.Type == "" {
		meta.Type = TypeFromPath(src)
	}
	return c.StoreBytes(key, data, meta)
}

// StoreBytes caches data under key.
//
// Storing a key that already exists is idempotent: the existing entry's
// access time is updated and it is returned unchanged. The blob is written
// before the entry is registered, so a failed write never leaves an entry
// pointing at missing data. Entries are evicted least recently used first
// to stay within MaxEntries and MaxBytes.
//
// Parameters:
//   - key: Cache key; must be non-empty and a valid storage key
//   - data: Uncompressed artifact content
//   - meta: Artifact type, producing host and build id
//
// Returns:
//   - A copy of the entry
//   - ErrInvalidKey, ErrBusy while another store of key is in flight,
//     ErrTooLarge when the stored blob alone exceeds MaxBytes, or a storage
//     error
//
// Example:
//
//	entry, err := c.StoreBytes(KeyForJob(&spec), object, Meta{Type: TypeObject, ProducerHost: "w1"})
//	if err != nil {
//		return err
//	}
//	log.Printf("cached %s (%d bytes)", entry.Key, entry.Size)
func (c *Cache) StoreBytes(key string, data []byte, meta Meta) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		out := e.clone()
		c.mu.Unlock()
		return out, nil
	}
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	entry, err := c.write(key, data, meta)

	c.mu.Lock()
	delete(c.inflight, key)
	if err != nil {
		c.stats.StoreFailures++
		c.mu.Unlock()
		return nil, err
	}
	c.entries[key] = entry
	c.bytes += entry.StoredSize
	c.stats.Stores++
	c.stats.BytesSaved += entry.Size - entry.StoredSize
	delete(c.pending, key)
	out := entry.clone()
	c.mu.Unlock()

	c.logger.Debug("artifact stored",
		zap.String("key", key),
		zap.Int64("size", entry.Size),
		zap.Int64("stored_size", entry.StoredSize),
		zap.String("compression", entry.Compression))
	c.saveIndex()
	return out, nil
}

// write prepares and persists one blob. key is reserved by the caller.
func (c *Cache) write(key string, data []byte, meta Meta) (*Entry, error) {
	blob, compression := data, ""
	if c.cfg.Compress && int64(len(data)) >= c.cfg.CompressMinSize {
		if z := compress(data); len(z) < len(data) {
			blob, compression = z, compressionZstd
		}
	}

	stored := int64(len(blob))
	if c.cfg.MaxBytes > 0 && stored > c.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, stored, c.cfg.MaxBytes)
	}
	c.ensureCapacity(stored)

	if err := c.store.Put(key, blob); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", key, err)
	}

	if meta.Type == "" {
		meta.Type = TypeOther
	}
	now := c.now()
	return &Entry{
		Key:          key,
		ContentHash:  contentHash(data),
		Type:         meta.Type,
		Path:         c.store.Location(key),
		Size:         int64(len(data)),
		StoredSize:   stored,
		Compression:  compression,
		CreatedAt:    now,
		LastAccessed: now,
		ProducerHost: meta.ProducerHost,
		BuildID:      meta.BuildID,
	}, nil
}

func (c *Cache) recordStoreFailure() {
	c.mu.Lock()
	c.stats.StoreFailures++
	c.mu.Unlock()
}

// Delete removes key's entry and blob.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, key)
	}
	c.removeLocked(e)
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	err := c.store.Delete(key)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	c.saveIndex()
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	return nil
}

func (c *Cache) removeLocked(e *Entry) {
	delete(c.entries, e.Key)
	c.bytes -= e.StoredSize
}

// List returns copies of every entry.
func (c *Cache) List() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.clone())
	}
	return out
}

// Stats returns cumulative counters and current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(lookups)
	}
	return s
}

// ResetStats zeroes the cumulative counters. Occupancy is unaffected.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
