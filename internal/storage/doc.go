// Package storage defines the blob storage interface used by the artifact
// cache and provides in-memory and on-disk implementations.
//
// # Overview
//
// The cache keeps its own index of artifact metadata; storage only holds the
// bytes. Keeping the two apart lets the cache run against memory in tests and
// against a directory tree in production with the same code.
//
//	┌─────────────────────────────────────┐
//	│           Artifact Cache            │
//	│   (index, LRU eviction, TTL sweep)  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Storage Interface          │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	     ┌────────┐        ┌────────┐
//	     │ Memory │        │  Disk  │
//	     │ Store  │        │ Store  │
//	     └────────┘        └────────┘
//
// # Implementations
//
// MemoryStore: map guarded by sync.RWMutex
//   - No persistence (data lost on restart)
//   - Suitable for tests and short-lived coordinators
//
// DiskStore: directory tree rooted at a configured path
//   - Two-level layout: <root>/<first two key chars>/<key>
//   - Temp-file-then-rename writes, so a crash never leaves a partial blob
//     under its final name
//   - Keys are restricted to a filesystem-safe alphabet (see ValidateKey)
//
// # Error Handling
//
// ErrKeyNotFound: Get on a missing key. Delete of a missing key is not an
// error.
//
// ErrInvalidKey: the key cannot be represented by the backend.
//
// # Usage
//
//	store, err := storage.NewDiskStore("/var/cache/forge")
//	if err != nil {
//	    return err
//	}
//	if err := store.Put(key, objectFile); err != nil {
//	    return err
//	}
//	data, err := store.Get(key)
//	if errors.Is(err, storage.ErrKeyNotFound) {
//	    // rebuild
//	}
package storage
