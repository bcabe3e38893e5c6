package cache

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// ensureCapacity evicts least-recently-accessed entries until an incoming
// blob of size bytes fits within both limits.
func (c *Cache) ensureCapacity(size int64) {
	c.mu.Lock()
	var needBytes int64
	needEntries := 0
	if c.cfg.MaxBytes > 0 {
		needBytes = c.bytes + size - c.cfg.MaxBytes
	}
	if c.cfg.MaxEntries > 0 {
		needEntries = len(c.entries) + 1 - c.cfg.MaxEntries
	}
	c.mu.Unlock()

	if needBytes > 0 || needEntries > 0 {
		c.evict(needBytes, needEntries, "capacity")
	}
}

// Evict removes least-recently-accessed entries until at least bytes have
// been freed. It returns the number of entries and bytes removed.
func (c *Cache) Evict(bytes int64) (int, int64) {
	if bytes <= 0 {
		return 0, 0
	}
	return c.evict(bytes, 0, "requested")
}

// evict picks victims in ascending LastAccessed order under the lock, drops
// them from the index, then deletes their blobs with the lock released.
// Victims stay reserved in inflight until their blobs are gone.
func (c *Cache) evict(needBytes int64, needEntries int, reason string) (int, int64) {
	c.mu.Lock()
	candidates := make([]*Entry, 0, len(c.entries))
	for key, e := range c.entries {
		if _, busy := c.inflight[key]; busy {
			continue
		}
		candidates = append(candidates, e)
	}
	slices.SortFunc(candidates, compareLRU)

	var (
		victims []*Entry
		freed   int64
	)
	for _, e := range candidates {
		if freed >= needBytes && len(victims) >= needEntries {
			break
		}
		c.removeLocked(e)
		c.inflight[e.Key] = struct{}{}
		victims = append(victims, e)
		freed += e.StoredSize
	}
	c.mu.Unlock()

	if len(victims) == 0 {
		return 0, 0
	}

	for _, e := range victims {
		if err := c.store.Delete(e.Key); err != nil {
			c.logger.Warn("failed to delete evicted blob", zap.String("key", e.Key), zap.Error(err))
		}
	}

	c.mu.Lock()
	for _, e := range victims {
		delete(c.inflight, e.Key)
	}
	c.stats.EntriesEvicted += uint64(len(victims))
	c.stats.BytesEvicted += freed
	c.mu.Unlock()

	c.logger.Info("evicted artifacts",
		zap.String("reason", reason),
		zap.Int("entries", len(victims)),
		zap.Int64("bytes", freed))
	c.saveIndex()
	return len(victims), freed
}

func compareLRU(a, b *Entry) int {
	if c := a.LastAccessed.Compare(b.LastAccessed); c != 0 {
		return c
	}
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	}
	return 0
}

// Cleanup removes entries created more than the configured MaxAge ago,
// regardless of how recently they were used. It returns the number removed.
func (c *Cache) Cleanup() int {
	if c.cfg.MaxAge <= 0 {
		return 0
	}
	return c.CleanupOlderThan(c.cfg.MaxAge)
}

// CleanupOlderThan removes entries created more than maxAge ago.
func (c *Cache) CleanupOlderThan(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	var expired []*Entry
	for key, e := range c.entries {
		if _, busy := c.inflight[key]; busy {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			c.removeLocked(e)
			c.inflight[key] = struct{}{}
			expired = append(expired, e)
		}
	}
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	for _, e := range expired {
		if err := c.store.Delete(e.Key); err != nil {
			c.logger.Warn("failed to delete expired blob", zap.String("key", e.Key), zap.Error(err))
		}
	}

	c.mu.Lock()
	for _, e := range expired {
		delete(c.inflight, e.Key)
	}
	c.stats.EntriesExpired += uint64(len(expired))
	c.mu.Unlock()

	c.logger.Info("expired artifacts removed", zap.Int("entries", len(expired)), zap.Duration("max_age", maxAge))
	c.saveIndex()
	return len(expired)
}

// VerifyReport is the outcome of Verify.
type VerifyReport struct {
	Checked int      `json:"checked"`
	Missing []string `json:"missing"`
}

// Verify checks that every entry's blob still exists in storage. With mark
// set, entries with missing blobs are flagged MarkedForRemoval; nothing is
// deleted. Use PurgeMarked to drop flagged entries.
func (c *Cache) Verify(mark bool) VerifyReport {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	slices.Sort(keys)

	report := VerifyReport{Checked: len(keys)}
	for _, key := range keys {
		if !c.store.Exists(key) {
			report.Missing = append(report.Missing, key)
		}
	}

	if mark && len(report.Missing) > 0 {
		c.mu.Lock()
		for _, key := range report.Missing {
			if e, ok := c.entries[key]; ok {
				e.MarkedForRemoval = true
			}
		}
		c.mu.Unlock()
		c.saveIndex()
	}
	if len(report.Missing) > 0 {
		c.logger.Warn("cache entries missing from storage", zap.Int("missing", len(report.Missing)), zap.Bool("marked", mark))
	}
	return report
}

// PurgeMarked removes every entry flagged by Verify and returns the count.
func (c *Cache) PurgeMarked() int {
	c.mu.Lock()
	var marked []string
	for key, e := range c.entries {
		if _, busy := c.inflight[key]; busy || !e.MarkedForRemoval {
			continue
		}
		c.removeLocked(e)
		marked = append(marked, key)
	}
	c.mu.Unlock()

	for _, key := range marked {
		_ = c.store.Delete(key)
	}
	if len(marked) > 0 {
		c.saveIndex()
	}
	return len(marked)
}
