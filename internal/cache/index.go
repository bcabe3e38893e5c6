package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type indexFile struct {
	Version int      `yaml:"version"`
	Entries []*Entry `yaml:"entries"`
}

const indexVersion = 1

// saveIndex writes the index when persistence is configured. Saves are
// serialized and each takes its snapshot inside the serialization, so the
// file on disk never goes backwards.
func (c *Cache) saveIndex() {
	if c.cfg.IndexPath == "" {
		return
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	idx := indexFile{Version: indexVersion, Entries: c.List()}
	if err := writeIndex(c.cfg.IndexPath, idx); err != nil {
		c.logger.Error("failed to save cache index", zap.String("path", c.cfg.IndexPath), zap.Error(err))
	}
}

func writeIndex(path string, idx indexFile) error {
	data, err := yaml.Marshal(idx)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// loadIndex restores entries from the index file. Entries whose blob is
// missing from storage are dropped.
func (c *Cache) loadIndex() error {
	data, err := os.ReadFile(c.cfg.IndexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache index: %w", err)
	}

	var idx indexFile
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("decode cache index: %w", err)
	}
	if idx.Version != indexVersion {
		c.logger.Warn("ignoring cache index with unknown version", zap.Int("version", idx.Version))
		return nil
	}

	dropped := 0
	for _, e := range idx.Entries {
		if e == nil || e.Key == "" {
			continue
		}
		if !c.store.Exists(e.Key) {
			dropped++
			continue
		}
		c.entries[e.Key] = e
		c.bytes += e.StoredSize
	}
	c.logger.Info("cache index loaded",
		zap.Int("entries", len(c.entries)),
		zap.Int64("bytes", c.bytes),
		zap.Int("dropped", dropped))
	return nil
}
