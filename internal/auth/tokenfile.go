package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type tokenFile struct {
	Tokens []*Token `yaml:"tokens"`
}

// SaveTokens writes every token to path as YAML. The file is replaced
// atomically and readable only by its owner. Concurrent saves are
// serialized, and the last one to finish holds the newest snapshot.
func (m *Manager) SaveTokens(path string) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	data, err := yaml.Marshal(tokenFile{Tokens: m.List()})
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadTokens merges tokens from path into the manager and returns how many
// were loaded. A missing file loads nothing and is not an error.
func (m *Manager) LoadTokens(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read token file: %w", err)
	}

	var f tokenFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("decode token file: %w", err)
	}

	m.mu.Lock()
	n := 0
	for _, tok := range f.Tokens {
		if tok == nil || tok.ID == "" || tok.Value == "" {
			continue
		}
		if old, ok := m.tokens[tok.ID]; ok {
			delete(m.byValue, old.Value)
		}
		m.insertLocked(tok.clone())
		n++
	}
	m.mu.Unlock()

	m.logger.Info("tokens loaded", zap.String("path", path), zap.Int("count", n))
	return n, nil
}
