package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrReadOnly is returned when pushing to a read-only remote cache.
var ErrReadOnly = errors.New("remote cache is read-only")

// Headers carrying artifact metadata on the /cache/:key endpoint.
const (
	HeaderContentHash  = "X-Forge-Content-Hash"
	HeaderArtifactType = "X-Forge-Artifact-Type"
	HeaderProducerHost = "X-Forge-Producer-Host"
	HeaderBuildID      = "X-Forge-Build-Id"
)

// RemoteConfig configures a RemoteClient.
type RemoteConfig struct {
	// URL is the base of another coordinator's API, e.g. http://cache:8081.
	URL string
	// ReadOnly forbids Push and Delete.
	ReadOnly bool
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// RemoteClient talks to a coordinator's /cache/:key endpoint over HTTP.
type RemoteClient struct {
	base     string
	readOnly bool
	token    string
	http     *http.Client
}

// NewRemoteClient validates cfg and returns a client.
func NewRemoteClient(cfg RemoteConfig) (*RemoteClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid remote cache url %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClient{
		base:     strings.TrimRight(cfg.URL, "/"),
		readOnly: cfg.ReadOnly,
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// ReadOnly reports whether pushes are refused.
func (r *RemoteClient) ReadOnly() bool { return r.readOnly }

func (r *RemoteClient) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.base+"/cache/"+url.PathEscape(key), body)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return req, nil
}

// Has reports whether the remote holds key.
func (r *RemoteClient) Has(ctx context.Context, key string) (bool, error) {
	req, err := r.newRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		return false, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("remote cache HEAD %s: %d", key, resp.StatusCode)
	}
	return true, nil
}

// Fetch downloads key's content and metadata.
func (r *RemoteClient) Fetch(ctx context.Context, key string) ([]byte, Meta, string, error) {
	req, err := r.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, Meta{}, "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, Meta{}, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, Meta{}, "", fmt.Errorf("%w: %s (remote)", ErrNotFound, key)
	}
	if resp.StatusCode >= 300 {
		return nil, Meta{}, "", fmt.Errorf("remote cache GET %s: %d", key, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Meta{}, "", err
	}
	meta := Meta{
		Type:         ArtifactType(resp.Header.Get(HeaderArtifactType)),
		ProducerHost: resp.Header.Get(HeaderProducerHost),
		BuildID:      resp.Header.Get(HeaderBuildID),
	}
	return data, meta, resp.Header.Get(HeaderContentHash), nil
}

// Push uploads content under key.
func (r *RemoteClient) Push(ctx context.Context, key string, data []byte, meta Meta) error {
	if r.readOnly {
		return ErrReadOnly
	}
	req, err := r.newRequest(ctx, http.MethodPut, key, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderContentHash, contentHash(data))
	if meta.Type != "" {
		req.Header.Set(HeaderArtifactType, string(meta.Type))
	}
	if meta.ProducerHost != "" {
		req.Header.Set(HeaderProducerHost, meta.ProducerHost)
	}
	if meta.BuildID != "" {
		req.Header.Set(HeaderBuildID, meta.BuildID)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote cache PUT %s: %d", key, resp.StatusCode)
	}
	return nil
}

// Lookup classifies key: a local entry wins, then an artifact currently being
// produced, then the remote cache.
//
// Behavior:
//   - HitLocal updates the entry's access time
//   - HitRemote only means the remote has it; call Fetch to copy it locally
//   - Remote errors are logged and treated as a miss
//
// Each outcome is counted in Stats.
//
// Example:
//
//	switch c.Lookup(ctx, key) {
//	case HitLocal:
//		// serve from c
//	case HitRemote:
//		_, err = c.Fetch(ctx, key)
//	}
func (c *Cache) Lookup(ctx context.Context, key string) LookupResult {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		c.stats.Hits++
		c.mu.Unlock()
		return HitLocal
	}
	if _, ok := c.pending[key]; ok {
		c.stats.PendingHits++
		c.mu.Unlock()
		return HitPending
	}
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		found, err := remote.Has(ctx, key)
		if err != nil {
			c.logger.Debug("remote cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		if found {
			c.mu.Lock()
			c.stats.RemoteHits++
			c.mu.Unlock()
			return HitRemote
		}
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	return Miss
}

// Fetch pulls key from the remote cache into local storage.
func (c *Cache) Fetch(ctx context.Context, key string) (*Entry, error) {
	remote := c.Remote()
	if remote == nil {
		return nil, errors.New("no remote cache configured")
	}
	data, meta, hash, err := remote.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if hash != "" && hash != contentHash(data) {
		return nil, fmt.Errorf("%w: %s (remote)", ErrCorrupt, key)
	}
	return c.StoreBytes(key, data, meta)
}

// Push uploads one local entry to the remote cache.
func (c *Cache) Push(ctx context.Context, key string) error {
	remote := c.Remote()
	if remote == nil {
		return errors.New("no remote cache configured")
	}
	if remote.ReadOnly() {
		return ErrReadOnly
	}
	data, entry, err := c.RetrieveBytes(key)
	if err != nil {
		return err
	}
	return remote.Push(ctx, key, data, Meta{
		Type:         entry.Type,
		ProducerHost: entry.ProducerHost,
		BuildID:      entry.BuildID,
	})
}

// Sync pushes every local entry the remote does not have and returns how many
// were pushed. Pushes run with bounded parallelism; the first error cancels
// the rest.
func (c *Cache) Sync(ctx context.Context) (int, error) {
	remote := c.Remote()
	if remote == nil {
		return 0, errors.New("no remote cache configured")
	}
	if remote.ReadOnly() {
		return 0, ErrReadOnly
	}

	entries := c.List()
	pushed := make([]bool, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, e := range entries {
		i, key := i, e.Key
		g.Go(func() error {
			found, err := remote.Has(gctx, key)
			if err != nil {
				return err
			}
			if found {
				return nil
			}
			if err := c.Push(gctx, key); err != nil {
				return fmt.Errorf("push %s: %w", key, err)
			}
			pushed[i] = true
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, p := range pushed {
		if p {
			n++
		}
	}
	c.logger.Info("cache sync finished", zap.Int("pushed", n), zap.Int("local", len(entries)), zap.Error(err))
	return n, err
}
