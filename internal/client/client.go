package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/forge/internal/coordinator"
	"github.com/dreamware/forge/internal/registry"
	"github.com/dreamware/forge/internal/scheduler"
)

// ErrNotFound is returned when the coordinator answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx API response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	// Message is the "error" field of the response body, if any.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s %s: %d: %s", e.Method, e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("http %s %s: %d", e.Method, e.URL, e.Code)
}

// Is lets errors.Is match ErrNotFound on 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Client calls a coordinator's HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the API at base, e.g. http://coord:7879. token is
// sent as a bearer token when non-empty.
func New(base, token string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", base)
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// BuildStatus is a build with its jobs.
type BuildStatus struct {
	Build scheduler.Build  `json:"build"`
	Jobs  []*scheduler.Job `json:"jobs"`
}

// Health is the /health response.
type Health struct {
	Status        string `json:"status"`
	CoordinatorID string `json:"coordinator_id"`
	Version       string `json:"version"`
	Workers       int    `json:"workers"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Stats(ctx context.Context) (*coordinator.Stats, error) {
	var st coordinator.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitBuild creates a build and returns it as accepted, with cached jobs
// already counted.
func (c *Client) SubmitBuild(ctx context.Context, req coordinator.BuildRequest) (*scheduler.Build, error) {
	var b scheduler.Build
	if err := c.do(ctx, http.MethodPost, "/builds", req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Build(ctx context.Context, id string) (*BuildStatus, error) {
	var st BuildStatus
	if err := c.do(ctx, http.MethodGet, "/builds/"+url.PathEscape(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Builds(ctx context.Context) ([]*scheduler.Build, error) {
	var out struct {
		Builds []*scheduler.Build `json:"builds"`
	}
	if err := c.do(ctx, http.MethodGet, "/builds", nil, &out); err != nil {
		return nil, err
	}
	return out.Builds, nil
}

// CancelBuild cancels a build and returns its state afterwards.
func (c *Client) CancelBuild(ctx context.Context, id string) (*scheduler.Build, error) {
	var b scheduler.Build
	if err := c.do(ctx, http.MethodDelete, "/builds/"+url.PathEscape(id), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Job(ctx context.Context, id string) (*scheduler.Job, error) {
	var j scheduler.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) Workers(ctx context.Context) ([]*registry.Worker, error) {
	var out struct {
		Workers []*registry.Worker `json:"workers"`
	}
	if err := c.do(ctx, http.MethodGet, "/workers", nil, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// Drain stops new placements on a worker. With undrain false it is resumed.
func (c *Client) Drain(ctx context.Context, id string, drain bool) (*registry.Worker, error) {
	action := "/drain"
	if !drain {
		action = "/undrain"
	}
	var w registry.Worker
	if err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(id)+action, nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// WaitBuild polls a build until it reaches a terminal state or ctx ends.
func (c *Client) WaitBuild(ctx context.Context, id string, every time.Duration) (*scheduler.Build, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := c.Build(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Build.State.Terminal() {
			return &st.Build, nil
		}
		select {
		case <-ctx.Done():
			return &st.Build, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		serr := &StatusError{Method: method, URL: req.URL.String(), Code: resp.StatusCode}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr) == nil {
			serr.Message = apiErr.Error
		}
		return serr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
