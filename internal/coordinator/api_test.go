package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/forge/internal/auth"
	"github.com/dreamware/forge/internal/config"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/registry"
	"github.com/dreamware/forge/internal/scheduler"
)

// do runs one request against the coordinator's API handler.
func do(t *testing.T, c *Coordinator, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.APIHandler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	c := newTestCoordinator(t, nil)

	rec := do(t, c, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "coord-test", body["coordinator_id"])
	assert.Equal(t, float64(0), body["workers"])
}

func TestBuildEndpoints(t *testing.T) {
	c := newTestCoordinator(t, nil)

	rec := do(t, c, http.MethodPost, "/builds", "", BuildRequest{
		Project: "app",
		Jobs:    []protocol.JobSpec{compileJob("main"), compileJob("util")},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b scheduler.Build
	decodeBody(t, rec, &b)
	assert.Equal(t, "app", b.ProjectName)
	assert.Equal(t, 2, b.Total)

	rec = do(t, c, http.MethodGet, "/builds/"+b.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Build scheduler.Build  `json:"build"`
		Jobs  []*scheduler.Job `json:"jobs"`
	}
	decodeBody(t, rec, &detail)
	assert.Equal(t, b.ID, detail.Build.ID)
	assert.Len(t, detail.Jobs, 2)

	rec = do(t, c, http.MethodGet, "/jobs/main", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job scheduler.Job
	decodeBody(t, rec, &job)
	assert.Equal(t, scheduler.JobPending, job.State)

	rec = do(t, c, http.MethodGet, "/builds", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = do(t, c, http.MethodDelete, "/builds/"+b.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &b)
	assert.Equal(t, scheduler.BuildCancelled, b.State)

	rec = do(t, c, http.MethodDelete, "/builds/"+b.ID, "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBuildEndpointErrors(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *config.Config) { cfg.Scheduler.MaxBuilds = 1 })

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing project", http.MethodPost, "/builds", map[string]any{"jobs": []any{}}, http.StatusBadRequest},
		{"unknown strategy", http.MethodPost, "/builds", BuildRequest{Project: "p", Strategy: "everything"}, http.StatusBadRequest},
		{"invalid job", http.MethodPost, "/builds", BuildRequest{Project: "p", Jobs: []protocol.JobSpec{{JobID: "x", Type: protocol.JobLink}}}, http.StatusBadRequest},
		{"unknown dependency", http.MethodPost, "/builds", BuildRequest{Project: "p", Jobs: []protocol.JobSpec{func() protocol.JobSpec {
			s := compileJob("y")
			s.Dependencies = []string{"nowhere"}
			return s
		}()}}, http.StatusBadRequest},
		{"unknown build", http.MethodGet, "/builds/nope", nil, http.StatusNotFound},
		{"cancel unknown build", http.MethodDelete, "/builds/nope", nil, http.StatusNotFound},
		{"unknown job", http.MethodGet, "/jobs/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, c, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	t.Run("build capacity", func(t *testing.T) {
		rec := do(t, c, http.MethodPost, "/builds", "", BuildRequest{Project: "p", Jobs: []protocol.JobSpec{compileJob("hold")}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		rec = do(t, c, http.MethodPost, "/builds", "", BuildRequest{Project: "q", Jobs: []protocol.JobSpec{compileJob("more")}})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	})
}

func TestAPIAuthorization(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Auth.Method = config.AuthToken
		cfg.Auth.Token = "worker-token-0123456789"
	})
	admin, err := c.Auth().Generate(auth.TokenAdmin, "ops", time.Hour)
	require.NoError(t, err)
	client, err := c.Auth().Generate(auth.TokenClient, "ci", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"health is open", "/health", "", http.StatusOK},
		{"stats is open", "/stats", "", http.StatusOK},
		{"missing token", "/builds", "", http.StatusUnauthorized},
		{"unknown token", "/builds", "bogus", http.StatusUnauthorized},
		{"worker token cannot read builds", "/builds", "worker-token-0123456789", http.StatusForbidden},
		{"client token reads builds", "/builds", client.Value, http.StatusOK},
		{"client token is not admin", "/tokens", client.Value, http.StatusForbidden},
		{"admin token lists tokens", "/tokens", admin.Value, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, c, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	t.Run("revoked token", func(t *testing.T) {
		require.NoError(t, c.Auth().Revoke(client.ID, "leaked"))
		rec := do(t, c, http.MethodGet, "/builds", client.Value, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "revoked")
	})
}

func TestTokenEndpoints(t *testing.T) {
	c := newTestCoordinator(t, nil)

	rec := do(t, c, http.MethodPost, "/tokens", "", map[string]any{
		"type":          "worker",
		"subject":       "builder-7",
		"ttl_seconds":   3600,
		"allowed_hosts": []string{"10.0.0.7"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tok auth.Token
	decodeBody(t, rec, &tok)
	assert.NotEmpty(t, tok.Value)
	assert.Equal(t, auth.TokenWorker, tok.Type)
	assert.Equal(t, []string{"10.0.0.7"}, tok.AllowedHosts)

	_, res := c.Auth().Validate(tok.Value, "10.0.0.8")
	assert.Equal(t, auth.ResultNotAuthorized, res)

	rec = do(t, c, http.MethodGet, "/tokens", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Tokens []auth.Token `json:"tokens"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Tokens, 1)
	assert.Empty(t, list.Tokens[0].Value, "token values must not be listed")

	rec = do(t, c, http.MethodDelete, "/tokens/"+tok.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	got, ok := c.Auth().Get(tok.ID)
	require.True(t, ok)
	assert.True(t, got.Revoked)

	rec = do(t, c, http.MethodDelete, "/tokens/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, c, http.MethodPost, "/tokens", "", map[string]any{"type": "root"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDrainEndpoints(t *testing.T) {
	c := newTestCoordinator(t, nil)
	w, err := c.Registry().Register(gccHello("builder-1", 2), nil)
	require.NoError(t, err)

	rec := do(t, c, http.MethodPost, "/workers/"+w.ID+"/drain", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, _ := c.Registry().Get(w.ID)
	assert.Equal(t, registry.StateDraining, got.State)

	rec = do(t, c, http.MethodPost, "/workers/"+w.ID+"/undrain", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, _ = c.Registry().Get(w.ID)
	assert.Equal(t, registry.StateOnline, got.State)

	rec = do(t, c, http.MethodGet, "/workers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Workers []map[string]any `json:"workers"`
		Count   int              `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "online", list.Workers[0]["state"])

	rec = do(t, c, http.MethodPost, "/workers/nope/drain", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheRoutes(t *testing.T) {
	c := newTestCoordinator(t, nil)

	req := httptest.NewRequest(http.MethodPut, "/cache/objkey03", bytes.NewReader([]byte("object bytes")))
	rec := httptest.NewRecorder()
	c.APIHandler().ServeHTTP(rec, req)
	require.Less(t, rec.Code, 300, rec.Body.String())
	assert.True(t, c.Cache().Contains("objkey03"))

	rec = do(t, c, http.MethodGet, "/cache/objkey03", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "object bytes", rec.Body.String())

	rec = do(t, c, http.MethodGet, "/cache/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken("Bearer "))
}
