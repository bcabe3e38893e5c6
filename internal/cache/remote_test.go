package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newRemote serves a cache over HTTP the way a coordinator does.
func newRemote(t *testing.T, readOnly bool) (*Cache, *httptest.Server) {
	t.Helper()
	remote, _ := newTestCache(t, Config{}, nil)
	r := gin.New()
	remote.RegisterRoutes(r, readOnly)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return remote, srv
}

func TestRemoteFetchAndLookup(t *testing.T) {
	remote, srv := newRemote(t, false)
	_, err := remote.StoreBytes("shared", []byte("remote object"), Meta{Type: TypeObject, ProducerHost: "w9", BuildID: "b7"})
	require.NoError(t, err)

	local, _ := newTestCache(t, Config{}, nil)
	client, err := NewRemoteClient(RemoteConfig{URL: srv.URL})
	require.NoError(t, err)
	local.SetRemote(client)

	ctx := context.Background()
	assert.Equal(t, HitRemote, local.Lookup(ctx, "shared"))
	assert.Equal(t, Miss, local.Lookup(ctx, "absent"))

	entry, err := local.Fetch(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, TypeObject, entry.Type)
	assert.Equal(t, "w9", entry.ProducerHost)
	assert.Equal(t, "b7", entry.BuildID)
	assert.Equal(t, HitLocal, local.Lookup(ctx, "shared"))

	_, err = local.Fetch(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemotePushAndSync(t *testing.T) {
	remote, srv := newRemote(t, false)
	local, _ := newTestCache(t, Config{}, nil)
	client, err := NewRemoteClient(RemoteConfig{URL: srv.URL + "/"})
	require.NoError(t, err)
	local.SetRemote(client)

	for _, k := range []string{"a1", "b2", "c3"} {
		_, err := local.StoreBytes(k, []byte("data-"+k), Meta{Type: TypeObject})
		require.NoError(t, err)
	}
	_, err = remote.StoreBytes("b2", []byte("data-b2"), Meta{})
	require.NoError(t, err)

	pushed, err := local.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pushed)

	for _, k := range []string{"a1", "b2", "c3"} {
		data, _, err := remote.RetrieveBytes(k)
		require.NoError(t, err)
		assert.Equal(t, []byte("data-"+k), data)
	}
}

// TestRemoteReadOnly verifies pushes are refused client-side and that a
// read-only server exposes no write routes.
func TestRemoteReadOnly(t *testing.T) {
	_, srv := newRemote(t, true)
	local, _ := newTestCache(t, Config{}, nil)
	_, err := local.StoreBytes("k", []byte("x"), Meta{})
	require.NoError(t, err)

	client, err := NewRemoteClient(RemoteConfig{URL: srv.URL, ReadOnly: true})
	require.NoError(t, err)
	local.SetRemote(client)

	assert.ErrorIs(t, local.Push(context.Background(), "k"), ErrReadOnly)
	_, err = local.Sync(context.Background())
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, client.Push(context.Background(), "k", []byte("x"), Meta{}), ErrReadOnly)

	writable, err := NewRemoteClient(RemoteConfig{URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, writable.Push(context.Background(), "k", []byte("x"), Meta{}))
}

func TestRemoteHTTPEndpoint(t *testing.T) {
	remote, srv := newRemote(t, false)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/cache/abc", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set(HeaderContentHash, "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, remote.Contains("abc"))

	req, err = http.NewRequest(http.MethodPut, srv.URL+"/cache/abc", strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Head(srv.URL + "/cache/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentHash([]byte("payload")), resp.Header.Get(HeaderContentHash))

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/cache/abc", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/cache/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewRemoteClientValidatesURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "http://", "::bad"} {
		_, err := NewRemoteClient(RemoteConfig{URL: u})
		assert.Error(t, err, u)
	}
}
