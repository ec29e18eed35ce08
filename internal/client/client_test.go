package client

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsResultsRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/api/sessions/ABC123/results", true},
		{http.MethodGet, "/api/sessions/ABC123/results/Alice%20Smith", true},
		{http.MethodGet, "/api/sessions/ABC123", false},
		{http.MethodGet, "/api/sessions/ABC123/time", false},
		{http.MethodPost, "/api/sessions/ABC123/results", false},
		{http.MethodGet, "/results", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://example.test"+tt.path, nil)
			assert.Equal(t, tt.want, IsResultsRequest(req))
		})
	}
}

func TestNewHTTPClient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	get := func(t *testing.T, c *http.Client, path string) *http.Response {
		t.Helper()
		resp, err := c.Get(srv.URL + path)
		require.NoError(t, err)
		_, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp
	}

	t.Run("results are cached", func(t *testing.T) {
		hits.Store(0)
		c := NewHTTPClient(Config{Timeout: time.Second, CacheDir: t.TempDir()})

		get(t, c, "/api/sessions/ABC123/results")
		resp := get(t, c, "/api/sessions/ABC123/results")

		assert.Equal(t, int32(1), hits.Load())
		assert.Equal(t, "1", resp.Header.Get("X-From-Cache"))
	})

	t.Run("snapshots are not", func(t *testing.T) {
		hits.Store(0)
		c := NewHTTPClient(Config{Timeout: time.Second})

		get(t, c, "/api/sessions/ABC123")
		get(t, c, "/api/sessions/ABC123")

		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("cache disabled", func(t *testing.T) {
		hits.Store(0)
		c := NewHTTPClient(Config{Timeout: time.Second, NoCache: true})

		get(t, c, "/api/sessions/ABC123/results")
		get(t, c, "/api/sessions/ABC123/results")

		assert.Equal(t, int32(2), hits.Load())
	})
}
