package client

import (
	"net/http"
	"strings"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingTransport creates a transport with disk-based caching, or an
// in-memory cache when cacheDir is empty.
func NewCachingTransport(cacheDir string) *httpcache.Transport {
	if cacheDir == "" {
		return httpcache.NewTransport(httpcache.NewMemoryCache())
	}

	// Use disk-based cache for persistence across restarts
	return httpcache.NewTransport(diskcache.New(cacheDir))
}

// IsResultsRequest matches GETs of aggregate and personal results, the only
// responses that stop changing once a session is closed.
func IsResultsRequest(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	_, rest, ok := strings.Cut(req.URL.Path, "/sessions/")
	if !ok {
		return false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	return len(parts) >= 2 && parts[1] == "results"
}

type cachingTransport struct {
	cached    http.RoundTripper
	direct    http.RoundTripper
	cacheable func(*http.Request) bool
}

func (t *cachingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.cacheable(req) {
		return t.cached.RoundTrip(req)
	}
	return t.direct.RoundTrip(req)
}
