package client

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/logger"
)

// Config holds common client configuration
type Config struct {
	Timeout time.Duration
	// CacheDir persists cached results responses. Empty keeps them in memory.
	CacheDir string
	// NoCache sends every request to the server.
	NoCache bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// NewHTTPClient creates the HTTP client used for REST calls. Results reads
// go through an RFC 7234 cache; everything else reaches the server. Every
// call is logged.
func NewHTTPClient(config Config) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if !config.NoCache {
		transport = &cachingTransport{
			cached:    NewCachingTransport(config.CacheDir),
			direct:    http.DefaultTransport,
			cacheable: IsResultsRequest,
		}
	}

	return &http.Client{
		Timeout:   config.Timeout,
		Transport: logger.NewRequests(log.Logger, transport),
	}
}
