package client

import (
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// Config holds the auth provider client configuration
type Config struct {
	// Timeout bounds each request. Resolve applies its own deadline on top.
	// Default: 5s
	Timeout time.Duration
	// CacheDir persists cacheable responses (JWKS) across restarts. Empty keeps them in memory.
	CacheDir string
	// Transport is the underlying round tripper. Default: http.DefaultTransport
	Transport http.RoundTripper
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
	}
}

// New creates the HTTP client used for calls to the auth provider. Responses are cached
// according to their Cache-Control headers, so the JWKS document is only refetched when
// the provider says it is stale. Refresh POSTs are never cached.
func New(cfg Config) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	var cache httpcache.Cache
	if cfg.CacheDir == "" {
		cache = httpcache.NewMemoryCache()
	} else {
		cache = diskcache.New(cfg.CacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = cfg.Transport

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
