package supabase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	jwksTTL          = 1 * time.Hour
	jwksMinRefetch   = 1 * time.Minute // lower bound between refetches for unknown kids
	jwksFetchTimeout = 10 * time.Second
)

// jwk is a single JSON Web Key; only the members needed for EC and RSA verification.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// KeySet fetches and caches the project's signing keys from its JWKS endpoint.
type KeySet struct {
	jwksURL    string
	httpClient *http.Client

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]any // kid -> *ecdsa.PublicKey or *rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time
}

// NewKeySet creates a key set for the given JWKS URL.
func NewKeySet(jwksURL string, httpClient *http.Client) *KeySet {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	return &KeySet{
		jwksURL:    jwksURL,
		httpClient: httpClient,
	}
}

// Get returns the public key for kid, refreshing the cache when it is stale or the
// kid is unknown (key rotation). Unknown kids refetch at most once per jwksMinRefetch
// and concurrent refetches share one request.
func (k *KeySet) Get(ctx context.Context, kid string) (any, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	fresh := time.Now().Before(k.expiresAt)
	recent := time.Since(k.fetchedAt) < jwksMinRefetch
	k.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}
	if fresh && recent {
		return nil, fmt.Errorf("kid not found in JWKS: %s", kid)
	}

	keys, err := k.refresh(ctx)
	if err != nil {
		return nil, err
	}

	key, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("kid not found in JWKS: %s", kid)
	}
	return key, nil
}

// refresh fetches the key set once for all concurrent callers. The fetch outlives a
// cancelled caller so the others still get a result.
func (k *KeySet) refresh(ctx context.Context) (map[string]any, error) {
	ch := k.group.DoChan("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jwksFetchTimeout)
		defer cancel()

		keys, err := k.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		k.mu.Lock()
		k.keys = keys
		k.expiresAt = now.Add(jwksTTL)
		k.fetchedAt = now
		k.mu.Unlock()

		log.Debug().Int("total_keys", len(keys)).Msg("Cached JWKS")
		return keys, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]any), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeySet) fetch(ctx context.Context) (map[string]any, error) {
	log.Debug().Str("jwks_url", k.jwksURL).Msg("Fetching JWKS")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed: %s", resp.Status)
	}

	var jwks struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]any, len(jwks.Keys))
	for _, j := range jwks.Keys {
		if j.Kid == "" {
			log.Warn().Str("kty", j.Kty).Msg("JWK missing kid")
			continue
		}
		key, err := parseJWK(j)
		if err != nil {
			log.Warn().Err(err).Str("kid", j.Kid).Msg("Failed to parse JWK")
			continue
		}
		keys[j.Kid] = key
	}

	return keys, nil
}

// parseJWK converts a JWK into an ECDSA (P-256) or RSA public key.
func parseJWK(j jwk) (any, error) {
	switch j.Kty {
	case "EC":
		if j.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve: %s", j.Crv)
		}
		x, err := decodeBigInt(j.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x: %w", err)
		}
		y, err := decodeBigInt(j.Y)
		if err != nil {
			return nil, fmt.Errorf("failed to decode y: %w", err)
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil

	case "RSA":
		n, err := decodeBigInt(j.N)
		if err != nil {
			return nil, fmt.Errorf("failed to decode n: %w", err)
		}
		e, err := decodeBigInt(j.E)
		if err != nil {
			return nil, fmt.Errorf("failed to decode e: %w", err)
		}
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, fmt.Errorf("invalid RSA exponent")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil

	default:
		return nil, fmt.Errorf("unsupported key type: %s", j.Kty)
	}
}

// decodeBigInt decodes a base64url (unpadded) big-endian integer.
func decodeBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing value")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
