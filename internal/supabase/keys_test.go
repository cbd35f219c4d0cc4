package supabase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type jwksServer struct {
	srv   *httptest.Server
	calls atomic.Int32
	key   *ecdsa.PrivateKey
}

func newJWKSServer(t *testing.T, delay time.Duration) *jwksServer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	s := &jwksServer{key: key}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": "key-1",
				"kty": "EC",
				"crv": "P-256",
				"x":   base64.RawURLEncoding.EncodeToString(key.X.FillBytes(make([]byte, 32))),
				"y":   base64.RawURLEncoding.EncodeToString(key.Y.FillBytes(make([]byte, 32))),
			}},
		})
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func TestKeySet_Get(t *testing.T) {
	s := newJWKSServer(t, 0)
	keys := NewKeySet(s.srv.URL, nil)

	key, err := keys.Get(context.Background(), "key-1")
	require.NoError(t, err)
	require.True(t, s.key.PublicKey.Equal(key))

	_, err = keys.Get(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, int32(1), s.calls.Load())
}

func TestKeySet_Get_unknownKidRefetchIsLimited(t *testing.T) {
	s := newJWKSServer(t, 0)
	keys := NewKeySet(s.srv.URL, nil)

	_, err := keys.Get(context.Background(), "key-1")
	require.NoError(t, err)

	for range 5 {
		_, err := keys.Get(context.Background(), "forged")
		require.ErrorContains(t, err, "kid not found")
	}
	require.Equal(t, int32(1), s.calls.Load())

	// Once the last fetch is old enough an unknown kid triggers one refetch.
	keys.mu.Lock()
	keys.fetchedAt = time.Now().Add(-jwksMinRefetch)
	keys.mu.Unlock()

	_, err = keys.Get(context.Background(), "rotated")
	require.ErrorContains(t, err, "kid not found")
	_, err = keys.Get(context.Background(), "rotated")
	require.ErrorContains(t, err, "kid not found")
	require.Equal(t, int32(2), s.calls.Load())
}

func TestKeySet_Get_concurrentFetchesCollapse(t *testing.T) {
	s := newJWKSServer(t, 100*time.Millisecond)
	keys := NewKeySet(s.srv.URL, nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_, err := keys.Get(context.Background(), "key-1")
			require.NoError(t, err)
		})
	}
	wg.Wait()

	require.Equal(t, int32(1), s.calls.Load())
}

func TestKeySet_Get_cancelledCaller(t *testing.T) {
	s := newJWKSServer(t, 200*time.Millisecond)
	keys := NewKeySet(s.srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := keys.Get(ctx, "key-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared fetch still completes and fills the cache.
	require.Eventually(t, func() bool {
		keys.mu.RLock()
		defer keys.mu.RUnlock()
		return keys.keys["key-1"] != nil
	}, 2*time.Second, 10*time.Millisecond)
}
