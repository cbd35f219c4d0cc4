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
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func testClaims(userID uuid.UUID, expiresIn time.Duration) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":          userID.String(),
		"aud":          "authenticated",
		"role":         "authenticated",
		"email":        "jane@example.com",
		"app_metadata": map[string]any{"role": "admin"},
		"iat":          now.Unix(),
		"exp":          now.Add(expiresIn).Unix(),
	}
}

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func cookieValue(t *testing.T, token *Token) string {
	t.Helper()
	v, err := encodeToken(token)
	require.NoError(t, err)
	return v
}

func newTestResolver(t *testing.T, serverURL string, mutate ...func(*Config)) *Resolver {
	t.Helper()
	cfg := Config{
		URL:        serverURL,
		AnonKey:    "anon-key",
		JWTSecret:  testSecret,
		CookieName: "sb-test-auth-token",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewResolver(cfg, nil)
	require.NoError(t, err)
	return r
}

func requestWithCookies(cookies ...*http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func TestCookieName(t *testing.T) {
	name, err := CookieName("https://abcdefgh.supabase.co")
	require.NoError(t, err)
	require.Equal(t, "sb-abcdefgh-auth-token", name)

	name, err = CookieName("http://127.0.0.1:54321")
	require.NoError(t, err)
	require.Equal(t, "sb-127-auth-token", name)

	_, err = CookieName("not a url")
	require.Error(t, err)
}

func TestNewResolver_validation(t *testing.T) {
	_, err := NewResolver(Config{AnonKey: "key"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "URL is required")

	_, err = NewResolver(Config{URL: "https://abc.supabase.co"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "anon key is required")

	r, err := NewResolver(Config{URL: "https://abc.supabase.co", AnonKey: "key"}, nil)
	require.NoError(t, err)
	require.Equal(t, "sb-abc-auth-token", r.CookieName())
	require.Equal(t, DefaultTimeout, r.cfg.Timeout)
}

func TestResolver_Resolve_noCookie(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")

	outcome, err := r.Resolve(context.Background(), requestWithCookies())
	require.ErrorIs(t, err, ErrNoSession)
	require.Nil(t, outcome)
}

func TestResolver_Resolve_validToken(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")
	userID := uuid.New()

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(userID, time.Hour)),
		RefreshToken: "refresh-1",
	})

	outcome, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.NoError(t, err)
	require.NotNil(t, outcome.Session)
	require.Equal(t, userID, outcome.Session.UserID)
	require.Equal(t, "jane@example.com", outcome.Session.Email)
	require.Equal(t, "admin", outcome.Session.Role)
	require.Empty(t, outcome.Cookies)
}

func TestResolver_Resolve_userRoleClaim(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")
	claims := testClaims(uuid.New(), time.Hour)
	delete(claims, "app_metadata")
	claims["user_role"] = "staff"

	value := cookieValue(t, &Token{AccessToken: signHS256(t, claims)})

	outcome, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.NoError(t, err)
	require.Equal(t, "staff", outcome.Session.Role)
}

func TestResolver_Resolve_chunkedCookie(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")
	userID := uuid.New()

	value := cookieValue(t, &Token{AccessToken: signHS256(t, testClaims(userID, time.Hour))})
	mid := len(value) / 2

	outcome, err := r.Resolve(context.Background(), requestWithCookies(
		&http.Cookie{Name: "sb-test-auth-token.0", Value: value[:mid]},
		&http.Cookie{Name: "sb-test-auth-token.1", Value: value[mid:]},
	))
	require.NoError(t, err)
	require.Equal(t, userID, outcome.Session.UserID)
}

func TestResolver_Resolve_urlEscapedJSON(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")
	userID := uuid.New()

	data, err := json.Marshal(&Token{AccessToken: signHS256(t, testClaims(userID, time.Hour))})
	require.NoError(t, err)

	outcome, err := r.Resolve(context.Background(), requestWithCookies(
		&http.Cookie{Name: "sb-test-auth-token", Value: url.QueryEscape(string(data))},
	))
	require.NoError(t, err)
	require.Equal(t, userID, outcome.Session.UserID)

	// Unescaped JSON never reaches the decoder: net/http drops the cookie.
	raw := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	raw.Header.Set("Cookie", "sb-test-auth-token="+string(data))
	_, err = r.Resolve(context.Background(), raw)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestResolver_Resolve_malformedCookie(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")

	tests := []struct {
		name  string
		value string
	}{
		{name: "bad base64", value: "base64-!!!"},
		{name: "not json", value: "base64-" + base64.RawURLEncoding.EncodeToString([]byte("nope"))},
		{name: "missing access token", value: "base64-" + base64.RawURLEncoding.EncodeToString([]byte(`{"refresh_token":"x"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: tt.value}))
			require.ErrorIs(t, err, ErrMalformedCookie)
		})
	}
}

func TestResolver_Resolve_invalidSignature(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims(uuid.New(), time.Hour)).
		SignedString([]byte("a-different-secret-that-is-long-enough"))
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), requestWithCookies(
		&http.Cookie{Name: "sb-test-auth-token", Value: cookieValue(t, &Token{AccessToken: forged})},
	))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolver_Resolve_wrongAudience(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")
	claims := testClaims(uuid.New(), time.Hour)
	claims["aud"] = "anon"

	_, err := r.Resolve(context.Background(), requestWithCookies(
		&http.Cookie{Name: "sb-test-auth-token", Value: cookieValue(t, &Token{AccessToken: signHS256(t, claims)})},
	))
	require.ErrorIs(t, err, ErrInvalidToken)
}

// refreshServer fakes the auth server token endpoint.
type refreshServer struct {
	t        *testing.T
	calls    atomic.Int32
	userID   uuid.UUID
	status   int
	delay    time.Duration
	userBlob string
}

func (s *refreshServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}

	require.Equal(s.t, http.MethodPost, r.Method)
	require.Equal(s.t, "/auth/v1/token", r.URL.Path)
	require.Equal(s.t, "refresh_token", r.URL.Query().Get("grant_type"))
	require.Equal(s.t, "anon-key", r.Header.Get("apikey"))

	var body map[string]string
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&body))
	require.Equal(s.t, "refresh-1", body["refresh_token"])

	if s.status != 0 && s.status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token: Already Used"}`))
		return
	}

	resp := map[string]any{
		"access_token":  signHS256(s.t, testClaims(s.userID, time.Hour)),
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-2",
	}
	if s.userBlob != "" {
		resp["user"] = map[string]string{"blob": s.userBlob}
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(s.t, json.NewEncoder(w).Encode(resp))
}

func TestResolver_Resolve_refreshesExpiredToken(t *testing.T) {
	userID := uuid.New()
	fake := &refreshServer{t: t, userID: userID}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newTestResolver(t, srv.URL)

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(userID, -time.Minute)),
		RefreshToken: "refresh-1",
	})
	mid := len(value) / 2

	// Old session was chunked; the refreshed one fits in a single cookie.
	outcome, err := r.Resolve(context.Background(), requestWithCookies(
		&http.Cookie{Name: "sb-test-auth-token.0", Value: value[:mid]},
		&http.Cookie{Name: "sb-test-auth-token.1", Value: value[mid:]},
	))
	require.NoError(t, err)
	require.Equal(t, int32(1), fake.calls.Load())
	require.Equal(t, userID, outcome.Session.UserID)
	require.False(t, outcome.Session.IsExpired())

	require.Len(t, outcome.Cookies, 3)
	require.Equal(t, "sb-test-auth-token", outcome.Cookies[0].Name)
	require.True(t, strings.HasPrefix(outcome.Cookies[0].Value, "base64-"))
	require.Equal(t, cookieMaxAge, outcome.Cookies[0].MaxAge)
	require.Equal(t, "/", outcome.Cookies[0].Path)

	require.Equal(t, "sb-test-auth-token.0", outcome.Cookies[1].Name)
	require.Equal(t, -1, outcome.Cookies[1].MaxAge)
	require.Equal(t, "sb-test-auth-token.1", outcome.Cookies[2].Name)
	require.Equal(t, -1, outcome.Cookies[2].MaxAge)

	rotated, err := decodeToken(outcome.Cookies[0].Value)
	require.NoError(t, err)
	require.Equal(t, "refresh-2", rotated.RefreshToken)
	require.NotZero(t, rotated.ExpiresAt)
}

func TestResolver_Resolve_refreshChunksLargeSession(t *testing.T) {
	userID := uuid.New()
	fake := &refreshServer{t: t, userID: userID, userBlob: strings.Repeat("x", 5000)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newTestResolver(t, srv.URL)

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(userID, -time.Minute)),
		RefreshToken: "refresh-1",
	})

	outcome, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(outcome.Cookies), 3)

	// Chunks first, then the now-unused whole cookie is expired.
	last := outcome.Cookies[len(outcome.Cookies)-1]
	require.Equal(t, "sb-test-auth-token", last.Name)
	require.Equal(t, -1, last.MaxAge)

	var joined strings.Builder
	for i, c := range outcome.Cookies[:len(outcome.Cookies)-1] {
		require.Equal(t, "sb-test-auth-token."+strconv.Itoa(i), c.Name)
		require.LessOrEqual(t, len(c.Value), maxChunkSize)
		joined.WriteString(c.Value)
	}

	rotated, err := decodeToken(joined.String())
	require.NoError(t, err)
	require.Equal(t, "refresh-2", rotated.RefreshToken)
}

func TestResolver_Resolve_refreshWithinLeeway(t *testing.T) {
	userID := uuid.New()
	fake := &refreshServer{t: t, userID: userID}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newTestResolver(t, srv.URL)

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(userID, 10*time.Second)),
		RefreshToken: "refresh-1",
	})

	outcome, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.NoError(t, err)
	require.Equal(t, int32(1), fake.calls.Load())
	require.NotEmpty(t, outcome.Cookies)
}

func TestResolver_Resolve_refreshFailureWithinLeewayKeepsSession(t *testing.T) {
	userID := uuid.New()
	fake := &refreshServer{t: t, userID: userID, status: http.StatusBadRequest}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newTestResolver(t, srv.URL)

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(userID, 10*time.Second)),
		RefreshToken: "refresh-1",
	})

	outcome, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.NoError(t, err)
	require.Equal(t, userID, outcome.Session.UserID)
	require.Empty(t, outcome.Cookies)
}

func TestResolver_Resolve_tokenExpiresDuringFailedRefresh(t *testing.T) {
	userID := uuid.New()
	fake := &refreshServer{t: t, userID: userID, status: http.StatusBadRequest, delay: 1500 * time.Millisecond}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newTestResolver(t, srv.URL)

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(userID, time.Second)),
		RefreshToken: "refresh-1",
	})

	outcome, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Nil(t, outcome)
	require.Equal(t, int32(1), fake.calls.Load())
}

func TestResolver_Resolve_refreshRejected(t *testing.T) {
	fake := &refreshServer{t: t, userID: uuid.New(), status: http.StatusBadRequest}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newTestResolver(t, srv.URL)

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(fake.userID, -time.Minute)),
		RefreshToken: "refresh-1",
	})

	outcome, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Contains(t, err.Error(), "Already Used")
	require.Nil(t, outcome)
}

func TestResolver_Resolve_expiredWithoutRefreshToken(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")

	value := cookieValue(t, &Token{AccessToken: signHS256(t, testClaims(uuid.New(), -time.Minute))})

	_, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.ErrorIs(t, err, ErrRefreshFailed)
}

func TestResolver_Resolve_timeout(t *testing.T) {
	fake := &refreshServer{t: t, userID: uuid.New(), delay: 2 * time.Second}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newTestResolver(t, srv.URL, func(c *Config) {
		c.Timeout = 50 * time.Millisecond
	})

	value := cookieValue(t, &Token{
		AccessToken:  signHS256(t, testClaims(fake.userID, -time.Minute)),
		RefreshToken: "refresh-1",
	})

	started := time.Now()
	_, err := r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: value}))
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Less(t, time.Since(started), time.Second)
}

func TestResolver_Resolve_jwks(t *testing.T) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var jwksCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		jwksCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": "key-1",
				"kty": "EC",
				"crv": "P-256",
				"x":   base64.RawURLEncoding.EncodeToString(privateKey.X.FillBytes(make([]byte, 32))),
				"y":   base64.RawURLEncoding.EncodeToString(privateKey.Y.FillBytes(make([]byte, 32))),
			}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestResolver(t, srv.URL, func(c *Config) {
		c.JWTSecret = ""
	})

	userID := uuid.New()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, testClaims(userID, time.Hour))
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	req := requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: cookieValue(t, &Token{AccessToken: signed})})

	for range 3 {
		outcome, err := r.Resolve(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, userID, outcome.Session.UserID)
	}
	require.Equal(t, int32(1), jwksCalls.Load())

	// HS256 tokens are rejected when no secret is configured.
	hs := cookieValue(t, &Token{AccessToken: signHS256(t, testClaims(userID, time.Hour))})
	_, err = r.Resolve(context.Background(), requestWithCookies(&http.Cookie{Name: "sb-test-auth-token", Value: hs}))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolver_ClearCookies(t *testing.T) {
	r := newTestResolver(t, "https://abc.supabase.co")

	req := requestWithCookies(
		&http.Cookie{Name: "sb-test-auth-token.1", Value: "b"},
		&http.Cookie{Name: "sb-test-auth-token.0", Value: "a"},
		&http.Cookie{Name: "sb-test-auth-token-code-verifier", Value: "keep"},
		&http.Cookie{Name: "theme", Value: "dark"},
	)

	cookies := r.ClearCookies(req)
	require.Len(t, cookies, 2)
	require.Equal(t, "sb-test-auth-token.0", cookies[0].Name)
	require.Equal(t, "sb-test-auth-token.1", cookies[1].Name)
	for _, c := range cookies {
		require.Empty(t, c.Value)
		require.Equal(t, -1, c.MaxAge)
		require.Contains(t, c.String(), "Max-Age=0")
	}
}
