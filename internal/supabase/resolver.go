// Package supabase resolves browser sessions issued by Supabase Auth.
//
// The session lives in the sb-<ref>-auth-token cookie (optionally chunked). The access
// token is verified locally; when it is expired or about to expire the refresh token is
// exchanged with the auth server and the rotated session is handed back as cookies for
// the caller to write onto the response.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pledge-admin/pledgegate/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession       = errors.New("no session")
	ErrMalformedCookie = errors.New("malformed auth cookie")
	ErrInvalidToken    = errors.New("invalid access token")
	ErrRefreshFailed   = errors.New("session refresh failed")
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultRefreshLeeway = 30 * time.Second
	DefaultAudience      = "authenticated"
)

// Config configures a Resolver.
type Config struct {
	// URL is the project URL, e.g. https://abcdefgh.supabase.co
	URL string
	// AnonKey is the public API key sent with refresh requests.
	AnonKey string
	// JWTSecret verifies HS256 access tokens. Optional when the project signs with
	// asymmetric keys published on its JWKS endpoint.
	JWTSecret string
	// CookieName overrides the name derived from URL.
	CookieName string
	// Audience expected in access tokens. Default: "authenticated"
	Audience string
	// Timeout bounds a single Resolve call, including the refresh round trip.
	// Default: 5s
	Timeout time.Duration
	// RefreshLeeway refreshes tokens this close to expiry. Default: 30s
	RefreshLeeway time.Duration
	// SecureCookies sets the Secure attribute on rotated cookies.
	SecureCookies bool
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("supabase URL is required")
	}
	if c.AnonKey == "" {
		return errors.New("supabase anon key is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Audience == "" {
		c.Audience = DefaultAudience
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RefreshLeeway == 0 {
		c.RefreshLeeway = DefaultRefreshLeeway
	}
}

// Outcome is the result of resolving a request's session.
type Outcome struct {
	Session *models.Session
	// Cookies holds rotated auth cookies. They must be written to the response.
	Cookies []*http.Cookie
}

// Resolver resolves sessions from request cookies. It is safe for concurrent use and
// meant to be created once per process.
type Resolver struct {
	cfg        Config
	baseURL    string
	secret     []byte
	keys       *KeySet
	httpClient *http.Client
	cookies    cookieWriter
	parser     *jwt.Parser
}

// NewResolver creates a resolver. httpClient is used for both JWKS and refresh calls;
// pass a caching client so JWKS responses honour Cache-Control.
func NewResolver(cfg Config, httpClient *http.Client) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	name := cfg.CookieName
	if name == "" {
		var err error
		name, err = CookieName(cfg.URL)
		if err != nil {
			return nil, err
		}
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	baseURL := strings.TrimRight(cfg.URL, "/")

	return &Resolver{
		cfg:        cfg,
		baseURL:    baseURL,
		secret:     []byte(cfg.JWTSecret),
		keys:       NewKeySet(baseURL+"/auth/v1/.well-known/jwks.json", httpClient),
		httpClient: httpClient,
		cookies:    cookieWriter{name: name, secure: cfg.SecureCookies},
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "ES256", "RS256"}),
			jwt.WithExpirationRequired(),
			jwt.WithAudience(cfg.Audience),
		),
	}, nil
}

// CookieName returns the auth cookie name the resolver reads.
func (r *Resolver) CookieName() string {
	return r.cookies.name
}

// Resolve returns the session carried by the request. A missing cookie yields
// ErrNoSession; any other error means the cookie or the provider could not be trusted.
// Callers treat every error as "no session".
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	value, ok := readCookieValue(req, r.cookies.name)
	if !ok {
		return nil, ErrNoSession
	}

	token, err := decodeToken(value)
	if err != nil {
		return nil, err
	}

	claims, err := r.verify(ctx, token.AccessToken)
	switch {
	case err == nil && !r.expiresSoon(claims):
		return &Outcome{Session: sessionFromClaims(claims)}, nil
	case err != nil && !errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// Expired or close to expiry: rotate.
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token expired without refresh token", ErrRefreshFailed)
	}

	var refreshedClaims *Claims
	refreshed, refreshErr := r.refresh(ctx, token.RefreshToken)
	if refreshErr == nil {
		refreshedClaims, refreshErr = r.verify(ctx, refreshed.AccessToken)
		if refreshErr != nil {
			refreshErr = fmt.Errorf("%w: refreshed token: %v", ErrInvalidToken, refreshErr)
		}
	}
	if refreshErr != nil {
		// Still inside the leeway window: keep serving the current token unless it
		// expired while the refresh was in flight.
		if err == nil {
			if session := sessionFromClaims(claims); !session.IsExpired() {
				log.Warn().Err(refreshErr).Msg("Session refresh failed, using current token")
				return &Outcome{Session: session}, nil
			}
		}
		return nil, refreshErr
	}

	cookies, err := r.cookies.write(refreshed, authCookieNames(req, r.cookies.name))
	if err != nil {
		return nil, err
	}

	session := sessionFromClaims(refreshedClaims)
	log.Debug().Str("user_id", session.UserID.String()).Msg("Session refreshed")

	return &Outcome{Session: session, Cookies: cookies}, nil
}

// ClearCookies returns cookies that delete every auth cookie present on the request.
func (r *Resolver) ClearCookies(req *http.Request) []*http.Cookie {
	return r.cookies.clear(authCookieNames(req, r.cookies.name))
}

// Claims are the access token claims the gate consumes.
type Claims struct {
	jwt.RegisteredClaims
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"` // Postgres role, "authenticated" for users
	UserRole    string `json:"user_role,omitempty"`
	AppMetadata struct {
		Role string `json:"role,omitempty"`
	} `json:"app_metadata"`
}

// ApplicationRole returns the application-level role, preferring app_metadata.
func (c *Claims) ApplicationRole() string {
	if c.AppMetadata.Role != "" {
		return c.AppMetadata.Role
	}
	return c.UserRole
}

func (r *Resolver) verify(ctx context.Context, accessToken string) (*Claims, error) {
	claims := &Claims{}
	_, err := r.parser.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(r.secret) == 0 {
				return nil, errors.New("HS256 token but no JWT secret configured")
			}
			return r.secret, nil
		case *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA:
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			return r.keys.Get(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
	})
	if err != nil {
		// Expired tokens still carry parsed claims; hand them back for the refresh path.
		return claims, err
	}

	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("invalid sub claim: %w", err)
	}

	return claims, nil
}

func (r *Resolver) expiresSoon(claims *Claims) bool {
	return claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) < r.cfg.RefreshLeeway
}

// refresh exchanges a refresh token for a new session.
func (r *Resolver) refresh(ctx context.Context, refreshToken string) (*Token, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", r.cfg.AnonKey)
	req.Header.Set("Authorization", "Bearer "+r.cfg.AnonKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrRefreshFailed, providerError(resp))
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrRefreshFailed, err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: response missing tokens", ErrRefreshFailed)
	}
	if token.ExpiresAt == 0 && token.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Unix() + token.ExpiresIn
	}

	return &token, nil
}

// providerError extracts a readable message from an auth server error response.
func providerError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Code             string `json:"error_code"`
		Msg              string `json:"msg"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.ErrorDescription != "":
			return fmt.Sprintf("%s: %s", resp.Status, body.ErrorDescription)
		case body.Msg != "":
			return fmt.Sprintf("%s: %s", resp.Status, body.Msg)
		case body.Error != "":
			return fmt.Sprintf("%s: %s", resp.Status, body.Error)
		case body.Code != "":
			return fmt.Sprintf("%s: %s", resp.Status, body.Code)
		}
	}
	return resp.Status
}

func sessionFromClaims(claims *Claims) *models.Session {
	session := &models.Session{
		UserID: uuid.MustParse(claims.Subject),
		Email:  claims.Email,
		Role:   claims.ApplicationRole(),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session
}
