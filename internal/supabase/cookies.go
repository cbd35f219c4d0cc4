package supabase

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	base64Prefix = "base64-"

	// maxChunkSize mirrors the browser client so both sides split cookies the same way.
	maxChunkSize = 3180

	// cookieMaxAge is the lifetime the browser client gives auth cookies (400 days).
	cookieMaxAge = 400 * 24 * 60 * 60
)

// Token is the session JSON the auth provider persists in the auth cookie.
type Token struct {
	AccessToken  string          `json:"access_token"`
	TokenType    string          `json:"token_type,omitempty"`
	ExpiresIn    int64           `json:"expires_in,omitempty"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	RefreshToken string          `json:"refresh_token"`
	User         json.RawMessage `json:"user,omitempty"`
}

// CookieName derives the auth cookie name from the project URL:
// https://abcdefgh.supabase.co -> sb-abcdefgh-auth-token.
func CookieName(projectURL string) (string, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", fmt.Errorf("invalid project URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("invalid project URL %q: missing host", projectURL)
	}
	ref, _, _ := strings.Cut(host, ".")
	return "sb-" + ref + "-auth-token", nil
}

// readCookieValue joins the auth cookie from the request. The value is either stored
// whole under name, or split across name.0, name.1, ... with no gaps.
func readCookieValue(r *http.Request, name string) (string, bool) {
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value, true
	}

	var sb strings.Builder
	for i := 0; ; i++ {
		c, err := r.Cookie(name + "." + strconv.Itoa(i))
		if err != nil {
			break
		}
		sb.WriteString(c.Value)
	}

	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}

// decodeToken parses a cookie value into a Token. Values are either
// "base64-" + base64url(JSON) or URL-escaped JSON.
func decodeToken(value string) (*Token, error) {
	var data []byte

	if encoded, ok := strings.CutPrefix(value, base64Prefix); ok {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedCookie, err)
		}
		data = decoded
	} else {
		// net/http drops cookie values containing '"', so plain JSON only arrives escaped.
		unescaped, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid escaping: %v", ErrMalformedCookie, err)
		}
		data = []byte(unescaped)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedCookie, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrMalformedCookie)
	}

	return &token, nil
}

// encodeToken serialises a Token the way the browser client does.
func encodeToken(token *Token) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}
	return base64Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// authCookieNames returns the names of every auth cookie (whole or chunk) on the request.
func authCookieNames(r *http.Request, name string) []string {
	var names []string
	for _, c := range r.Cookies() {
		if c.Name == name {
			names = append(names, c.Name)
			continue
		}
		suffix, ok := strings.CutPrefix(c.Name, name+".")
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(suffix); err == nil {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

// cookieWriter builds Set-Cookie values with consistent attributes.
type cookieWriter struct {
	name   string
	secure bool
}

func (w cookieWriter) cookie(name, value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Secure:   w.secure,
		MaxAge:   maxAge,
	}
	if maxAge > 0 {
		c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	}
	return c
}

// expire returns a cookie that deletes name (Max-Age=0).
func (w cookieWriter) expire(name string) *http.Cookie {
	return w.cookie(name, "", -1)
}

// write encodes the token into one or more cookies and expires any existing auth
// cookie that the new set does not overwrite.
func (w cookieWriter) write(token *Token, existing []string) ([]*http.Cookie, error) {
	value, err := encodeToken(token)
	if err != nil {
		return nil, err
	}

	var cookies []*http.Cookie
	written := map[string]bool{}

	if len(value) <= maxChunkSize {
		cookies = append(cookies, w.cookie(w.name, value, cookieMaxAge))
		written[w.name] = true
	} else {
		for i := 0; len(value) > 0; i++ {
			n := min(maxChunkSize, len(value))
			chunkName := w.name + "." + strconv.Itoa(i)
			cookies = append(cookies, w.cookie(chunkName, value[:n], cookieMaxAge))
			written[chunkName] = true
			value = value[n:]
		}
	}

	for _, name := range existing {
		if !written[name] {
			cookies = append(cookies, w.expire(name))
		}
	}

	return cookies, nil
}

// clear expires every named cookie.
func (w cookieWriter) clear(names []string) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		cookies = append(cookies, w.expire(name))
	}
	return cookies
}
