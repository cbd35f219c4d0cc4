package gate

import (
	"context"
	"net/http"
	"strings"

	"github.com/pledge-admin/pledgegate/internal/models"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

type contextKey string

const sessionContextKey contextKey = "session"

// SessionFromContext returns the session stored by Middleware for authenticated requests.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*models.Session)
	return session, ok && session != nil
}

// Middleware applies the gate in front of next. Redirects never reach next; passed
// requests carry the session in their context and identity headers for the upstream.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r)

		for _, c := range d.Cookies {
			http.SetCookie(w, c)
		}

		if d.Action == ActionRedirect {
			w.Header().Set("Cache-Control", "private, no-store")
			http.Redirect(w, r, d.Location, http.StatusFound)
			return
		}

		r = r.Clone(r.Context())
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderUserRole)

		if d.Session != nil {
			r = r.WithContext(context.WithValue(r.Context(), sessionContextKey, d.Session))
			r.Header.Set(HeaderUserID, d.Session.UserID.String())
			if d.Session.Role != "" {
				r.Header.Set(HeaderUserRole, d.Session.Role)
			}
			// Rotated cookies only reach the browser with the response, so the
			// upstream renders this request with the fresh values.
			if len(d.Cookies) > 0 {
				replaceCookies(r, d.Cookies)
			}
		}

		next.ServeHTTP(w, r)
	})
}

// replaceCookies rewrites the request Cookie header so cookies named in updated take
// their new values. Expired cookies are dropped.
func replaceCookies(r *http.Request, updated []*http.Cookie) {
	names := make(map[string]struct{}, len(updated))
	for _, c := range updated {
		names[c.Name] = struct{}{}
	}

	var parts []string
	for _, c := range r.Cookies() {
		if _, ok := names[c.Name]; ok {
			continue
		}
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	for _, c := range updated {
		if c.MaxAge < 0 {
			continue
		}
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}

	r.Header.Del("Cookie")
	if len(parts) > 0 {
		r.Header.Set("Cookie", strings.Join(parts, "; "))
	}
}
