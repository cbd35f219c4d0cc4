// Package gate decides, for every inbound request, whether it passes through to the
// page renderer or is redirected, based on the route class and the caller's session.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pledge-admin/pledgegate/internal/models"
	"github.com/pledge-admin/pledgegate/internal/routes"
	"github.com/pledge-admin/pledgegate/internal/store"
	"github.com/pledge-admin/pledgegate/internal/supabase"
	"github.com/pledge-admin/pledgegate/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultSignInPath       = "/auth/signin"
	DefaultLandingPath      = "/dashboard"
	DefaultUnauthorizedPath = "/unauthorized"
	DefaultRedirectParam    = "redirectTo"
)

// Action is what the gate does with a request.
type Action int

const (
	ActionPass Action = iota
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// SessionResolver resolves the caller's session from request cookies.
type SessionResolver interface {
	Resolve(ctx context.Context, r *http.Request) (*supabase.Outcome, error)
	ClearCookies(r *http.Request) []*http.Cookie
}

// Decision is the outcome of gating one request.
type Decision struct {
	Class  routes.Class
	Action Action
	// Location is set for redirects.
	Location string
	// Cookies must be written to the response: rotated auth cookies or deletions.
	Cookies []*http.Cookie
	// Session is nil when the caller is anonymous or the route was never resolved.
	Session *models.Session
}

// Config holds the redirect targets.
type Config struct {
	SignInPath       string
	LandingPath      string
	UnauthorizedPath string
	// RedirectParam is the sign-in query parameter carrying the original path.
	RedirectParam string
}

// Validate checks that every target is a local absolute path.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range map[string]string{
		"sign-in path":      c.SignInPath,
		"landing path":      c.LandingPath,
		"unauthorized path": c.UnauthorizedPath,
	} {
		if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
			errs = append(errs, fmt.Errorf("%s %q must be a local path", name, p))
		}
	}
	return errors.Join(errs...)
}

// checkTargets rejects redirect targets the gate would itself redirect away from.
func (c *Config) checkTargets(table *routes.Table) error {
	var errs []error

	switch class := table.Classify(targetPath(c.SignInPath)); class {
	case routes.AuthOnly, routes.AlwaysPublic:
	default:
		errs = append(errs, fmt.Errorf("sign-in path %q is %s, want auth-only or always-public", c.SignInPath, class))
	}

	unauthorized := targetPath(c.UnauthorizedPath)
	if table.Classify(unauthorized) == routes.Protected {
		errs = append(errs, fmt.Errorf("unauthorized path %q must not be protected", c.UnauthorizedPath))
	}
	if len(table.RequiredRoles(unauthorized)) > 0 {
		errs = append(errs, fmt.Errorf("unauthorized path %q must not require a role", c.UnauthorizedPath))
	}

	if table.Classify(targetPath(c.LandingPath)) == routes.AuthOnly {
		errs = append(errs, fmt.Errorf("landing path %q must not be auth-only", c.LandingPath))
	}

	return errors.Join(errs...)
}

func targetPath(target string) string {
	p, _, _ := strings.Cut(target, "?")
	return p
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.SignInPath == "" {
		c.SignInPath = DefaultSignInPath
	}
	if c.LandingPath == "" {
		c.LandingPath = DefaultLandingPath
	}
	if c.UnauthorizedPath == "" {
		c.UnauthorizedPath = DefaultUnauthorizedPath
	}
	if c.RedirectParam == "" {
		c.RedirectParam = DefaultRedirectParam
	}
}

// Gate is safe for concurrent use. It holds no per-request state.
type Gate struct {
	cfg      Config
	table    *routes.Table
	resolver SessionResolver
	roles    store.RoleStore
	metrics  *telemetry.Metrics
}

// New creates a gate. roles is optional; without it only token claims carry roles.
func New(cfg Config, table *routes.Table, resolver SessionResolver, roles store.RoleStore) (*Gate, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}
	if table == nil {
		return nil, errors.New("route table is required")
	}
	if resolver == nil {
		return nil, errors.New("session resolver is required")
	}
	if err := cfg.checkTargets(table); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}

	return &Gate{
		cfg:      cfg,
		table:    table,
		resolver: resolver,
		roles:    roles,
		metrics:  telemetry.GetMetrics(),
	}, nil
}

// Decide classifies the request, resolves the session when the class needs it and
// picks the action.
func (g *Gate) Decide(r *http.Request) Decision {
	d := g.decide(r)

	g.metrics.DecisionsTotal.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("class", d.Class.String()),
		attribute.String("action", d.Action.String()),
	))

	return d
}

func (g *Gate) decide(r *http.Request) Decision {
	class := g.table.Classify(r.URL.Path)

	switch class {
	case routes.Excluded, routes.AlwaysPublic:
		return Decision{Class: class, Action: ActionPass}
	}

	session, cookies := g.resolve(r)

	switch {
	case session == nil && class == routes.AuthOnly:
		return Decision{Class: class, Action: ActionPass}

	case session == nil:
		return Decision{
			Class:    class,
			Action:   ActionRedirect,
			Location: g.signInLocation(r.URL.Path),
			Cookies:  g.resolver.ClearCookies(r),
		}

	case class == routes.AuthOnly:
		return Decision{
			Class:    class,
			Action:   ActionRedirect,
			Location: g.cfg.LandingPath,
			Cookies:  cookies,
			Session:  session,
		}
	}

	if required := g.table.RequiredRoles(r.URL.Path); len(required) > 0 {
		g.fillRole(r.Context(), session)
		if !session.HasRole(required...) {
			log.Info().
				Str("path", r.URL.Path).
				Str("user_id", session.UserID.String()).
				Str("role", session.Role).
				Strs("required", required).
				Msg("Role not permitted")
			return Decision{
				Class:    class,
				Action:   ActionRedirect,
				Location: g.cfg.UnauthorizedPath,
				Cookies:  cookies,
				Session:  session,
			}
		}
	}

	return Decision{Class: class, Action: ActionPass, Cookies: cookies, Session: session}
}

// resolve returns the session or nil. Every resolver error is treated as anonymous.
func (g *Gate) resolve(r *http.Request) (*models.Session, []*http.Cookie) {
	ctx := r.Context()
	started := time.Now()

	outcome, err := g.resolver.Resolve(ctx, r)

	g.metrics.ResolveDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000)

	if err != nil {
		switch {
		case errors.Is(err, supabase.ErrNoSession):
			log.Debug().Str("path", r.URL.Path).Msg("No session cookie")
		case errors.Is(err, supabase.ErrMalformedCookie):
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Ignoring malformed session cookie")
		default:
			g.metrics.ResolveFailuresTotal.Add(ctx, 1)
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("Session resolution failed")
		}
		return nil, nil
	}
	if outcome == nil || outcome.Session == nil {
		return nil, nil
	}

	if len(outcome.Cookies) > 0 {
		g.metrics.RefreshTotal.Add(ctx, 1)
	}

	return outcome.Session, outcome.Cookies
}

// fillRole looks up the profile role when the token carried none. Lookup failures
// leave the role empty so role-restricted routes stay closed.
func (g *Gate) fillRole(ctx context.Context, session *models.Session) {
	if session.Role != "" || g.roles == nil {
		return
	}

	role, err := g.roles.GetRole(ctx, session.UserID)
	switch {
	case err == nil:
		g.metrics.RoleLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "found")))
		session.Role = role
	case errors.Is(err, store.ErrProfileNotFound):
		g.metrics.RoleLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "not_found")))
	default:
		g.metrics.RoleLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		log.Warn().Err(err).Str("user_id", session.UserID.String()).Msg("Role lookup failed")
	}
}

func (g *Gate) signInLocation(path string) string {
	if path == "" {
		path = "/"
	}
	return g.cfg.SignInPath + "?" + url.Values{g.cfg.RedirectParam: {path}}.Encode()
}
