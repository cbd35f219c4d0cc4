// Package routes classifies request paths for the request gate.
//
// Classification is a pure function of the path. Exclusions (static assets, API routes)
// are checked first so the gate never consults the auth provider for them; the remaining
// paths are matched against ordered prefix lists with a path-segment boundary, so
// "/auth/signin2" does not match "/auth/signin".
package routes

import (
	"path"
	"slices"
	"strings"
)

// Class is the gate's view of a request path.
type Class int

const (
	// Protected paths require a session.
	Protected Class = iota
	// AlwaysPublic paths are served with or without a session.
	AlwaysPublic
	// AuthOnly paths (sign-in, sign-up) redirect signed-in users to the landing page.
	AuthOnly
	// Excluded paths bypass the gate entirely (assets, API routes).
	Excluded
)

func (c Class) String() string {
	switch c {
	case Protected:
		return "protected"
	case AlwaysPublic:
		return "always-public"
	case AuthOnly:
		return "auth-only"
	case Excluded:
		return "excluded"
	default:
		return "unknown"
	}
}

// RoleRule restricts a protected prefix to a set of roles.
type RoleRule struct {
	Prefix string   `yaml:"prefix"`
	Roles  []string `yaml:"roles"`
}

// Table is the single source of truth for route classification.
// A Table is immutable once built and safe for concurrent use.
type Table struct {
	excluded        []string
	assetExtensions []string // lower case, without the dot
	authOnly        []string
	alwaysPublic    []string
	roleRules       []RoleRule
}

// DefaultAssetExtensions are the file extensions served without gating.
var DefaultAssetExtensions = []string{
	"svg", "png", "jpg", "jpeg", "gif", "webp", "ico",
	"css", "js", "map",
	"woff", "woff2",
	"txt", "xml",
}

// Default returns the built-in route table.
func Default() *Table {
	return &Table{
		excluded: []string{
			"/api",
			"/_next/static",
			"/_next/image",
			"/public",
			"/favicon.ico",
		},
		assetExtensions: slices.Clone(DefaultAssetExtensions),
		authOnly: []string{
			"/auth/signin",
			"/auth/signup",
			"/auth/forgot-password",
		},
		alwaysPublic: []string{
			"/",
			"/auth/callback",
			"/auth/confirm",
			"/auth/reset-password",
			"/auth/verify-email",
			"/auth/email-change",
			"/privacy-policy",
			"/terms",
			"/unauthorized",
		},
		roleRules: []RoleRule{
			{Prefix: "/admin", Roles: []string{"admin"}},
			{Prefix: "/settings/users", Roles: []string{"admin"}},
		},
	}
}

// Classify returns the class of the given request path.
func (t *Table) Classify(p string) Class {
	if p == "" {
		p = "/"
	}

	if t.IsExcluded(p) {
		return Excluded
	}

	if matchAny(t.authOnly, p) {
		return AuthOnly
	}

	if matchAny(t.alwaysPublic, p) {
		return AlwaysPublic
	}

	return Protected
}

// IsExcluded reports whether the path bypasses the gate: a static asset (its last
// segment ends in one of the asset extensions) or anything under an excluded prefix.
// Other dotted segments such as "/admin/users/jane.doe" stay gated.
func (t *Table) IsExcluded(p string) bool {
	if t.isAsset(p) {
		return true
	}
	return matchAny(t.excluded, p)
}

// RequiredRoles returns the roles of the most specific role rule matching the path,
// or nil when the path has no role restriction.
func (t *Table) RequiredRoles(p string) []string {
	var (
		best    []string
		bestLen = -1
	)
	for _, rule := range t.roleRules {
		if matchPrefix(rule.Prefix, p) && len(rule.Prefix) > bestLen {
			best = rule.Roles
			bestLen = len(rule.Prefix)
		}
	}
	return best
}

// matchPrefix matches on a segment boundary. The root prefix only matches "/" itself,
// otherwise it would swallow every path.
func matchPrefix(prefix, p string) bool {
	if prefix == "/" {
		return p == "/"
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func matchAny(prefixes []string, p string) bool {
	for _, prefix := range prefixes {
		if matchPrefix(prefix, p) {
			return true
		}
	}
	return false
}

func (t *Table) isAsset(p string) bool {
	last := p[strings.LastIndex(p, "/")+1:]
	ext := path.Ext(last)
	// A bare trailing dot or a dotfile name like ".well-known" is not an extension.
	if len(ext) <= 1 || ext == last {
		return false
	}
	return slices.Contains(t.assetExtensions, strings.ToLower(ext[1:]))
}
