package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Session represents a signed-in user as seen by the request gate.
// The credential itself lives in the auth provider's cookies; this is the decoded view.
type Session struct {
	UserID uuid.UUID // "sub" claim of the access token
	Email  string
	Role   string // Optional, empty when the token carries no role claim

	ExpiresAt time.Time
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// HasRole reports whether the session role is one of roles.
// An empty roles list always matches.
func (s *Session) HasRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	if s.Role == "" {
		return false
	}
	return slices.Contains(roles, s.Role)
}
