package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for profile lookups
var (
	ErrProfileNotFound  = errors.New("profile not found")
	ErrStoreUnavailable = errors.New("profile store unavailable")
)

// RoleStore looks up a user's application role from their profile.
// It backs role-restricted routes when the access token carries no role claim.
type RoleStore interface {
	// GetRole returns the user's role. An empty role with a nil error means the
	// profile exists but has no role assigned.
	GetRole(ctx context.Context, userID uuid.UUID) (string, error)
}
