package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pledge-admin/pledgegate/internal/store"
)

// RoleStore implements store.RoleStore using in-memory storage.
// This implementation is for development and testing - data is lost on restart.
type RoleStore struct {
	mu    sync.RWMutex
	roles map[uuid.UUID]string // user_id -> role
}

// NewRoleStore creates a new in-memory role store.
func NewRoleStore() *RoleStore {
	return &RoleStore{
		roles: make(map[uuid.UUID]string),
	}
}

// SetRole assigns a role to a user, creating the profile if needed.
func (s *RoleStore) SetRole(userID uuid.UUID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles[userID] = role
}

// Delete removes a user's profile.
func (s *RoleStore) Delete(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.roles, userID)
}

// GetRole returns the role stored for the user.
func (s *RoleStore) GetRole(ctx context.Context, userID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, exists := s.roles[userID]
	if !exists {
		return "", store.ErrProfileNotFound
	}

	return role, nil
}
