package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pledge-admin/pledgegate/internal/store"
	"github.com/rs/zerolog/log"
)

// RoleStore implements store.RoleStore by reading the role column of the profiles table.
type RoleStore struct {
	pool         *pgxpool.Pool
	query        string
	queryTimeout time.Duration
}

// NewRoleStore creates a new PostgreSQL-backed role store.
func NewRoleStore(pool *pgxpool.Pool, cfg RoleStoreConfig) (*RoleStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid role store config: %w", err)
	}

	return &RoleStore{
		pool:         pool,
		query:        buildRoleQuery(cfg),
		queryTimeout: time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
	}, nil
}

func buildRoleQuery(cfg RoleStoreConfig) string {
	return fmt.Sprintf(`SELECT COALESCE(%s, '') FROM %s WHERE id = $1`, cfg.RoleColumn, cfg.ProfilesTable)
}

// GetRole returns the role stored on the user's profile.
func (s *RoleStore) GetRole(ctx context.Context, userID uuid.UUID) (string, error) {
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	var role string
	err := s.pool.QueryRow(ctx, s.query, userID).Scan(&role)
	if err != nil {
		mapped := mapPostgresError(err)
		if !errors.Is(mapped, store.ErrProfileNotFound) {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to get profile role")
		}
		return "", mapped
	}

	return role, nil
}

var _ store.RoleStore = (*RoleStore)(nil)
