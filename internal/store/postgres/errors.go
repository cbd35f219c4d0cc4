package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pledge-admin/pledgegate/internal/store"
)

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Returns the original error if it's not a PostgreSQL error or doesn't match known patterns.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrProfileNotFound
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}

	// Check if it's a PostgreSQL error
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
			return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
		}
		return err
	}

	// Map error codes to sentinel errors
	switch pgErr.Code {
	case pgerrcode.InvalidTextRepresentation:
		// Malformed id (e.g. profiles.id is not a uuid column)
		return fmt.Errorf("%w: %s", store.ErrProfileNotFound, pgErr.Message)

	case pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn:
		// Misconfigured table or column
		return fmt.Errorf("profiles schema mismatch: %s: %w", pgErr.Message, err)

	case pgerrcode.InsufficientPrivilege:
		return fmt.Errorf("permission denied reading profiles: %w", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.QueryCanceled,
		pgerrcode.TooManyConnections:
		// Connection, server or resource errors
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)

	default:
		// Unknown error - wrap with PostgreSQL error details
		return fmt.Errorf("postgres error [%s]: %s (detail: %s, hint: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}
