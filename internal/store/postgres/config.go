package postgres

import (
	"fmt"
	"regexp"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// RoleStoreConfig holds configuration for the PostgreSQL role store.
// Pool configuration is handled separately via PoolConfig.
type RoleStoreConfig struct {
	// ProfilesTable is the (optionally schema-qualified) table holding user profiles.
	// Default: "public.profiles"
	ProfilesTable string

	// RoleColumn is the column holding the role.
	// Default: "role"
	RoleColumn string

	// QueryTimeoutSeconds is the maximum time a lookup can run before timing out.
	// Default: 2 seconds
	// Set to 0 to use context timeouts only (no additional timeout)
	QueryTimeoutSeconds int32
}

// Validate checks that the configuration is valid. Table and column names are
// interpolated into SQL, so they are restricted to plain identifiers.
func (c *RoleStoreConfig) Validate() error {
	if !identifierPattern.MatchString(c.ProfilesTable) {
		return fmt.Errorf("invalid profiles table name %q", c.ProfilesTable)
	}
	if !identifierPattern.MatchString(c.RoleColumn) {
		return fmt.Errorf("invalid role column name %q", c.RoleColumn)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *RoleStoreConfig) ApplyDefaults() {
	if c.ProfilesTable == "" {
		c.ProfilesTable = "public.profiles"
	}
	if c.RoleColumn == "" {
		c.RoleColumn = "role"
	}
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 2
	}
}
