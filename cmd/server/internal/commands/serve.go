package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pledge-admin/pledgegate/internal/client"
	"github.com/pledge-admin/pledgegate/internal/gate"
	"github.com/pledge-admin/pledgegate/internal/routes"
	"github.com/pledge-admin/pledgegate/internal/store"
	memorystore "github.com/pledge-admin/pledgegate/internal/store/memory"
	postgresstore "github.com/pledge-admin/pledgegate/internal/store/postgres"
	"github.com/pledge-admin/pledgegate/internal/supabase"
	"github.com/pledge-admin/pledgegate/internal/telemetry"
	"github.com/rs/zerolog/log"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8443" env:"PLEDGE_LISTEN"`
	Cert   string `help:"path to TLS cert file, plain HTTP when unset" default:"" env:"PLEDGE_TLS_CERT"`
	Key    string `help:"path to TLS key file, plain HTTP when unset" default:"" env:"PLEDGE_TLS_KEY"`

	// Upstream configuration
	Upstream     string `help:"URL of the page renderer requests are proxied to" required:"" env:"PLEDGE_UPSTREAM"`
	PreserveHost bool   `help:"forward the inbound Host header to the upstream" default:"true" env:"PLEDGE_PRESERVE_HOST" negatable:""`
	PublicDir    string `help:"directory served under /public/" default:"public" env:"PLEDGE_PUBLIC_DIR"`
	RoutesFile   string `help:"YAML file overriding the route table" default:"" env:"PLEDGE_ROUTES_FILE"`
	TrustProxy   bool   `help:"take client IPs from X-Forwarded-For / X-Real-IP" default:"false" env:"PLEDGE_TRUST_PROXY"`

	// Browser protections
	CORSOrigins    []string `help:"allowed CORS origins for /api requests" default:"https://localhost" env:"PLEDGE_CORS_ORIGINS"`
	TrustedOrigins []string `help:"extra origins allowed to submit cross-origin page requests" env:"PLEDGE_TRUSTED_ORIGINS"`

	// Redirect targets
	SignInPath       string `help:"sign-in page" default:"/auth/signin" env:"PLEDGE_SIGNIN_PATH"`
	LandingPath      string `help:"page signed-in users land on" default:"/dashboard" env:"PLEDGE_LANDING_PATH"`
	UnauthorizedPath string `help:"page shown when the role does not permit the route" default:"/unauthorized" env:"PLEDGE_UNAUTHORIZED_PATH"`

	// Observability
	Tracing          bool    `help:"enable tracing and metrics export" default:"false" env:"PLEDGE_TRACING"`
	TraceSampleRatio float64 `help:"fraction of root spans sampled" default:"1" env:"PLEDGE_TRACE_SAMPLE_RATIO"`

	Supabase SupabaseFlags `embed:"" prefix:"supabase-"`

	// Store configuration
	StoreType     string             `help:"role store type (memory or postgres)" default:"memory" env:"PLEDGE_STORE_TYPE" enum:"memory,postgres"`
	MemoryStore   MemoryStoreFlags   `embed:"" prefix:"memory-"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type SupabaseFlags struct {
	URL           string        `help:"Supabase project URL" env:"SUPABASE_URL"`
	AnonKey       string        `help:"Supabase anon (publishable) key" env:"SUPABASE_ANON_KEY"`
	JWTSecret     string        `help:"JWT secret for HS256 projects" env:"SUPABASE_JWT_SECRET"`
	CookieName    string        `help:"auth cookie name, derived from the project URL when unset" default:"" env:"PLEDGE_SUPABASE_COOKIE_NAME"`
	Timeout       time.Duration `help:"upper bound on session resolution including refresh" default:"5s" env:"PLEDGE_SESSION_TIMEOUT"`
	RefreshLeeway time.Duration `help:"refresh sessions this close to expiry" default:"30s" env:"PLEDGE_REFRESH_LEEWAY"`
	SecureCookies bool          `help:"set Secure on rotated auth cookies" default:"true" env:"PLEDGE_SECURE_COOKIES" negatable:""`
	CacheDir      string        `help:"directory caching JWKS responses across restarts" default:"" env:"PLEDGE_JWKS_CACHE_DIR"`
}

func (s *SupabaseFlags) Validate() error {
	if s.URL == "" {
		return errors.New("supabase URL is required (--supabase-url or SUPABASE_URL)")
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("supabase URL %q must be an absolute http(s) URL", s.URL)
	}
	if s.AnonKey == "" {
		return errors.New("supabase anon key is required (--supabase-anon-key or SUPABASE_ANON_KEY)")
	}
	if s.Timeout <= 0 {
		return errors.New("session timeout must be positive")
	}
	return nil
}

type MemoryStoreFlags struct {
	Roles map[string]string `help:"user id to role assignments, e.g. 3f1c...=admin" env:"PLEDGE_MEMORY_ROLES"`
}

func (s *MemoryStoreFlags) Validate() error {
	for id := range s.Roles {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("memory role for %q: invalid user id: %w", id, err)
		}
	}
	return nil
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Query Configuration
	ProfilesTable string `help:"table holding user profiles" default:"public.profiles" env:"PLEDGE_POSTGRES_PROFILES_TABLE"`
	RoleColumn    string `help:"column holding the role" default:"role" env:"PLEDGE_POSTGRES_ROLE_COLUMN"`
	QueryTimeout  int32  `help:"role lookup timeout in seconds" default:"2"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`
	StartupTimeout  int32 `help:"seconds to keep retrying the first connection" default:"30"`

	// Migration Configuration
	AutoMigrate bool `help:"create the profiles table on startup (local development)" default:"false" env:"PLEDGE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.MinConns > s.MaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", s.MinConns, s.MaxConns)
	}
	return nil
}

func (c *ServeCmd) Validate() error {
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS certificate and key must be set together (--cert and --key)")
	}
	u, err := url.Parse(c.Upstream)
	if err != nil || u.Host == "" {
		return fmt.Errorf("upstream %q must be an absolute URL", c.Upstream)
	}
	return nil
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := setupLogging(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting pledgegate")

	if err := c.Supabase.Validate(); err != nil {
		return fmt.Errorf("failed to validate supabase flags: %w", err)
	}

	var transport http.RoundTripper
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "pledgegate",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
		transport = telemetry.Transport(nil)
	}

	table := routes.Default()
	if c.RoutesFile != "" {
		var err error
		table, err = routes.Load(c.RoutesFile)
		if err != nil {
			return err
		}
		log.Info().Str("file", c.RoutesFile).Msg("Loaded route table")
	}

	resolver, err := supabase.NewResolver(supabase.Config{
		URL:           c.Supabase.URL,
		AnonKey:       c.Supabase.AnonKey,
		JWTSecret:     c.Supabase.JWTSecret,
		CookieName:    c.Supabase.CookieName,
		Timeout:       c.Supabase.Timeout,
		RefreshLeeway: c.Supabase.RefreshLeeway,
		SecureCookies: c.Supabase.SecureCookies,
	}, client.New(client.Config{
		Timeout:   c.Supabase.Timeout,
		CacheDir:  c.Supabase.CacheDir,
		Transport: transport,
	}))
	if err != nil {
		return fmt.Errorf("failed to create session resolver: %w", err)
	}
	if c.Supabase.JWTSecret == "" {
		log.Info().Msg("No JWT secret configured, access tokens are verified against the project JWKS")
	}

	roleStore, closeStore, err := c.createRoleStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	g, err := gate.New(gate.Config{
		SignInPath:       c.SignInPath,
		LandingPath:      c.LandingPath,
		UnauthorizedPath: c.UnauthorizedPath,
	}, table, resolver, roleStore)
	if err != nil {
		return err
	}

	handler, err := newHandler(handlerConfig{
		Gate:           g,
		Upstream:       c.Upstream,
		PreserveHost:   c.PreserveHost,
		PublicDir:      c.PublicDir,
		CORSOrigins:    c.CORSOrigins,
		TrustedOrigins: c.TrustedOrigins,
		TrustProxy:     c.TrustProxy,
		Tracing:        c.Tracing,
		Transport:      transport,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	srv := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", c.Listen).
			Str("upstream", c.Upstream).
			Str("cookie", resolver.CookieName()).
			Bool("tls", c.Cert != "").
			Msg("Starting HTTP server")
		if c.Cert != "" {
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// createRoleStore builds the profile role store. The returned func releases its resources.
func (c *ServeCmd) createRoleStore(ctx context.Context) (store.RoleStore, func(), error) {
	switch c.StoreType {
	case "postgres":
		if err := c.PostgresStore.Validate(); err != nil {
			return nil, nil, fmt.Errorf("failed to validate postgres flags: %w", err)
		}

		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        c.PostgresStore.MaxConns,
			MinConns:        c.PostgresStore.MinConns,
			MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
			MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
			StartupTimeout:  c.PostgresStore.StartupTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create role store pool: %w", err)
		}

		if c.PostgresStore.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		roleStore, err := postgresstore.NewRoleStore(pool, postgresstore.RoleStoreConfig{
			ProfilesTable:       c.PostgresStore.ProfilesTable,
			RoleColumn:          c.PostgresStore.RoleColumn,
			QueryTimeoutSeconds: c.PostgresStore.QueryTimeout,
		})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}

		log.Info().Str("table", c.PostgresStore.ProfilesTable).Msg("Using PostgreSQL role store")
		return roleStore, pool.Close, nil

	default:
		if err := c.MemoryStore.Validate(); err != nil {
			return nil, nil, fmt.Errorf("failed to validate memory flags: %w", err)
		}

		roleStore := memorystore.NewRoleStore()
		for id, role := range c.MemoryStore.Roles {
			roleStore.SetRole(uuid.MustParse(id), role)
		}

		log.Info().Int("roles", len(c.MemoryStore.Roles)).Msg("Using in-memory role store")
		return roleStore, func() {}, nil
	}
}
