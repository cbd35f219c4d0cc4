package commands

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"filippo.io/csrf"
	"github.com/klauspost/compress/gzhttp"
	"github.com/pledge-admin/pledgegate/internal/gate"
	httpmiddleware "github.com/pledge-admin/pledgegate/internal/http"
	"github.com/pledge-admin/pledgegate/internal/logger"
	"github.com/pledge-admin/pledgegate/internal/telemetry"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type handlerConfig struct {
	Gate           *gate.Gate
	Upstream       string
	PreserveHost   bool
	PublicDir      string
	CORSOrigins    []string
	TrustedOrigins []string
	TrustProxy     bool
	Tracing        bool
	Transport      http.RoundTripper
	Logger         zerolog.Logger
}

// newHandler assembles the request pipeline:
//
//	client ip -> access log -> tracing -> /healthz | csrf or cors -> gate -> gzip -> public files | upstream
func newHandler(cfg handlerConfig) (http.Handler, error) {
	if cfg.Gate == nil {
		return nil, errors.New("gate is required")
	}

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.Upstream)
	}

	site := http.NewServeMux()
	if cfg.PublicDir != "" {
		site.Handle("/public/", http.StripPrefix("/public/", http.FileServer(http.Dir(cfg.PublicDir))))
	}
	site.Handle("/", newUpstreamProxy(upstream, cfg.PreserveHost, cfg.Transport))

	// Upstream responses that are already encoded pass through untouched.
	gated := cfg.Gate.Middleware(gzhttp.GzipHandler(site))

	// CSRF protection for HTML pages (not applied to API routes)
	protection := csrf.New()
	for _, origin := range cfg.TrustedOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid trusted origin %q: %w", origin, err)
		}
	}
	pages := protection.Handler(gated)
	api := withCORS(cfg.CORSOrigins, gated)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// API routes get CORS, HTML routes get CSRF
		if isAPIRoute(r.URL.Path) {
			api.ServeHTTP(w, r)
			return
		}
		pages.ServeHTTP(w, r)
	}))

	middlewares := []func(http.Handler) http.Handler{httpmiddleware.ClientIPMiddleware(cfg.TrustProxy)}
	middlewares = append(middlewares, logger.AccessLog(cfg.Logger, func(r *http.Request) string {
		return httpmiddleware.ClientIPFromContext(r.Context())
	})...)
	if cfg.Tracing {
		middlewares = append(middlewares, telemetry.Middleware("pledgegate"))
	}

	return httpmiddleware.Chain(mux, middlewares...), nil
}

// newUpstreamProxy forwards passed requests to the page renderer. The gate has already
// rewritten identity headers and rotated cookies on the outgoing request.
func newUpstreamProxy(target *url.URL, preserveHost bool, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if preserveHost {
				pr.Out.Host = pr.In.Host
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			hlog.FromRequest(r).Error().Err(err).Str("upstream", target.Host).Msg("Upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// isAPIRoute returns true if the path is an API route that needs CORS instead of CSRF
func isAPIRoute(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-Id"},
		AllowCredentials: true, // Required for cookie-based authentication
	})
	return middleware.Handler(h)
}
