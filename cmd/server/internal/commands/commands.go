package commands

import (
	"net/http"
	"time"

	"github.com/pledge-admin/pledgegate/internal/logger"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Globals struct {
	Debug   bool
	Version string
}

// setupLogging installs the process logger as the zerolog global so package code
// logging through zerolog/log picks it up.
func setupLogging(debug bool) zerolog.Logger {
	l := logger.Setup(debug)
	log.Logger = l
	return l
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      5 * time.Minute, // long-running page renders and downloads
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    32 * 1024, // chunked auth cookies
	}
}
