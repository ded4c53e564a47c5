// Package server assembles the HTTP surface and runs it until the context
// ends.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/geo-export-cache/internal/core/middleware"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/router"
	"github.com/mohammed-shakir/geo-export-cache/internal/dispatch"
)

type Options struct {
	Addr    string
	Metrics http.Handler
	Ready   health.Checks
	// ShutdownGrace bounds how long in-flight requests may finish.
	ShutdownGrace time.Duration
}

// Handler builds the routed, compressed handler.
func Handler(opts Options, h router.Handlers, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(dispatch.HeaderExpired))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(opts.Ready))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	h.Log = logger
	h.Mount(r)

	return gzhttp.GzipHandler(r)
}

// sets up http and starts serving
func Run(ctx context.Context, opts Options, h router.Handlers, logger *slog.Logger) error {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           Handler(opts, h, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// artifact downloads stream large files
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", opts.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
