// Package server wires the HTTP surface and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/feature-mirror/internal/core/config"
	"github.com/mohammed-shakir/feature-mirror/internal/core/health"
	middleware "github.com/mohammed-shakir/feature-mirror/internal/core/middleware"
	"github.com/mohammed-shakir/feature-mirror/internal/core/router"
)

type Deps struct {
	// Resources is optional; the import worker serves probes only.
	Resources router.Resources
	Ready     health.ReadinessReporter
	// Metrics is mounted at cfg.MetricsPath when non-nil.
	Metrics http.Handler
}

// Handler builds the router without starting a listener.
func Handler(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if d.Ready != nil {
		r.Get("/readyz", health.Readiness(d.Ready))
	}
	if d.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}
	if d.Resources != nil {
		router.Mount(r, logger, d.Resources)
	}
	return r
}

// Run sets up http and serves until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Handler(cfg, logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
