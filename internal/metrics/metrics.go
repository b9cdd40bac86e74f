// Package metrics owns the Prometheus registry and the optional metrics listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type Config struct {
	Enabled bool
	// Addr starts a dedicated listener when set; the handler can also be
	// mounted on the main server.
	Addr  string
	Path  string
	Build BuildInfo
	// Component labels the build gauge, e.g. "mirror" or "import-worker".
	Component string
}

type Provider struct {
	cfg Config
	reg *prometheus.Registry
}

func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feature_mirror_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"component", "version", "revision", "branch", "build_date"},
	)
	reg.MustRegister(build)
	build.WithLabelValues(cfg.Component, v.Version, v.Revision, v.Branch, v.BuildDate).Set(1)

	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &Provider{cfg: cfg, reg: reg}
}

// Handler serves the registry and counts its own scrapes.
func (p *Provider) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(p.reg, promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{
		Registry:          p.reg,
		EnableOpenMetrics: true,
	}))
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

func (p *Provider) Path() string { return p.cfg.Path }

// Serve runs a dedicated metrics listener until ctx is done. It returns
// immediately when no address is configured.
func (p *Provider) Serve(ctx context.Context, logger *slog.Logger) {
	if p.cfg.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(p.cfg.Path, p.Handler())

	srv := &http.Server{
		Addr:              p.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", "addr", p.cfg.Addr, "path", p.cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "err", err)
		}
	}()
}
