package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/feature-mirror/internal/app"
	"github.com/mohammed-shakir/feature-mirror/internal/core/config"
	"github.com/mohammed-shakir/feature-mirror/internal/core/health"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
	"github.com/mohammed-shakir/feature-mirror/internal/core/server"
	"github.com/mohammed-shakir/feature-mirror/internal/logger"
	"github.com/mohammed-shakir/feature-mirror/internal/metrics"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()
	// a missing .env is normal outside development
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "feature-mirror",
		Component: "mirror",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	if err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Enabled:   true,
			Addr:      cfg.MetricsAddr,
			Path:      cfg.MetricsPath,
			Component: "mirror",
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(p.Registerer(), true)
		p.Serve(ctx, appLog)
		metricsHandler = p.Handler()
	} else {
		observability.Init(nil, false)
	}
	observability.ExposeBuildInfo(Version)

	appLog.Info("starting feature mirror",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"runner", cfg.Runner.Driver)

	st, err := app.Build(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("failed to initialize", "err", err)
		return 1
	}
	jobs, err := st.JobRunner()
	if err != nil {
		appLog.Error("failed to start job runner", "err", err)
		_ = st.Shutdown(nil, 5*time.Second)
		return 1
	}
	svc := st.Mirror(jobs)

	code := 0
	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Resources: svc,
		Ready:     health.Ping(st.Redis.Ping),
		Metrics:   metricsHandler,
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		code = 1
	}

	svc.Wait()
	if err := st.Shutdown(jobs, 30*time.Second); err != nil {
		appLog.Warn("shutdown", "err", err)
	}
	appLog.Info("server stopped")
	return code
}
