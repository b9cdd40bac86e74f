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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/feature-mirror/internal/app"
	"github.com/mohammed-shakir/feature-mirror/internal/core/config"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
	"github.com/mohammed-shakir/feature-mirror/internal/core/server"
	"github.com/mohammed-shakir/feature-mirror/internal/logger"
	"github.com/mohammed-shakir/feature-mirror/internal/metrics"
	"github.com/mohammed-shakir/feature-mirror/internal/runner"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()
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
		Component: "import-worker",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	if err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metricsHandler http.Handler
		reg            prometheus.Registerer
	)
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Enabled:   true,
			Addr:      cfg.MetricsAddr,
			Path:      cfg.MetricsPath,
			Build:     metrics.BuildInfo{Version: Version},
			Component: "import-worker",
		})
		observability.Init(p.Registerer(), true)
		p.Serve(ctx, appLog)
		metricsHandler = p.Handler()
		reg = p.Registerer()
	} else {
		observability.Init(nil, false)
	}
	observability.ExposeBuildInfo(Version)

	st, err := app.Build(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("failed to initialize", "err", err)
		return 1
	}

	kcfg := runner.KafkaConfigFrom(cfg.Runner)
	w := runner.NewWorker(kcfg, st.Pipeline, runner.WorkerOptions{Logger: appLog, Register: reg})
	// the consumer outlives the signal so running imports can be aborted
	// before their offsets would be committed
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		appLog.Error("failed to start consumer", "err", err)
		_ = st.Shutdown(nil, 5*time.Second)
		return 1
	}

	appLog.Info("starting import worker",
		"addr", cfg.Addr,
		"version", Version,
		"brokers", kcfg.Brokers,
		"topic", kcfg.Topic,
		"group", kcfg.GroupID)

	code := 0
	if err := server.Run(ctx, cfg, appLog, server.Deps{Ready: w, Metrics: metricsHandler}); err != nil {
		appLog.Error("probe server exited with error", "err", err)
		code = 1
	}

	abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Manager.AbortAll(abortCtx); err != nil {
		appLog.Warn("abort imports", "err", err)
	}
	cancel()
	w.Stop()
	if err := st.Shutdown(nil, 5*time.Second); err != nil {
		appLog.Warn("shutdown", "err", err)
	}
	appLog.Info("worker stopped")
	return code
}
