// Package app assembles the components both binaries share: the Redis-backed
// store and lock, the upstream client, the import pipeline and the CSV queue.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/infostore"
	"github.com/mohammed-shakir/feature-mirror/internal/cache/redisstore"
	"github.com/mohammed-shakir/feature-mirror/internal/core/config"
	"github.com/mohammed-shakir/feature-mirror/internal/core/httpclient"
	"github.com/mohammed-shakir/feature-mirror/internal/csvqueue"
	"github.com/mohammed-shakir/feature-mirror/internal/esri"
	"github.com/mohammed-shakir/feature-mirror/internal/expiration"
	"github.com/mohammed-shakir/feature-mirror/internal/importer"
	"github.com/mohammed-shakir/feature-mirror/internal/lock"
	h3mapper "github.com/mohammed-shakir/feature-mirror/internal/mapper/h3"
	"github.com/mohammed-shakir/feature-mirror/internal/mirror"
	"github.com/mohammed-shakir/feature-mirror/internal/paging"
	"github.com/mohammed-shakir/feature-mirror/internal/runner"
)

type Stack struct {
	Redis    *redisstore.Client
	Store    infostore.Store
	Locks    *lock.Locker
	Upstream *esri.Client
	Manager  *importer.Manager
	Pipeline *importer.Pipeline
	CSV      *csvqueue.Queue
	Expiry   *expiration.Evaluator

	cfg config.Config
	log *slog.Logger
}

// Build connects to Redis and wires the import stack from cfg.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*Stack, error) {
	cli, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	st, err := build(cli, cfg, log)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return st, nil
}

func build(cli *redisstore.Client, cfg config.Config, log *slog.Logger) (*Stack, error) {
	hc := httpclient.NewOutbound(httpclient.Options{RPS: cfg.UpstreamRPS, Burst: cfg.UpstreamBurst})
	store := infostore.NewRedisStore(cli, cfg.CacheOpTimeout)
	locks := lock.New(cli)
	upstream := esri.NewClient(hc, log)
	mgr := importer.NewManager(log)

	opts := []importer.Option{importer.WithManager(mgr), importer.WithLogger(log)}
	if cfg.Import.H3Res > 0 {
		m, err := h3mapper.New(cfg.Import.H3Res)
		if err != nil {
			return nil, fmt.Errorf("h3 tagger: %w", err)
		}
		opts = append(opts, importer.WithTagger(m))
	}
	pipe := importer.New(store, locks, upstream, paging.New(upstream, log), importer.Config{
		ConcurrencyHosted:  cfg.Import.ConcurrencyHosted,
		ConcurrencyDefault: cfg.Import.ConcurrencyDefault,
		MaxAttempts:        cfg.Import.PageMaxAttempts,
		RetryBackoff:       cfg.Import.PageRetryBackoff,
		LockTTL:            cfg.Import.LockTTL,
		CacheTTL:           cfg.CacheTTLDefault,
		PersistRows:        cfg.Import.PersistRows,
	}, opts...)

	csv, err := csvqueue.New(hc, store, csvqueue.Options{
		MaxBytes:    cfg.CSV.MaxBytes,
		LockDir:     cfg.CSV.LockDir,
		Concurrency: cfg.CSV.Concurrency,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	return &Stack{
		Redis:    cli,
		Store:    store,
		Locks:    locks,
		Upstream: upstream,
		Manager:  mgr,
		Pipeline: pipe,
		CSV:      csv,
		Expiry:   expiration.New(upstream, csv),
		cfg:      cfg,
		log:      log,
	}, nil
}

// JobRunner returns the runner selected by cfg.Runner.Driver: an in-process
// pool executing on this stack's pipeline, or a Kafka producer.
func (s *Stack) JobRunner() (runner.JobRunner, error) {
	switch s.cfg.Runner.Driver {
	case "", "local":
		return runner.NewLocal(s.Pipeline, runner.LocalOptions{
			Workers: s.cfg.Runner.Workers,
			Queue:   s.cfg.Runner.Queue,
			Logger:  s.log,
		}), nil
	case "kafka":
		prod, err := runner.NewProducer(runner.KafkaConfigFrom(s.cfg.Runner), s.log)
		if err != nil {
			return nil, err
		}
		return prod, nil
	}
	return nil, fmt.Errorf("unknown runner driver %q", s.cfg.Runner.Driver)
}

// Mirror builds the read-path service on top of this stack.
func (s *Stack) Mirror(jobs runner.JobRunner) *mirror.Service {
	return mirror.New(s.Store, s.Locks, s.Expiry, jobs, mirror.Config{
		FailedCooldown:  s.cfg.Import.FailedCooldown,
		EnqueueCooldown: s.cfg.Import.EnqueueCooldown,
	},
		mirror.WithCSV(s.CSV),
		mirror.WithManager(s.Manager),
		mirror.WithLogger(s.log),
	)
}

// Shutdown aborts running imports, drains jobs and closes Redis. It is
// bounded by timeout.
func (s *Stack) Shutdown(jobs runner.JobRunner, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.Manager.AbortAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("abort imports: %w", err))
	}
	if jobs != nil {
		if err := jobs.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close runner: %w", err))
		}
	}
	if err := s.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	return errors.Join(errs...)
}
