// Package runner hands import jobs to an executor, either through an
// in-process worker pool or through a Kafka topic consumed by import workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/keys"
	"github.com/mohammed-shakir/feature-mirror/internal/importer"
)

var (
	ErrQueueFull = errors.New("runner: queue full")
	ErrClosed    = errors.New("runner: closed")
)

// Executor runs one import job to completion.
type Executor interface {
	Execute(ctx context.Context, req importer.Request) (importer.Result, error)
}

// JobRunner accepts import jobs. Submit returns once the job is queued; it
// never waits for the import itself.
type JobRunner interface {
	Submit(ctx context.Context, req importer.Request) error
	Close(ctx context.Context) error
}

type LocalOptions struct {
	Workers int
	Queue   int
	Logger  *slog.Logger
}

// Local runs jobs on a fixed pool of goroutines in this process.
type Local struct {
	log      *slog.Logger
	exec     Executor
	jobs     chan importer.Request
	mu       sync.RWMutex
	closed   bool
	stopping atomic.Bool
	wg       sync.WaitGroup
}

func NewLocal(exec Executor, opts LocalOptions) *Local {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Local{
		log:  opts.Logger,
		exec: exec,
		jobs: make(chan importer.Request, opts.Queue),
	}
	l.wg.Add(opts.Workers)
	for range opts.Workers {
		go l.work()
	}
	return l
}

func (l *Local) work() {
	defer l.wg.Done()
	for req := range l.jobs {
		if l.stopping.Load() {
			l.log.Info("discarding queued import job", "job_id", req.JobID, "resource", keys.Resource(req.Key))
			continue
		}
		_ = execute(context.Background(), l.exec, req, l.log)
	}
}

func (l *Local) Submit(ctx context.Context, req importer.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.jobs <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, discards queued ones and waits for running jobs.
// Running jobs are aborted through the importer's Manager, not here.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.stopping.Store(true)
		close(l.jobs)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner: drain: %w", ctx.Err())
	}
}

func execute(ctx context.Context, exec Executor, req importer.Request, log *slog.Logger) error {
	start := time.Now()
	res, err := exec.Execute(ctx, req)
	attrs := []any{
		"job_id", req.JobID,
		"resource", keys.Resource(req.Key),
		"state", string(res.State),
		"dur", time.Since(start).String(),
	}
	if err != nil {
		log.Warn("import job ended with error", append(attrs, "err", err)...)
		return err
	}
	log.Info("import job finished", append(attrs, "records", res.RecordCount, "changed", res.Changed)...)
	return nil
}
