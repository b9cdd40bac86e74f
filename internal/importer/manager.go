package importer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
)

// ErrAborted is the cancellation cause of jobs stopped by AbortAll.
var ErrAborted = errors.New("import aborted")

// JobInfo describes one in-flight job.
type JobInfo struct {
	ID      string
	Key     model.ResourceKey
	Started time.Time
}

type handle struct {
	JobInfo
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Manager owns the cancellable handles of every job running in this process.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*handle // by registration id
	log  *slog.Logger
	now  func() time.Time
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{jobs: make(map[string]*handle), log: log, now: time.Now}
}

// Register derives the job context and returns a done func that must be
// called when the job has fully stopped. Each call gets its own registry
// entry, so a redelivered job id running twice is tracked twice.
func (m *Manager) Register(ctx context.Context, jobID string, key model.ResourceKey) (context.Context, func()) {
	jctx, cancel := context.WithCancelCause(ctx)
	h := &handle{
		JobInfo: JobInfo{ID: jobID, Key: key, Started: m.now()},
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.jobs[id] = h
	n := len(m.jobs)
	m.mu.Unlock()
	observability.SetInflightJobs(n)

	var once sync.Once
	return jctx, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.jobs, id)
			n := len(m.jobs)
			m.mu.Unlock()
			observability.SetInflightJobs(n)
			cancel(nil)
			close(h.done)
		})
	}
}

// Abort cancels the jobs for key with cause. It reports whether any was found.
func (m *Manager) Abort(key model.ResourceKey, cause error) bool {
	m.mu.Lock()
	var hit []*handle
	for _, h := range m.jobs {
		if h.Key == key {
			hit = append(hit, h)
		}
	}
	m.mu.Unlock()

	for _, h := range hit {
		h.cancel(cause)
	}
	return len(hit) > 0
}

// AbortAll cancels every in-flight job with ErrAborted and waits until they
// have stopped or ctx ends.
func (m *Manager) AbortAll(ctx context.Context) error {
	m.mu.Lock()
	hs := make([]*handle, 0, len(m.jobs))
	for _, h := range m.jobs {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	if len(hs) == 0 {
		return nil
	}
	m.log.Info("aborting in-flight imports", "count", len(hs))
	for _, h := range hs {
		h.cancel(ErrAborted)
	}
	for _, h := range hs {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Inflight lists running jobs, oldest first.
func (m *Manager) Inflight() []JobInfo {
	m.mu.Lock()
	out := make([]JobInfo, 0, len(m.jobs))
	for _, h := range m.jobs {
		out = append(out, h.JobInfo)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
