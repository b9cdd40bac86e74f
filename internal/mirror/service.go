// Package mirror is the read-path entry point: it serves cached resources,
// decides when to (re)import them and drops them on request.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/infostore"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/csvqueue"
	"github.com/mohammed-shakir/feature-mirror/internal/esri"
	"github.com/mohammed-shakir/feature-mirror/internal/importer"
	"github.com/mohammed-shakir/feature-mirror/internal/runner"
)

var ErrUnknownSource = errors.New("mirror: resource is not cached and no source url was given")

var errCooldown = errors.New("import enqueued recently")

type State string

const (
	StateCached     State = "cached"
	StateProcessing State = "processing"
	StateFailed     State = "failed"
)

type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total,omitempty"`
}

// Response is what the read path returns for one resource.
type Response struct {
	State    State
	Info     model.Info
	Features []json.RawMessage
	Elapsed  time.Duration
	Progress *Progress
}

type Options struct {
	SourceURL string
	Kind      model.Kind
	// CSVID names a CSV source for deduplication; defaults to the resource key.
	CSVID  string
	Offset int
	Limit  int
	// WaitFresh evaluates expiration before answering; a stale resource is
	// then reported as processing instead of being served.
	WaitFresh bool
}

type DropOptions struct {
	// Force also removes the latest-export cache and clears the import lock.
	Force bool
}

type LockChecker interface {
	Held(ctx context.Context, k model.ResourceKey) (bool, error)
	ForceRelease(ctx context.Context, k model.ResourceKey) error
}

type Expirer interface {
	Expired(ctx context.Context, info model.Info) (bool, error)
}

type CSVIngester interface {
	Ingest(ctx context.Context, req csvqueue.Request) (csvqueue.Result, error)
}

type Config struct {
	FailedCooldown  time.Duration
	EnqueueCooldown time.Duration
	RefreshTimeout  time.Duration
	DefaultLimit    int
}

type Service struct {
	store infostore.Store
	locks LockChecker
	eval  Expirer
	jobs  runner.JobRunner
	csv   CSVIngester
	mgr   *importer.Manager
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	bg    sync.WaitGroup
}

type Option func(*Service)

func WithCSV(q CSVIngester) Option { return func(s *Service) { s.csv = q } }

// WithManager lets drops abort imports running in this process.
func WithManager(m *importer.Manager) Option { return func(s *Service) { s.mgr = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(store infostore.Store, locks LockChecker, eval Expirer, jobs runner.JobRunner, cfg Config, opts ...Option) *Service {
	if cfg.FailedCooldown <= 0 {
		cfg.FailedCooldown = 10 * time.Minute
	}
	if cfg.EnqueueCooldown <= 0 {
		cfg.EnqueueCooldown = 5 * time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 1000
	}
	s := &Service{store: store, locks: locks, eval: eval, jobs: jobs, cfg: cfg, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CacheResource returns the cached resource when it can be served and starts
// an import when it is missing, failed past its cooldown or orphaned.
func (s *Service) CacheResource(ctx context.Context, k model.ResourceKey, opts Options) (Response, error) {
	if err := k.Validate(); err != nil {
		return Response{}, err
	}
	info, err := s.store.GetInfo(ctx, k)
	if errors.Is(err, infostore.ErrNotFound) {
		return s.startImport(ctx, k, opts)
	}
	if err != nil {
		return Response{}, err
	}

	switch info.Status {
	case model.StatusProcessing:
		held, err := s.locks.Held(ctx, k)
		if err != nil {
			return Response{}, err
		}
		if !held && !s.inCooldown(info) {
			s.log.WarnContext(ctx, "processing resource has no lock owner, re-importing", "resource", k.String())
			if err := s.enqueue(ctx, k, info.SourceURL, info.Kind); err != nil && !errors.Is(err, errCooldown) {
				return Response{}, err
			}
		}
		return s.processing(ctx, k, info), nil

	case model.StatusFailed:
		if info.Error == nil || s.now().Sub(info.Error.Timestamp) >= s.cfg.FailedCooldown {
			err := s.enqueue(ctx, k, info.SourceURL, info.Kind)
			switch {
			case err == nil:
				return s.processing(ctx, k, info), nil
			case !errors.Is(err, errCooldown):
				return Response{}, err
			}
		}
		return Response{State: StateFailed, Info: info}, nil
	}

	if opts.WaitFresh {
		expired, err := s.eval.Expired(ctx, info)
		if err != nil {
			return Response{}, fmt.Errorf("mirror: expiration: %w", err)
		}
		if expired {
			if err := s.enqueue(ctx, k, info.SourceURL, info.Kind); err != nil && !errors.Is(err, errCooldown) {
				return Response{}, err
			}
			return s.processing(ctx, k, info), nil
		}
	} else {
		s.UpdateIfExpired(ctx, info)
	}
	return s.serve(ctx, k, info, opts)
}

func (s *Service) startImport(ctx context.Context, k model.ResourceKey, opts Options) (Response, error) {
	src := strings.TrimSpace(opts.SourceURL)
	if src == "" {
		return Response{}, ErrUnknownSource
	}
	kind := opts.Kind
	if kind == "" {
		kind = model.KindFeatureService
		if esri.IsHosted(src) {
			kind = model.KindHosted
		}
	}

	if kind == model.KindCSV {
		if s.csv == nil {
			return Response{}, errors.New("mirror: csv sources are not enabled")
		}
		id := opts.CSVID
		if id == "" {
			id = k.String()
		}
		res, err := s.csv.Ingest(ctx, csvqueue.Request{ID: id, Key: k, URL: src})
		if err != nil {
			return Response{}, err
		}
		feats := make([]json.RawMessage, 0, len(res.Features))
		for i := range res.Features {
			b, err := json.Marshal(&res.Features[i])
			if err != nil {
				return Response{}, fmt.Errorf("mirror: encode csv row: %w", err)
			}
			feats = append(feats, b)
		}
		return Response{State: StateCached, Info: res.Info, Features: window(feats, opts.Offset, s.limit(opts))}, nil
	}

	// The placeholder carries the enqueue stamp, so only the reader that
	// creates it submits; the rest see a Processing document in cooldown.
	now := s.now()
	placeholder := model.Info{
		Key:            k.String(),
		Kind:           kind,
		Status:         model.StatusProcessing,
		SourceURL:      src,
		ImportEnqueued: &now,
	}
	created, err := s.store.Create(ctx, k, placeholder)
	if err != nil {
		return Response{}, err
	}
	if !created {
		if info, err := s.store.GetInfo(ctx, k); err == nil {
			placeholder = info
		}
		return s.processing(ctx, k, placeholder), nil
	}
	if err := s.submit(ctx, k, src, kind); err != nil {
		if rmErr := s.store.Remove(ctx, k, infostore.Filter{}); rmErr != nil {
			s.log.WarnContext(ctx, "remove import placeholder", "resource", k.String(), "err", rmErr)
		}
		return Response{}, err
	}
	return Response{State: StateProcessing, Info: placeholder}, nil
}

func (s *Service) serve(ctx context.Context, k model.ResourceKey, info model.Info, opts Options) (Response, error) {
	rows, err := s.store.Rows(ctx, k, opts.Offset, s.limit(opts))
	if err != nil {
		return Response{}, err
	}
	return Response{State: StateCached, Info: info, Features: rows}, nil
}

func (s *Service) processing(ctx context.Context, k model.ResourceKey, info model.Info) Response {
	r := Response{State: StateProcessing, Info: info}
	if info.ImportStarted != nil {
		r.Elapsed = s.now().Sub(*info.ImportStarted)
	}
	if n, err := s.store.GetCount(ctx, k, infostore.Filter{}); err == nil {
		r.Progress = &Progress{Processed: n, Total: info.RecordCount}
	}
	return r
}

// UpdateIfExpired starts a background refresh when info is stale. It returns
// immediately; expiration errors are logged and the cached copy stays.
func (s *Service) UpdateIfExpired(ctx context.Context, info model.Info) {
	if s.inCooldown(info) {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		if err := s.refresh(ctx, info); err != nil {
			s.log.WarnContext(ctx, "background refresh", "resource", info.Key, "err", err)
		}
	}()
}

func (s *Service) refresh(ctx context.Context, info model.Info) error {
	k, err := model.ParseResourceKey(info.Key)
	if err != nil {
		return err
	}
	expired, err := s.eval.Expired(ctx, info)
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}
	err = s.enqueue(ctx, k, info.SourceURL, info.Kind)
	if errors.Is(err, errCooldown) {
		return nil
	}
	return err
}

// Wait blocks until background refreshes started so far have finished.
func (s *Service) Wait() { s.bg.Wait() }

func (s *Service) inCooldown(info model.Info) bool {
	return info.ImportEnqueued != nil && s.now().Sub(*info.ImportEnqueued) < s.cfg.EnqueueCooldown
}

// enqueue stamps importEnqueued and submits an import job. A document stamped
// within the cooldown is left alone and errCooldown is returned.
func (s *Service) enqueue(ctx context.Context, k model.ResourceKey, src string, kind model.Kind) error {
	now := s.now()
	_, err := s.store.Modify(ctx, k, func(doc *model.Info) error {
		if s.inCooldown(*doc) {
			return errCooldown
		}
		if doc.Status == model.StatusCached {
			doc.Status = model.StatusExpired
		}
		doc.ImportEnqueued = &now
		return nil
	})
	if err != nil && !errors.Is(err, infostore.ErrNotFound) {
		return err
	}
	return s.submit(ctx, k, src, kind)
}

func (s *Service) submit(ctx context.Context, k model.ResourceKey, src string, kind model.Kind) error {
	if kind == model.KindCSV {
		return s.enqueueCSV(ctx, k, src)
	}

	req := importer.Request{JobID: uuid.NewString(), Key: k, SourceURL: src, Kind: kind}
	if err := s.jobs.Submit(ctx, req); err != nil {
		return fmt.Errorf("mirror: submit import: %w", err)
	}
	s.log.InfoContext(ctx, "import enqueued", "job_id", req.JobID, "resource", k.String(), "kind", string(kind))
	return nil
}

// enqueueCSV refreshes a CSV source in the background; the queue's lock files
// keep concurrent refreshes of one source from writing twice.
func (s *Service) enqueueCSV(ctx context.Context, k model.ResourceKey, src string) error {
	if s.csv == nil {
		return errors.New("mirror: csv sources are not enabled")
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		if _, err := s.csv.Ingest(ctx, csvqueue.Request{ID: k.String(), Key: k, URL: src}); err != nil {
			s.log.WarnContext(ctx, "csv refresh", "resource", k.String(), "err", err)
		}
	}()
	return nil
}

// DropResource deletes the document and cached rows. A local import of the
// resource is aborted with infostore.ErrDropped so it records no failure;
// remote imports notice the missing document on their next write.
func (s *Service) DropResource(ctx context.Context, k model.ResourceKey, opts DropOptions) error {
	if err := k.Validate(); err != nil {
		return err
	}
	if s.mgr != nil && s.mgr.Abort(k, infostore.ErrDropped) {
		s.log.InfoContext(ctx, "aborted running import for drop", "resource", k.String())
	}
	if err := s.store.Remove(ctx, k, infostore.Filter{}); err != nil {
		return err
	}
	if !opts.Force {
		return nil
	}
	if err := s.store.RemoveLatestExport(ctx, k); err != nil {
		return err
	}
	return s.locks.ForceRelease(ctx, k)
}

func (s *Service) limit(opts Options) int {
	if opts.Limit > 0 {
		return opts.Limit
	}
	return s.cfg.DefaultLimit
}

func window(rows []json.RawMessage, offset, limit int) []json.RawMessage {
	if offset >= len(rows) {
		return nil
	}
	offset = max(offset, 0)
	return rows[offset:min(offset+limit, len(rows))]
}
