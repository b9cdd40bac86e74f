// Package importer runs import jobs: probe a layer, plan its pages, fetch
// them with a bounded pool and stream the rows into the cache.
package importer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/infostore"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
	"github.com/mohammed-shakir/feature-mirror/internal/esri"
	"github.com/mohammed-shakir/feature-mirror/internal/lock"
	"github.com/mohammed-shakir/feature-mirror/internal/logger"
	"github.com/mohammed-shakir/feature-mirror/internal/mapper"
	"github.com/mohammed-shakir/feature-mirror/internal/paging"
)

type State string

const (
	StatePlanning   State = "Planning"
	StateFetching   State = "Fetching"
	StateFinalizing State = "Finalizing"
	StateCached     State = "Cached"
	StateFailed     State = "Failed"
	StateAborting   State = "Aborting"
	// StateSkipped means another worker holds the import lock.
	StateSkipped State = "Skipped"
)

// Request is one import job.
type Request struct {
	JobID     string            `json:"jobId"`
	Key       model.ResourceKey `json:"key"`
	SourceURL string            `json:"sourceUrl"`
	Kind      model.Kind        `json:"kind"`
}

type Result struct {
	State       State
	RecordCount int
	ContentHash string
	Changed     bool
	Pages       int
}

// Fetcher is the remote layer client.
type Fetcher interface {
	LayerInfo(ctx context.Context, layerURL string) (esri.LayerInfo, error)
	Count(ctx context.Context, layerURL string) (int, error)
	FetchPage(ctx context.Context, layerURL string, q esri.Query) (*esri.FeatureSet, error)
}

type Planner interface {
	Plan(ctx context.Context, layerURL string, count int, caps esri.Capabilities) (paging.Plan, error)
}

type Locker interface {
	Acquire(ctx context.Context, k model.ResourceKey, ttl time.Duration) (lock.Lease, bool, error)
	Release(ctx context.Context, lease lock.Lease) error
}

type Config struct {
	ConcurrencyHosted  int
	ConcurrencyDefault int
	MaxAttempts        int
	RetryBackoff       time.Duration
	LockTTL            time.Duration
	CacheTTL           time.Duration
	// PersistRows drops a partially written resource when its job is aborted.
	PersistRows bool
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyHosted <= 0 {
		c.ConcurrencyHosted = 16
	}
	if c.ConcurrencyDefault <= 0 {
		c.ConcurrencyDefault = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	return c
}

type Pipeline struct {
	store   infostore.Store
	locks   Locker
	fetch   Fetcher
	planner Planner
	mgr     *Manager
	tagger  mapper.Tagger
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	onState func(model.ResourceKey, State)
}

type Option func(*Pipeline)

func WithManager(m *Manager) Option { return func(p *Pipeline) { p.mgr = m } }

// WithTagger annotates every feature before it is stored.
func WithTagger(t mapper.Tagger) Option { return func(p *Pipeline) { p.tagger = t } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithStateHook is called on every job state transition.
func WithStateHook(fn func(model.ResourceKey, State)) Option {
	return func(p *Pipeline) { p.onState = fn }
}

func New(store infostore.Store, locks Locker, fetch Fetcher, planner Planner, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   store,
		locks:   locks,
		fetch:   fetch,
		planner: planner,
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.mgr == nil {
		p.mgr = NewManager(p.log)
	}
	return p
}

func (p *Pipeline) Manager() *Manager { return p.mgr }

// job holds the state private to one Execute call.
type job struct {
	req      Request
	layer    esri.LayerInfo
	plan     paging.Plan
	digests  [][]byte
	inserted atomic.Int64
}

// Execute runs one import to completion. A lock held by another worker is not
// an error: the result state is StateSkipped and nothing is written.
func (p *Pipeline) Execute(ctx context.Context, req Request) (Result, error) {
	if err := req.Key.Validate(); err != nil {
		return Result{}, err
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	ctx = logger.WithJobID(ctx, req.JobID)
	ctx = logger.WithResource(ctx, req.Key.String())

	p.transition(ctx, req.Key, StatePlanning)
	lease, ok, err := p.locks.Acquire(ctx, req.Key, p.cfg.LockTTL)
	if err != nil {
		return Result{State: StateFailed}, fmt.Errorf("acquire import lock: %w", err)
	}
	if !ok {
		p.log.DebugContext(ctx, "import lock held elsewhere, skipping")
		p.transition(ctx, req.Key, StateSkipped)
		return Result{State: StateSkipped}, nil
	}
	defer p.release(ctx, lease)

	jctx, done := p.mgr.Register(ctx, req.JobID, req.Key)
	defer done()

	start := p.now()
	p.log.InfoContext(ctx, "import started", "url", req.SourceURL, "kind", string(req.Kind))

	res, err := p.run(jctx, req)
	outcome := string(res.State)
	if err != nil {
		res, err = p.handleFailure(ctx, jctx, req, res, err)
		outcome = string(res.State)
	}
	observability.ObserveImport(outcome, p.now().Sub(start).Seconds())
	return res, err
}

func (p *Pipeline) run(ctx context.Context, req Request) (Result, error) {
	j := &job{req: req}

	if err := p.begin(ctx, req); err != nil {
		return Result{State: StatePlanning}, err
	}

	layer, err := p.fetch.LayerInfo(ctx, req.SourceURL)
	if err != nil {
		return Result{State: StatePlanning}, fmt.Errorf("layer info: %w", err)
	}
	count, err := p.fetch.Count(ctx, req.SourceURL)
	if err != nil {
		return Result{State: StatePlanning}, fmt.Errorf("count: %w", err)
	}
	j.layer = layer

	if _, err := p.store.Modify(ctx, req.Key, func(doc *model.Info) error {
		doc.Fields = layer.Fields
		doc.GeometryType = layer.GeometryType
		doc.RecordCount = count
		return nil
	}); err != nil {
		return Result{State: StatePlanning}, fmt.Errorf("record schema: %w", err)
	}

	plan, err := p.planner.Plan(ctx, req.SourceURL, count, layer.Capabilities)
	if err != nil {
		return Result{State: StatePlanning}, fmt.Errorf("plan pages: %w", err)
	}
	j.plan = plan
	j.digests = make([][]byte, len(plan.Pages))
	p.log.DebugContext(ctx, "import planned", "count", count, "strategy", string(plan.Strategy), "pages", len(plan.Pages))

	// rows are rebuilt from scratch so a retried job never duplicates them
	if err := p.store.Insert(ctx, req.Key, nil); err != nil {
		return Result{State: StatePlanning}, fmt.Errorf("reset rows: %w", err)
	}

	p.transition(ctx, req.Key, StateFetching)
	if err := p.fetchAll(ctx, j); err != nil {
		return Result{State: StateFetching, Pages: len(plan.Pages)}, err
	}

	p.transition(ctx, req.Key, StateFinalizing)
	return p.finalize(ctx, j)
}

// begin moves the document to Processing, creating it when absent.
func (p *Pipeline) begin(ctx context.Context, req Request) error {
	now := p.now()
	_, err := p.store.Modify(ctx, req.Key, func(doc *model.Info) error {
		if doc.Status == model.StatusCached {
			doc.Status = model.StatusExpired
		}
		if !doc.Status.CanTransition(model.StatusProcessing) {
			return fmt.Errorf("status %s cannot move to %s", doc.Status, model.StatusProcessing)
		}
		doc.Status = model.StatusProcessing
		doc.Kind = req.Kind
		doc.SourceURL = req.SourceURL
		doc.Error = nil
		doc.ImportStarted = &now
		return nil
	})
	if errors.Is(err, infostore.ErrNotFound) {
		err = p.store.UpdateInfo(ctx, req.Key, model.Info{
			Kind:          req.Kind,
			Status:        model.StatusProcessing,
			SourceURL:     req.SourceURL,
			ImportStarted: &now,
		})
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// fetchAll completes only after every page has been inserted; the errgroup
// Wait is the barrier before finalizing.
func (p *Pipeline) fetchAll(ctx context.Context, j *job) error {
	limit := p.cfg.ConcurrencyDefault
	if esri.IsHosted(j.req.SourceURL) {
		limit = p.cfg.ConcurrencyHosted
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, page := range j.plan.Pages {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.fetchPage(gctx, j, page)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// a cancellation that raced the last dispatch leaves pages unfetched
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) fetchPage(ctx context.Context, j *job, page paging.Page) error {
	oid := j.layer.Capabilities.ObjectIDField
	for {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		// an in-flight request is allowed to finish after cancellation
		fs, err := p.fetch.FetchPage(context.WithoutCancel(ctx), j.req.SourceURL, page.Query)
		var rows []json.RawMessage
		var digest []byte
		if err == nil {
			rows, digest, err = p.encode(fs, oid)
		}
		if err == nil {
			if cerr := context.Cause(ctx); cerr != nil {
				return cerr
			}
			if err := p.store.InsertPartial(ctx, j.req.Key, rows); err != nil {
				observability.ObservePage(string(page.Strategy), "store_error")
				return fmt.Errorf("insert page %d: %w", page.Index, err)
			}
			j.digests[page.Index] = digest
			j.inserted.Add(int64(len(rows)))
			observability.ObservePage(string(page.Strategy), "ok")
			return nil
		}

		if !esri.IsRetryable(err) {
			observability.ObservePage(string(page.Strategy), "upstream_error")
			return fmt.Errorf("page %d: %w", page.Index, err)
		}
		if page.Attempt+1 >= p.cfg.MaxAttempts {
			observability.ObservePage(string(page.Strategy), "failed")
			return fmt.Errorf("page %d failed after %d attempts: %w", page.Index, page.Attempt+1, err)
		}

		observability.IncPageRetry()
		wait := p.backoff(page.Attempt)
		p.log.WarnContext(ctx, "page fetch failed, retrying",
			"page", page.Index, "attempt", page.Attempt+1, "backoff", wait, "error", err)
		page = page.Retry()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(wait):
		}
	}
}

// encode translates a page and returns its rows and the sha1 of their bytes.
func (p *Pipeline) encode(fs *esri.FeatureSet, oid string) ([]json.RawMessage, []byte, error) {
	feats, err := esri.Translate(fs, oid)
	if err != nil {
		return nil, nil, &esri.ParseError{Err: err}
	}
	h := sha1.New()
	rows := make([]json.RawMessage, 0, len(feats))
	for i := range feats {
		if p.tagger != nil {
			if err := p.tagger.Tag(&feats[i]); err != nil {
				return nil, nil, &esri.ParseError{Err: fmt.Errorf("tag feature: %w", err)}
			}
		}
		b, err := json.Marshal(feats[i])
		if err != nil {
			return nil, nil, &esri.ParseError{Err: fmt.Errorf("encode feature: %w", err)}
		}
		h.Write(b)
		rows = append(rows, b)
	}
	return rows, h.Sum(nil), nil
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	base := p.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}
	d := base << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (p *Pipeline) finalize(ctx context.Context, j *job) (Result, error) {
	sum := combine(sha1.New(), j.digests)
	now := p.now()
	n := int(j.inserted.Load())

	var changed bool
	_, err := p.store.Modify(ctx, j.req.Key, func(doc *model.Info) error {
		changed = doc.ContentHash != sum
		if changed || doc.RetrievedAt.IsZero() {
			doc.RetrievedAt = now
		}
		doc.ContentHash = sum
		doc.ExpiresAt = now.Add(p.cfg.CacheTTL)
		doc.Status = model.StatusCached
		doc.RecordCount = n
		doc.Error = nil
		doc.ImportStarted = nil
		doc.ImportEnqueued = nil
		if j.req.Kind == model.KindHosted {
			doc.LastEditDate = j.layer.LastEditDate
		}
		return nil
	})
	if errors.Is(err, infostore.ErrNotFound) {
		return Result{State: StateFinalizing}, infostore.ErrDropped
	}
	if err != nil {
		return Result{State: StateFinalizing}, fmt.Errorf("finalize: %w", err)
	}

	p.transition(ctx, j.req.Key, StateCached)
	p.log.InfoContext(ctx, "import finished", "records", n, "changed", changed, "pages", len(j.plan.Pages))
	return Result{State: StateCached, RecordCount: n, ContentHash: sum, Changed: changed, Pages: len(j.plan.Pages)}, nil
}

// combine hashes per-page digests in page order, so completion order does not
// affect the result.
func combine(h hash.Hash, digests [][]byte) string {
	for _, d := range digests {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pipeline) handleFailure(ctx, jctx context.Context, req Request, res Result, err error) (Result, error) {
	cause := context.Cause(jctx)
	switch {
	case errors.Is(cause, ErrAborted) || errors.Is(err, ErrAborted):
		p.transition(ctx, req.Key, StateAborting)
		p.log.WarnContext(ctx, "import aborted", "state", string(res.State))
		if p.cfg.PersistRows {
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if rerr := p.store.Remove(bg, req.Key, infostore.Filter{}); rerr != nil {
				p.log.ErrorContext(ctx, "drop partial resource failed", "error", rerr)
			}
		}
		return Result{State: StateAborting}, ErrAborted

	case errors.Is(cause, infostore.ErrDropped) || errors.Is(err, infostore.ErrDropped):
		p.log.InfoContext(ctx, "resource dropped during import, not recording failure", "state", string(res.State))
		p.transition(ctx, req.Key, StateFailed)
		return Result{State: StateFailed}, infostore.ErrDropped

	case cause != nil && ctx.Err() != nil:
		// the caller went away; the lock expiry covers the document
		return Result{State: StateFailed}, err
	}

	p.log.ErrorContext(ctx, "import failed", "state", string(res.State), "error", err)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	info := errorInfo(err, req.SourceURL, p.now())
	_, werr := p.store.Modify(bg, req.Key, func(doc *model.Info) error {
		doc.Status = model.StatusFailed
		doc.Error = &info
		doc.ImportStarted = nil
		return nil
	})
	if werr != nil && !errors.Is(werr, infostore.ErrNotFound) {
		p.log.ErrorContext(ctx, "record failure failed", "error", werr)
	}
	p.transition(ctx, req.Key, StateFailed)
	return Result{State: StateFailed, Pages: res.Pages}, err
}

func errorInfo(err error, sourceURL string, now time.Time) model.ErrorInfo {
	info := model.ErrorInfo{Message: err.Error(), UpstreamURL: sourceURL, Timestamp: now}
	var ue *esri.UpstreamError
	var te *esri.TransportError
	var pe *esri.ParseError
	switch {
	case errors.As(err, &ue):
		info.Message = ue.Message
		info.Code = ue.Code
		info.UpstreamURL = ue.URL
		info.UpstreamResponse = ue.Body
	case errors.As(err, &te):
		info.Code = te.Status
		info.UpstreamURL = te.URL
	case errors.As(err, &pe):
		if pe.URL != "" {
			info.UpstreamURL = pe.URL
		}
		info.UpstreamResponse = pe.Body
	}
	return info
}

func (p *Pipeline) release(ctx context.Context, lease lock.Lease) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.locks.Release(bg, lease); err != nil {
		p.log.WarnContext(ctx, "release import lock", "error", err)
	}
}

func (p *Pipeline) transition(ctx context.Context, key model.ResourceKey, s State) {
	p.log.DebugContext(ctx, "import state", "state", string(s))
	if p.onState != nil {
		p.onState(key, s)
	}
}
