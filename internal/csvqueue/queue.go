// Package csvqueue imports flat CSV sources whole, deduplicating identical
// concurrent requests through lock files.
package csvqueue

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/infostore"
	"github.com/mohammed-shakir/feature-mirror/internal/cache/keys"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
)

var ErrTooLarge = errors.New("csv source too large")

// TooLargeError is the structured capacity rejection.
type TooLargeError struct {
	URL   string
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("csv source %s is %d bytes, limit %d", e.URL, e.Size, e.Limit)
}

func (e *TooLargeError) Unwrap() error { return ErrTooLarge }

// StatusError is a non-2xx answer from the CSV host.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("csvqueue: %s: status %d", e.URL, e.Status)
}

type Options struct {
	MaxBytes    int64
	LockDir     string
	Concurrency int
	Logger      *slog.Logger
	Clock       func() time.Time
}

type Request struct {
	// ID names the source for deduplication; identical ids on the same day
	// share one lock file.
	ID  string
	Key model.ResourceKey
	URL string
}

type Result struct {
	Info     model.Info
	Features []model.Feature
	// Stored is false when a concurrent identical request owned the cache write.
	Stored bool
}

type Queue struct {
	hc    *http.Client
	store infostore.Store
	sem   *semaphore.Weighted
	opts  Options
	log   *slog.Logger
	now   func() time.Time
}

func New(hc *http.Client, store infostore.Store, opts Options) (*Queue, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	if opts.LockDir == "" {
		opts.LockDir = filepath.Join(os.TempDir(), "feature-mirror-locks")
	}
	if err := os.MkdirAll(opts.LockDir, 0o750); err != nil {
		return nil, fmt.Errorf("csvqueue: lock dir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{
		hc:    hc,
		store: store,
		sem:   semaphore.NewWeighted(int64(opts.Concurrency)),
		opts:  opts,
		log:   opts.Logger,
		now:   opts.Clock,
	}, nil
}

// Ingest fetches, parses and caches one CSV source. Oversized sources are
// rejected with a *TooLargeError before the body is downloaded.
func (q *Queue) Ingest(ctx context.Context, req Request) (Result, error) {
	if err := req.Key.Validate(); err != nil {
		return Result{}, err
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer q.sem.Release(1)

	res, err := q.ingest(ctx, req)
	switch {
	case errors.Is(err, ErrTooLarge):
		observability.ObserveCSVIngest("too_large")
	case err != nil:
		observability.ObserveCSVIngest("error")
	case !res.Stored:
		observability.ObserveCSVIngest("deduplicated")
	default:
		observability.ObserveCSVIngest("stored")
	}
	return res, err
}

func (q *Queue) ingest(ctx context.Context, req Request) (_ Result, err error) {
	store := true
	defer func() {
		// capacity rejections and abandoned requests leave the document alone
		if err == nil || !store || errors.Is(err, ErrTooLarge) || ctx.Err() != nil {
			return
		}
		q.recordFailure(ctx, req, err)
	}()

	size, _, err := q.head(ctx, req.URL)
	if err != nil {
		return Result{}, err
	}
	if size > q.opts.MaxBytes {
		return Result{}, &TooLargeError{URL: req.URL, Size: size, Limit: q.opts.MaxBytes}
	}

	id := req.ID
	if id == "" {
		id = req.Key.String()
	}
	lockPath := filepath.Join(q.opts.LockDir, keys.DedupHash(id, q.now())+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	switch {
	case err == nil:
		_ = f.Close()
		defer func() {
			if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				q.log.Warn("csv lock file not removed", "path", lockPath, "err", err)
			}
		}()
	case errors.Is(err, fs.ErrExist):
		store = false
	default:
		return Result{}, fmt.Errorf("csvqueue: lock file: %w", err)
	}

	start := q.now()
	body, err := q.fetch(ctx, req.URL)
	if err != nil {
		return Result{}, err
	}
	table, err := Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	rows, all, err := table.Rows()
	if err != nil {
		return Result{}, err
	}
	sum := sha1.Sum(all) //nolint:gosec // fingerprint only
	info := model.Info{
		Key:          req.Key.String(),
		Kind:         model.KindCSV,
		Status:       model.StatusCached,
		SourceURL:    req.URL,
		RetrievedAt:  q.now().UTC(),
		RecordCount:  len(table.Features),
		Fields:       table.Fields,
		GeometryType: table.GeometryType,
		ContentHash:  hex.EncodeToString(sum[:]),
	}
	out := Result{Info: info, Features: table.Features, Stored: store}
	if !store {
		q.log.DebugContext(ctx, "csv ingest deduplicated", "resource", req.Key.String())
		return out, nil
	}

	if err := q.store.UpdateInfo(ctx, req.Key, model.Info{
		Kind: model.KindCSV, Status: model.StatusProcessing, SourceURL: req.URL,
		ImportStarted: &start,
	}); err != nil {
		return Result{}, err
	}
	if err := q.store.Insert(ctx, req.Key, rows); err != nil {
		return Result{}, err
	}
	if err := q.store.UpdateInfo(ctx, req.Key, info); err != nil {
		return Result{}, err
	}
	q.log.InfoContext(ctx, "csv ingested", "resource", req.Key.String(), "records", info.RecordCount)
	return out, nil
}

// recordFailure marks the resource Failed with a structured error.
func (q *Queue) recordFailure(ctx context.Context, req Request, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	ei := model.ErrorInfo{Message: cause.Error(), UpstreamURL: req.URL, Timestamp: q.now().UTC()}
	var se *StatusError
	if errors.As(cause, &se) {
		ei.Code = se.Status
	}
	_, err := q.store.Modify(ctx, req.Key, func(doc *model.Info) error {
		doc.Status = model.StatusFailed
		doc.Error = &ei
		return nil
	})
	if errors.Is(err, infostore.ErrNotFound) {
		err = q.store.UpdateInfo(ctx, req.Key, model.Info{
			Kind: model.KindCSV, Status: model.StatusFailed, SourceURL: req.URL, Error: &ei,
		})
	}
	if err != nil {
		q.log.WarnContext(ctx, "record csv failure", "resource", req.Key.String(), "err", err)
		return
	}
	q.log.WarnContext(ctx, "csv ingest failed", "resource", req.Key.String(), "err", cause)
}

// ModifiedAt reports the source's Last-Modified time.
func (q *Queue) ModifiedAt(ctx context.Context, sourceURL string) (time.Time, error) {
	_, mod, err := q.head(ctx, sourceURL)
	if err != nil {
		return time.Time{}, err
	}
	if mod.IsZero() {
		return time.Time{}, fmt.Errorf("csvqueue: %s has no Last-Modified header", sourceURL)
	}
	return mod, nil
}

// head returns Content-Length (-1 when unknown) and Last-Modified.
func (q *Queue) head(ctx context.Context, u string) (int64, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("csvqueue: head %s: %w", u, err)
	}
	resp, err := q.hc.Do(req)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("csvqueue: head %s: %w", u, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, time.Time{}, &StatusError{URL: u, Status: resp.StatusCode}
	}
	size := int64(-1)
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			size = n
		}
	}
	var mod time.Time
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			mod = t
		}
	}
	return size, mod, nil
}

func (q *Queue) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("csvqueue: get %s: %w", u, err)
	}
	t0 := time.Now()
	resp, err := q.hc.Do(req)
	observability.ObserveUpstreamLatency("csv", time.Since(t0).Seconds())
	if err != nil {
		return nil, fmt.Errorf("csvqueue: get %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{URL: u, Status: resp.StatusCode}
	}
	// servers without Content-Length are capped while reading
	body, err := io.ReadAll(io.LimitReader(resp.Body, q.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("csvqueue: read %s: %w", u, err)
	}
	if int64(len(body)) > q.opts.MaxBytes {
		return nil, &TooLargeError{URL: u, Size: int64(len(body)), Limit: q.opts.MaxBytes}
	}
	return body, nil
}
