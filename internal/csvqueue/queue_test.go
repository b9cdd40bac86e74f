package csvqueue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/infostore"
	"github.com/mohammed-shakir/feature-mirror/internal/cache/keys"
	"github.com/mohammed-shakir/feature-mirror/internal/cache/redisstore"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/expiration"
)

const sample = "name,lat,lon\nA,59.3,18.0\nB,57.7,11.9\nC,55.6,13.0\n"

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type csvServer struct {
	body     string
	status   int
	noLength bool
	delay    time.Duration
	modified atomic.Int64

	heads    atomic.Int32
	gets     atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *csvServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m := s.modified.Load(); m != 0 {
		w.Header().Set("Last-Modified", time.Unix(m, 0).UTC().Format(http.TimeFormat))
	}
	if s.status != 0 && r.Method == http.MethodGet {
		w.WriteHeader(s.status)
		return
	}
	if r.Method == http.MethodHead {
		s.heads.Add(1)
		if !s.noLength {
			w.Header().Set("Content-Length", strconv.Itoa(len(s.body)))
		}
		return
	}
	s.gets.Add(1)
	cur := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if cur <= m || s.maxSeen.CompareAndSwap(m, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	_, _ = w.Write([]byte(s.body))
}

type harness struct {
	q     *Queue
	store infostore.Store
	dir   string
	url   string
}

func newHarness(t *testing.T, srv *csvServer, opts Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	cli, err := redisstore.New(t.Context(), mr.Addr())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	store := infostore.NewRedisStore(cli, time.Second)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	if opts.LockDir == "" {
		opts.LockDir = t.TempDir()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return fixedNow }
	}
	q, err := New(ts.Client(), store, opts)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return &harness{q: q, store: store, dir: opts.LockDir, url: ts.URL + "/data/places.csv"}
}

var csvKey = model.ResourceKey{Service: "csv", Item: "places", Layer: 0}

func TestIngest_StoresRowsAndInfo(t *testing.T) {
	h := newHarness(t, &csvServer{body: sample}, Options{})
	res, err := h.q.Ingest(t.Context(), Request{ID: "places", Key: csvKey, URL: h.url})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Stored || len(res.Features) != 3 {
		t.Fatalf("stored=%v features=%d", res.Stored, len(res.Features))
	}

	info, err := h.store.GetInfo(t.Context(), csvKey)
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	if info.Status != model.StatusCached || info.Kind != model.KindCSV || info.RecordCount != 3 {
		t.Fatalf("info=%+v", info)
	}
	if !info.RetrievedAt.Equal(fixedNow) || info.ContentHash == "" || info.GeometryType != model.GeometryPoint {
		t.Fatalf("info=%+v", info)
	}
	n, err := h.store.GetCount(t.Context(), csvKey, infostore.Filter{})
	if err != nil || n != 3 {
		t.Fatalf("rows=%d err=%v", n, err)
	}
	assertNoLockFiles(t, h.dir)
}

func TestIngest_OversizedRejectedBeforeFetch(t *testing.T) {
	srv := &csvServer{body: sample}
	h := newHarness(t, srv, Options{MaxBytes: 10})
	_, err := h.q.Ingest(t.Context(), Request{ID: "places", Key: csvKey, URL: h.url})
	var tl *TooLargeError
	if !errors.As(err, &tl) || !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want *TooLargeError", err)
	}
	if tl.Size != int64(len(sample)) || tl.Limit != 10 {
		t.Fatalf("size=%d limit=%d", tl.Size, tl.Limit)
	}
	if srv.gets.Load() != 0 {
		t.Fatalf("body fetched %d times, want 0", srv.gets.Load())
	}
	if _, err := h.store.GetInfo(t.Context(), csvKey); !errors.Is(err, infostore.ErrNotFound) {
		t.Fatalf("rejected source must not create a document: %v", err)
	}
}

func TestIngest_OversizedWithoutContentLength(t *testing.T) {
	srv := &csvServer{body: sample, noLength: true}
	h := newHarness(t, srv, Options{MaxBytes: 16})
	_, err := h.q.Ingest(t.Context(), Request{ID: "places", Key: csvKey, URL: h.url})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want ErrTooLarge", err)
	}
	assertNoLockFiles(t, h.dir)
}

func TestIngest_ExistingLockFileServesWithoutStoring(t *testing.T) {
	h := newHarness(t, &csvServer{body: sample}, Options{})
	lock := filepath.Join(h.dir, keys.DedupHash("places", fixedNow)+".lock")
	if err := os.WriteFile(lock, nil, 0o600); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	res, err := h.q.Ingest(t.Context(), Request{ID: "places", Key: csvKey, URL: h.url})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Stored {
		t.Fatal("store must be false while another request holds the lock file")
	}
	if len(res.Features) != 3 || res.Info.RecordCount != 3 {
		t.Fatalf("computed result missing: %+v", res.Info)
	}
	if _, err := h.store.GetInfo(t.Context(), csvKey); !errors.Is(err, infostore.ErrNotFound) {
		t.Fatalf("deduplicated request must not write: %v", err)
	}
	if _, err := os.Stat(lock); err != nil {
		t.Fatalf("lock owned by another request must be left alone: %v", err)
	}
}

func TestIngest_LockFileRemovedOnError(t *testing.T) {
	h := newHarness(t, &csvServer{body: sample, status: http.StatusBadGateway}, Options{})
	if _, err := h.q.Ingest(t.Context(), Request{ID: "places", Key: csvKey, URL: h.url}); err == nil {
		t.Fatal("expected fetch error")
	}
	assertNoLockFiles(t, h.dir)
}

func TestIngest_FetchFailureRecordedOnDocument(t *testing.T) {
	h := newHarness(t, &csvServer{body: sample, status: http.StatusBadGateway}, Options{})
	_, err := h.q.Ingest(t.Context(), Request{ID: "places", Key: csvKey, URL: h.url})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("err=%v want StatusError 502", err)
	}

	info, err := h.store.GetInfo(t.Context(), csvKey)
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	if info.Status != model.StatusFailed || info.Kind != model.KindCSV {
		t.Fatalf("info=%+v want failed csv document", info)
	}
	if info.Error == nil || info.Error.Code != http.StatusBadGateway || info.Error.UpstreamURL != h.url || !info.Error.Timestamp.Equal(fixedNow) {
		t.Fatalf("error=%+v", info.Error)
	}
}

func TestIngest_RefreshFailureReplacesProcessing(t *testing.T) {
	h := newHarness(t, &csvServer{body: sample, status: http.StatusNotFound}, Options{})
	started := fixedNow.Add(-time.Minute)
	if err := h.store.UpdateInfo(t.Context(), csvKey, model.Info{
		Kind: model.KindCSV, Status: model.StatusProcessing, SourceURL: h.url, ImportStarted: &started,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := h.q.Ingest(t.Context(), Request{Key: csvKey, URL: h.url}); err == nil {
		t.Fatal("expected fetch error")
	}
	info, err := h.store.GetInfo(t.Context(), csvKey)
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	if info.Status != model.StatusFailed || info.Error == nil || info.Error.Code != http.StatusNotFound {
		t.Fatalf("info=%+v", info)
	}
	if info.ImportStarted == nil || !info.ImportStarted.Equal(started) {
		t.Fatalf("failure must keep the rest of the document: %+v", info)
	}
}

func TestIngest_ConcurrencyBounded(t *testing.T) {
	srv := &csvServer{body: sample, delay: 30 * time.Millisecond}
	h := newHarness(t, srv, Options{Concurrency: 2})

	errc := make(chan error, 6)
	for i := range 6 {
		go func() {
			k := model.ResourceKey{Service: "csv", Item: "places" + strconv.Itoa(i), Layer: 0}
			_, err := h.q.Ingest(context.Background(), Request{ID: k.Item, Key: k, URL: h.url})
			errc <- err
		}()
	}
	for range 6 {
		if err := <-errc; err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if m := srv.maxSeen.Load(); m > 2 {
		t.Fatalf("max concurrent fetches=%d want <= 2", m)
	}
}

func TestModifiedAt_DrivesCSVExpiration(t *testing.T) {
	srv := &csvServer{body: sample}
	srv.modified.Store(fixedNow.Add(time.Second).Unix())
	h := newHarness(t, srv, Options{})
	if _, err := h.q.Ingest(t.Context(), Request{ID: "places", Key: csvKey, URL: h.url}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	info, err := h.store.GetInfo(t.Context(), csvKey)
	if err != nil {
		t.Fatalf("get info: %v", err)
	}

	ev := expiration.New(nil, h.q)
	expired, err := ev.Expired(t.Context(), info)
	if err != nil || !expired {
		t.Fatalf("expired=%v err=%v want true", expired, err)
	}

	srv.modified.Store(fixedNow.Add(-time.Hour).Unix())
	expired, err = ev.Expired(t.Context(), info)
	if err != nil || expired {
		t.Fatalf("expired=%v err=%v want false", expired, err)
	}
}

func assertNoLockFiles(t *testing.T, dir string) {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read lock dir: %v", err)
	}
	if len(ents) != 0 {
		t.Fatalf("lock files left behind: %d", len(ents))
	}
}
