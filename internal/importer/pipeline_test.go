package importer

import (
	"context"
	"crypto/sha1"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/infostore"
	"github.com/mohammed-shakir/feature-mirror/internal/cache/redisstore"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/esri"
	"github.com/mohammed-shakir/feature-mirror/internal/lock"
	"github.com/mohammed-shakir/feature-mirror/internal/paging"
)

var key = model.ResourceKey{Service: "svc", Item: "parcels", Layer: 0}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	pipe   *Pipeline
	store  infostore.Store
	locks  *lock.Locker
	clock  *clock
	url    string
	mu     sync.Mutex
	states []State
}

func (h *harness) record(_ model.ResourceKey, s State) {
	h.mu.Lock()
	h.states = append(h.states, s)
	h.mu.Unlock()
}

func (h *harness) count(s State) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, x := range h.states {
		if x == s {
			n++
		}
	}
	return n
}

func (h *harness) req() Request {
	return Request{Key: key, SourceURL: h.url, Kind: model.KindFeatureService}
}

func newHarness(t *testing.T, layer *fakeLayer, cfg Config) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	h := &harness{
		store: infostore.NewRedisStore(cli, 2*time.Second),
		locks: lock.New(cli),
		clock: &clock{t: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)},
		url:   layer.serve(t),
	}
	client := esri.NewClient(nil, nil)
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	h.pipe = New(h.store, h.locks, client, paging.New(client, nil), cfg,
		WithClock(h.clock.Now),
		WithStateHook(h.record),
	)
	return h
}

func TestExecute_EndToEnd_SingleIDListPage(t *testing.T) {
	layer := newFakeLayer(250)
	layer.maxRecordCount = 200
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	res, err := h.pipe.Execute(ctx, h.req())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateCached || res.RecordCount != 250 || res.Pages != 1 {
		t.Fatalf("result=%+v", res)
	}
	if layer.pageRequests.Load() != 1 {
		t.Fatalf("page requests=%d want 1", layer.pageRequests.Load())
	}

	doc, err := h.store.GetInfo(ctx, key)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if doc.Status != model.StatusCached || doc.RecordCount != 250 || doc.ContentHash == "" {
		t.Fatalf("doc=%+v", doc)
	}
	if doc.GeometryType != model.GeometryPoint || len(doc.Fields) != 2 {
		t.Fatalf("schema not recorded: %+v", doc)
	}
	if !doc.ExpiresAt.Equal(h.clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("expiresAt=%v", doc.ExpiresAt)
	}
	if n, _ := h.store.GetCount(ctx, key, infostore.Filter{}); n != 250 {
		t.Fatalf("rows=%d want 250", n)
	}
	for _, s := range []State{StatePlanning, StateFetching, StateFinalizing, StateCached} {
		if h.count(s) != 1 {
			t.Fatalf("state %s seen %d times; states=%v", s, h.count(s), h.states)
		}
	}
	if held, _ := h.locks.Held(ctx, key); held {
		t.Fatalf("lock not released after success")
	}
}

func TestExecute_DefaultServerSmallLayerUsesOneRequest(t *testing.T) {
	layer := newFakeLayer(250)
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	res, err := h.pipe.Execute(ctx, h.req())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateCached || res.RecordCount != 250 || res.Pages != 1 {
		t.Fatalf("result=%+v", res)
	}
	if layer.pageRequests.Load() != 1 {
		t.Fatalf("page requests=%d want 1", layer.pageRequests.Load())
	}
	if n, _ := h.store.GetCount(ctx, key, infostore.Filter{}); n != 250 {
		t.Fatalf("rows=%d want 250", n)
	}
}

func TestExecute_IdempotentReimport(t *testing.T) {
	layer := newFakeLayer(2500)
	layer.pagination = true
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	first, err := h.pipe.Execute(ctx, h.req())
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	doc1, _ := h.store.GetInfo(ctx, key)

	h.clock.Advance(time.Hour)
	second, err := h.pipe.Execute(ctx, h.req())
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	doc2, _ := h.store.GetInfo(ctx, key)

	if second.RecordCount != first.RecordCount || second.ContentHash != first.ContentHash {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if second.Changed {
		t.Fatalf("unchanged data reported as changed")
	}
	if !doc2.RetrievedAt.Equal(doc1.RetrievedAt) {
		t.Fatalf("retrievedAt advanced on unchanged re-import: %v -> %v", doc1.RetrievedAt, doc2.RetrievedAt)
	}
	if !doc2.ExpiresAt.After(doc1.ExpiresAt) {
		t.Fatalf("expiresAt should be refreshed")
	}
	if n, _ := h.store.GetCount(ctx, key, infostore.Filter{}); n != 2500 {
		t.Fatalf("rows duplicated on re-import: %d", n)
	}
}

func TestExecute_ChangedDataBumpsRetrievedAt(t *testing.T) {
	layer := newFakeLayer(1500)
	layer.stats = true
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	if _, err := h.pipe.Execute(ctx, h.req()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	doc1, _ := h.store.GetInfo(ctx, key)

	layer.rename(700, "renamed")
	h.clock.Advance(time.Hour)
	res, err := h.pipe.Execute(ctx, h.req())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	doc2, _ := h.store.GetInfo(ctx, key)
	if !res.Changed || doc2.ContentHash == doc1.ContentHash {
		t.Fatalf("change not detected")
	}
	if !doc2.RetrievedAt.Equal(h.clock.Now()) {
		t.Fatalf("retrievedAt=%v want %v", doc2.RetrievedAt, h.clock.Now())
	}
}

func TestExecute_PageRetriedTwiceThenSucceeds(t *testing.T) {
	layer := newFakeLayer(3000)
	layer.stats = true
	layer.failFirst = 2
	h := newHarness(t, layer, Config{})

	res, err := h.pipe.Execute(context.Background(), h.req())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != StateCached || res.RecordCount != 3000 {
		t.Fatalf("result=%+v", res)
	}
	if got := layer.pageRequests.Load(); got != 9 {
		t.Fatalf("page requests=%d want 9 (3 pages x 3 attempts)", got)
	}
}

func TestExecute_ThreeFailuresFailJob(t *testing.T) {
	layer := newFakeLayer(3000)
	layer.stats = true
	layer.failFirst = 3
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	res, err := h.pipe.Execute(ctx, h.req())
	if err == nil || res.State != StateFailed {
		t.Fatalf("result=%+v err=%v", res, err)
	}
	var te *esri.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v want TransportError", err)
	}
	doc, gerr := h.store.GetInfo(ctx, key)
	if gerr != nil {
		t.Fatalf("GetInfo: %v", gerr)
	}
	if doc.Status != model.StatusFailed || doc.Error == nil || doc.Error.Code != 503 {
		t.Fatalf("doc=%+v err=%+v", doc, doc.Error)
	}
	if doc.Error.UpstreamURL == "" || doc.Error.Timestamp.IsZero() {
		t.Fatalf("structured error incomplete: %+v", doc.Error)
	}
	if held, _ := h.locks.Held(ctx, key); held {
		t.Fatalf("lock not released after failure")
	}
}

func TestExecute_UpstreamErrorNotRetried(t *testing.T) {
	layer := newFakeLayer(10)
	layer.upstreamErr = true
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	_, err := h.pipe.Execute(ctx, h.req())
	var ue *esri.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err=%v want UpstreamError", err)
	}
	if layer.pageRequests.Load() != 1 {
		t.Fatalf("upstream error retried: %d requests", layer.pageRequests.Load())
	}
	doc, _ := h.store.GetInfo(ctx, key)
	if doc.Error == nil || doc.Error.Code != 400 || doc.Error.Message != "Invalid or missing input parameters." {
		t.Fatalf("error=%+v", doc.Error)
	}
	if doc.Error.UpstreamResponse == "" {
		t.Fatalf("upstream body not surfaced")
	}
}

func TestExecute_LockHeldSkipsWithoutWrites(t *testing.T) {
	layer := newFakeLayer(10)
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	if _, ok, _ := h.locks.Acquire(ctx, key, time.Minute); !ok {
		t.Fatalf("pre-acquire failed")
	}
	res, err := h.pipe.Execute(ctx, h.req())
	if err != nil || res.State != StateSkipped {
		t.Fatalf("result=%+v err=%v", res, err)
	}
	if _, err := h.store.GetInfo(ctx, key); !errors.Is(err, infostore.ErrNotFound) {
		t.Fatalf("skipped job wrote a document: %v", err)
	}
	if layer.pageRequests.Load() != 0 {
		t.Fatalf("skipped job fetched pages")
	}
}

func TestExecute_ConcurrentImportsOneFetches(t *testing.T) {
	layer := newFakeLayer(50)
	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	layer.onPage = func() {
		once.Do(func() { close(entered) })
		<-release
	}
	h := newHarness(t, layer, Config{})
	ctx := context.Background()

	results := make(chan Result, 2)
	go func() {
		res, _ := h.pipe.Execute(ctx, h.req())
		results <- res
	}()
	<-entered
	go func() {
		res, _ := h.pipe.Execute(ctx, h.req())
		results <- res
	}()

	second := <-results
	close(release)
	first := <-results

	if second.State != StateSkipped || first.State != StateCached {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if h.count(StateFetching) != 1 {
		t.Fatalf("fetching entered %d times", h.count(StateFetching))
	}
}

func TestExecute_DropDuringImportSuppressesFailure(t *testing.T) {
	layer := newFakeLayer(50)
	h := newHarness(t, layer, Config{})
	ctx := context.Background()
	layer.onPage = func() {
		// a drop from another process: document and rows vanish mid-fetch
		_ = h.store.Remove(ctx, key, infostore.Filter{})
	}

	res, err := h.pipe.Execute(ctx, h.req())
	if !errors.Is(err, infostore.ErrDropped) {
		t.Fatalf("err=%v want ErrDropped", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state=%s", res.State)
	}
	if _, err := h.store.GetInfo(ctx, key); !errors.Is(err, infostore.ErrNotFound) {
		t.Fatalf("dropped resource resurrected: %v", err)
	}
}

func TestExecute_LocalDropCancelsJob(t *testing.T) {
	layer := newFakeLayer(50)
	h := newHarness(t, layer, Config{})
	ctx := context.Background()
	layer.onPage = func() {
		h.pipe.Manager().Abort(key, infostore.ErrDropped)
		_ = h.store.Remove(ctx, key, infostore.Filter{})
	}

	_, err := h.pipe.Execute(ctx, h.req())
	if !errors.Is(err, infostore.ErrDropped) {
		t.Fatalf("err=%v want ErrDropped", err)
	}
	if _, err := h.store.GetInfo(ctx, key); !errors.Is(err, infostore.ErrNotFound) {
		t.Fatalf("dropped resource resurrected: %v", err)
	}
}

func TestExecute_AbortAllDropsPartialResource(t *testing.T) {
	layer := newFakeLayer(20000)
	layer.pagination = true
	entered := make(chan struct{}, 64)
	release := make(chan struct{})
	layer.onPage = func() {
		entered <- struct{}{}
		<-release
	}
	h := newHarness(t, layer, Config{PersistRows: true})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := h.pipe.Execute(ctx, h.req())
		errc <- err
	}()
	<-entered

	abortDone := make(chan error, 1)
	go func() { abortDone <- h.pipe.Manager().AbortAll(context.Background()) }()
	// in-flight pages finish naturally once the upstream answers
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-errc; !errors.Is(err, ErrAborted) {
		t.Fatalf("err=%v want ErrAborted", err)
	}
	if err := <-abortDone; err != nil {
		t.Fatalf("AbortAll: %v", err)
	}
	if got := layer.pageRequests.Load(); got >= 20 {
		t.Fatalf("dispatch continued after abort: %d page requests", got)
	}
	if _, err := h.store.GetInfo(ctx, key); !errors.Is(err, infostore.ErrNotFound) {
		t.Fatalf("partial resource kept after abort: %v", err)
	}
	if len(h.pipe.Manager().Inflight()) != 0 {
		t.Fatalf("job still registered")
	}
}

func TestExecute_ConcurrencyBoundForThirdPartyHosts(t *testing.T) {
	layer := newFakeLayer(20000)
	layer.pagination = true
	layer.pageDelay = 5 * time.Millisecond
	h := newHarness(t, layer, Config{})

	if _, err := h.pipe.Execute(context.Background(), h.req()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if m := layer.maxInflight.Load(); m > 4 {
		t.Fatalf("max in-flight pages=%d want <= 4", m)
	}
}

func TestCombine_UsesPageOrder(t *testing.T) {
	digests := [][]byte{[]byte("p0"), []byte("p1"), []byte("p2")}
	swapped := [][]byte{[]byte("p1"), []byte("p0"), []byte("p2")}
	if combine(sha1.New(), digests) != combine(sha1.New(), digests) {
		t.Fatalf("combine is not deterministic")
	}
	if combine(sha1.New(), digests) == combine(sha1.New(), swapped) {
		t.Fatalf("page order must be part of the hash")
	}
}
