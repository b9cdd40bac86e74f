package importer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLayer serves a feature layer with configurable capabilities and faults.
type fakeLayer struct {
	mu             sync.Mutex
	ids            []int64
	names          map[int64]string
	maxRecordCount int
	pagination     bool
	stats          bool
	failFirst      int
	failures       map[string]int
	upstreamErr    bool
	onPage         func()
	pageDelay      time.Duration

	pageRequests atomic.Int32
	inflight     atomic.Int32
	maxInflight  atomic.Int32
}

func newFakeLayer(n int) *fakeLayer {
	l := &fakeLayer{names: map[int64]string{}, failures: map[string]int{}, maxRecordCount: 1000}
	for i := 1; i <= n; i++ {
		l.ids = append(l.ids, int64(i))
		l.names[int64(i)] = fmt.Sprintf("f%d", i)
	}
	return l
}

func (l *fakeLayer) rename(id int64, name string) {
	l.mu.Lock()
	l.names[id] = name
	l.mu.Unlock()
}

func (l *fakeLayer) serve(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)
	return srv.URL + "/arcgis/rest/services/Demo/FeatureServer/0"
}

func (l *fakeLayer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if !strings.HasSuffix(r.URL.Path, "/query") {
		writeJSON(w, map[string]any{
			"name":           "Demo",
			"geometryType":   "esriGeometryPoint",
			"objectIdField":  "OBJECTID",
			"maxRecordCount": l.maxRecordCount,
			"fields": []map[string]any{
				{"name": "OBJECTID", "type": "esriFieldTypeOID"},
				{"name": "name", "type": "esriFieldTypeString"},
			},
			"advancedQueryCapabilities": map[string]any{
				"supportsPagination": l.pagination,
				"supportsStatistics": l.stats,
			},
		})
		return
	}

	f := r.Form
	switch {
	case f.Get("returnCountOnly") == "true":
		writeJSON(w, map[string]any{"count": len(l.ids)})
		return
	case f.Get("returnIdsOnly") == "true":
		writeJSON(w, map[string]any{"objectIdFieldName": "OBJECTID", "objectIds": l.ids})
		return
	case f.Get("outStatistics") != "":
		writeJSON(w, map[string]any{"features": []any{map[string]any{"attributes": map[string]any{
			"min_oid": l.ids[0], "max_oid": l.ids[len(l.ids)-1],
		}}}})
		return
	}

	l.pageRequests.Add(1)
	cur := l.inflight.Add(1)
	defer l.inflight.Add(-1)
	for {
		m := l.maxInflight.Load()
		if cur <= m || l.maxInflight.CompareAndSwap(m, cur) {
			break
		}
	}
	if l.onPage != nil {
		l.onPage()
	}
	if l.pageDelay > 0 {
		time.Sleep(l.pageDelay)
	}

	if l.upstreamErr {
		writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "Invalid or missing input parameters."}})
		return
	}
	sig := f.Encode()
	l.mu.Lock()
	fails := l.failures[sig]
	if fails < l.failFirst {
		l.failures[sig] = fails + 1
		l.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	l.mu.Unlock()

	ids := l.selectIDs(f.Get("where"), f.Get("resultOffset"), f.Get("resultRecordCount"))
	feats := make([]any, 0, len(ids))
	l.mu.Lock()
	for _, id := range ids {
		feats = append(feats, map[string]any{
			"attributes": map[string]any{"OBJECTID": id, "name": l.names[id]},
			"geometry":   map[string]any{"x": float64(id) * 0.001, "y": 50.0},
		})
	}
	l.mu.Unlock()
	writeJSON(w, map[string]any{"objectIdFieldName": "OBJECTID", "features": feats})
}

func (l *fakeLayer) selectIDs(where, offset, count string) []int64 {
	switch {
	case where == "1=1":
		off, _ := strconv.Atoi(offset)
		n, err := strconv.Atoi(count)
		if err != nil || n <= 0 {
			n = len(l.ids)
		}
		if off >= len(l.ids) {
			return nil
		}
		return l.ids[off:min(off+n, len(l.ids))]
	case strings.Contains(where, " IN ("):
		inner := where[strings.Index(where, "(")+1 : strings.LastIndex(where, ")")]
		var out []int64
		for _, s := range strings.Split(inner, ",") {
			id, _ := strconv.ParseInt(s, 10, 64)
			out = append(out, id)
		}
		return out
	default:
		var lo, hi int64
		_, _ = fmt.Sscanf(where, "OBJECTID >= %d AND OBJECTID <= %d", &lo, &hi)
		var out []int64
		for _, id := range l.ids {
			if id >= lo && id <= hi {
				out = append(out, id)
			}
		}
		return out
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
