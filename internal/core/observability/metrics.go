// Package observability holds the Prometheus metric set shared by all components.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	upstream       *prometheus.HistogramVec
	cacheOps       *prometheus.CounterVec
	cacheOpLatency *prometheus.HistogramVec
	imports        *prometheus.CounterVec
	importDuration prometheus.Histogram
	pages          *prometheus.CounterVec
	pageRetries    prometheus.Counter
	locks          *prometheus.CounterVec
	inflight       prometheus.Gauge
	csvIngests     *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec
}

var current atomic.Pointer[metricSet]

// Init builds the metric set and registers it with reg. With enabled=false or a nil
// registerer every Observe* call becomes a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		current.Store(nil)
		return
	}
	m := &metricSet{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		upstream: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_latency_seconds",
				Help:    "Latency of remote feature service calls in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"call"},
		),
		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_op_total",
				Help: "Redis operations by op and result.",
			},
			[]string{"op", "result"},
		),
		cacheOpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redis_operation_duration_seconds",
				Help:    "Redis operation latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),
		imports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_jobs_total",
				Help: "Import jobs by outcome.",
			},
			[]string{"outcome"},
		),
		importDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "import_duration_seconds",
				Help:    "Wall time of import jobs that reached Fetching.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
		),
		pages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_pages_total",
				Help: "Page fetches by paging strategy and result.",
			},
			[]string{"strategy", "result"},
		),
		pageRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "import_page_retries_total",
				Help: "Page fetch attempts that were re-submitted after a retryable error.",
			},
		),
		locks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_lock_total",
				Help: "Import lock acquisitions by result.",
			},
			[]string{"result"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "imports_inflight",
				Help: "Import jobs currently registered with the job manager.",
			},
		),
		csvIngests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csv_ingests_total",
				Help: "CSV ingests by outcome.",
			},
			[]string{"outcome"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mirror_build_info",
				Help: "Build information for the binary.",
			},
			[]string{"version"},
		),
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration, m.upstream,
		m.cacheOps, m.cacheOpLatency,
		m.imports, m.importDuration, m.pages, m.pageRetries,
		m.locks, m.inflight, m.csvIngests, m.buildInfo,
	)
	current.Store(m)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := current.Load()
	if m == nil {
		return
	}
	st := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, st).Inc()
	m.httpDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(call string, durationSeconds float64) {
	if m := current.Load(); m != nil {
		m.upstream.WithLabelValues(call).Observe(durationSeconds)
	}
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	m := current.Load()
	if m == nil {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	m.cacheOps.WithLabelValues(op, res).Inc()
	m.cacheOpLatency.WithLabelValues(op).Observe(durationSeconds)
}

// ObserveImport records a finished job: cached, unchanged, failed, dropped, aborted or skipped.
func ObserveImport(outcome string, durationSeconds float64) {
	m := current.Load()
	if m == nil {
		return
	}
	m.imports.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		m.importDuration.Observe(durationSeconds)
	}
}

func ObservePage(strategy, result string) {
	if m := current.Load(); m != nil {
		m.pages.WithLabelValues(strategy, result).Inc()
	}
}

func IncPageRetry() {
	if m := current.Load(); m != nil {
		m.pageRetries.Inc()
	}
}

func ObserveLock(result string) {
	if m := current.Load(); m != nil {
		m.locks.WithLabelValues(result).Inc()
	}
}

func SetInflightJobs(n int) {
	if m := current.Load(); m != nil {
		m.inflight.Set(float64(n))
	}
}

func ObserveCSVIngest(outcome string) {
	if m := current.Load(); m != nil {
		m.csvIngests.WithLabelValues(outcome).Inc()
	}
}

func ExposeBuildInfo(version string) {
	m := current.Load()
	if m == nil {
		return
	}
	if version == "" {
		version = "dev"
	}
	m.buildInfo.WithLabelValues(version).Set(1)
}
