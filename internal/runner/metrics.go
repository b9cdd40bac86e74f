package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	msgs *prometheus.CounterVec
	proc prometheus.Histogram
	lag  prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_job_msgs_total",
				Help: "Import job messages consumed, by result.",
			},
			[]string{"result"},
		),
		proc: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "import_job_processing_seconds",
				Help:    "Time from receiving a job message to finishing it.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
		),
		lag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "import_job_lag_seconds",
				Help: "Approximate lag: now - message.timestamp.",
			},
		),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.proc, m.lag)
	}
	return m
}
