// Package metrics exposes the worker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "renderworker"
)

var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total terminal job outcomes by kind.",
	}, []string{"outcome"})

	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall time from job acquisition to terminal report.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	})

	HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeats_total",
		Help:      "Total heartbeat attempts by result.",
	}, []string{"result"})

	PollTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_total",
		Help:      "Total dispatch poll attempts by result.",
	}, []string{"result"})

	AssetCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "asset_cache_total",
		Help:      "Total asset cache lookups by result.",
	}, []string{"result"})

	ScaleInProtected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scale_in_protected",
		Help:      "1 while this instance holds scale-in protection, else 0.",
	})

	ShutdownReason = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shutdown_reason",
		Help:      "Set to 1, once, on the reason the shutdown latch was armed with.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobDuration,
		HeartbeatsTotal,
		PollTotal,
		AssetCacheTotal,
		ScaleInProtected,
		ShutdownReason,
	)
}

// Handler returns the HTTP mux serving /metrics and /healthz, suitable for
// ListenAndServe on the configured METRICS_ADDR.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
