package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Reconciliation ----

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pbsync",
			Name:      "reconcile_sessions_total",
			Help:      "Completed reconciliation sessions by role and outcome.",
		},
		[]string{"role", "status"},
	)

	SessionRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pbsync",
			Name:      "reconcile_rounds",
			Help:      "Rounds a reconciliation session took.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		},
	)

	RecoveredKeysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pbsync",
			Name:      "reconcile_recovered_keys_total",
			Help:      "Difference keys recovered across all sessions.",
		},
	)

	GroupsSplitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pbsync",
			Name:      "reconcile_groups_split_total",
			Help:      "Groups split after a BCH decoding failure.",
		},
	)

	ChecksumMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pbsync",
			Name:      "reconcile_checksum_mismatch_total",
			Help:      "Groups whose checksum verification failed (type I/II exceptions).",
		},
	)

	MessageBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pbsync",
			Name:      "reconcile_message_bytes_total",
			Help:      "Wire bytes moved, by message type and direction.",
		},
		[]string{"type", "direction"},
	)

	ParamCacheHitsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pbsync",
			Name:      "param_cache_hits_total",
			Help:      "Parameter-oracle matrix cache hits.",
		},
	)

	ParamCacheMissesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pbsync",
			Name:      "param_cache_misses_total",
			Help:      "Parameter-oracle matrix cache misses.",
		},
	)

	// ---- HTTP ----

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pbsync",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pbsync",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pbsync",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pbsync",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "pbsync",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		SessionsTotal, SessionRounds, RecoveredKeysTotal,
		GroupsSplitTotal, ChecksumMismatchTotal, MessageBytesTotal,
		ParamCacheHitsTotal, ParamCacheMissesTotal,
		RequestsTotal, RequestDuration, InFlight,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with
// ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// SetParamCacheStats publishes the oracle cache counters; cmd/server
// refreshes them after each periodic sync session.
func SetParamCacheStats(hits, misses uint64) {
	ParamCacheHitsTotal.Set(float64(hits))
	ParamCacheMissesTotal.Set(float64(misses))
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided
// "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
