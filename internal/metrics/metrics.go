// Package metrics exposes Prometheus collectors for the session coordinator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	storeCommandsTotal         *prometheus.CounterVec
	storeCommandSeconds        *prometheus.HistogramVec
	sessionsCreatedTotal       prometheus.Counter
	sessionsRemovedTotal       prometheus.Counter
	urlClaimsTotal             *prometheus.CounterVec
	postponedOpsTotal          *prometheus.CounterVec
	archivesTotal              *prometheus.CounterVec
	archiveBytes               prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper calls
// it, so collectors exist before first use.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		storeCommandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsession_store_commands_total",
				Help: "Store commands issued, labeled by command and result.",
			},
			[]string{"command", "result"},
		)

		storeCommandSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlsession_store_command_seconds",
				Help:    "Store command round-trip latency, labeled by command.",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
			[]string{"command"},
		)

		sessionsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlsession_sessions_created_total",
				Help: "Total sessions created.",
			},
		)

		sessionsRemovedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlsession_sessions_removed_total",
				Help: "Total sessions removed.",
			},
		)

		urlClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsession_url_claims_total",
				Help: "URL claim attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		postponedOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsession_postponed_ops_total",
				Help: "Postponed-set operations, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		archivesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsession_archives_total",
				Help: "Session retirements, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		archiveBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlsession_archive_snapshot_bytes",
				Help:    "Size of archived session snapshots.",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8),
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveStoreCommand records one store round-trip. A zero duration only
// bumps the counter.
func ObserveStoreCommand(command, result string, duration time.Duration) {
	Init()
	storeCommandsTotal.WithLabelValues(command, result).Inc()
	if duration > 0 {
		storeCommandSeconds.WithLabelValues(command).Observe(duration.Seconds())
	}
}

// ObserveSessionCreated increments the created-sessions counter.
func ObserveSessionCreated() {
	Init()
	sessionsCreatedTotal.Inc()
}

// ObserveSessionRemoved increments the removed-sessions counter.
func ObserveSessionRemoved() {
	Init()
	sessionsRemovedTotal.Inc()
}

// ObserveClaim records a URL claim outcome (claimed, owned, conflict, unregistered).
func ObserveClaim(outcome string) {
	Init()
	urlClaimsTotal.WithLabelValues(outcome).Inc()
}

// ObservePostponed records a postponed-set operation outcome.
func ObservePostponed(op, outcome string) {
	Init()
	postponedOpsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveArchive records a retirement outcome and, on success, the snapshot size.
func ObserveArchive(outcome string, size int) {
	Init()
	archivesTotal.WithLabelValues(outcome).Inc()
	if size > 0 {
		archiveBytes.Observe(float64(size))
	}
}
