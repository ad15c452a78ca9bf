// Package metrics provides Prometheus metrics for a GoatDB process: commit
// traffic through the repository engine, sync round outcomes, query
// activity, and the HTTP surface that carries sync rounds over the wire.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a GoatDB process.
type Metrics struct {
	// HTTP metrics (internal/api's sync transport)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Repository metrics (internal/repository, C8)
	CommitsAppendedTotal *prometheus.CounterVec
	CommitsRejectedTotal *prometheus.CounterVec
	MergeFallbackTotal   *prometheus.CounterVec
	RepositoryCommits    *prometheus.GaugeVec

	// Sync metrics (internal/sync, C9)
	SyncRoundsTotal           *prometheus.CounterVec
	SyncCommitsExchangedTotal *prometheus.CounterVec
	SyncRoundDuration         *prometheus.HistogramVec

	// Query metrics (internal/query, C10)
	QueryRunsTotal   *prometheus.CounterVec
	QueryRunDuration *prometheus.HistogramVec
	QueryCacheHits   *prometheus.CounterVec
	QueryCacheMisses *prometheus.CounterVec

	// Trust metrics (internal/trust, C11)
	SignatureVerificationsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_requests_total",
			Help: "Total number of sync transport HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goatdb_request_duration_seconds",
			Help:    "Sync transport HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goatdb_requests_in_flight",
			Help: "Number of sync transport HTTP requests currently being processed",
		},
	)

	m.CommitsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_commits_appended_total",
			Help: "Total number of commits appended to a repository's log",
		},
		[]string{"repo"},
	)

	m.CommitsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_commits_rejected_total",
			Help: "Total number of incoming commits rejected by PersistCommits",
		},
		[]string{"repo", "reason"}, // reason: already_known, graph_reject, verify_failed
	)

	m.MergeFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_merge_fallback_total",
			Help: "Total number of merged fields resolved by last-writer-wins fallback",
		},
		[]string{"repo"},
	)

	m.RepositoryCommits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goatdb_repository_commits",
			Help: "Current number of commits a repository holds",
		},
		[]string{"repo"},
	)

	m.SyncRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_sync_rounds_total",
			Help: "Total number of sync rounds attempted per peer",
		},
		[]string{"peer", "result"}, // result: completed, failed
	)

	m.SyncCommitsExchangedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_sync_commits_exchanged_total",
			Help: "Total number of commits exchanged during sync rounds",
		},
		[]string{"peer", "direction"}, // direction: sent, received
	)

	m.SyncRoundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goatdb_sync_round_duration_seconds",
			Help:    "Sync round latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	m.QueryRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_query_runs_total",
			Help: "Total number of query Run invocations",
		},
		[]string{"query"},
	)

	m.QueryRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goatdb_query_run_duration_seconds",
			Help:    "Query Run latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	m.QueryCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_query_cache_hits_total",
			Help: "Total number of on-disk query cache loads that resumed cleanly",
		},
		[]string{"query"},
	)

	m.QueryCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_query_cache_misses_total",
			Help: "Total number of on-disk query cache loads that fell back to a full rescan",
		},
		[]string{"query"},
	)

	m.SignatureVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goatdb_signature_verifications_total",
			Help: "Total number of commit signature verifications",
		},
		[]string{"result"}, // result: ok, failed
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.CommitsAppendedTotal,
		m.CommitsRejectedTotal,
		m.MergeFallbackTotal,
		m.RepositoryCommits,
		m.SyncRoundsTotal,
		m.SyncCommitsExchangedTotal,
		m.SyncRoundDuration,
		m.QueryRunsTotal,
		m.QueryRunDuration,
		m.QueryCacheHits,
		m.QueryCacheMisses,
		m.SignatureVerificationsTotal,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware returns HTTP middleware that records sync transport request
// metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes a sync transport URL path to reduce cardinality.
func normalizePath(path string) string {
	if startsWith(path, "/sync/") && endsWith(path, "/round") {
		return "/sync/{repo}/round"
	}
	return path
}

func startsWith(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func endsWith(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// RecordCommitAppended records a commit locally appended to repo's log.
func (m *Metrics) RecordCommitAppended(repo string) {
	m.CommitsAppendedTotal.WithLabelValues(repo).Inc()
}

// RecordCommitRejected records an incoming commit PersistCommits dropped,
// and why (already_known, graph_reject, verify_failed).
func (m *Metrics) RecordCommitRejected(repo, reason string) {
	m.CommitsRejectedTotal.WithLabelValues(repo, reason).Inc()
}

// RecordMergeFallback records one field of a synthesized merge that could
// not be reconciled by its normal rule and fell back to last-writer-wins
// (repository.MergeFallback).
func (m *Metrics) RecordMergeFallback(repo string) {
	m.MergeFallbackTotal.WithLabelValues(repo).Inc()
}

// UpdateRepositoryCommits sets the current commit count for repo.
func (m *Metrics) UpdateRepositoryCommits(repo string, count float64) {
	m.RepositoryCommits.WithLabelValues(repo).Set(count)
}

// RecordSyncRound records one completed or failed sync round against peer,
// along with how long it took.
func (m *Metrics) RecordSyncRound(peer string, completed bool, duration time.Duration) {
	result := "completed"
	if !completed {
		result = "failed"
	}
	m.SyncRoundsTotal.WithLabelValues(peer, result).Inc()
	m.SyncRoundDuration.WithLabelValues(peer).Observe(duration.Seconds())
}

// RecordCommitsExchanged records how many commits were sent to or received
// from peer during a round.
func (m *Metrics) RecordCommitsExchanged(peer, direction string, count int) {
	m.SyncCommitsExchangedTotal.WithLabelValues(peer, direction).Add(float64(count))
}

// RecordQueryRun records one query.Run invocation and its duration.
func (m *Metrics) RecordQueryRun(query string, duration time.Duration) {
	m.QueryRunsTotal.WithLabelValues(query).Inc()
	m.QueryRunDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordQueryCacheAccess records whether Open resumed query from its
// on-disk cache or fell back to a full rescan.
func (m *Metrics) RecordQueryCacheAccess(query string, hit bool) {
	if hit {
		m.QueryCacheHits.WithLabelValues(query).Inc()
	} else {
		m.QueryCacheMisses.WithLabelValues(query).Inc()
	}
}

// RecordSignatureVerification records one commit signature verification
// outcome.
func (m *Metrics) RecordSignatureVerification(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.SignatureVerificationsTotal.WithLabelValues(result).Inc()
}
