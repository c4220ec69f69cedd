package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	searchDuration  prometheus.Histogram
	syncDuration    *prometheus.HistogramVec
	indexedFiles    *prometheus.GaugeVec
	indexedChunks   prometheus.Gauge
	cacheLookups    *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	embedCalls      *prometheus.CounterVec
	batchJobs       *prometheus.CounterVec
	batchDisabled   prometheus.Gauge
	backendFallback prometheus.Counter
	dirtyMarks      *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Hybrid search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			syncDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_sync_duration_seconds",
					Help:    "Index sync duration in seconds by mode.",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
				},
				[]string{"mode"},
			),
			indexedFiles: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "memory_indexed_files",
					Help: "Indexed file count by source.",
				},
				[]string{"source"},
			),
			indexedChunks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_indexed_chunks",
					Help: "Total indexed chunk count.",
				},
			),
			cacheLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_embedding_cache_lookups_total",
					Help: "Embedding cache lookups by outcome.",
				},
				[]string{"outcome"},
			),
			cacheEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_embedding_cache_entries",
					Help: "Current embedding cache entry count.",
				},
			),
			embedCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_embedding_calls_total",
					Help: "Embedding backend calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			batchJobs: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_batch_jobs_total",
					Help: "Asynchronous embedding batch jobs by status.",
				},
				[]string{"status"},
			),
			batchDisabled: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_batch_disabled",
					Help: "1 when batch embedding is disabled for the process.",
				},
			),
			backendFallback: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_backend_fallback_total",
					Help: "Embedding backend fallback switches.",
				},
			),
			dirtyMarks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_dirty_marks_total",
					Help: "Dirty tracker marks by source.",
				},
				[]string{"source"},
			),
		}

		prometheus.MustRegister(
			m.searchDuration,
			m.syncDuration,
			m.indexedFiles,
			m.indexedChunks,
			m.cacheLookups,
			m.cacheEntries,
			m.embedCalls,
			m.batchJobs,
			m.batchDisabled,
			m.backendFallback,
			m.dirtyMarks,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered registers all collectors. Safe to call multiple times.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordSearch records one hybrid search duration.
func RecordSearch(duration time.Duration) {
	getMetrics().searchDuration.Observe(duration.Seconds())
}

// RecordSync records one sync duration. Mode is "full" or "incremental".
func RecordSync(mode string, duration time.Duration) {
	getMetrics().syncDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetIndexedFiles sets the indexed file gauge for a source.
func SetIndexedFiles(source string, n int) {
	getMetrics().indexedFiles.WithLabelValues(source).Set(float64(n))
}

// SetIndexedChunks sets the total indexed chunk gauge.
func SetIndexedChunks(n int) {
	getMetrics().indexedChunks.Set(float64(n))
}

// RecordCacheLookup records an embedding cache lookup. Outcome is "hit" or "miss".
func RecordCacheLookup(outcome string) {
	getMetrics().cacheLookups.WithLabelValues(outcome).Inc()
}

// SetCacheEntries sets the embedding cache entry gauge.
func SetCacheEntries(n int) {
	getMetrics().cacheEntries.Set(float64(n))
}

// RecordEmbedCall records an embedding backend call.
func RecordEmbedCall(provider, status string) {
	getMetrics().embedCalls.WithLabelValues(provider, status).Inc()
}

// RecordBatchJob records a batch job outcome: "submitted", "completed",
// "timeout", "failed" or "rejected".
func RecordBatchJob(status string) {
	getMetrics().batchJobs.WithLabelValues(status).Inc()
}

// SetBatchDisabled flips the batch-disabled gauge.
func SetBatchDisabled(disabled bool) {
	v := 0.0
	if disabled {
		v = 1.0
	}
	getMetrics().batchDisabled.Set(v)
}

// RecordBackendFallback counts a fallback backend switch.
func RecordBackendFallback() {
	getMetrics().backendFallback.Inc()
}

// RecordDirtyMark counts a dirty tracker mark for a source.
func RecordDirtyMark(source string) {
	getMetrics().dirtyMarks.WithLabelValues(source).Inc()
}
