package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// History metrics
	pageFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_page_fetches_total",
			Help: "Total number of one-shot history page fetches",
		},
		[]string{"status"},
	)

	pageFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadsync_page_fetch_duration_seconds",
			Help:    "History page fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	loadMoreTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_load_more_total",
			Help: "Total number of load-more calls by outcome",
		},
		[]string{"outcome"},
	)

	staleResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_stale_results_total",
			Help: "Async results discarded because their context was superseded",
		},
		[]string{"source"},
	)

	// Streaming metrics
	deltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_deltas_total",
			Help: "Deltas seen by the aggregator by outcome",
		},
		[]string{"outcome"},
	)

	gapErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_gap_errors_total",
			Help: "Delta integrity failures by gap policy",
		},
		[]string{"policy"},
	)

	materializePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_materialize_passes_total",
			Help: "Materialization passes by outcome",
		},
		[]string{"outcome"},
	)

	materializeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threadsync_materialize_duration_seconds",
			Help:    "Materialization pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Output metrics
	mergedMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadsync_merged_messages",
			Help: "Size of the most recently published merged sequence",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			pageFetchesTotal,
			pageFetchDuration,
			loadMoreTotal,
			staleResultsTotal,
			deltasTotal,
			gapErrorsTotal,
			materializePassesTotal,
			materializeDuration,
			mergedMessages,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordPageFetch records a one-shot page fetch
func RecordPageFetch(status string, duration time.Duration) {
	pageFetchesTotal.WithLabelValues(status).Inc()
	pageFetchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordLoadMore records a load-more outcome: "loaded", "noop", "error" or "stale"
func RecordLoadMore(outcome string) {
	loadMoreTotal.WithLabelValues(outcome).Inc()
}

// RecordStaleResult records a discarded async result
func RecordStaleResult(source string) {
	staleResultsTotal.WithLabelValues(source).Inc()
}

// RecordDeltas records n deltas with the given outcome: "accepted", "duplicate" or "ignored"
func RecordDeltas(outcome string, n int) {
	if n > 0 {
		deltasTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordGapError records a delta integrity failure
func RecordGapError(policy string) {
	gapErrorsTotal.WithLabelValues(policy).Inc()
}

// RecordMaterializePass records a pass outcome: "published", "failed", "stale" or "cancelled"
func RecordMaterializePass(outcome string, duration time.Duration) {
	materializePassesTotal.WithLabelValues(outcome).Inc()
	materializeDuration.Observe(duration.Seconds())
}

// SetMergedMessages sets the merged sequence size gauge
func SetMergedMessages(count int) {
	mergedMessages.Set(float64(count))
}
