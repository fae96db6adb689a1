// Package metrics exposes Prometheus collectors for the SVI collector and
// pushes them to a Pushgateway when a run ends.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svi_batches_total",
			Help: "Total number of provider batches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	providerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svi_provider_attempts_total",
			Help: "Total provider query attempts, labeled by result.",
		},
		[]string{"result"},
	)

	retryBackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "svi_retry_backoff_seconds",
			Help:    "Histogram of retry waits before provider re-attempts.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30},
		},
	)

	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svi_rows_total",
			Help: "Total observation rows, labeled by pipeline stage.",
		},
		[]string{"stage"},
	)

	ingestFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svi_ingest_failures_total",
			Help: "Total failed ingestion deliveries, labeled by kind.",
		},
		[]string{"kind"},
	)

	archiveFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svi_archive_failures_total",
			Help: "Total failed archive writes, labeled by archiver.",
		},
		[]string{"archiver"},
	)

	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svi_frame_cache_requests_total",
			Help: "Provider frame cache lookups, labeled by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svi_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	httpClientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svi_http_client_requests_total",
			Help: "Total outbound HTTP requests, labeled by client, method and code.",
		},
		[]string{"client", "code", "method"},
	)

	httpClientRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svi_http_client_request_duration_seconds",
			Help:    "Histogram of outbound HTTP request latencies, labeled by client and method.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"client", "method"},
	)

	lastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "svi_last_run",
			Help: "Counts reported by the most recent run summary, labeled by field.",
		},
		[]string{"field"},
	)

	lastRunTimestampSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "svi_last_run_timestamp_seconds",
			Help: "Unix time the most recent run finished.",
		},
	)

	lastRunDurationSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "svi_last_run_duration_seconds",
			Help: "Wall time of the most recent run.",
		},
	)
)

// Summary mirrors the counters of a run summary without importing the collector package.
type Summary struct {
	ItemsConsidered  int
	TermsBuilt       int
	BatchesAttempted int
	BatchesFailed    int
	DeliveriesFailed int
	RowsCollected    int
	RowsIngested     int
	FinishedAt       time.Time
	Duration         time.Duration
}

// ObserveBatch increments the batch counter for the given outcome.
func ObserveBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveProviderAttempt records one provider call.
func ObserveProviderAttempt(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	providerAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRetryBackoff records a retry wait.
func ObserveRetryBackoff(wait time.Duration) {
	retryBackoffSeconds.Observe(wait.Seconds())
}

// AddRows adds n rows to the given stage ("collected", "ingested", "archived").
func AddRows(stage string, n int) {
	if n <= 0 {
		return
	}
	rowsTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveIngestFailure counts a failed delivery ("status" or "transport").
func ObserveIngestFailure(kind string) {
	ingestFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveArchiveFailure counts a failed archive write.
func ObserveArchiveFailure(archiver string) {
	archiveFailuresTotal.WithLabelValues(archiver).Inc()
}

// ObserveCache counts a frame cache lookup.
func ObserveCache(result string) {
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(strings.ToLower(host)).Observe(duration.Seconds())
}

// RecordRun sets the last-run gauges.
func RecordRun(s Summary) {
	lastRun.WithLabelValues("items_considered").Set(float64(s.ItemsConsidered))
	lastRun.WithLabelValues("terms_built").Set(float64(s.TermsBuilt))
	lastRun.WithLabelValues("batches_attempted").Set(float64(s.BatchesAttempted))
	lastRun.WithLabelValues("batches_failed").Set(float64(s.BatchesFailed))
	lastRun.WithLabelValues("deliveries_failed").Set(float64(s.DeliveriesFailed))
	lastRun.WithLabelValues("rows_collected").Set(float64(s.RowsCollected))
	lastRun.WithLabelValues("rows_ingested").Set(float64(s.RowsIngested))
	lastRunDurationSeconds.Set(s.Duration.Seconds())
	if !s.FinishedAt.IsZero() {
		lastRunTimestampSeconds.Set(float64(s.FinishedAt.Unix()))
	}
}

// InstrumentTransport wraps next so every request is counted and timed under
// the given client label.
func InstrumentTransport(client string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	labels := prometheus.Labels{"client": client}
	return promhttp.InstrumentRoundTripperCounter(
		httpClientRequestsTotal.MustCurryWith(labels),
		promhttp.InstrumentRoundTripperDuration(httpClientRequestDurationSeconds.MustCurryWith(labels), next),
	)
}

// Push sends every registered metric to the Pushgateway at url under job.
// A batch process has no scrape endpoint, so this is how its numbers leave.
func Push(ctx context.Context, url, job, instance string) error {
	if url == "" {
		return nil
	}
	pusher := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
