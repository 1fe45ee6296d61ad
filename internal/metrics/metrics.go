// Package metrics exposes Prometheus collectors for the pipeline and the API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	listingPagesTotal          *prometheus.CounterVec
	linksTotal                 *prometheus.CounterVec
	downloadsTotal             *prometheus.CounterVec
	filesNormalizedTotal       *prometheus.CounterVec
	rowsTotal                  *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	cacheRequestsTotal         *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		listingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spimex_listing_pages_total",
				Help: "Listing pages processed, labeled by status.",
			},
			[]string{"status"},
		)

		linksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spimex_links_total",
				Help: "Listing links seen, labeled by outcome (stored, stale, incomplete).",
			},
			[]string{"outcome"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spimex_downloads_total",
				Help: "Spreadsheet downloads, labeled by status.",
			},
			[]string{"status"},
		)

		filesNormalizedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spimex_files_normalized_total",
				Help: "Spreadsheets normalized, labeled by status.",
			},
			[]string{"status"},
		)

		rowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spimex_rows_total",
				Help: "Trading result rows, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spimex_fetch_attempts_total",
				Help: "Fetch attempts, labeled by outcome (success, retry, failure).",
			},
			[]string{"outcome"},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spimex_cache_requests_total",
				Help: "Query cache lookups, labeled by route and result.",
			},
			[]string{"route", "result"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spimex_stage_duration_seconds",
				Help:    "Pipeline stage wall time.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"stage"},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spimex_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveListingPage counts a processed listing page.
func ObserveListingPage(status string) {
	Init()
	listingPagesTotal.WithLabelValues(status).Inc()
}

// ObserveLinks counts listing links by outcome.
func ObserveLinks(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	linksTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveDownload counts a download attempt by status.
func ObserveDownload(status string) {
	Init()
	downloadsTotal.WithLabelValues(status).Inc()
}

// ObserveNormalizedFile counts a normalized spreadsheet by status.
func ObserveNormalizedFile(status string) {
	Init()
	filesNormalizedTotal.WithLabelValues(status).Inc()
}

// ObserveRows counts rows for a stage and outcome.
func ObserveRows(stage, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	rowsTotal.WithLabelValues(stage, outcome).Add(float64(n))
}

// ObserveFetch counts a fetch attempt outcome.
func ObserveFetch(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCache counts a cache lookup.
func ObserveCache(route string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequestsTotal.WithLabelValues(route, result).Inc()
}

// ObserveStage records how long a pipeline stage ran.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
