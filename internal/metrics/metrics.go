// Package metrics exposes Prometheus collectors for the acquisition pipeline.
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
	itemsTotal                 *prometheus.CounterVec
	deadLettersTotal           *prometheus.CounterVec
	recoveredOrphansTotal      *prometheus.CounterVec
	discoveryCandidatesTotal   *prometheus.CounterVec
	reconcileRepairsTotal      *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	stageDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	rateLimitDelaySeconds      prometheus.Histogram
	robotsFallbacksTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpResponseBytesTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_items_total",
				Help: "Items handled by a stage worker, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		deadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_dead_letters_total",
				Help: "Items moved to a dead-letter queue, labeled by stage.",
			},
			[]string{"stage"},
		)

		recoveredOrphansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_recovered_orphans_total",
				Help: "In-flight items recovered at stage startup, labeled by stage.",
			},
			[]string{"stage"},
		)

		discoveryCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_discovery_candidates_total",
				Help: "Candidates seen by discovery, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reconcileRepairsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_reconcile_repairs_total",
				Help: "Repairs applied by reconciliation, labeled by kind.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clipvault_active_workers",
				Help: "Number of workers currently processing an item.",
			},
			[]string{"stage"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipvault_stage_duration_seconds",
				Help:    "Histogram of per-item processing time, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_fetch_bytes_total",
				Help: "Asset bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clipvault_discovery_rate_limit_delay_seconds",
				Help:    "Histogram of discovery politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_robots_fallbacks_total",
				Help: "robots.txt requests answered with allow-all after timing out, labeled by site and cause.",
			},
			[]string{"site", "cause"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_http_requests_total",
				Help: "Total number of API requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipvault_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		httpResponseBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipvault_http_response_bytes_total",
				Help: "Bytes written in API responses, labeled by route.",
			},
			[]string{"route"},
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

// ObserveItem counts one stage outcome ("succeeded", "retried", "dead_lettered").
func ObserveItem(stage, outcome string) {
	Init()
	itemsTotal.WithLabelValues(stage, outcome).Inc()
	if outcome == "dead_lettered" {
		deadLettersTotal.WithLabelValues(stage).Inc()
	}
}

// ObserveStageDuration records how long one item took in stage.
func ObserveStageDuration(stage string, d time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRecoveredOrphan counts an in-flight item recovered at startup.
func ObserveRecoveredOrphan(stage string) {
	Init()
	recoveredOrphansTotal.WithLabelValues(stage).Inc()
}

// ObserveDiscovery counts a discovery candidate outcome ("enqueued", "skipped").
func ObserveDiscovery(outcome string) {
	Init()
	discoveryCandidatesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRepair counts a reconciliation repair of the given kind.
func ObserveRepair(kind string, n int) {
	Init()
	if n > 0 {
		reconcileRepairsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveFetch records bytes fetched from site.
func ObserveFetch(site string, bytesFetched int64) {
	Init()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt for site that was assumed
// allow-all after it timed out with cause.
func ObserveRobotsFallback(site, cause string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(SanitizeSite(site), cause).Inc()
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code, bytesWritten int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
	if bytesWritten > 0 {
		httpResponseBytesTotal.WithLabelValues(route).Add(float64(bytesWritten))
	}
}

// IncActiveWorkers increments the active workers gauge for stage.
func IncActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active workers gauge for stage.
func DecActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Dec()
}
