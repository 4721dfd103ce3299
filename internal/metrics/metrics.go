// Package metrics exposes Prometheus collectors for the crawler process.
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
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRecordsTotal           *prometheus.CounterVec
	crawlerLoginAttemptsTotal     *prometheus.CounterVec
	crawlerParseErrorsTotal       *prometheus.CounterVec
	crawlerDedupSkipsTotal        *prometheus.CounterVec
	crawlerQueueDepth             prometheus.Gauge
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetches, labeled by purpose and outcome.",
			},
			[]string{"purpose", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_emitted_total",
				Help: "Total number of records handed to the emitter, labeled by kind.",
			},
			[]string{"kind"},
		)

		crawlerLoginAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_login_attempts_total",
				Help: "Total number of login sequences, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerParseErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_parse_errors_total",
				Help: "Total number of non-fatal parse errors, labeled by purpose.",
			},
			[]string{"purpose"},
		)

		crawlerDedupSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dedup_skips_total",
				Help: "Total number of discovered tasks skipped as already visited.",
			},
			[]string{"purpose"},
		)

		crawlerQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Number of tasks waiting in the frontier queue.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of ops API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops API latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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

// ObserveFetch counts one fetch outcome and the bytes it returned.
func ObserveFetch(site, purpose, outcome string, bytesFetched int) {
	Init()
	crawlerFetchesTotal.WithLabelValues(purpose, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveRecord counts one record handed to the emitter.
func ObserveRecord(kind string) {
	Init()
	crawlerRecordsTotal.WithLabelValues(kind).Inc()
}

// ObserveLogin counts one login sequence by result.
func ObserveLogin(result string) {
	Init()
	crawlerLoginAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveParseError counts one non-fatal parse error.
func ObserveParseError(purpose string) {
	Init()
	crawlerParseErrorsTotal.WithLabelValues(purpose).Inc()
}

// ObserveDedupSkip counts one discovered task rejected by the visited set.
func ObserveDedupSkip(purpose string) {
	Init()
	crawlerDedupSkipsTotal.WithLabelValues(purpose).Inc()
}

// SetQueueDepth records the current frontier size.
func SetQueueDepth(n int) {
	Init()
	crawlerQueueDepth.Set(float64(n))
}

// ObserveHTTPRequest increments the ops API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
