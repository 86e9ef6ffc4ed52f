// Package metrics exposes Prometheus collectors for the extraction service.
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
	pageFetchesTotal           *prometheus.CounterVec
	productsTotal              *prometheus.CounterVec
	enrichmentFailuresTotal    *prometheus.CounterVec
	passesTotal                *prometheus.CounterVec
	stateTransitionsTotal      *prometheus.CounterVec
	notifyDroppedTotal         prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pageFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nekoparser_page_fetches_total",
				Help: "Total number of page fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		productsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nekoparser_products_total",
				Help: "Product extraction results, labeled by result (extracted, dropped).",
			},
			[]string{"result"},
		)

		enrichmentFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nekoparser_enrichment_failures_total",
				Help: "Enrichment calls that fell back to a placeholder, labeled by kind.",
			},
			[]string{"kind"},
		)

		passesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nekoparser_passes_total",
				Help: "Completed pipeline passes, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		stateTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nekoparser_state_transitions_total",
				Help: "Source state transitions, labeled by target state.",
			},
			[]string{"to"},
		)

		notifyDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nekoparser_notify_dropped_total",
				Help: "Change notifications dropped because the hub buffer was full.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nekoparser_active_workers",
				Help: "Number of workers currently running a task.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nekoparser_rate_limit_delay_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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

// ObservePageFetch counts one fetch outcome ("fetched" or "unavailable").
func ObservePageFetch(site, outcome string) {
	Init()
	pageFetchesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveProduct counts one extraction result.
func ObserveProduct(result string) {
	Init()
	productsTotal.WithLabelValues(result).Inc()
}

// ObserveEnrichmentFailure counts one enrichment fallback.
func ObserveEnrichmentFailure(kind string) {
	Init()
	enrichmentFailuresTotal.WithLabelValues(kind).Inc()
}

// ObservePass counts one finished pass.
func ObservePass(kind, result string) {
	Init()
	passesTotal.WithLabelValues(kind, result).Inc()
}

// ObserveTransition counts one state transition.
func ObserveTransition(to string) {
	Init()
	stateTransitionsTotal.WithLabelValues(to).Inc()
}

// ObserveNotifyDropped counts one dropped notification.
func ObserveNotifyDropped() {
	Init()
	notifyDroppedTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
