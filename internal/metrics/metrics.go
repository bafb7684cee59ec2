// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of pages fetched, labeled by domain and status.",
		},
		[]string{"domain", "status"},
	)

	crawlerRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Total number of fetch retries scheduled.",
		},
	)

	crawlerSkippedRobotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_skipped_robots_total",
			Help: "Total number of fetches skipped because robots policy disallowed them.",
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

	crawlerFrontierDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_frontier_depth",
			Help: "Number of requests waiting in the frontier.",
		},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a fetch.",
		},
	)

	etlLoadOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_load_outcomes_total",
			Help: "Total load stage outcomes, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	crawlerSessionsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_sessions_started_total",
			Help: "Total number of crawl sessions started.",
		},
	)

	crawlerSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_sessions_total",
			Help: "Total number of crawl sessions finalized, labeled by final state.",
		},
		[]string{"state"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of API request durations, labeled by method, route, and status.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route", "status"},
	)
)

// SanitizeDomain sanitizes a URL or host to a lowercase hostname label.
// It returns "unknown" if the input is unusable.
func SanitizeDomain(rawURL string) string {
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

// ObservePage increments the page counter for one fetch attempt outcome.
func ObservePage(domain string, status string) {
	crawlerPagesTotal.WithLabelValues(SanitizeDomain(domain), status).Inc()
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry() {
	crawlerRetriesTotal.Inc()
}

// ObserveSkippedRobots counts a fetch dropped by robots policy.
func ObserveSkippedRobots() {
	crawlerSkippedRobotsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(SanitizeDomain(domain)).Observe(duration.Seconds())
}

// AddFrontierDepth adjusts the frontier backlog gauge by a delta. Concurrent
// sessions each contribute their own queue's depth, so the gauge is the sum
// across sessions rather than whichever queue wrote last.
func AddFrontierDepth(delta int) {
	crawlerFrontierDepth.Add(float64(delta))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveLoadOutcome counts one load stage outcome.
func ObserveLoadOutcome(outcome string) {
	etlLoadOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSessionStart counts a session entering the running state.
func ObserveSessionStart() {
	crawlerSessionsStartedTotal.Inc()
}

// ObserveSession counts a finalized session.
func ObserveSession(state string) {
	crawlerSessionsTotal.WithLabelValues(state).Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestDurationSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
