// Package metrics exposes Prometheus collectors for the discovery daemon.
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

// Claim outcomes.
const (
	ClaimWon   = "won"
	ClaimLost  = "lost"
	ClaimError = "error"
)

var (
	queueClaimsTotal           *prometheus.CounterVec
	queueItemsTotal            *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchEscalationsTotal      prometheus.Counter
	daemonBusySlots            prometheus.Gauge
	stuckRecoveriesTotal       *prometheus.CounterVec
	discoveredURLsTotal        *prometheus.CounterVec
	drainDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campd_queue_claims_total",
				Help: "Claim attempts, labeled by queue kind and outcome (won, lost, error).",
			},
			[]string{"kind", "outcome"},
		)

		queueItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campd_queue_items_total",
				Help: "Items finished, labeled by queue kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campd_fetches_total",
				Help: "Page fetches, labeled by strategy (http, browser) and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchEscalationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "campd_fetch_escalations_total",
				Help: "Plain fetches escalated to a browser session.",
			},
		)

		daemonBusySlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "campd_busy_slots",
				Help: "Worker slots currently running a scraper build.",
			},
		)

		stuckRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campd_stuck_recoveries_total",
				Help: "Stuck scraper sessions reset, labeled by method (feedback, force_restart, failed).",
			},
			[]string{"method"},
		)

		discoveredURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campd_discovered_urls_total",
				Help: "Unique candidate URLs discovered, labeled by source.",
			},
			[]string{"source"},
		)

		drainDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campd_drain_duration_seconds",
				Help:    "Duration of periodic drain passes, labeled by task.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"task"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClaim records one claim attempt.
func ObserveClaim(kind, outcome string) {
	Init()
	queueClaimsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveItem records one finished item.
func ObserveItem(kind, outcome string) {
	Init()
	queueItemsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(strategy, outcome string) {
	Init()
	fetchesTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveEscalation records a plain fetch handed to the browser.
func ObserveEscalation() {
	Init()
	fetchEscalationsTotal.Inc()
}

// SetBusySlots sets the busy slot gauge.
func SetBusySlots(n int) {
	Init()
	daemonBusySlots.Set(float64(n))
}

// ObserveStuckRecovery records one recovery action.
func ObserveStuckRecovery(method string) {
	Init()
	stuckRecoveriesTotal.WithLabelValues(method).Inc()
}

// ObserveDiscovered adds n discovered URLs for source.
func ObserveDiscovered(source string, n int) {
	Init()
	if n > 0 {
		discoveredURLsTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveDrain records how long a periodic task ran.
func ObserveDrain(task string, d time.Duration) {
	Init()
	drainDurationSeconds.WithLabelValues(task).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
