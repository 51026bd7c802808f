// Package metrics exposes Prometheus collectors for the harvester.
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
	sessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_sessions_live",
		Help: "Number of browser sessions currently instantiated.",
	})
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sessions_created_total",
		Help: "Total browser sessions launched by the pool.",
	})
	sessionsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_sessions_discarded_total",
		Help: "Total browser sessions disposed, labeled by reason.",
	}, []string{"reason"})
	sessionsKilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sessions_killed_total",
		Help: "Total browser sessions that needed forced process termination.",
	})
	poolDegradeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pool_degrade_total",
		Help: "Total borrows that timed out and created an over-capacity session.",
	})
	poolBorrowWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_pool_borrow_wait_seconds",
		Help:    "Time spent waiting for a session to become available.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	})
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_items_total",
		Help: "Work items processed, labeled by target, stage and outcome.",
	}, []string{"target", "stage", "outcome"})
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_resolutions_total",
		Help: "Offer link resolutions, labeled by target and outcome.",
	}, []string{"target", "outcome"})
	stageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_stage_duration_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"target", "stage"})
	politenessDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_politeness_delay_seconds",
		Help:    "Histogram of politeness wait durations.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"domain"})
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_http_requests_total",
		Help: "Ops server requests, labeled by method, route and status.",
	}, []string{"method", "route", "status"})
	httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_http_request_duration_seconds",
		Help:    "Ops server request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSessionsLive records the current number of live sessions.
func SetSessionsLive(n int) {
	sessionsLive.Set(float64(n))
}

// ObserveSessionCreated counts a session launch.
func ObserveSessionCreated() {
	sessionsCreatedTotal.Inc()
}

// ObserveSessionDiscarded counts a session disposal for the given reason.
func ObserveSessionDiscarded(reason string) {
	sessionsDiscardedTotal.WithLabelValues(reason).Inc()
}

// ObserveSessionKilled counts a forced termination.
func ObserveSessionKilled() {
	sessionsKilledTotal.Inc()
}

// ObservePoolDegrade counts a borrow that fell back to over-capacity creation.
func ObservePoolDegrade() {
	poolDegradeTotal.Inc()
}

// ObserveBorrowWait records how long a borrower blocked.
func ObserveBorrowWait(d time.Duration) {
	poolBorrowWaitSeconds.Observe(d.Seconds())
}

// ObserveItem counts one item outcome for a stage.
func ObserveItem(target, stage, outcome string) {
	itemsTotal.WithLabelValues(target, stage, outcome).Inc()
}

// ObserveResolution counts one offer link resolution outcome.
func ObserveResolution(target, outcome string) {
	resolutionsTotal.WithLabelValues(target, outcome).Inc()
}

// ObserveStage records the wall time of a pipeline stage.
func ObserveStage(target, stage string, d time.Duration) {
	stageDurationSeconds.WithLabelValues(target, stage).Observe(d.Seconds())
}

// ObservePolitenessDelay records the duration of a politeness wait.
func ObservePolitenessDelay(rawURL string, d time.Duration) {
	politenessDelaySeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(d.Seconds())
}

// ObserveHTTPRequest records one ops server request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
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
