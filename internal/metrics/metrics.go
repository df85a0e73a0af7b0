// Package metrics exposes Prometheus collectors for the gateway.
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

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	responseCacheTotal         *prometheus.CounterVec
	authRejectionsTotal        *prometheus.CounterVec
	tasksCreatedTotal          prometheus.Counter
	taskAttemptsTotal          *prometheus.CounterVec
	tasksTerminalTotal         *prometheus.CounterVec
	backendThrottleSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		responseCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_response_cache_total",
				Help: "Response cache lookups, labeled by cache key and hit/miss.",
			},
			[]string{"key", "result"},
		)

		authRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_rejections_total",
				Help: "Rejected requests, labeled by reason (missing, invalid, rate_limited).",
			},
			[]string{"reason"},
		)

		tasksCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_tasks_created_total",
				Help: "Total number of tasks accepted and enqueued.",
			},
		)

		taskAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_task_attempts_total",
				Help: "Backend execution attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tasksTerminalTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tasks_terminal_total",
				Help: "Tasks that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		backendThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_throttle_seconds",
				Help:    "Time spent waiting on the per-platform backend throttle.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a response-cache hit or miss.
func ObserveCacheLookup(key string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	responseCacheTotal.WithLabelValues(key, result).Inc()
}

// ObserveAuthRejection counts a rejected request.
func ObserveAuthRejection(reason string) {
	Init()
	authRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveTaskCreated counts an accepted task.
func ObserveTaskCreated() {
	Init()
	tasksCreatedTotal.Inc()
}

// ObserveTaskAttempt counts a backend execution attempt by outcome.
func ObserveTaskAttempt(outcome string) {
	Init()
	taskAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTaskTerminal counts a terminal transition.
func ObserveTaskTerminal(status string) {
	Init()
	tasksTerminalTotal.WithLabelValues(status).Inc()
}

// ObserveThrottleDelay records time spent waiting for a backend token.
func ObserveThrottleDelay(platform string, d time.Duration) {
	Init()
	backendThrottleSeconds.WithLabelValues(platform).Observe(d.Seconds())
}
