// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AuthOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_flow_total",
			Help: "Auth flow completions by flow and outcome code.",
		},
		[]string{"flow", "outcome"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limiter admission decisions by category.",
		},
		[]string{"category", "decision"},
	)

	HashDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credential_hash_duration_seconds",
			Help:    "Time spent in bcrypt hash and compare operations, including pool wait.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"op"},
	)

	HashInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credential_hash_in_flight",
		Help: "Hash operations currently holding a worker slot.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	registerOnce sync.Once
)

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AuthOutcomes,
			RateLimitDecisions,
			HashDuration,
			HashInFlight,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished request. route is the matched route
// template, not the raw path, to keep label cardinality bounded.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, code).Inc()
	httpRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}
