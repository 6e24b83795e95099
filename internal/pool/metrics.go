package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_connections_open",
			Help: "Number of open connections in the pool",
		},
		[]string{"backend", "tier"},
	)

	poolAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_connections_available",
			Help: "Number of connections available without waiting",
		},
		[]string{"backend", "tier"},
	)

	poolPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_acquires_pending",
			Help: "Number of callers currently waiting in Acquire",
		},
		[]string{"backend", "tier"},
	)

	poolAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_acquires_total",
			Help: "Total number of pool acquire attempts",
		},
		[]string{"backend", "tier", "result"},
	)

	poolAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_acquire_duration_seconds",
			Help:    "Time spent waiting for a connection",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "tier"},
	)

	poolValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_validation_failures_total",
			Help: "Total number of connections that failed validation on checkout",
		},
		[]string{"backend", "tier"},
	)

	poolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_idle_evictions_total",
			Help: "Total number of idle connections evicted by the sweeper",
		},
		[]string{"backend", "tier"},
	)
)

func recordAcquire(key Key, result string, duration time.Duration) {
	poolAcquiresTotal.WithLabelValues(key.BackendID, key.Tier, result).Inc()
	poolAcquireDuration.WithLabelValues(key.BackendID, key.Tier).Observe(duration.Seconds())
}
