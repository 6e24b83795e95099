package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	limiterDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limiter decisions",
		},
		[]string{"tier", "result"},
	)

	limiterStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total number of counter store failures",
		},
		[]string{"tier"},
	)
)

func recordDecision(tier, result string) {
	limiterDecisionsTotal.WithLabelValues(tier, result).Inc()
}

func recordStoreError(tier string) {
	limiterStoreErrorsTotal.WithLabelValues(tier).Inc()
}
