package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend", "tier"},
	)

	breakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breakers",
		},
		[]string{"backend", "tier", "result"},
	)

	breakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures recorded by circuit breakers",
		},
		[]string{"backend", "tier"},
	)

	breakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_successes_total",
			Help: "Total number of successes recorded by circuit breakers",
		},
		[]string{"backend", "tier"},
	)

	breakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"backend", "tier", "from", "to"},
	)
)

func recordRequest(key Key, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	breakerRequestsTotal.WithLabelValues(key.BackendID, key.Tier, result).Inc()
}

func recordFailure(key Key) {
	breakerFailuresTotal.WithLabelValues(key.BackendID, key.Tier).Inc()
}

func recordSuccess(key Key) {
	breakerSuccessesTotal.WithLabelValues(key.BackendID, key.Tier).Inc()
}

func recordStateChange(key Key, from, to State) {
	breakerStateChangesTotal.WithLabelValues(key.BackendID, key.Tier, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(key.BackendID, key.Tier).Set(float64(to))
}
