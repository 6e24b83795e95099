package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datagw_operations_total",
			Help: "Total number of tenant operations",
		},
		[]string{"backend", "tier", "operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datagw_operation_duration_seconds",
			Help:    "End-to-end tenant operation latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "tier", "operation"},
	)
)

func recordOperation(backendID, tierName, operation, result string, duration time.Duration) {
	operationsTotal.WithLabelValues(backendID, tierName, operation, result).Inc()
	operationDuration.WithLabelValues(backendID, tierName, operation).Observe(duration.Seconds())
}
