package vault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	vaultOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Total number of vault encrypt/decrypt operations",
		},
		[]string{"operation", "status"},
	)

	vaultOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "Duration of vault operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)
)

// recordOperation records one vault operation outcome. Labels carry only the
// operation name, never scopes or payload material.
func recordOperation(operation, status string, duration time.Duration) {
	vaultOperationsTotal.WithLabelValues(operation, status).Inc()
	vaultOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
