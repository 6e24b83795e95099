package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"kind", "result"},
	)

	cacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Total number of cache invalidations",
		},
		[]string{"kind"},
	)
)

func recordLookup(kind Kind, result string) {
	cacheLookupsTotal.WithLabelValues(string(kind), result).Inc()
}

func recordInvalidation(kind Kind) {
	cacheInvalidationsTotal.WithLabelValues(string(kind)).Inc()
}
