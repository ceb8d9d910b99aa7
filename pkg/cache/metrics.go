package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits tracks responses served from cache, by backend.
	Hits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calc_cache_hits_total",
			Help: "Total number of responses served from cache",
		},
		[]string{"backend"}, // "memory", "redis"
	)

	// Misses tracks lookups that found no entry.
	Misses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calc_cache_misses_total",
			Help: "Total number of cache lookups that found no entry",
		},
	)

	// Insertions tracks stored responses, by backend.
	Insertions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calc_cache_insertions_total",
			Help: "Total number of responses stored in cache",
		},
		[]string{"backend"},
	)

	// Errors tracks cache backend operation errors.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calc_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set"
	)
)
