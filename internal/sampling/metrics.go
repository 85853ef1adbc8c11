package sampling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsample_engine_requests_total",
		Help: "Total number of engine passes by pass and outcome",
	}, []string{"pass", "status"})

	passLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsample_engine_pass_seconds",
		Help:    "Engine pass latency including allocation",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsample_cache_hits_total",
		Help: "Forward passes served from the result cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsample_cache_misses_total",
		Help: "Forward passes that missed the result cache",
	})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridsample_cache_entries",
		Help: "Current number of cached forward results",
	})
)
