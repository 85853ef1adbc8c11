package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsample_cpu_pool_hits_total",
		Help: "Total number of tensors served from the CPU tensor pool",
	}, []string{"dtype"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsample_cpu_pool_misses_total",
		Help: "Total number of CPU tensor pool misses (allocations)",
	}, []string{"dtype"})

	pooledTensors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridsample_cpu_pool_tensors",
		Help: "Approximate number of tensors parked in the CPU tensor pool",
	}, []string{"dtype"})
)
