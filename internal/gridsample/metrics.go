package gridsample

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PassDuration tracks time spent inside each sampling pass
	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsample_pass_duration_seconds",
		Help:    "Time spent in grid sampler passes",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	}, []string{"pass", "dtype"})

	locationsSampled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsample_locations_total",
		Help: "Total number of (batch, row, col) output locations processed",
	}, []string{"pass"})

	outOfBoundsCorners = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsample_out_of_bounds_corners_total",
		Help: "Total number of bilinear corners that fell outside the input and were zero padded",
	})
)
