package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// admission bounds the number of sampling passes running at once. The HTTP
// and Flight servers share one so -max-concurrent holds across both.
type admission struct {
	sem      *semaphore.Weighted
	inflight atomic.Int64
}

func newAdmission(maxConcurrent int) *admission {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &admission{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// admit blocks until a slot is free or ctx ends.
func (a *admission) admit(ctx context.Context) (func(), error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	a.inflight.Add(1)
	return func() {
		a.inflight.Add(-1)
		a.sem.Release(1)
	}, nil
}

func (a *admission) Inflight() int64 {
	return a.inflight.Load()
}

func registerAdmissionMetrics(a *admission) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "gridsample_inflight_requests",
			Help: "Requests currently holding an admission slot",
		},
		func() float64 {
			return float64(a.Inflight())
		},
	))
}
