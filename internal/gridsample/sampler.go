// Package gridsample implements bilinear grid sampling over NCHW feature maps,
// together with its gradients with respect to the input and the grid.
//
// Grid coordinates are normalized to [-1, 1] with align-corners semantics and
// neighbours that fall outside the input read as zero.
package gridsample

import (
	"fmt"

	"github.com/23skdu/longbow-gridsample/internal/device"
	"github.com/23skdu/longbow-gridsample/internal/parallel"
)

// Sampler runs the forward and backward passes on host tensors.
// A Sampler holds no per-call state and is safe for concurrent use.
type Sampler[T device.Float] struct {
	cfg parallel.Config
}

// Option configures a Sampler.
type Option func(*parallel.Config)

// WithWorkers bounds the number of goroutines used per pass.
func WithWorkers(n int) Option {
	return func(c *parallel.Config) {
		if n > 0 {
			c.NumWorkers = n
		}
	}
}

// WithMinChunk sets the minimum number of output locations per goroutine.
func WithMinChunk(n int) Option {
	return func(c *parallel.Config) {
		if n > 0 {
			c.MinChunkSize = n
		}
	}
}

func New[T device.Float](opts ...Option) *Sampler[T] {
	cfg := parallel.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Sampler[T]{cfg: cfg}
}

// Workers returns the configured upper bound on goroutines.
func (s *Sampler[T]) Workers() int {
	return s.cfg.NumWorkers
}

func dims[T device.Float](t device.Tensor[T]) (n, c, h, w int) {
	return t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
}

func dtype[T device.Float]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}
