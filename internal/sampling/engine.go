package sampling

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-gridsample/internal/cache"
	"github.com/23skdu/longbow-gridsample/internal/device"
	"github.com/23skdu/longbow-gridsample/internal/gridsample"
)

var tracer = otel.Tracer("gridsample-engine")

// Config controls the engine's kernel parallelism and result cache.
type Config struct {
	Workers      int // Goroutines per pass (0 = one per CPU).
	MinChunk     int // Minimum output locations per goroutine (0 = default).
	CacheEntries int // Cached forward results (0 disables the cache).
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{CacheEntries: 1024}
}

// Engine validates requests, serves repeated forward passes from the cache
// and runs the sampler on the CPU backend.
type Engine struct {
	backend device.Backend[float32]
	sampler *gridsample.Sampler[float32]
	cache   cache.TensorCache
}

// NewEngine creates a new engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		backend: device.NewCPUBackend[float32](),
		sampler: gridsample.New[float32](
			gridsample.WithWorkers(cfg.Workers),
			gridsample.WithMinChunk(cfg.MinChunk),
		),
	}
	if cfg.CacheEntries > 0 {
		e.cache = cache.NewMapCache(cfg.CacheEntries)
	}

	log.Info().
		Str("backend", e.backend.Name()).
		Int("workers", e.sampler.Workers()).
		Int("cache_entries", cfg.CacheEntries).
		Msg("Initialized grid sampling engine")
	return e
}

// Backend returns the backend tensors are allocated from.
func (e *Engine) Backend() device.Backend[float32] {
	return e.backend
}

// Release returns a tensor produced by the engine to the pool.
func (e *Engine) Release(t device.Tensor[float32]) {
	if t != nil {
		e.backend.PutTensor(t)
	}
}

// Result is the outcome of a forward pass.
type Result struct {
	Output device.Tensor[float32]
	Cached bool
}

// Sample runs output = sample(input, grid).
func (e *Engine) Sample(ctx context.Context, input, grid device.Tensor[float32]) (Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Sample")
	defer span.End()

	res, err := e.sample(ctx, span, input, grid)
	requestsTotal.WithLabelValues("forward", status(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) sample(ctx context.Context, span trace.Span, input, grid device.Tensor[float32]) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := gridsample.CheckShapes(input, grid, nil); err != nil {
		return Result{}, err
	}
	span.SetAttributes(
		attribute.IntSlice("input.shape", input.Shape()),
		attribute.IntSlice("grid.shape", grid.Shape()),
	)

	var key uint64
	if e.cache != nil {
		key = cache.Key("forward", entryOf(input), entryOf(grid))
		if hit, ok := e.cache.Get(key); ok {
			cacheHits.Inc()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return Result{Output: e.backend.NewTensor(hit.Shape, hit.Values), Cached: true}, nil
		}
		cacheMisses.Inc()
	}

	start := time.Now()
	output := e.backend.GetTensor(input.Shape()...)
	if err := e.sampler.UpdateOutput(input, grid, output); err != nil {
		e.backend.PutTensor(output)
		return Result{}, fmt.Errorf("forward pass: %w", err)
	}
	e.backend.Synchronize()
	passLatency.WithLabelValues("forward").Observe(time.Since(start).Seconds())

	if e.cache != nil {
		e.cache.Put(key, entryOf(output))
		cacheEntries.Set(float64(e.cache.Size()))
	}
	return Result{Output: output}, nil
}

// Gradients runs the backward pass for the given output gradient.
func (e *Engine) Gradients(ctx context.Context, input, grid, gradOutput device.Tensor[float32]) (gradInput, gradGrid device.Tensor[float32], err error) {
	ctx, span := tracer.Start(ctx, "Engine.Gradients")
	defer span.End()
	defer func() {
		requestsTotal.WithLabelValues("backward", status(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := gridsample.CheckShapes(input, grid, gradOutput); err != nil {
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.IntSlice("input.shape", input.Shape()),
		attribute.IntSlice("grid.shape", grid.Shape()),
	)

	start := time.Now()
	gradInput = e.backend.GetTensor(input.Shape()...)
	gradGrid = e.backend.GetTensor(grid.Shape()...)
	if err := e.sampler.UpdateGradInput(input, grid, gradOutput, gradInput, gradGrid); err != nil {
		e.backend.PutTensor(gradInput)
		e.backend.PutTensor(gradGrid)
		return nil, nil, fmt.Errorf("backward pass: %w", err)
	}
	e.backend.Synchronize()
	passLatency.WithLabelValues("backward").Observe(time.Since(start).Seconds())

	return gradInput, gradGrid, nil
}

// Job is one forward request in a batch.
type Job struct {
	Input device.Tensor[float32]
	Grid  device.Tensor[float32]
}

// StreamResult is the outcome of one job, tagged with its position.
type StreamResult struct {
	Index  int
	Output device.Tensor[float32]
	Cached bool
	Err    error
}

// SampleBatch runs jobs in order and streams their results. The channel is
// closed once every job has been reported or the context is cancelled;
// jobs not started before cancellation are not reported.
func (e *Engine) SampleBatch(ctx context.Context, jobs []Job) <-chan StreamResult {
	out := make(chan StreamResult, 1)

	go func() {
		defer close(out)
		for i, job := range jobs {
			if ctx.Err() != nil {
				log.Debug().Int("done", i).Int("total", len(jobs)).Msg("Batch cancelled")
				return
			}

			res, err := e.Sample(ctx, job.Input, job.Grid)
			select {
			case out <- StreamResult{Index: i, Output: res.Output, Cached: res.Cached, Err: err}:
			case <-ctx.Done():
				e.Release(res.Output)
				return
			}
		}
	}()

	return out
}

func entryOf(t device.Tensor[float32]) cache.Entry {
	return cache.Entry{Shape: t.Shape(), Values: t.Data()}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
