// Package parallel provides the chunked worker loop shared by the CPU kernels.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how an index space is split across goroutines.
type Config struct {
	NumWorkers   int // Upper bound on concurrently running chunks.
	MinChunkSize int // Below this many items per worker, run sequentially.
}

// DefaultConfig returns one worker per CPU.
func DefaultConfig() Config {
	return Config{
		NumWorkers:   runtime.NumCPU(),
		MinChunkSize: 16,
	}
}

// Workers returns the number of chunks For would use for n items.
func (c Config) Workers(n int) int {
	if n <= 0 {
		return 0
	}
	workers := c.NumWorkers
	if workers < 1 {
		workers = 1
	}
	if c.MinChunkSize > 1 {
		workers = min(workers, (n+c.MinChunkSize-1)/c.MinChunkSize)
	}
	return min(workers, n)
}

// For calls fn over contiguous [start, end) ranges covering [0, n).
// Ranges are disjoint; fn must not write outside state owned by its range.
func For(n int, cfg Config, fn func(start, end int)) {
	workers := cfg.Workers(n)
	if workers == 0 {
		return
	}
	if workers == 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	itemsPerWorker := (n + workers - 1) / workers

	for w := 0; w < workers; w++ {
		start := w * itemsPerWorker
		if start >= n {
			break
		}
		end := min(start+itemsPerWorker, n)

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
