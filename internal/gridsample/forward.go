package gridsample

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-gridsample/internal/device"
	"github.com/23skdu/longbow-gridsample/internal/parallel"
	"github.com/23skdu/longbow-gridsample/internal/simd"
)

// UpdateOutput samples input at every grid location and writes the result to
// output, which is resized to input's shape and fully overwritten.
//
//	output[n, c, h, w] = nw*in[yNW, xNW] + ne*in[yNW, xNW+1]
//	                   + sw*in[yNW+1, xNW] + se*in[yNW+1, xNW+1]
//
// Neighbours outside the input contribute zero. Output is left untouched when
// the shapes are invalid.
func (s *Sampler[T]) UpdateOutput(input, grid, output device.Tensor[T]) error {
	if err := CheckShapes(input, grid, nil); err != nil {
		return err
	}
	start := time.Now()

	n, c, h, w := dims(input)
	output.Resize(n, c, h, w)
	if output.Len() == 0 {
		return nil
	}

	in, g, out := input.Data(), grid.Data(), output.Data()
	plane := h * w
	var skipped atomic.Int64

	// Every (n, h, w) location owns one output column, so chunks never overlap
	parallel.For(n*plane, s.cfg, func(first, last int) {
		var missed int64
		for loc := first; loc < last; loc++ {
			b, pix := loc/plane, loc%plane
			base := b * c * plane

			col := out[base+pix:]
			simd.ZeroStrided(c, col, plane)

			cl := newCell(g[2*loc], g[2*loc+1], h, w)
			for _, k := range cl.corners() {
				if !k.inBounds(h, w) {
					missed++
					continue
				}
				simd.AxpyStrided(c, k.weight, in[base+k.y*w+k.x:], plane, col, plane)
			}
		}
		skipped.Add(missed)
	})

	elapsed := time.Since(start)
	PassDuration.WithLabelValues("forward", dtype[T]()).Observe(elapsed.Seconds())
	locationsSampled.WithLabelValues("forward").Add(float64(n * plane))
	outOfBoundsCorners.Add(float64(skipped.Load()))

	log.Debug().
		Ints("shape", input.Shape()).
		Int64("zero_padded", skipped.Load()).
		Dur("elapsed", elapsed).
		Msg("Grid sampler forward")
	return nil
}
