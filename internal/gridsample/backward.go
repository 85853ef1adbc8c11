package gridsample

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-gridsample/internal/device"
	"github.com/23skdu/longbow-gridsample/internal/parallel"
	"github.com/23skdu/longbow-gridsample/internal/simd"
)

// UpdateGradInput computes the gradients of the forward pass given the
// gradient of its output. gradInput is resized to input's shape and gradGrid
// to grid's shape; both are zeroed first.
//
// gradGrid is a gather: each (n, h, w) location differentiates the bilinear
// weights with respect to (ix', iy'), dots them with the zero-padded corner
// columns weighted by gradOutput, and chains through the normalization.
//
// gradInput is a scatter-add of gradOutput*weight into in-bounds corners. It
// is partitioned by (batch, channel range) so workers never share a cell.
func (s *Sampler[T]) UpdateGradInput(input, grid, gradOutput, gradInput, gradGrid device.Tensor[T]) error {
	if err := CheckShapes(input, grid, gradOutput); err != nil {
		return err
	}
	start := time.Now()

	n, c, h, w := dims(input)
	gradInput.Resize(n, c, h, w)
	gradGrid.Resize(n, h, w, 2)
	gradInput.Zero()
	gradGrid.Zero()

	plane := h * w
	if n*plane == 0 {
		return nil
	}

	s.gradGrid(input.Data(), grid.Data(), gradOutput.Data(), gradGrid.Data(), n, c, h, w)
	s.gradInput(grid.Data(), gradOutput.Data(), gradInput.Data(), n, c, h, w)

	elapsed := time.Since(start)
	PassDuration.WithLabelValues("backward", dtype[T]()).Observe(elapsed.Seconds())
	locationsSampled.WithLabelValues("backward").Add(float64(n * plane))

	log.Debug().
		Ints("shape", input.Shape()).
		Dur("elapsed", elapsed).
		Msg("Grid sampler backward")
	return nil
}

func (s *Sampler[T]) gradGrid(in, g, gOut, gGrid []T, n, c, h, w int) {
	if c == 0 {
		return
	}
	plane := h * w
	// d(ix')/d(ix) and d(iy')/d(iy)
	scaleX := T(w-1) / 2
	scaleY := T(h-1) / 2

	parallel.For(n*plane, s.cfg, func(first, last int) {
		for loc := first; loc < last; loc++ {
			b, pix := loc/plane, loc%plane
			base := b * c * plane
			upstream := gOut[base+pix:]

			var gx, gy T
			cl := newCell(g[2*loc], g[2*loc+1], h, w)
			for _, k := range cl.corners() {
				if !k.inBounds(h, w) {
					continue
				}
				v := simd.DotStrided(c, upstream, plane, in[base+k.y*w+k.x:], plane)
				gx += v * k.dx
				gy += v * k.dy
			}

			gGrid[2*loc] = gx * scaleX
			gGrid[2*loc+1] = gy * scaleY
		}
	})
}

func (s *Sampler[T]) gradInput(g, gOut, gIn []T, n, c, h, w int) {
	if c == 0 {
		return
	}
	plane := h * w

	// Split channels when there are fewer batches than workers
	parts := 1
	if n < s.cfg.NumWorkers {
		parts = min(c, (s.cfg.NumWorkers+n-1)/n)
	}
	perPart := (c + parts - 1) / parts

	units := parallel.Config{NumWorkers: s.cfg.NumWorkers, MinChunkSize: 1}
	parallel.For(n*parts, units, func(first, last int) {
		for u := first; u < last; u++ {
			b, part := u/parts, u%parts
			c0 := part * perPart
			c1 := min(c0+perPart, c)
			if c0 >= c1 {
				continue
			}
			width := c1 - c0
			base := (b*c + c0) * plane

			for pix := 0; pix < plane; pix++ {
				loc := b*plane + pix
				upstream := gOut[base+pix:]

				cl := newCell(g[2*loc], g[2*loc+1], h, w)
				for _, k := range cl.corners() {
					if !k.inBounds(h, w) {
						continue
					}
					simd.AxpyStrided(width, k.weight, upstream, plane, gIn[base+k.y*w+k.x:], plane)
				}
			}
		}
	})
}
