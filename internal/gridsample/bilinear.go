package gridsample

import (
	"math"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

// corner is one of the four integer neighbours of a sample point.
type corner[T device.Float] struct {
	x, y   int
	weight T // area of the opposite rectangle
	dx, dy T // d(weight)/d(ix'), d(weight)/d(iy')
}

func (k corner[T]) inBounds(height, width int) bool {
	return k.x >= 0 && k.x < width && k.y >= 0 && k.y < height
}

// cell maps a normalized grid coordinate onto the input's pixel lattice.
type cell[T device.Float] struct {
	ix, iy   T   // denormalized sample point
	xNW, yNW int // floor of the sample point
}

// newCell denormalizes (gx, gy) from [-1, 1] so that -1 lands on pixel 0 and
// +1 on pixel size-1.
func newCell[T device.Float](gx, gy T, height, width int) cell[T] {
	ix := ((gx + 1) / 2) * T(width-1)
	iy := ((gy + 1) / 2) * T(height-1)
	return cell[T]{
		ix:  ix,
		iy:  iy,
		xNW: int(math.Floor(float64(ix))),
		yNW: int(math.Floor(float64(iy))),
	}
}

// corners returns nw, ne, sw, se with their bilinear weights and the partial
// derivatives of those weights. The weights sum to 1.
func (c cell[T]) corners() [4]corner[T] {
	xNW, yNW := T(c.xNW), T(c.yNW)
	xNE, yNE := xNW+1, yNW
	xSW, ySW := xNW, yNW+1
	xSE, ySE := xNW+1, yNW+1
	ix, iy := c.ix, c.iy

	return [4]corner[T]{
		{
			x: c.xNW, y: c.yNW,
			weight: (xSE - ix) * (ySE - iy),
			dx:     -(ySE - iy), dy: -(xSE - ix),
		},
		{
			x: c.xNW + 1, y: c.yNW,
			weight: (ix - xSW) * (ySW - iy),
			dx:     ySW - iy, dy: -(ix - xSW),
		},
		{
			x: c.xNW, y: c.yNW + 1,
			weight: (xNE - ix) * (iy - yNE),
			dx:     -(iy - yNE), dy: xNE - ix,
		},
		{
			x: c.xNW + 1, y: c.yNW + 1,
			weight: (ix - xNW) * (iy - yNW),
			dx:     iy - yNW, dy: ix - xNW,
		},
	}
}
