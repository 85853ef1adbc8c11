package gridsample

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

// offLatticeGrid returns coordinates whose denormalized positions stay at
// least 0.1 pixel away from integer boundaries, so a small perturbation never
// changes the bilinear cell. Some land one pixel outside the input.
func offLatticeGrid(rng *rand.Rand, n, h, w int) []float64 {
	coords := make([]float64, n*h*w*2)
	for loc := 0; loc < n*h*w; loc++ {
		px := float64(rng.Intn(w+1)-1) + 0.1 + 0.8*rng.Float64()
		py := float64(rng.Intn(h+1)-1) + 0.1 + 0.8*rng.Float64()
		coords[2*loc] = 2*px/float64(w-1) - 1
		coords[2*loc+1] = 2*py/float64(h-1) - 1
	}
	return coords
}

// weightedLoss returns sum(output * gradOutput).
func weightedLoss(t *testing.T, s *Sampler[float64], input, grid device.Tensor[float64], gradOutput []float64) float64 {
	out := device.NewCPUBackend[float64]().NewTensor(nil, nil)
	require.NoError(t, s.UpdateOutput(input, grid, out))
	return floats.Dot(out.Data(), gradOutput)
}

func TestUpdateGradInput_FiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	backend := device.NewCPUBackend[float64]()
	s := New[float64](WithWorkers(4), WithMinChunk(1))
	const n, c, h, w = 2, 3, 4, 5
	const eps = 1e-6

	input := backend.NewTensor([]int{n, c, h, w}, randomSlice(rng, n*c*h*w, -1, 1))
	grid := backend.NewTensor([]int{n, h, w, 2}, offLatticeGrid(rng, n, h, w))
	upstream := randomSlice(rng, n*c*h*w, -1, 1)
	gradOutput := backend.NewTensor([]int{n, c, h, w}, upstream)

	gradInput := backend.NewTensor(nil, nil)
	gradGrid := backend.NewTensor(nil, nil)
	require.NoError(t, s.UpdateGradInput(input, grid, gradOutput, gradInput, gradGrid))
	require.Equal(t, []int{n, c, h, w}, gradInput.Shape())
	require.Equal(t, []int{n, h, w, 2}, gradGrid.Shape())

	numerical := func(data []float64, i int) float64 {
		orig := data[i]
		data[i] = orig + eps
		plus := weightedLoss(t, s, input, grid, upstream)
		data[i] = orig - eps
		minus := weightedLoss(t, s, input, grid, upstream)
		data[i] = orig
		return (plus - minus) / (2 * eps)
	}

	t.Run("Input", func(t *testing.T) {
		data := input.Data()
		for i := range data {
			want := numerical(data, i)
			assert.InDelta(t, want, gradInput.Data()[i], 1e-6, "gradInput[%d]", i)
		}
	})

	t.Run("Grid", func(t *testing.T) {
		data := grid.Data()
		for i := range data {
			want := numerical(data, i)
			assert.InDelta(t, want, gradGrid.Data()[i], 1e-5, "gradGrid[%d]", i)
		}
	})
}

func TestUpdateGradInput_SumLoss(t *testing.T) {
	// L = sum(output): gradOutput is all ones, so gradInput counts the total
	// weight each pixel received.
	backend := device.NewCPUBackend[float64]()
	input := backend.NewTensor([]int{1, 1, 2, 2}, []float64{1, 2, 3, 4})
	grid := backend.NewTensor([]int{1, 2, 2, 2}, []float64{
		0, 0, -1, -1,
		-1, -1, 2, 0,
	})
	ones := backend.NewTensor([]int{1, 1, 2, 2}, []float64{1, 1, 1, 1})

	gradInput := backend.NewTensor(nil, nil)
	gradGrid := backend.NewTensor(nil, nil)
	require.NoError(t, New[float64]().UpdateGradInput(input, grid, ones, gradInput, gradGrid))

	// center: 0.25 everywhere; two exact (0,0) hits; (2,0) puts 0.25 on (1,0) and (1,1)
	assert.InDeltaSlice(t, []float64{2.25, 0.5, 0.25, 0.5}, gradInput.Data(), 1e-12)

	// At the center: d/dix' = (ne - nw)(1-fy) + (se - sw)fy = 1, times (W-1)/2 = 0.5
	assert.InDelta(t, 0.5, gradGrid.At(0, 0, 0, 0), 1e-12)
	// d/diy' = (sw - nw)(1-fx) + (se - ne)fx = 2, times (H-1)/2 = 0.5
	assert.InDelta(t, 1.0, gradGrid.At(0, 0, 0, 1), 1e-12)

	// Out of range on x: only the in-bounds corners (x=1) contribute
	// d/dix' = -(1-fy)*2 - fy*4 = -3, scaled by 0.5
	assert.InDelta(t, -1.5, gradGrid.At(0, 1, 1, 0), 1e-12)
	// d/diy' = (4 - 2) * (1 - fx) = 1, scaled by 0.5
	assert.InDelta(t, 0.5, gradGrid.At(0, 1, 1, 1), 1e-12)
}

func TestUpdateGradInput_NoScatterOutOfBounds(t *testing.T) {
	backend := device.NewCPUBackend[float64]()
	input := backend.NewTensor([]int{1, 2, 2, 2}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	// Every location samples far outside the input
	grid := backend.NewTensor([]int{1, 2, 2, 2}, []float64{
		5, 5, -5, -5,
		5, -5, -5, 5,
	})
	gradOutput := backend.NewTensor([]int{1, 2, 2, 2}, []float64{1, 1, 1, 1, 1, 1, 1, 1})

	// Stale contents must be cleared
	gradInput := backend.NewTensor([]int{8}, []float64{9, 9, 9, 9, 9, 9, 9, 9})
	gradGrid := backend.NewTensor([]int{8}, []float64{9, 9, 9, 9, 9, 9, 9, 9})
	require.NoError(t, New[float64]().UpdateGradInput(input, grid, gradOutput, gradInput, gradGrid))

	assert.Equal(t, make([]float64, 8), gradInput.Data())
	assert.Equal(t, make([]float64, 8), gradGrid.Data())
}

func TestUpdateGradInput_DeterministicAcrossWorkers(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	backend := device.NewCPUBackend[float32]()
	const n, c, h, w = 1, 7, 9, 6

	toF32 := func(v []float64) []float32 {
		out := make([]float32, len(v))
		for i := range v {
			out[i] = float32(v[i])
		}
		return out
	}

	input := backend.NewTensor([]int{n, c, h, w}, toF32(randomSlice(rng, n*c*h*w, -1, 1)))
	grid := backend.NewTensor([]int{n, h, w, 2}, toF32(randomSlice(rng, n*h*w*2, -1.2, 1.2)))
	gradOutput := backend.NewTensor([]int{n, c, h, w}, toF32(randomSlice(rng, n*c*h*w, -1, 1)))

	var firstIn, firstGrid []float32
	for _, workers := range []int{1, 3, 16} {
		s := New[float32](WithWorkers(workers), WithMinChunk(1))
		gradInput := backend.NewTensor(nil, nil)
		gradGrid := backend.NewTensor(nil, nil)
		require.NoError(t, s.UpdateGradInput(input, grid, gradOutput, gradInput, gradGrid))

		if firstIn == nil {
			firstIn, firstGrid = gradInput.ToHost(), gradGrid.ToHost()
			continue
		}
		// Each cell is accumulated in the same order regardless of partitioning
		assert.InDeltaSlice(t, firstIn, gradInput.Data(), 1e-6, "workers=%d", workers)
		assert.InDeltaSlice(t, firstGrid, gradGrid.Data(), 1e-6, "workers=%d", workers)
	}

	for _, v := range firstIn {
		require.False(t, math.IsNaN(float64(v)))
	}
}
