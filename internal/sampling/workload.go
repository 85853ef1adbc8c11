package sampling

import (
	"math/rand"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

// IdentityGrid returns grid values that sample every pixel at its own
// location, so sampling with it reproduces the input.
func IdentityGrid(n, h, w int) []float32 {
	coords := make([]float32, 0, n*h*w*2)
	norm := func(i, size int) float32 {
		if size <= 1 {
			return -1
		}
		return 2*float32(i)/float32(size-1) - 1
	}
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				coords = append(coords, norm(x, w), norm(y, h))
			}
		}
	}
	return coords
}

// RandomJob builds a job with uniform input values in [0, 1) and the identity
// grid perturbed by up to jitter in normalized units.
func RandomJob(rng *rand.Rand, backend device.Backend[float32], n, c, h, w int, jitter float32) Job {
	values := make([]float32, n*c*h*w)
	for i := range values {
		values[i] = rng.Float32()
	}

	coords := IdentityGrid(n, h, w)
	for i := range coords {
		coords[i] += (rng.Float32()*2 - 1) * jitter
	}

	return Job{
		Input: backend.NewTensor([]int{n, c, h, w}, values),
		Grid:  backend.NewTensor([]int{n, h, w, 2}, coords),
	}
}

// GenerateJobs returns count random jobs of the same shape.
func GenerateJobs(seed int64, backend device.Backend[float32], count, n, c, h, w int, jitter float32) []Job {
	rng := rand.New(rand.NewSource(seed))
	jobs := make([]Job, count)
	for i := range jobs {
		jobs[i] = RandomJob(rng, backend, n, c, h, w, jitter)
	}
	return jobs
}
