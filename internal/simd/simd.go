// Package simd provides the strided vector kernels used by the sampling passes.
//
// Tensors are laid out NCHW, so the values of one spatial location across all
// channels form a column with stride H*W. Every kernel here works on such
// columns and dispatches to the registered gonum BLAS implementation
// (pure Go by default, netlib when built with cgo).
package simd

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// Float is the set of element types the kernels accept.
type Float interface {
	float32 | float64
}

// AxpyStrided performs y[i*incY] += alpha * x[i*incX] for i in [0, n).
func AxpyStrided[T Float](n int, alpha T, x []T, incX int, y []T, incY int) {
	if n == 0 || alpha == 0 {
		return
	}
	switch xs := any(x).(type) {
	case []float32:
		blas32.Implementation().Saxpy(n, float32(alpha), xs, incX, any(y).([]float32), incY)
	case []float64:
		blas64.Implementation().Daxpy(n, float64(alpha), xs, incX, any(y).([]float64), incY)
	}
}

// DotStrided returns sum(x[i*incX] * y[i*incY]) for i in [0, n).
func DotStrided[T Float](n int, x []T, incX int, y []T, incY int) T {
	if n == 0 {
		return 0
	}
	switch xs := any(x).(type) {
	case []float32:
		return T(blas32.Implementation().Sdot(n, xs, incX, any(y).([]float32), incY))
	case []float64:
		return T(blas64.Implementation().Ddot(n, xs, incX, any(y).([]float64), incY))
	}
	return 0
}

// ZeroStrided sets x[i*incX] = 0 for i in [0, n).
func ZeroStrided[T Float](n int, x []T, incX int) {
	for i := 0; i < n; i++ {
		x[i*incX] = 0
	}
}
