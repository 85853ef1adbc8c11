package device

import "math"

// Float is the set of element types a tensor can hold.
type Float interface {
	float32 | float64
}

// Tensor is a dense, row-major buffer over a fixed shape.
// Kernels treat it as an opaque container: they read its shape and data and
// may resize it to the shape they need.
type Tensor[T Float] interface {
	// Shape returns the dimensions. The returned slice must not be modified.
	Shape() []int

	// Rank returns len(Shape()).
	Rank() int

	// Dim returns the size of dimension i.
	Dim(i int) int

	// Len returns the number of elements.
	Len() int

	// At returns the value at the given multi-index.
	// This is slow and should be used for debugging or infrequent access.
	At(idx ...int) T

	// Set sets the value at the given multi-index.
	Set(v T, idx ...int)

	// Data returns the underlying slice (shared, not copied).
	Data() []T

	// ToHost copies the data to a new Go slice.
	ToHost() []T

	// CopyFrom copies data into the tensor. len(data) must equal Len().
	CopyFrom(data []T)

	// Resize changes the shape. Contents are preserved only when the
	// element count is unchanged; callers must not rely on them otherwise.
	Resize(shape ...int)

	// Zero sets every element to 0.
	Zero()
}

// Backend creates tensors and manages their memory.
type Backend[T Float] interface {
	Name() string

	// NewTensor allocates a tensor, copying data when non-nil.
	NewTensor(shape []int, data []T) Tensor[T]

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(shape ...int) Tensor[T]

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor[T])

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

// NumElements returns the product of the dimensions. Use ElementCount for
// shapes that have not been validated.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// ElementCount returns the product of the dimensions, or false when a
// dimension is negative or the product does not fit in an int.
func ElementCount(shape []int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
