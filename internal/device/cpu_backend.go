package device

import (
	"fmt"
	"log"
	"sync"
	"unsafe"
)

// ensure interface compliance
var _ Backend[float32] = (*CPUBackend[float32])(nil)
var _ Tensor[float64] = (*CPUTensor[float64])(nil)

// CPUBackend allocates host tensors and recycles them through a pool.
type CPUBackend[T Float] struct {
	pool sync.Pool
}

func NewCPUBackend[T Float]() *CPUBackend[T] {
	return &CPUBackend[T]{}
}

func (b *CPUBackend[T]) Name() string {
	var zero T
	return fmt.Sprintf("CPU/%s", dtypeName(zero))
}

func (b *CPUBackend[T]) NewTensor(shape []int, data []T) Tensor[T] {
	size := NumElements(shape)
	t := &CPUTensor[T]{
		backend: b,
		shape:   append([]int(nil), shape...),
		data:    make([]T, size),
	}

	if data != nil {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend[T]) GetTensor(shape ...int) Tensor[T] {
	var zero T
	dtype := dtypeName(zero)

	// Try to get from pool
	ct, ok := b.pool.Get().(*CPUTensor[T])
	if !ok || ct == nil {
		poolMisses.WithLabelValues(dtype).Inc()
		ct = &CPUTensor[T]{}
	} else {
		poolHits.WithLabelValues(dtype).Inc()
		pooledTensors.WithLabelValues(dtype).Dec()
	}

	ct.backend = b
	ct.Resize(shape...)
	// Reused storage holds stale values
	ct.Zero()
	return ct
}

func (b *CPUBackend[T]) PutTensor(t Tensor[T]) {
	ct, ok := t.(*CPUTensor[T])
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}
	if ct.backend != nil && ct.backend != b {
		return
	}

	var zero T
	ct.shape = ct.shape[:0]
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
	pooledTensors.WithLabelValues(dtypeName(zero)).Inc()
}

func (b *CPUBackend[T]) Synchronize() {
	// CPU is always synchronous
}

// CPUTensor is a row-major host tensor.
type CPUTensor[T Float] struct {
	backend *CPUBackend[T]
	data    []T
	shape   []int
}

func (t *CPUTensor[T]) Shape() []int {
	return t.shape
}

func (t *CPUTensor[T]) Rank() int {
	return len(t.shape)
}

func (t *CPUTensor[T]) Dim(i int) int {
	return t.shape[i]
}

func (t *CPUTensor[T]) Len() int {
	return len(t.data)
}

func (t *CPUTensor[T]) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		log.Panicf("index rank %d does not match tensor rank %d", len(idx), len(t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			log.Panicf("index %v out of range for shape %v", idx, t.shape)
		}
		off = off*t.shape[i] + v
	}
	return off
}

func (t *CPUTensor[T]) At(idx ...int) T {
	return t.data[t.offset(idx)]
}

func (t *CPUTensor[T]) Set(v T, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *CPUTensor[T]) Data() []T {
	return t.data
}

func (t *CPUTensor[T]) ToHost() []T {
	out := make([]T, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor[T]) CopyFrom(data []T) {
	if len(data) != len(t.data) {
		log.Panicf("CopyFrom: size mismatch. Target: %d, Source: %d", len(t.data), len(data))
	}
	copy(t.data, data)
}

func (t *CPUTensor[T]) Resize(shape ...int) {
	if SameShape(t.shape, shape) && len(t.data) == NumElements(shape) {
		return
	}
	size := NumElements(shape)
	t.shape = append(t.shape[:0], shape...)
	if cap(t.data) < size {
		t.data = make([]T, size)
	} else {
		t.data = t.data[:size] // Reslice to correct size
	}
}

func (t *CPUTensor[T]) Zero() {
	clear(t.data)
}

func (t *CPUTensor[T]) String() string {
	return fmt.Sprintf("CPUTensor%v", t.shape)
}

// SizeBytes returns the storage size of the tensor's elements.
func (t *CPUTensor[T]) SizeBytes() int {
	var zero T
	return len(t.data) * int(unsafe.Sizeof(zero))
}

func dtypeName[T Float](v T) string {
	switch any(v).(type) {
	case float32:
		return "fp32"
	default:
		return "fp64"
	}
}
