package device

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend[float64]()

	t.Run("NewTensor", func(t *testing.T) {
		a := backend.NewTensor([]int{1, 2, 2, 3}, nil)
		assert.Equal(t, []int{1, 2, 2, 3}, a.Shape())
		assert.Equal(t, 4, a.Rank())
		assert.Equal(t, 12, a.Len())
		assert.Equal(t, 3, a.Dim(3))
	})

	t.Run("NewTensorCopiesData", func(t *testing.T) {
		src := []float64{1, 2, 3, 4}
		a := backend.NewTensor([]int{2, 2}, src)
		src[0] = 100
		assert.Equal(t, 1.0, a.At(0, 0))
	})

	t.Run("NewTensorLengthMismatch", func(t *testing.T) {
		assert.Panics(t, func() {
			backend.NewTensor([]int{2, 2}, []float64{1, 2, 3})
		})
	})

	t.Run("AtSetRowMajor", func(t *testing.T) {
		a := backend.NewTensor([]int{1, 2, 2, 2}, nil)
		a.Set(7, 0, 1, 0, 1)
		// ((0*2+1)*2+0)*2+1 = 5
		assert.Equal(t, 7.0, a.Data()[5])
		assert.Equal(t, 7.0, a.At(0, 1, 0, 1))
	})

	t.Run("AtOutOfRange", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 2}, nil)
		assert.Panics(t, func() { a.At(2, 0) })
		assert.Panics(t, func() { a.At(0) })
	})

	t.Run("ResizeReusesStorage", func(t *testing.T) {
		a := backend.NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
		a.Resize(3, 2)
		assert.Equal(t, []int{3, 2}, a.Shape())
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, a.Data())

		a.Resize(1, 1, 2, 2)
		assert.Equal(t, 4, a.Len())

		a.Resize(4, 4)
		assert.Equal(t, 16, a.Len())
	})

	t.Run("ToHostCopies", func(t *testing.T) {
		a := backend.NewTensor([]int{2}, []float64{1, 2})
		out := a.ToHost()
		out[0] = 9
		assert.Equal(t, 1.0, a.At(0))
	})

	t.Run("CopyFrom", func(t *testing.T) {
		a := backend.NewTensor([]int{2}, nil)
		a.CopyFrom([]float64{3, 4})
		assert.Equal(t, []float64{3, 4}, a.Data())
		assert.Panics(t, func() { a.CopyFrom([]float64{1}) })
	})

	t.Run("Zero", func(t *testing.T) {
		a := backend.NewTensor([]int{3}, []float64{1, 2, 3})
		a.Zero()
		assert.Equal(t, []float64{0, 0, 0}, a.Data())
	})
}

func TestCPUBackend_Pooling(t *testing.T) {
	backend := NewCPUBackend[float32]()
	assert.Equal(t, "CPU/fp32", backend.Name())

	startMisses := getMetricValue(poolMisses.WithLabelValues("fp32"))

	t1 := backend.GetTensor(10, 10)
	assert.Equal(t, 1.0, getMetricValue(poolMisses.WithLabelValues("fp32"))-startMisses)

	t1.Set(123, 0, 0)
	backend.PutTensor(t1)

	t2 := backend.GetTensor(5, 5)
	require.Equal(t, []int{5, 5}, t2.Shape())
	// Pooled storage must come back zeroed
	for i, v := range t2.Data() {
		if v != 0 {
			t.Fatalf("Pooled tensor not zeroed at %d: got %f", i, v)
		}
	}

	// Foreign tensors are ignored
	other := NewCPUBackend[float32]()
	backend.PutTensor(other.NewTensor([]int{1}, nil))
}

func TestFloat16RoundTrip(t *testing.T) {
	tests := []struct {
		in  float32
		tol float64
	}{
		{0, 0},
		{1, 0},
		{-2.5, 0},
		{0.1, 1e-3},
		{1000.5, 0.5},
	}
	for _, tt := range tests {
		got := Float16ToFloat32(Float32ToFloat16(tt.in))
		if math.Abs(float64(got-tt.in)) > tt.tol {
			t.Errorf("round trip %f = %f", tt.in, got)
		}
	}

	assert.Equal(t, float32(65504), Float16ToFloat32(Float32ToFloat16(1e6)))
	assert.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(float32(math.Inf(-1))))), -1))

	half := EncodeFloat16([]float32{1, 2, 3})
	assert.Equal(t, []float32{1, 2, 3}, DecodeFloat16(half))
}

func TestElementCount(t *testing.T) {
	tests := []struct {
		shape []int
		want  int
		ok    bool
	}{
		{nil, 1, true},
		{[]int{2, 3, 4}, 24, true},
		{[]int{5, 0, 7}, 0, true},
		{[]int{2, -1}, 0, false},
		{[]int{1 << 32, 2, 1 << 31, 1}, 0, false},
		{[]int{math.MaxInt, 2}, 0, false},
	}
	for _, tt := range tests {
		got, ok := ElementCount(tt.shape)
		assert.Equal(t, tt.ok, ok, "shape %v", tt.shape)
		assert.Equal(t, tt.want, got, "shape %v", tt.shape)
	}
	// Wrapping is what ElementCount guards against
	assert.Equal(t, 0, NumElements([]int{1 << 32, 2, 1 << 31, 1}))
}
