package codec

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

func TestParsePrecision(t *testing.T) {
	p, err := ParsePrecision("")
	require.NoError(t, err)
	assert.Equal(t, FP32, p)

	p, err = ParsePrecision("fp16")
	require.NoError(t, err)
	assert.Equal(t, FP16, p)

	_, err = ParsePrecision("bf16")
	assert.Error(t, err)
}

func TestWireTensor(t *testing.T) {
	backend := device.NewCPUBackend[float32]()
	src := backend.NewTensor([]int{1, 1, 2, 2}, []float32{1, 2.5, -3, 4})

	t.Run("FP32", func(t *testing.T) {
		wt := EncodeTensor(src, FP32)
		assert.Nil(t, wt.Half)

		data, err := Marshal(SampleResponse{Output: wt})
		require.NoError(t, err)

		var resp SampleResponse
		require.NoError(t, Unmarshal(data, &resp))
		out, err := resp.Output.Tensor(backend)
		require.NoError(t, err)
		assert.Equal(t, src.Shape(), out.Shape())
		assert.Equal(t, src.Data(), out.Data())
	})

	t.Run("FP16", func(t *testing.T) {
		wt := EncodeTensor(src, FP16)
		assert.Nil(t, wt.Data)
		assert.Len(t, wt.Half, 4)

		values, err := wt.Values()
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2.5, -3, 4}, values)
	})

	t.Run("Malformed", func(t *testing.T) {
		cases := []WireTensor{
			{Shape: []int{2, 2}, Data: []float32{1, 2, 3}},
			{Shape: []int{-1, 2}, Data: []float32{1, 2}},
			{Shape: []int{1}, Data: []float32{1}, Half: []uint16{1}},
			{Shape: []int{3}, Half: []uint16{1}},
			// Products that wrap to zero must not match empty data
			{Shape: []int{1 << 32, 2, 1 << 31, 1}},
			{Shape: []int{1 << 32, 1 << 31, 1, 2}},
			{Shape: []int{1 << 20, 1 << 20}},
		}
		for _, wt := range cases {
			_, err := wt.Tensor(backend)
			assert.ErrorIs(t, err, ErrMalformedTensor, "shape %v", wt.Shape)
		}
	})
}

func TestDecodeLargeArrays(t *testing.T) {
	// Larger than the cbor library's default MaxArrayElements
	n := 200000
	req := SampleRequest{
		Input: WireTensor{Shape: []int{1, 1, 1, n}, Data: make([]float32, n)},
		Grid:  WireTensor{Shape: []int{1, 1, n, 2}, Data: make([]float32, 2*n)},
	}
	data, err := Marshal(req)
	require.NoError(t, err)

	var got SampleRequest
	require.NoError(t, Decode(bytes.NewReader(data), &got))
	assert.Len(t, got.Grid.Data, 2*n)
}

func TestRecordBatchRoundTrip(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)

	backend := device.NewCPUBackend[float32]()
	builder := NewRecordBatchBuilder(pool)

	input := backend.NewTensor([]int{1, 2, 2, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	grid := backend.NewTensor([]int{1, 2, 2, 2}, []float32{0, 0, 1, 1, -1, -1, 0.5, 0.5})

	rec, err := builder.Build(
		NamedTensor{Name: NameInput, Tensor: input},
		NamedTensor{Name: NameGrid, Tensor: grid},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.NumRows())
	assert.True(t, rec.Schema().Equal(TensorSchema))

	// Through an IPC stream, as the HTTP and Flight endpoints see it
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(TensorSchema), ipc.WithAllocator(pool))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	rec.Release()

	r, err := ipc.NewReader(&buf, ipc.WithAllocator(pool))
	require.NoError(t, err)
	defer r.Release()
	require.True(t, r.Next())

	tensors, err := ReadTensors(r.Record(), backend)
	require.NoError(t, err)
	require.Len(t, tensors, 2)

	gotInput, ok := Lookup(tensors, NameInput)
	require.True(t, ok)
	assert.Equal(t, input.Shape(), gotInput.Shape())
	assert.Equal(t, input.Data(), gotInput.Data())

	gotGrid, ok := Lookup(tensors, NameGrid)
	require.True(t, ok)
	assert.Equal(t, grid.Data(), gotGrid.Data())

	_, ok = Lookup(tensors, NameOutput)
	assert.False(t, ok)
}

func TestReadTensors_Malformed(t *testing.T) {
	pool := memory.NewGoAllocator()
	backend := device.NewCPUBackend[float32]()

	t.Run("MissingColumn", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "name", Type: arrow.BinaryTypes.String}}, nil)
		b := array.NewStringBuilder(pool)
		defer b.Release()
		b.Append("input")
		col := b.NewArray()
		defer col.Release()

		rec := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
		defer rec.Release()

		_, err := ReadTensors(rec, backend)
		assert.ErrorIs(t, err, ErrMalformedTensor)
	})

	t.Run("ShapeValueMismatch", func(t *testing.T) {
		names := array.NewStringBuilder(pool)
		defer names.Release()
		shapes := array.NewListBuilder(pool, arrow.PrimitiveTypes.Int64)
		defer shapes.Release()
		values := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float32)
		defer values.Release()

		names.Append("input")
		shapes.Append(true)
		shapes.ValueBuilder().(*array.Int64Builder).AppendValues([]int64{2, 2}, nil)
		values.Append(true)
		values.ValueBuilder().(*array.Float32Builder).AppendValues([]float32{1, 2, 3}, nil)

		cols := []arrow.Array{names.NewArray(), shapes.NewArray(), values.NewArray()}
		for _, c := range cols {
			defer c.Release()
		}
		rec := array.NewRecordBatch(TensorSchema, cols, 1)
		defer rec.Release()

		_, err := ReadTensors(rec, backend)
		assert.ErrorIs(t, err, ErrMalformedTensor)
	})

	t.Run("OverflowingShape", func(t *testing.T) {
		names := array.NewStringBuilder(pool)
		defer names.Release()
		shapes := array.NewListBuilder(pool, arrow.PrimitiveTypes.Int64)
		defer shapes.Release()
		values := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float32)
		defer values.Release()

		names.Append("grid")
		shapes.Append(true)
		shapes.ValueBuilder().(*array.Int64Builder).AppendValues([]int64{1 << 32, 1 << 31, 1, 2}, nil)
		values.Append(true)

		cols := []arrow.Array{names.NewArray(), shapes.NewArray(), values.NewArray()}
		for _, c := range cols {
			defer c.Release()
		}
		rec := array.NewRecordBatch(TensorSchema, cols, 1)
		defer rec.Release()

		_, err := ReadTensors(rec, backend)
		assert.ErrorIs(t, err, ErrMalformedTensor)
	})
}
