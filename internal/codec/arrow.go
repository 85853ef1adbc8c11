package codec

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

// Tensor names used in record batches.
const (
	NameInput      = "input"
	NameGrid       = "grid"
	NameOutput     = "output"
	NameGradOutput = "grad_output"
	NameGradInput  = "grad_input"
	NameGradGrid   = "grad_grid"
)

// TensorSchema holds one tensor per row.
var TensorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// NamedTensor pairs a tensor with its row name.
type NamedTensor struct {
	Name   string
	Tensor device.Tensor[float32]
}

// RecordBatchBuilder creates Arrow RecordBatches from tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// Build converts the tensors into a RecordBatch with TensorSchema, one row each.
// The caller owns the returned batch and must Release it.
func (b *RecordBatchBuilder) Build(tensors ...NamedTensor) (arrow.RecordBatch, error) {
	names := array.NewStringBuilder(b.mem)
	defer names.Release()

	shapes := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int64)
	defer shapes.Release()
	dims := shapes.ValueBuilder().(*array.Int64Builder)

	values := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer values.Release()
	floats := values.ValueBuilder().(*array.Float32Builder)

	for _, nt := range tensors {
		if nt.Tensor == nil {
			return nil, fmt.Errorf("tensor %q is nil", nt.Name)
		}
		names.Append(nt.Name)

		shapes.Append(true)
		for _, d := range nt.Tensor.Shape() {
			dims.Append(int64(d))
		}

		values.Append(true)
		floats.AppendValues(nt.Tensor.Data(), nil)
	}

	cols := []arrow.Array{names.NewArray(), shapes.NewArray(), values.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(TensorSchema, cols, int64(len(tensors))), nil
}

// ReadTensors copies every row of rec onto backend.
func ReadTensors(rec arrow.RecordBatch, backend device.Backend[float32]) ([]NamedTensor, error) {
	column := func(name string) (arrow.Array, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: record has no %q column", ErrMalformedTensor, name)
		}
		return rec.Column(idx[0]), nil
	}

	nameCol, err := column("name")
	if err != nil {
		return nil, err
	}
	shapeCol, err := column("shape")
	if err != nil {
		return nil, err
	}
	valueCol, err := column("values")
	if err != nil {
		return nil, err
	}

	names, ok := nameCol.(*array.String)
	if !ok {
		return nil, fmt.Errorf("%w: name column is %s, want utf8", ErrMalformedTensor, nameCol.DataType())
	}
	shapes, ok := shapeCol.(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: shape column is %s, want list<int64>", ErrMalformedTensor, shapeCol.DataType())
	}
	values, ok := valueCol.(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: values column is %s, want list<float32>", ErrMalformedTensor, valueCol.DataType())
	}
	dims, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("%w: shape entries are %s, want int64", ErrMalformedTensor, shapes.ListValues().DataType())
	}
	floats, ok := values.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%w: values entries are %s, want float32", ErrMalformedTensor, values.ListValues().DataType())
	}

	rawDims := dims.Int64Values()
	rawValues := floats.Float32Values()

	out := make([]NamedTensor, 0, rec.NumRows())
	for row := 0; row < int(rec.NumRows()); row++ {
		start, end := shapes.ValueOffsets(row)
		shape := make([]int, 0, end-start)
		for _, d := range rawDims[start:end] {
			if d < 0 {
				return nil, fmt.Errorf("%w: negative dimension in row %d", ErrMalformedTensor, row)
			}
			shape = append(shape, int(d))
		}

		want, ok := device.ElementCount(shape)
		if !ok || want > maxArrayElements {
			return nil, fmt.Errorf("%w: row %d (%s) has shape %v that is too large",
				ErrMalformedTensor, row, names.Value(row), shape)
		}

		vStart, vEnd := values.ValueOffsets(row)
		if int(vEnd-vStart) != want {
			return nil, fmt.Errorf("%w: row %d (%s) has shape %v but %d values",
				ErrMalformedTensor, row, names.Value(row), shape, vEnd-vStart)
		}

		out = append(out, NamedTensor{
			Name:   names.Value(row),
			Tensor: backend.NewTensor(shape, rawValues[vStart:vEnd]),
		})
	}
	return out, nil
}

// Lookup returns the first tensor called name.
func Lookup(tensors []NamedTensor, name string) (device.Tensor[float32], bool) {
	for _, nt := range tensors {
		if nt.Name == name {
			return nt.Tensor, true
		}
	}
	return nil, false
}
