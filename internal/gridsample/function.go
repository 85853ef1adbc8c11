package gridsample

import (
	"errors"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

// ErrNoSavedTensors is returned when Backward runs before a successful Forward.
var ErrNoSavedTensors = errors.New("gridsample: backward called before forward")

// Function is the differentiable form of the sampler. Forward keeps its
// operands so Backward can be called with only the output gradient.
// A Function serves one forward/backward pair at a time and is not safe for
// concurrent use.
type Function[T device.Float] struct {
	sampler *Sampler[T]
	backend device.Backend[T]

	input device.Tensor[T]
	grid  device.Tensor[T]
}

// NewFunction allocates outputs and gradients from backend.
func NewFunction[T device.Float](backend device.Backend[T], sampler *Sampler[T]) *Function[T] {
	if sampler == nil {
		sampler = New[T]()
	}
	return &Function[T]{sampler: sampler, backend: backend}
}

// Forward samples input with grid into a tensor allocated from the backend
// and saves both operands for Backward.
func (f *Function[T]) Forward(input, grid device.Tensor[T]) (device.Tensor[T], error) {
	if err := CheckShapes(input, grid, nil); err != nil {
		return nil, err
	}

	output := f.backend.GetTensor(input.Shape()...)
	if err := f.sampler.UpdateOutput(input, grid, output); err != nil {
		f.backend.PutTensor(output)
		return nil, err
	}

	f.input, f.grid = input, grid
	return output, nil
}

// Backward returns the gradients with respect to the saved input and grid.
func (f *Function[T]) Backward(gradOutput device.Tensor[T]) (gradInput, gradGrid device.Tensor[T], err error) {
	if f.input == nil || f.grid == nil {
		return nil, nil, ErrNoSavedTensors
	}
	if err := CheckShapes(f.input, f.grid, gradOutput); err != nil {
		return nil, nil, err
	}

	gradInput = f.backend.GetTensor(f.input.Shape()...)
	gradGrid = f.backend.GetTensor(f.grid.Shape()...)
	if err := f.sampler.UpdateGradInput(f.input, f.grid, gradOutput, gradInput, gradGrid); err != nil {
		f.backend.PutTensor(gradInput)
		f.backend.PutTensor(gradGrid)
		return nil, nil, err
	}
	return gradInput, gradGrid, nil
}

// Release drops the saved operands.
func (f *Function[T]) Release() {
	f.input, f.grid = nil, nil
}
