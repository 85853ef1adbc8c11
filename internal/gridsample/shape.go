package gridsample

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

// ErrInvalidShape is matched by every shape validation failure.
var ErrInvalidShape = errors.New("invalid shape")

// ShapeError describes which tensor violated which constraint.
type ShapeError struct {
	Tensor   string // input, grid or gradOutput
	Shape    []int  // actual shape
	Expected string // violated constraint
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("gridsample: invalid shape for %s: got %v, expected %s", e.Tensor, e.Shape, e.Expected)
}

func (e *ShapeError) Unwrap() error {
	return ErrInvalidShape
}

// CheckShapes validates the operands of both passes.
//
//	input:      (N, C, H, W)
//	grid:       (N, H, W, 2)
//	gradOutput: (N, C, H, W), optional
//
// Output and grid share the input's spatial size in this sampler.
func CheckShapes[T device.Float](input, grid, gradOutput device.Tensor[T]) error {
	if input == nil {
		return &ShapeError{Tensor: "input", Expected: "a 4D tensor"}
	}
	if grid == nil {
		return &ShapeError{Tensor: "grid", Expected: "a 4D tensor"}
	}
	if input.Rank() != 4 {
		return &ShapeError{Tensor: "input", Shape: shapeOf(input), Expected: "a 4D tensor (N, C, H, W)"}
	}
	if grid.Rank() != 4 {
		return &ShapeError{Tensor: "grid", Shape: shapeOf(grid), Expected: "a 4D tensor (N, H, W, 2)"}
	}

	n, c, h, w := input.Dim(0), input.Dim(1), input.Dim(2), input.Dim(3)
	want := []struct {
		size int
		name string
	}{
		{n, "input batch"},
		{h, "input height"},
		{w, "input width"},
		{2, "coordinate pair"},
	}
	for dim, exp := range want {
		if grid.Dim(dim) != exp.size {
			return &ShapeError{
				Tensor:   "grid",
				Shape:    shapeOf(grid),
				Expected: fmt.Sprintf("size %d at dim %d (%s), i.e. %v", exp.size, dim, exp.name, []int{n, h, w, 2}),
			}
		}
	}

	if gradOutput != nil && !device.SameShape(gradOutput.Shape(), input.Shape()) {
		return &ShapeError{
			Tensor:   "gradOutput",
			Shape:    shapeOf(gradOutput),
			Expected: fmt.Sprintf("the input shape %v", []int{n, c, h, w}),
		}
	}

	if err := checkLen("input", input); err != nil {
		return err
	}
	if err := checkLen("grid", grid); err != nil {
		return err
	}
	if gradOutput != nil {
		return checkLen("gradOutput", gradOutput)
	}
	return nil
}

// checkLen rejects shapes whose element count overflows and tensors whose
// data does not cover their shape.
func checkLen[T device.Float](name string, t device.Tensor[T]) error {
	want, ok := device.ElementCount(t.Shape())
	if !ok {
		return &ShapeError{Tensor: name, Shape: shapeOf(t), Expected: "an element count that fits in an int"}
	}
	if t.Len() != want {
		return &ShapeError{
			Tensor:   name,
			Shape:    shapeOf(t),
			Expected: fmt.Sprintf("%d elements, got %d", want, t.Len()),
		}
	}
	return nil
}

func shapeOf[T device.Float](t device.Tensor[T]) []int {
	return append([]int(nil), t.Shape()...)
}
