// Package codec converts tensors to and from the service's wire formats:
// CBOR documents for the HTTP API and Arrow record batches for IPC streams
// and Flight.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-gridsample/internal/device"
)

// ErrMalformedTensor is returned when a decoded tensor's data does not match its shape.
var ErrMalformedTensor = errors.New("malformed tensor")

// Precision selects how tensor values travel on the wire.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
)

// ParsePrecision accepts "fp32", "fp16" or "" (fp32).
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case "", FP32:
		return FP32, nil
	case FP16:
		return FP16, nil
	}
	return "", fmt.Errorf("unknown transport format %q (want fp32 or fp16)", s)
}

// WireTensor is the CBOR form of a float32 tensor. Exactly one of Data
// (fp32) or Half (binary16 bit patterns) carries the values.
type WireTensor struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data,omitempty"`
	Half  []uint16  `cbor:"half,omitempty"`
}

// EncodeTensor copies t into a WireTensor at the given precision.
func EncodeTensor(t device.Tensor[float32], p Precision) WireTensor {
	wt := WireTensor{Shape: append([]int(nil), t.Shape()...)}
	if p == FP16 {
		wt.Half = device.EncodeFloat16(t.Data())
	} else {
		wt.Data = t.ToHost()
	}
	return wt
}

// Values returns the fp32 values after checking them against the shape.
func (w WireTensor) Values() ([]float32, error) {
	want, ok := device.ElementCount(w.Shape)
	if !ok || want > maxArrayElements {
		return nil, fmt.Errorf("%w: shape %v is negative or too large", ErrMalformedTensor, w.Shape)
	}

	if len(w.Half) > 0 {
		if len(w.Data) > 0 {
			return nil, fmt.Errorf("%w: both fp32 and fp16 values present", ErrMalformedTensor)
		}
		if len(w.Half) != want {
			return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrMalformedTensor, w.Shape, want, len(w.Half))
		}
		return device.DecodeFloat16(w.Half), nil
	}

	if len(w.Data) != want {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrMalformedTensor, w.Shape, want, len(w.Data))
	}
	return w.Data, nil
}

// Tensor materializes the wire tensor on backend.
func (w WireTensor) Tensor(backend device.Backend[float32]) (device.Tensor[float32], error) {
	values, err := w.Values()
	if err != nil {
		return nil, err
	}
	return backend.NewTensor(w.Shape, values), nil
}

// SampleRequest asks for output = sample(input, grid).
type SampleRequest struct {
	Input     WireTensor `cbor:"input"`
	Grid      WireTensor `cbor:"grid"`
	Precision Precision  `cbor:"precision,omitempty"`
}

// SampleResponse carries the sampled output.
type SampleResponse struct {
	Output WireTensor `cbor:"output"`
	Cached bool       `cbor:"cached,omitempty"`
}

// GradientRequest asks for the gradients of the sampler given gradOutput.
type GradientRequest struct {
	Input      WireTensor `cbor:"input"`
	Grid       WireTensor `cbor:"grid"`
	GradOutput WireTensor `cbor:"grad_output"`
	Precision  Precision  `cbor:"precision,omitempty"`
}

// GradientResponse carries the gradients w.r.t. input and grid.
type GradientResponse struct {
	GradInput WireTensor `cbor:"grad_input"`
	GradGrid  WireTensor `cbor:"grad_grid"`
}

// maxArrayElements bounds decoded arrays; the library default (131072) is
// smaller than a modest feature map.
const maxArrayElements = 1 << 28

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{MaxArrayElements: maxArrayElements}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Decode reads one CBOR document from r into v.
func Decode(r io.Reader, v any) error {
	return decMode.NewDecoder(r).Decode(v)
}

// Unmarshal decodes a CBOR document held in memory.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Marshal encodes v as CBOR.
func Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}
