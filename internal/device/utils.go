package device

import (
	"math"

	"github.com/x448/float16"
)

// maxFP16 is the largest finite binary16 value.
const maxFP16 = 65504.0

// Float32ToFloat16 converts a float32 to its IEEE 754 binary16 bit pattern,
// rounding to nearest even. Finite values beyond the binary16 range saturate
// to ±65504 instead of overflowing to infinity; NaN and Inf are preserved.
func Float32ToFloat16(f float32) uint16 {
	if !math.IsInf(float64(f), 0) {
		if f > maxFP16 {
			f = maxFP16
		} else if f < -maxFP16 {
			f = -maxFP16
		}
	}
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 converts a binary16 bit pattern to a float32.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// EncodeFloat16 converts a float32 slice to its binary16 representation.
func EncodeFloat16(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = Float32ToFloat16(v)
	}
	return out
}

// DecodeFloat16 widens binary16 values back to float32.
func DecodeFloat16(src []uint16) []float32 {
	out := make([]float32, len(src))
	for i, h := range src {
		out[i] = Float16ToFloat32(h)
	}
	return out
}
