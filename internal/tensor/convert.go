package tensor

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"
)

// Float64s returns the tensor contents converted to float64.
// The result is a copy; Bool maps to 0/1.
func (r *RawTensor) Float64s() []float64 {
	n := r.NumElements()
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	r.mustBeLive()
	switch r.dtype {
	case Float32:
		for i, v := range r.AsFloat32() {
			out[i] = float64(v)
		}
	case Float64:
		copy(out, r.AsFloat64())
	case Float16:
		for i, bits := range r.AsUint16() {
			out[i] = float64(float16.Frombits(bits).Float32())
		}
	case Int8:
		for i, v := range r.int8s() {
			out[i] = float64(v)
		}
	case Int16:
		for i, v := range r.int16s() {
			out[i] = float64(v)
		}
	case Int32:
		for i, v := range r.AsInt32() {
			out[i] = float64(v)
		}
	case Int64:
		for i, v := range r.AsInt64() {
			out[i] = float64(v)
		}
	case Uint8:
		for i, v := range r.buffer.data[:n] {
			out[i] = float64(v)
		}
	case Uint16:
		for i, v := range r.AsUint16() {
			out[i] = float64(v)
		}
	case Bool:
		for i, v := range r.AsBool() {
			if v {
				out[i] = 1
			}
		}
	}
	return out
}

// SetFloat64s overwrites the tensor contents, converting from float64 to the
// tensor's element type. Integer types truncate toward zero.
func (r *RawTensor) SetFloat64s(src []float64) error {
	if len(src) != r.NumElements() {
		return fmt.Errorf("%w: %d values for %d elements", ErrShapeMismatch, len(src), r.NumElements())
	}
	if len(src) == 0 {
		return nil
	}
	r.mustBeLive()
	switch r.dtype {
	case Float32:
		dst := r.AsFloat32()
		for i, v := range src {
			dst[i] = float32(v)
		}
	case Float64:
		copy(r.AsFloat64(), src)
	case Float16:
		dst := r.AsUint16()
		for i, v := range src {
			dst[i] = float16.Fromfloat32(float32(v)).Bits()
		}
	case Int8:
		dst := r.int8s()
		for i, v := range src {
			dst[i] = int8(v)
		}
	case Int16:
		dst := r.int16s()
		for i, v := range src {
			dst[i] = int16(v)
		}
	case Int32:
		dst := r.AsInt32()
		for i, v := range src {
			dst[i] = int32(v)
		}
	case Int64:
		dst := r.AsInt64()
		for i, v := range src {
			dst[i] = int64(v)
		}
	case Uint8:
		dst := r.buffer.data
		for i, v := range src {
			dst[i] = uint8(v)
		}
	case Uint16:
		dst := r.AsUint16()
		for i, v := range src {
			dst[i] = uint16(v)
		}
	case Bool:
		dst := r.AsBool()
		for i, v := range src {
			dst[i] = v != 0
		}
	}
	return nil
}

// FromFloat64s creates a CPU tensor of the given type from float64 values.
func FromFloat64s(shape Shape, dtype DataType, data []float64) (*RawTensor, error) {
	t, err := NewRaw(shape, dtype, CPU)
	if err != nil {
		return nil, err
	}
	if err := t.SetFloat64s(data); err != nil {
		return nil, err
	}
	return t, nil
}

// FromFloat32s creates a Float32 CPU tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromFloat32s(shape Shape, data []float32) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("%w: shape %v requires %d elements, but got %d",
			ErrShapeMismatch, shape, shape.NumElements(), len(data))
	}
	t, err := NewRaw(shape, Float32, CPU)
	if err != nil {
		return nil, err
	}
	copy(t.AsFloat32(), data)
	return t, nil
}

// Full creates a tensor filled with value.
func Full(shape Shape, dtype DataType, value float64) (*RawTensor, error) {
	data := make([]float64, shape.NumElements())
	for i := range data {
		data[i] = value
	}
	return FromFloat64s(shape, dtype, data)
}

func (r *RawTensor) int8s() []int8 {
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*int8)(unsafe.Pointer(&r.buffer.data[0])), r.NumElements())
}

func (r *RawTensor) int16s() []int16 {
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*int16)(unsafe.Pointer(&r.buffer.data[0])), r.NumElements())
}
