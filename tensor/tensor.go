// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the untyped tensor used by every borncore layer
// and graph.
//
// Tensors carry a fixed shape and element type. Storage is reference
// counted: Clone returns a view sharing it, Copy returns an independent
// tensor, and Release drops one view.
//
// Example:
//
//	x, _ := tensor.FromFloat64s(tensor.Shape{2, 3}, tensor.Float32, data)
//	view := x.Clone()
//	x.Release()    // storage survives while view is live
//	view.Release() // storage is freed
package tensor

import (
	"github.com/born-ml/borncore/internal/tensor"
)

// RawTensor is the reference-counted tensor representation.
type RawTensor = tensor.RawTensor

// Shape represents tensor dimensions.
type Shape = tensor.Shape

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Device represents the compute device holding a tensor.
type Device = tensor.Device

// Element types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Float16 = tensor.Float16
	Int8    = tensor.Int8
	Int16   = tensor.Int16
	Int32   = tensor.Int32
	Int64   = tensor.Int64
	Uint8   = tensor.Uint8
	Uint16  = tensor.Uint16
	Bool    = tensor.Bool
)

// Devices.
const (
	CPU    = tensor.CPU
	WebGPU = tensor.WebGPU
)

// ErrShapeMismatch reports a tensor whose shape or element type violates an
// operation's contract.
var ErrShapeMismatch = tensor.ErrShapeMismatch

// NewRaw creates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// FromFloat64s creates a CPU tensor of the given type from float64 values.
func FromFloat64s(shape Shape, dtype DataType, data []float64) (*RawTensor, error) {
	return tensor.FromFloat64s(shape, dtype, data)
}

// FromFloat32s creates a Float32 CPU tensor. The slice is copied.
func FromFloat32s(shape Shape, data []float32) (*RawTensor, error) {
	return tensor.FromFloat32s(shape, data)
}

// Full creates a tensor filled with value.
func Full(shape Shape, dtype DataType, value float64) (*RawTensor, error) {
	return tensor.Full(shape, dtype, value)
}

// ParseDataType converts a type name such as "float32" into a DataType.
func ParseDataType(name string) (DataType, bool) {
	return tensor.ParseDataType(name)
}
