package tensor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Shape holds the dimensions of a tensor. Rank 0 is a scalar.
type Shape []int

// NumElements returns the product of the dimensions; 1 for a scalar.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate rejects negative dimensions. Zero-sized dimensions describe
// empty tensors and are allowed.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("%w: dimension %d of %v is negative", ErrShapeMismatch, i, s)
		}
	}
	return nil
}

// Equal reports whether both shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// Matches reports whether s fits pattern. A nil pattern matches any shape;
// a negative pattern dimension matches any size.
func (s Shape) Matches(pattern Shape) bool {
	if pattern == nil {
		return true
	}
	if len(s) != len(pattern) {
		return false
	}
	for i, d := range pattern {
		if d >= 0 && s[i] != d {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

// ComputeStrides returns row-major strides: stride[i] is the product of the
// dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// String formats the shape as [d0 d1 ...], with ? for wildcard dimensions.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d < 0 {
			parts[i] = "?"
		} else {
			parts[i] = strconv.Itoa(d)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
