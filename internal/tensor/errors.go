package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch reports a tensor whose shape or element type violates an
// operation's declared contract.
var ErrShapeMismatch = errors.New("shape/type mismatch")

// CheckSpec verifies t against an expected shape and type.
// A nil want shape only checks the type.
func CheckSpec(name string, t *RawTensor, wantShape Shape, wantType DataType) error {
	if t == nil {
		return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, name)
	}
	if t.DType() != wantType {
		return fmt.Errorf("%w: %s has type %s, want %s", ErrShapeMismatch, name, t.DType(), wantType)
	}
	if wantShape != nil && !t.Shape().Equal(wantShape) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, t.Shape(), wantShape)
	}
	return nil
}
