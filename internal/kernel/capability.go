package kernel

import "github.com/born-ml/borncore/internal/tensor"

// OpKind names a logical operation independent of the backend executing it.
type OpKind string

// Logical operations with accelerated kernels.
const (
	OpBatchNorm OpKind = "batchnorm"
	OpLSTM      OpKind = "lstm"
)

// Kernel is the common part of every backend kernel. Op-specific interfaces
// (BatchNormKernel, LSTMKernel) extend it.
type Kernel interface {
	Backend() Backend
}

// Factory builds a kernel for one element type and configuration record.
type Factory func(dtype tensor.DataType, cfg any) (Kernel, error)

// Capability declares which calls one backend can serve for one operation.
type Capability struct {
	Op      OpKind
	Backend Backend

	// DTypes lists accepted element types. Empty means any.
	DTypes []tensor.DataType

	// Supports is an optional predicate over the op configuration record,
	// e.g. rejecting frozen scale/shift for batch normalization.
	Supports func(dtype tensor.DataType, cfg any) bool

	New Factory
}

// Accepts reports whether the capability admits the (dtype, cfg) pair.
func (c *Capability) Accepts(dtype tensor.DataType, cfg any) bool {
	if len(c.DTypes) > 0 {
		found := false
		for _, dt := range c.DTypes {
			if dt == dtype {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Supports != nil && !c.Supports(dtype, cfg) {
		return false
	}
	return true
}

// Handle is the result of a successful Query.
type Handle struct {
	Backend Backend
	factory Factory
}

// New instantiates the kernel.
func (h Handle) New(dtype tensor.DataType, cfg any) (Kernel, error) {
	return h.factory(dtype, cfg)
}
