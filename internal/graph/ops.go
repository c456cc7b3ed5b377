package graph

import (
	"math"
	"sort"

	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
)

// Handler executes a registered op type.
type Handler func(ctx *ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// FuncOp adapts a Handler to the Op interface.
type FuncOp struct {
	Name string
	Fn   Handler
	// Infer is optional shape inference.
	Infer func(inputs []Spec) ([]Spec, error)
}

// Type returns the op name.
func (f *FuncOp) Type() string {
	return f.Name
}

// Execute calls the handler.
func (f *FuncOp) Execute(ctx *ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return f.Fn(ctx, inputs)
}

// InferOutputs calls Infer, or echoes the first input spec when Infer is nil.
func (f *FuncOp) InferOutputs(inputs []Spec) ([]Spec, error) {
	if f.Infer != nil {
		return f.Infer(inputs)
	}
	if len(inputs) == 0 {
		return nil, errors.Errorf("%s: no inputs to infer from", f.Name)
	}
	return []Spec{inputs[0]}, nil
}

// OpRegistry maps op type names to handlers.
type OpRegistry struct {
	handlers map[string]*FuncOp
}

// NewOpRegistry creates a registry holding the built-in elementwise ops.
func NewOpRegistry() *OpRegistry {
	r := &OpRegistry{handlers: make(map[string]*FuncOp)}
	r.Register("Identity", handleIdentity)
	r.Register("Add", binary("add", func(a, b float64) float64 { return a + b }))
	r.Register("Sub", binary("sub", func(a, b float64) float64 { return a - b }))
	r.Register("Mul", binary("mul", func(a, b float64) float64 { return a * b }))
	r.Register("Relu", unary(func(x float64) float64 { return math.Max(0, x) }))
	r.Register("Tanh", unary(math.Tanh))
	r.Register("Sigmoid", unary(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }))
	return r
}

// Register adds or replaces an op type.
func (r *OpRegistry) Register(opType string, h Handler) {
	r.handlers[opType] = &FuncOp{Name: opType, Fn: h}
}

// Lookup returns the op for a type name.
func (r *OpRegistry) Lookup(opType string) (Op, bool) {
	op, ok := r.handlers[opType]
	return op, ok
}

// SupportedOps returns the registered type names, sorted.
func (r *OpRegistry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func handleIdentity(_ *ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("identity requires 1 input, got %d", len(inputs))
	}
	return []*tensor.RawTensor{inputs[0]}, nil
}

func unary(fn func(float64) float64) Handler {
	return func(ctx *ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if len(inputs) != 1 {
			return nil, errors.Errorf("requires 1 input, got %d", len(inputs))
		}
		x := inputs[0]
		data := x.Float64s()
		for i, v := range data {
			data[i] = fn(v)
		}
		return allocFrom(ctx, x, data)
	}
}

func binary(name string, fn func(a, b float64) float64) Handler {
	return func(ctx *ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if len(inputs) != 2 {
			return nil, errors.Errorf("%s requires 2 inputs, got %d", name, len(inputs))
		}
		a, b := inputs[0], inputs[1]
		if !a.Shape().Equal(b.Shape()) || a.DType() != b.DType() {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%s: %s%v and %s%v",
				name, a.DType(), a.Shape(), b.DType(), b.Shape())
		}
		x, y := a.Float64s(), b.Float64s()
		for i := range x {
			x[i] = fn(x[i], y[i])
		}
		return allocFrom(ctx, a, x)
	}
}

// allocFrom allocates an output shaped like like and fills it with data.
func allocFrom(ctx *ExecContext, like *tensor.RawTensor, data []float64) ([]*tensor.RawTensor, error) {
	out, err := ctx.Alloc(like.Shape(), like.DType())
	if err != nil {
		return nil, err
	}
	if err := out.SetFloat64s(data); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{out}, nil
}
