// Package graph implements dataflow graphs of tensor operations and the
// session that executes them.
//
// A Graph is built once with a Builder and is immutable afterwards. A
// Session plans the subset of the graph needed for a set of requested
// outputs and runs it, evaluating each needed node exactly once and
// releasing intermediate tensors as soon as nothing else reads them.
package graph

import (
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
)

// Kind classifies a variable.
type Kind int

// Variable kinds.
const (
	// Placeholder is fed by the caller on every run.
	Placeholder Kind = iota
	// Constant holds a fixed tensor owned by the graph.
	Constant
	// Computed is produced by exactly one node.
	Computed
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Placeholder:
		return "placeholder"
	case Constant:
		return "constant"
	case Computed:
		return "computed"
	default:
		return "unknown"
	}
}

// Spec describes the element type and shape a tensor must have.
// A nil Shape accepts any shape; a negative dimension accepts any size.
type Spec struct {
	DType tensor.DataType
	Shape tensor.Shape
}

// Matches reports whether t satisfies the spec.
func (s Spec) Matches(t *tensor.RawTensor) bool {
	return t != nil && t.DType() == s.DType && t.Shape().Matches(s.Shape)
}

// SpecOf returns the exact spec of a tensor.
func SpecOf(t *tensor.RawTensor) Spec {
	shape := t.Shape().Clone()
	if shape == nil {
		shape = tensor.Shape{}
	}
	return Spec{DType: t.DType(), Shape: shape}
}

// Variable is a named value slot of the graph.
type Variable struct {
	Name string
	Kind Kind
	// Spec is required for placeholders and optional for computed values
	// (zero value means unchecked).
	Spec Spec
	// Value is set for constants only.
	Value *tensor.RawTensor

	producer *Node
	hasSpec  bool
}

// Producer returns the node computing the variable, or nil.
func (v *Variable) Producer() *Node {
	return v.producer
}

// Op is an operation executed by a node.
type Op interface {
	// Type names the operation, e.g. "BatchNorm".
	Type() string

	// Execute computes the node outputs. Outputs should be allocated with
	// ctx.Alloc or be fresh tensors; returning an input is allowed and is
	// treated as a new view of it. Inputs must not be released.
	Execute(ctx *ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)
}

// ShapeInferrer is implemented by ops that can compute their output specs
// from their input specs. The session checks produced tensors against them.
type ShapeInferrer interface {
	InferOutputs(inputs []Spec) ([]Spec, error)
}

// Node applies an op to named input variables and produces named outputs.
type Node struct {
	Name    string
	Op      Op
	Inputs  []string
	Outputs []string

	index int
}

// Index returns the insertion position of the node in its graph.
func (n *Node) Index() int {
	return n.index
}

// Graph is an immutable dataflow graph.
type Graph struct {
	vars  map[string]*Variable
	nodes []*Node
}

// Variable returns a variable by name.
func (g *Graph) Variable(name string) (*Variable, bool) {
	v, ok := g.vars[name]
	return v, ok
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Builder assembles a Graph. The first error is kept and returned by Build;
// later calls are ignored once an error is recorded.
type Builder struct {
	vars      map[string]*Variable
	nodes     []*Node
	nodeNames map[string]bool
	err       error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		vars:      make(map[string]*Variable),
		nodeNames: make(map[string]bool),
	}
}

// Placeholder declares a caller-fed variable.
func (b *Builder) Placeholder(name string, dtype tensor.DataType, shape tensor.Shape) *Builder {
	b.declare(&Variable{Name: name, Kind: Placeholder, Spec: Spec{DType: dtype, Shape: cloneShape(shape)}, hasSpec: true})
	return b
}

// Constant declares a variable with a fixed value. The graph takes
// ownership of value; sessions never release it.
func (b *Builder) Constant(name string, value *tensor.RawTensor) *Builder {
	if value == nil {
		b.fail(errors.Wrapf(ErrGraphValidity, "constant %q has no value", name))
		return b
	}
	b.declare(&Variable{Name: name, Kind: Constant, Spec: SpecOf(value), Value: value, hasSpec: true})
	return b
}

// Node adds a node. Each output declares a computed variable produced by
// this node. Inputs may name variables declared later.
func (b *Builder) Node(name string, op Op, inputs, outputs []string) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" || op == nil {
		b.fail(errors.Wrapf(ErrGraphValidity, "node %q: name and op are required", name))
		return b
	}
	if b.nodeNames[name] {
		b.fail(errors.Wrapf(ErrGraphValidity, "duplicate node name %q", name))
		return b
	}
	if len(outputs) == 0 {
		b.fail(errors.Wrapf(ErrGraphValidity, "node %q has no outputs", name))
		return b
	}

	n := &Node{
		Name:    name,
		Op:      op,
		Inputs:  append([]string(nil), inputs...),
		Outputs: append([]string(nil), outputs...),
		index:   len(b.nodes),
	}
	b.nodeNames[name] = true
	b.nodes = append(b.nodes, n)
	for _, out := range outputs {
		b.declare(&Variable{Name: out, Kind: Computed, producer: n})
	}
	return b
}

// OutputSpec declares the expected spec of a computed variable.
func (b *Builder) OutputSpec(name string, dtype tensor.DataType, shape tensor.Shape) *Builder {
	if b.err != nil {
		return b
	}
	v, ok := b.vars[name]
	if !ok || v.Kind != Computed {
		b.fail(errors.Wrapf(ErrGraphValidity, "%q is not a computed variable", name))
		return b
	}
	v.Spec = Spec{DType: dtype, Shape: cloneShape(shape)}
	v.hasSpec = true
	return b
}

// Build returns the graph or the first construction error.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &Graph{vars: b.vars, nodes: b.nodes}, nil
}

func (b *Builder) declare(v *Variable) {
	if b.err != nil {
		return
	}
	if v.Name == "" {
		b.fail(errors.Wrap(ErrGraphValidity, "variable name is empty"))
		return
	}
	if prev, dup := b.vars[v.Name]; dup {
		if prev.Kind == Computed && v.Kind == Computed {
			b.fail(errors.Wrapf(ErrGraphValidity, "variable %q is produced by both %q and %q",
				v.Name, prev.producer.Name, v.producer.Name))
		} else {
			b.fail(errors.Wrapf(ErrGraphValidity, "variable %q declared twice (%s and %s)",
				v.Name, prev.Kind, v.Kind))
		}
		return
	}
	b.vars[v.Name] = v
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// cloneShape keeps nil distinct from a scalar shape.
func cloneShape(s tensor.Shape) tensor.Shape {
	if s == nil {
		return nil
	}
	return s.Clone()
}
