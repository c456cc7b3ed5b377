package nn

import (
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
)

// Parameter is a trainable tensor owned by a layer, with its accumulated gradient.
//
// Example:
//
//	w := nn.NewParameter("lstm.input_weights", weights)
//	_ = w.Tensor().SetFloat64s(values)
//	...
//	grad := w.Grad() // nil before the first backward pass
type Parameter struct {
	name   string
	tensor *tensor.RawTensor
	grad   *tensor.RawTensor
}

// NewParameter wraps an initialized tensor. The parameter takes ownership of it.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{name: name, tensor: t}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.tensor
}

// Grad returns the accumulated gradient, or nil before any backward pass.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// AccumulateGrad adds g into the stored gradient. g must match the
// parameter's shape and type; it is not retained.
func (p *Parameter) AccumulateGrad(g *tensor.RawTensor) error {
	if err := tensor.CheckSpec(p.name+" gradient", g, p.tensor.Shape(), p.tensor.DType()); err != nil {
		return err
	}
	if p.grad == nil {
		p.grad = g.Copy()
		return nil
	}
	sum := p.grad.Float64s()
	for i, v := range g.Float64s() {
		sum[i] += v
	}
	return errors.Wrap(p.grad.SetFloat64s(sum), p.name)
}

// ZeroGrad drops the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.grad.Release()
	p.grad = nil
}

// Release frees the parameter and its gradient.
func (p *Parameter) Release() {
	p.ZeroGrad()
	p.tensor.Release()
}
