package nn

import (
	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
)

// BatchNormOp runs a BatchNorm layer as a graph node with one input.
type BatchNormOp struct {
	Layer    *BatchNorm
	Training bool
	Stats    *RunningStats
}

var (
	_ graph.Op            = (*BatchNormOp)(nil)
	_ graph.ShapeInferrer = (*BatchNormOp)(nil)
	_ graph.Diagnoser     = (*BatchNormOp)(nil)
)

// Type returns "BatchNorm".
func (*BatchNormOp) Type() string {
	return "BatchNorm"
}

// Execute runs the layer forward pass.
func (o *BatchNormOp) Execute(_ *graph.ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("batchnorm requires 1 input, got %d", len(inputs))
	}
	y, err := o.Layer.Forward(inputs[0], o.Training, o.Stats)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{y}, nil
}

// InferOutputs returns the input spec: normalization keeps shape and type.
func (o *BatchNormOp) InferOutputs(inputs []graph.Spec) ([]graph.Spec, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("batchnorm requires 1 input, got %d", len(inputs))
	}
	return []graph.Spec{inputs[0]}, nil
}

// Diagnose returns the layer diagnostics.
func (o *BatchNormOp) Diagnose() kernel.Diagnostics {
	return o.Layer.Diagnostics()
}

// LSTMMode selects which LSTM entry point a graph node calls.
type LSTMMode int

// LSTM node modes.
const (
	// LSTMSequence calls Forward: zero initial state, nothing carried.
	LSTMSequence LSTMMode = iota
	// LSTMStep calls Step, continuing the layer's stepping state.
	LSTMStep
	// LSTMTruncated calls ForwardTruncated with StoreLast set.
	LSTMTruncated
)

// LSTMOp runs an LSTM layer as a graph node with one input.
type LSTMOp struct {
	Layer   *LSTM
	Mode    LSTMMode
	Options ForwardOptions
}

var (
	_ graph.Op            = (*LSTMOp)(nil)
	_ graph.ShapeInferrer = (*LSTMOp)(nil)
	_ graph.Diagnoser     = (*LSTMOp)(nil)
)

// Type returns "LSTM".
func (*LSTMOp) Type() string {
	return "LSTM"
}

// Execute runs the entry point selected by Mode.
func (o *LSTMOp) Execute(_ *graph.ExecContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("lstm requires 1 input, got %d", len(inputs))
	}
	var (
		y   *tensor.RawTensor
		err error
	)
	switch o.Mode {
	case LSTMStep:
		y, err = o.Layer.Step(inputs[0])
	case LSTMTruncated:
		y, err = o.Layer.ForwardTruncated(inputs[0], TruncatedOptions{ForwardOptions: o.Options, StoreLast: true})
	default:
		y, err = o.Layer.Forward(inputs[0], o.Options)
	}
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{y}, nil
}

// InferOutputs replaces the feature axis with the hidden size.
func (o *LSTMOp) InferOutputs(inputs []graph.Spec) ([]graph.Spec, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("lstm requires 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.Shape == nil {
		return []graph.Spec{{DType: in.DType}}, nil
	}
	shape := in.Shape.Clone()
	if len(shape) > 0 {
		shape[len(shape)-1] = o.Layer.Config().HiddenSize
	}
	return []graph.Spec{{DType: in.DType, Shape: shape}}, nil
}

// Diagnose returns the layer diagnostics.
func (o *LSTMOp) Diagnose() kernel.Diagnostics {
	return o.Layer.Diagnostics()
}
