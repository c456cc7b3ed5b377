package kernel

import (
	"math"

	"github.com/pkg/errors"
)

// Activation is an elementwise activation usable by recurrent gates.
type Activation int

// Supported activations.
const (
	Sigmoid Activation = iota
	Tanh
	HardSigmoid
	ReLU
	Identity
)

// String returns the activation name.
func (a Activation) String() string {
	switch a {
	case Sigmoid:
		return "sigmoid"
	case Tanh:
		return "tanh"
	case HardSigmoid:
		return "hardsigmoid"
	case ReLU:
		return "relu"
	case Identity:
		return "identity"
	default:
		return "unknown"
	}
}

// ParseActivation converts a name into an Activation.
func ParseActivation(name string) (Activation, error) {
	for a := Sigmoid; a <= Identity; a++ {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, errors.Errorf("unknown activation %q", name)
}

// Apply computes the activation of x.
func (a Activation) Apply(x float64) float64 {
	switch a {
	case Sigmoid:
		return 1 / (1 + math.Exp(-x))
	case Tanh:
		return math.Tanh(x)
	case HardSigmoid:
		return math.Min(1, math.Max(0, 0.2*x+0.5))
	case ReLU:
		return math.Max(0, x)
	default:
		return x
	}
}

// Derivative returns d out/d pre given the pre-activation and its output.
func (a Activation) Derivative(pre, out float64) float64 {
	switch a {
	case Sigmoid:
		return out * (1 - out)
	case Tanh:
		return 1 - out*out
	case HardSigmoid:
		if pre > -2.5 && pre < 2.5 {
			return 0.2
		}
		return 0
	case ReLU:
		if pre > 0 {
			return 1
		}
		return 0
	default:
		return 1
	}
}

// LSTMConfig is the configuration record of an LSTM layer.
type LSTMConfig struct {
	InputSize  int
	HiddenSize int
	// GateActivation applies to the input, forget and output gates.
	GateActivation Activation
	// OutputActivation applies to the cell candidate and the cell output.
	OutputActivation Activation
	// AllowFallback permits the reference kernel when no accelerated kernel
	// serves a call.
	AllowFallback bool
}

// IsLSTMConfig extracts an LSTMConfig from a capability cfg argument.
func IsLSTMConfig(cfg any) (LSTMConfig, bool) {
	switch c := cfg.(type) {
	case LSTMConfig:
		return c, true
	case *LSTMConfig:
		if c != nil {
			return *c, true
		}
	}
	return LSTMConfig{}, false
}

// Gate blocks inside the 4H gate dimension.
const (
	GateInput = iota
	GateForget
	GateOutput
	GateCell
	NumGates
)

// LSTMParams holds the weights in dense row-major layout.
type LSTMParams struct {
	InputWeights     []float64 // [I, 4H]
	RecurrentWeights []float64 // [H, 4H]
	Bias             []float64 // [4H]
}

// LSTMTrace is the full intermediate state of one forward pass, kept for the
// backward pass that follows it.
type LSTMTrace struct {
	Batch, Steps, InputSize, HiddenSize int

	Input    []float64 // [B, T, I]
	H0, C0   []float64 // [B, H]
	PreGates []float64 // [B, T, 4H] before activation
	Gates    []float64 // [B, T, 4H] after activation
	Cells    []float64 // [B, T, H]
	CellAct  []float64 // [B, T, H] output activation of Cells
	Hidden   []float64 // [B, T, H], also the layer output

	Backend Backend
}

// NewLSTMTrace allocates a trace for the given dimensions.
func NewLSTMTrace(batch, steps, inputSize, hidden int) *LSTMTrace {
	g := batch * steps * NumGates * hidden
	h := batch * steps * hidden
	return &LSTMTrace{
		Batch:      batch,
		Steps:      steps,
		InputSize:  inputSize,
		HiddenSize: hidden,
		PreGates:   make([]float64, g),
		Gates:      make([]float64, g),
		Cells:      make([]float64, h),
		CellAct:    make([]float64, h),
		Hidden:     make([]float64, h),
	}
}

// LastHidden returns the hidden state of the final step, [B, H].
func (t *LSTMTrace) LastHidden() []float64 {
	return t.lastStep(t.Hidden, t.H0)
}

// LastCell returns the cell state of the final step, [B, H].
func (t *LSTMTrace) LastCell() []float64 {
	return t.lastStep(t.Cells, t.C0)
}

func (t *LSTMTrace) lastStep(seq, initial []float64) []float64 {
	out := make([]float64, t.Batch*t.HiddenSize)
	if t.Steps == 0 {
		copy(out, initial)
		return out
	}
	for b := 0; b < t.Batch; b++ {
		src := (b*t.Steps + t.Steps - 1) * t.HiddenSize
		copy(out[b*t.HiddenSize:(b+1)*t.HiddenSize], seq[src:src+t.HiddenSize])
	}
	return out
}

// Bytes estimates the trace's memory footprint.
func (t *LSTMTrace) Bytes() int {
	n := len(t.Input) + len(t.H0) + len(t.C0) + len(t.PreGates) + len(t.Gates) +
		len(t.Cells) + len(t.CellAct) + len(t.Hidden)
	return n * 8
}

// LSTMGrads holds the result of a backward pass.
type LSTMGrads struct {
	Input            []float64 // [B, T, I]
	InputWeights     []float64 // [I, 4H]
	RecurrentWeights []float64 // [H, 4H]
	Bias             []float64 // [4H]
}

// LSTMKernel runs LSTM passes for one backend.
// Returning an error wrapping ErrUnsupportedConfig asks for fallback.
type LSTMKernel interface {
	Kernel
	// Forward runs the sequence x [B, T, I] from the initial state (h0, c0),
	// each [B, H].
	Forward(p *LSTMParams, x []float64, batch, steps int, h0, c0 []float64) (*LSTMTrace, error)
	// Backward back-propagates gradOut [B, T, H] through tr. Only the last
	// backwardLength steps receive gradient; <= 0 means all steps.
	Backward(p *LSTMParams, tr *LSTMTrace, gradOut []float64, backwardLength int) (*LSTMGrads, error)
}
