package nn

import (
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
)

// ForwardOptions control a sequence forward pass.
type ForwardOptions struct {
	// Training marks a training-mode call. Its trace is kept for Backward.
	Training bool
	// KeepTrace keeps the trace of an inference-mode call as well.
	KeepTrace bool
}

func (o ForwardOptions) keepTrace() bool {
	return o.Training || o.KeepTrace
}

// TruncatedOptions control a truncated-window forward pass.
type TruncatedOptions struct {
	ForwardOptions
	// StoreLast overwrites the truncated-window state with the final
	// activation and memory cell of this window.
	StoreLast bool
}

// LSTMGradients is the result of a backward pass. The parameter gradients
// are also accumulated into the layer's Parameters.
type LSTMGradients struct {
	Input            *tensor.RawTensor // shaped like the forward input
	InputWeights     *tensor.RawTensor // [I, 4H]
	RecurrentWeights *tensor.RawTensor // [H, 4H]
	Bias             *tensor.RawTensor // [4H]
}

// Release frees the gradient tensors.
func (g *LSTMGradients) Release() {
	g.Input.Release()
	g.InputWeights.Release()
	g.RecurrentWeights.Release()
	g.Bias.Release()
}

// LSTM is a long short-term memory layer with gate order input, forget,
// output, cell (IFOG).
//
// Input is [batch, time, features] and output [batch, time, hidden]. Step
// also takes a single time step as [batch, features].
//
// The layer keeps two independent carried states. Step reads and writes the
// stepping state, so consecutive Step calls continue one sequence.
// ForwardTruncated reads and writes the truncated-window state, used for
// truncated back-propagation through time. Forward uses neither.
//
// Example:
//
//	l, _ := nn.NewLSTM(kernel.LSTMConfig{InputSize: 8, HiddenSize: 16,
//	    GateActivation: kernel.Sigmoid, OutputActivation: kernel.Tanh,
//	    AllowFallback: true}, tensor.Float32, registry)
//	for _, x := range frames {
//	    h, _ := l.Step(x) // [batch, 8] -> [batch, 16]
//	}
//	l.Reset()
type LSTM struct {
	InputWeights     *Parameter // [I, 4H]
	RecurrentWeights *Parameter // [H, 4H]
	Bias             *Parameter // [4H]

	cfg   kernel.LSTMConfig
	dtype tensor.DataType
	neg   *kernel.Negotiator[kernel.LSTMKernel]
	state RecurrentState
}

var _ Layer = (*LSTM)(nil)

// DefaultLSTMConfig returns a sigmoid/tanh configuration with fallback allowed.
func DefaultLSTMConfig(inputSize, hiddenSize int) kernel.LSTMConfig {
	return kernel.LSTMConfig{
		InputSize:        inputSize,
		HiddenSize:       hiddenSize,
		GateActivation:   kernel.Sigmoid,
		OutputActivation: kernel.Tanh,
		AllowFallback:    true,
	}
}

// NewLSTM creates an LSTM layer with zero-initialized parameters.
// A nil registry means reference kernels only.
func NewLSTM(cfg kernel.LSTMConfig, dtype tensor.DataType, registry *kernel.Registry, opts ...Option) (*LSTM, error) {
	if cfg.InputSize <= 0 || cfg.HiddenSize <= 0 {
		return nil, errors.Errorf("lstm: input size %d and hidden size %d must be positive",
			cfg.InputSize, cfg.HiddenSize)
	}
	if !dtype.IsFloat() {
		return nil, kernel.Unsupported("lstm: element type %s is not a float type", dtype)
	}

	o := applyOptions(opts)
	g4 := kernel.NumGates * cfg.HiddenSize
	l := &LSTM{
		InputWeights:     NewParameter("lstm.input_weights", tensor.MustNewRaw(tensor.Shape{cfg.InputSize, g4}, dtype)),
		RecurrentWeights: NewParameter("lstm.recurrent_weights", tensor.MustNewRaw(tensor.Shape{cfg.HiddenSize, g4}, dtype)),
		Bias:             NewParameter("lstm.bias", tensor.MustNewRaw(tensor.Shape{g4}, dtype)),
		cfg:              cfg,
		dtype:            dtype,
		neg: kernel.NewNegotiator[kernel.LSTMKernel](
			registry, kernel.OpLSTM, dtype, cfg, cfg.AllowFallback, &referenceLSTM{cfg: cfg, par: o.parallel}),
	}
	l.neg.Prefer(o.prefer)
	return l, nil
}

// Config returns the layer configuration.
func (l *LSTM) Config() kernel.LSTMConfig {
	return l.cfg
}

// Forward runs x from zero initial state without reading or writing any
// carried state.
func (l *LSTM) Forward(x *tensor.RawTensor, opts ForwardOptions) (*tensor.RawTensor, error) {
	if err := l.state.inFlight.begin("lstm forward"); err != nil {
		return nil, err
	}
	defer l.state.inFlight.end()

	out, _, err := l.run(x, nil, opts.keepTrace(), false)
	return out, err
}

// Step runs x ([B, I] or [B, T, I]) continuing from the stepping state and
// stores the final activation and memory cell for the next Step. Step is an
// inference call; it keeps no trace.
func (l *LSTM) Step(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := l.state.inFlight.begin("lstm step"); err != nil {
		return nil, err
	}
	defer l.state.inFlight.end()

	out, tr, err := l.run(x, &l.state.primary, false, false)
	if err != nil {
		return nil, err
	}
	if err := l.carry(tr, l.state.storeStepping); err != nil {
		out.Release()
		return nil, err
	}
	l.updateScratch()
	return out, nil
}

// ForwardTruncated runs one truncated window starting from the
// truncated-window state (zero when none is stored). With StoreLast the
// final activation and memory cell replace that state.
func (l *LSTM) ForwardTruncated(x *tensor.RawTensor, opts TruncatedOptions) (*tensor.RawTensor, error) {
	if err := l.state.inFlight.begin("lstm truncated forward"); err != nil {
		return nil, err
	}
	defer l.state.inFlight.end()

	out, tr, err := l.run(x, &l.state.truncated, opts.keepTrace(), true)
	if err != nil {
		return nil, err
	}
	if opts.StoreLast {
		if err := l.carry(tr, l.state.storeTruncated); err != nil {
			out.Release()
			return nil, err
		}
		l.updateScratch()
	}
	return out, nil
}

// Backward back-propagates gradOut through the whole cached forward pass and
// consumes it.
func (l *LSTM) Backward(gradOut *tensor.RawTensor) (*LSTMGradients, error) {
	if err := l.state.inFlight.begin("lstm backward"); err != nil {
		return nil, err
	}
	defer l.state.inFlight.end()

	tr, ok := l.state.trace.consume()
	l.updateScratch()
	if !ok {
		return nil, kernel.InvalidState("lstm: backward without a cached forward pass")
	}
	return l.backward(tr, gradOut, 0)
}

// BackwardTruncated back-propagates gradOut through the cached truncated
// window. Only the trailing backwardLength steps receive gradient;
// backwardLength <= 0 means the whole window.
func (l *LSTM) BackwardTruncated(gradOut *tensor.RawTensor, backwardLength int) (*LSTMGradients, error) {
	if err := l.state.inFlight.begin("lstm truncated backward"); err != nil {
		return nil, err
	}
	defer l.state.inFlight.end()

	tr, ok := l.state.trace.consume()
	l.updateScratch()
	if !ok {
		return nil, kernel.InvalidState("lstm: truncated backward without a cached forward pass")
	}
	if !tr.truncated {
		return nil, kernel.InvalidState("lstm: truncated backward after a non-truncated forward pass")
	}
	return l.backward(tr, gradOut, backwardLength)
}

// SetInitialState sets the stepping state used by the next Step. act and mem
// are [B, H]; the layer stores copies.
func (l *LSTM) SetInitialState(act, mem *tensor.RawTensor) error {
	if act == nil || mem == nil {
		return errors.Wrap(tensor.ErrShapeMismatch, "lstm: initial state is nil")
	}
	if err := l.neg.CheckDType("initial activation", act); err != nil {
		return err
	}
	if err := l.neg.CheckDType("initial memory", mem); err != nil {
		return err
	}
	if act.Shape().Rank() != 2 || act.Shape()[1] != l.cfg.HiddenSize {
		return errors.Wrapf(tensor.ErrShapeMismatch, "lstm: initial activation %v, want [batch, %d]",
			act.Shape(), l.cfg.HiddenSize)
	}
	if err := tensor.CheckSpec("initial memory", mem, act.Shape(), l.dtype); err != nil {
		return err
	}
	l.state.storeStepping(act, mem)
	l.updateScratch()
	return nil
}

// State returns copies of the stepping state, or nils in the Fresh phase.
func (l *LSTM) State() (act, mem *tensor.RawTensor) {
	return l.state.primary.snapshot()
}

// TruncatedState returns copies of the truncated-window state, or nils.
func (l *LSTM) TruncatedState() (act, mem *tensor.RawTensor) {
	return l.state.truncated.snapshot()
}

// Phase returns the stepping phase.
func (l *LSTM) Phase() Phase {
	return l.state.Phase()
}

// Reset clears the stepping state, the truncated-window state and the
// cached trace.
func (l *LSTM) Reset() {
	l.state.Reset()
	l.updateScratch()
}

// Parameters returns the weights and bias.
func (l *LSTM) Parameters() []*Parameter {
	return []*Parameter{l.InputWeights, l.RecurrentWeights, l.Bias}
}

// Diagnostics reports the backend that served the most recent call.
func (l *LSTM) Diagnostics() kernel.Diagnostics {
	return l.neg.Diagnostics()
}

// Release frees parameters and all carried state.
func (l *LSTM) Release() {
	l.Reset()
	for _, p := range l.Parameters() {
		p.Release()
	}
}

// run executes one forward pass from the given carried state (zero when nil
// or empty). Any earlier trace is discarded; the new one is kept when keep
// is set.
func (l *LSTM) run(
	x *tensor.RawTensor, from *carriedState, keep, truncated bool,
) (*tensor.RawTensor, *lstmTrace, error) {
	l.state.trace.discard()
	l.updateScratch()

	if err := l.neg.CheckDType("input", x); err != nil {
		return nil, nil, err
	}
	batch, steps, singleStep, err := l.sequenceLayout(x.Shape())
	if err != nil {
		return nil, nil, err
	}
	h0, c0, err := l.initialState(from, batch)
	if err != nil {
		return nil, nil, err
	}

	params := l.params()
	data := x.Float64s()
	var kt *kernel.LSTMTrace
	err = l.neg.Dispatch(func(k kernel.LSTMKernel) error {
		var err error
		kt, err = k.Forward(params, data, batch, steps, h0, c0)
		return err
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "lstm forward")
	}

	tr := &lstmTrace{LSTMTrace: kt, truncated: truncated, singleStep: singleStep}
	out, err := tensor.FromFloat64s(l.outputShape(batch, steps, singleStep), l.dtype, kt.Hidden)
	if err != nil {
		return nil, nil, err
	}
	if keep {
		l.state.trace.produce(tr)
		l.updateScratch()
	}
	return out, tr, nil
}

func (l *LSTM) backward(tr *lstmTrace, gradOut *tensor.RawTensor, backwardLength int) (*LSTMGradients, error) {
	if err := l.neg.CheckDType("gradient", gradOut); err != nil {
		return nil, err
	}
	want := l.outputShape(tr.Batch, tr.Steps, tr.singleStep)
	if err := tensor.CheckSpec("gradient", gradOut, want, l.dtype); err != nil {
		return nil, err
	}

	params := l.params()
	dy := gradOut.Float64s()
	var kg *kernel.LSTMGrads
	err := l.neg.Dispatch(func(k kernel.LSTMKernel) error {
		var err error
		kg, err = k.Backward(params, tr.LSTMTrace, dy, backwardLength)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "lstm backward")
	}

	inShape := tensor.Shape{tr.Batch, tr.Steps, tr.InputSize}
	if tr.singleStep {
		inShape = tensor.Shape{tr.Batch, tr.InputSize}
	}
	grads := &LSTMGradients{}
	pairs := []struct {
		dst   **tensor.RawTensor
		shape tensor.Shape
		data  []float64
		param *Parameter
	}{
		{&grads.Input, inShape, kg.Input, nil},
		{&grads.InputWeights, l.InputWeights.Tensor().Shape(), kg.InputWeights, l.InputWeights},
		{&grads.RecurrentWeights, l.RecurrentWeights.Tensor().Shape(), kg.RecurrentWeights, l.RecurrentWeights},
		{&grads.Bias, l.Bias.Tensor().Shape(), kg.Bias, l.Bias},
	}
	for _, p := range pairs {
		t, err := tensor.FromFloat64s(p.shape, l.dtype, p.data)
		if err != nil {
			grads.Release()
			return nil, err
		}
		*p.dst = t
		if p.param != nil {
			if err := p.param.AccumulateGrad(t); err != nil {
				grads.Release()
				return nil, err
			}
		}
	}
	return grads, nil
}

// carry stores the final activation and memory cell of tr through store.
func (l *LSTM) carry(tr *lstmTrace, store func(act, mem *tensor.RawTensor)) error {
	shape := tensor.Shape{tr.Batch, l.cfg.HiddenSize}
	act, err := tensor.FromFloat64s(shape, l.dtype, tr.LastHidden())
	if err != nil {
		return err
	}
	defer act.Release()
	mem, err := tensor.FromFloat64s(shape, l.dtype, tr.LastCell())
	if err != nil {
		return err
	}
	defer mem.Release()
	store(act, mem)
	return nil
}

func (l *LSTM) sequenceLayout(shape tensor.Shape) (batch, steps int, singleStep bool, err error) {
	switch {
	case shape.Rank() == 3 && shape[2] == l.cfg.InputSize:
		return shape[0], shape[1], false, nil
	case shape.Rank() == 2 && shape[1] == l.cfg.InputSize:
		return shape[0], 1, true, nil
	default:
		return 0, 0, false, errors.Wrapf(tensor.ErrShapeMismatch,
			"lstm: input %v, want [batch, time, %d] or [batch, %d]", shape, l.cfg.InputSize, l.cfg.InputSize)
	}
}

func (l *LSTM) outputShape(batch, steps int, singleStep bool) tensor.Shape {
	if singleStep {
		return tensor.Shape{batch, l.cfg.HiddenSize}
	}
	return tensor.Shape{batch, steps, l.cfg.HiddenSize}
}

func (l *LSTM) initialState(from *carriedState, batch int) (h0, c0 []float64, err error) {
	size := batch * l.cfg.HiddenSize
	if from == nil || !from.present() {
		return make([]float64, size), make([]float64, size), nil
	}
	if got := from.act.Shape()[0]; got != batch {
		return nil, nil, kernel.InvalidState("lstm: carried state has batch size %d, input has %d; reset the layer",
			got, batch)
	}
	return from.act.Float64s(), from.mem.Float64s(), nil
}

func (l *LSTM) params() *kernel.LSTMParams {
	return &kernel.LSTMParams{
		InputWeights:     l.InputWeights.Tensor().Float64s(),
		RecurrentWeights: l.RecurrentWeights.Tensor().Float64s(),
		Bias:             l.Bias.Tensor().Float64s(),
	}
}

func (l *LSTM) updateScratch() {
	l.neg.SetScratchBytes(l.state.Bytes())
}
