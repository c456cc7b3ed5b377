package nn

import (
	"testing"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/parallel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBatch  = 2
	testInput  = 3
	testHidden = 4
)

func newLSTM(t *testing.T, cfg kernel.LSTMConfig) *LSTM {
	t.Helper()
	l, err := NewLSTM(cfg, tensor.Float64, nil, WithParallel(parallel.Config{}))
	require.NoError(t, err)
	for i, p := range l.Parameters() {
		require.NoError(t, p.Tensor().SetFloat64s(seq(p.Tensor().NumElements(), 0.4+0.1*float64(i))))
	}
	return l
}

// timeSlice extracts steps [from, to) of a [B, T, F] buffer.
func timeSlice(data []float64, batch, steps, features, from, to int) []float64 {
	out := make([]float64, 0, batch*(to-from)*features)
	for b := 0; b < batch; b++ {
		out = append(out, data[(b*steps+from)*features:(b*steps+to)*features]...)
	}
	return out
}

func sequence(t *testing.T, steps int) (*tensor.RawTensor, []float64) {
	t.Helper()
	data := seq(testBatch*steps*testInput, 1.5)
	return newTensor(t, tensor.Shape{testBatch, steps, testInput}, tensor.Float64, data), data
}

func TestLSTMStepMatchesUnrolledForward(t *testing.T) {
	const steps = 5
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x, data := sequence(t, steps)

	full, err := l.Forward(x, ForwardOptions{})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{testBatch, steps, testHidden}, full.Shape())
	assert.Equal(t, Fresh, l.Phase(), "Forward must not touch stepping state")

	for step := 0; step < steps; step++ {
		xt := newTensor(t, tensor.Shape{testBatch, testInput}, tensor.Float64,
			timeSlice(data, testBatch, steps, testInput, step, step+1))
		h, err := l.Step(xt)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{testBatch, testHidden}, h.Shape())
		assert.InDeltaSlice(t, timeSlice(full.Float64s(), testBatch, steps, testHidden, step, step+1),
			h.Float64s(), 1e-12, "step %d", step)
	}
	assert.Equal(t, Stepping, l.Phase())

	// Multi-step chunks continue the same sequence.
	l.Reset()
	first, err := l.Step(newTensor(t, tensor.Shape{testBatch, 2, testInput}, tensor.Float64,
		timeSlice(data, testBatch, steps, testInput, 0, 2)))
	require.NoError(t, err)
	rest, err := l.Step(newTensor(t, tensor.Shape{testBatch, 3, testInput}, tensor.Float64,
		timeSlice(data, testBatch, steps, testInput, 2, 5)))
	require.NoError(t, err)
	assert.InDeltaSlice(t, timeSlice(full.Float64s(), testBatch, steps, testHidden, 0, 2), first.Float64s(), 1e-12)
	assert.InDeltaSlice(t, timeSlice(full.Float64s(), testBatch, steps, testHidden, 2, 5), rest.Float64s(), 1e-12)
}

func TestLSTMResetReturnsToFresh(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x := newTensor(t, tensor.Shape{testBatch, testInput}, tensor.Float64, seq(testBatch*testInput, 1))

	first, err := l.Step(x)
	require.NoError(t, err)
	second, err := l.Step(x)
	require.NoError(t, err)
	assert.NotEqual(t, first.Float64s(), second.Float64s())

	l.Reset()
	assert.Equal(t, Fresh, l.Phase())
	act, mem := l.State()
	assert.Nil(t, act)
	assert.Nil(t, mem)

	again, err := l.Step(x)
	require.NoError(t, err)
	assert.Equal(t, first.Float64s(), again.Float64s())
}

func TestLSTMCarriedStateIsDetached(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x := newTensor(t, tensor.Shape{testBatch, testInput}, tensor.Float64, seq(testBatch*testInput, 1))

	y, err := l.Step(x)
	require.NoError(t, err)
	want := y.Float64s()

	act, _ := l.State()
	assert.False(t, act.SharesStorage(y))
	require.NoError(t, act.SetFloat64s(make([]float64, act.NumElements())))
	act.Release()
	y.Release()
	x.Release()

	carried, mem := l.State()
	require.NotNil(t, carried)
	assert.Equal(t, want, carried.Float64s())
	assert.Equal(t, tensor.Shape{testBatch, testHidden}, mem.Shape())
}

func TestLSTMSetInitialStateContinuesSequence(t *testing.T) {
	cfg := DefaultLSTMConfig(testInput, testHidden)
	a := newLSTM(t, cfg)
	b := newLSTM(t, cfg)
	x1 := newTensor(t, tensor.Shape{testBatch, testInput}, tensor.Float64, seq(testBatch*testInput, 1))
	x2 := newTensor(t, tensor.Shape{testBatch, testInput}, tensor.Float64, seq(testBatch*testInput, -2))

	_, err := a.Step(x1)
	require.NoError(t, err)
	act, mem := a.State()
	require.NoError(t, b.SetInitialState(act, mem))
	assert.Equal(t, Stepping, b.Phase())

	want, err := a.Step(x2)
	require.NoError(t, err)
	got, err := b.Step(x2)
	require.NoError(t, err)
	assert.Equal(t, want.Float64s(), got.Float64s())

	bad := newTensor(t, tensor.Shape{testBatch, testHidden + 1}, tensor.Float64, seq(testBatch*(testHidden+1), 1))
	assert.ErrorIs(t, b.SetInitialState(bad, bad), tensor.ErrShapeMismatch)
}

func TestLSTMTruncatedWindowsAccumulateToFullGradient(t *testing.T) {
	const steps, window = 6, 3
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x, data := sequence(t, steps)

	// Gradient confined to the first window, so nothing crosses the boundary.
	grad := seq(testBatch*steps*testHidden, 0.8)
	for b := 0; b < testBatch; b++ {
		for i := (b*steps + window) * testHidden; i < (b+1)*steps*testHidden; i++ {
			grad[i] = 0
		}
	}

	full, err := l.Forward(x, ForwardOptions{Training: true})
	require.NoError(t, err)
	fullGrads, err := l.Backward(newTensor(t, tensor.Shape{testBatch, steps, testHidden}, tensor.Float64, grad))
	require.NoError(t, err)
	for _, p := range l.Parameters() {
		p.ZeroGrad()
	}

	shape := tensor.Shape{testBatch, window, testHidden}
	var inputGrad []float64
	for w := 0; w < steps/window; w++ {
		from, to := w*window, (w+1)*window
		xw := newTensor(t, tensor.Shape{testBatch, window, testInput}, tensor.Float64,
			timeSlice(data, testBatch, steps, testInput, from, to))
		y, err := l.ForwardTruncated(xw, TruncatedOptions{ForwardOptions: ForwardOptions{Training: true}, StoreLast: true})
		require.NoError(t, err)
		assert.InDeltaSlice(t, timeSlice(full.Float64s(), testBatch, steps, testHidden, from, to), y.Float64s(), 1e-12)

		gw := newTensor(t, shape, tensor.Float64, timeSlice(grad, testBatch, steps, testHidden, from, to))
		grads, err := l.BackwardTruncated(gw, 0)
		require.NoError(t, err)
		inputGrad = append(inputGrad, grads.Input.Float64s()...)
	}

	assert.InDeltaSlice(t, fullGrads.InputWeights.Float64s(), l.InputWeights.Grad().Float64s(), 1e-12)
	assert.InDeltaSlice(t, fullGrads.RecurrentWeights.Float64s(), l.RecurrentWeights.Grad().Float64s(), 1e-12)
	assert.InDeltaSlice(t, fullGrads.Bias.Float64s(), l.Bias.Grad().Float64s(), 1e-12)

	// Window-major order back to [B, T, I].
	fullInput := fullGrads.Input.Float64s()
	for w := 0; w < steps/window; w++ {
		got := inputGrad[w*testBatch*window*testInput : (w+1)*testBatch*window*testInput]
		assert.InDeltaSlice(t, timeSlice(fullInput, testBatch, steps, testInput, w*window, (w+1)*window), got, 1e-12)
	}
}

func TestLSTMTruncatedWholeSequenceEqualsFullPass(t *testing.T) {
	const steps = 4
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x, _ := sequence(t, steps)
	grad := newTensor(t, tensor.Shape{testBatch, steps, testHidden}, tensor.Float64,
		seq(testBatch*steps*testHidden, 1.1))

	_, err := l.Forward(x, ForwardOptions{Training: true})
	require.NoError(t, err)
	full, err := l.Backward(grad)
	require.NoError(t, err)

	_, err = l.ForwardTruncated(x, TruncatedOptions{ForwardOptions: ForwardOptions{Training: true}})
	require.NoError(t, err)
	truncated, err := l.BackwardTruncated(grad, steps)
	require.NoError(t, err)

	assert.Equal(t, full.Input.Float64s(), truncated.Input.Float64s())
	assert.Equal(t, full.InputWeights.Float64s(), truncated.InputWeights.Float64s())
	assert.Equal(t, full.RecurrentWeights.Float64s(), truncated.RecurrentWeights.Float64s())
	assert.Equal(t, full.Bias.Float64s(), truncated.Bias.Float64s())
}

func TestLSTMBackwardLengthLimitsGradient(t *testing.T) {
	const steps, length = 4, 2
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x, _ := sequence(t, steps)
	grad := newTensor(t, tensor.Shape{testBatch, steps, testHidden}, tensor.Float64,
		seq(testBatch*steps*testHidden, 1))

	_, err := l.ForwardTruncated(x, TruncatedOptions{ForwardOptions: ForwardOptions{Training: true}})
	require.NoError(t, err)
	grads, err := l.BackwardTruncated(grad, length)
	require.NoError(t, err)

	dx := grads.Input.Float64s()
	for b := 0; b < testBatch; b++ {
		for step := 0; step < steps; step++ {
			row := dx[(b*steps+step)*testInput : (b*steps+step+1)*testInput]
			if step < steps-length {
				assert.Equal(t, make([]float64, testInput), row, "batch %d step %d", b, step)
			} else {
				assert.NotEqual(t, make([]float64, testInput), row, "batch %d step %d", b, step)
			}
		}
	}
}

func TestLSTMBackwardRequiresMatchingForward(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x, _ := sequence(t, 3)
	grad := newTensor(t, tensor.Shape{testBatch, 3, testHidden}, tensor.Float64, seq(testBatch*3*testHidden, 1))

	_, err := l.Backward(grad)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)

	// A later inference forward discards the stale training trace.
	_, err = l.Forward(x, ForwardOptions{Training: true})
	require.NoError(t, err)
	_, err = l.Forward(x, ForwardOptions{})
	require.NoError(t, err)
	_, err = l.Backward(grad)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)

	// Truncated backward needs a truncated forward.
	_, err = l.Forward(x, ForwardOptions{Training: true})
	require.NoError(t, err)
	_, err = l.BackwardTruncated(grad, 0)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)

	// The trace is consumed by a successful backward.
	_, err = l.Forward(x, ForwardOptions{KeepTrace: true})
	require.NoError(t, err)
	_, err = l.Backward(grad)
	require.NoError(t, err)
	_, err = l.Backward(grad)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
}

func TestLSTMGradientMatchesFiniteDifferences(t *testing.T) {
	configs := map[string]kernel.LSTMConfig{
		"sigmoid-tanh": DefaultLSTMConfig(testInput, testHidden),
		"hardsigmoid-identity": {
			InputSize: testInput, HiddenSize: testHidden,
			GateActivation: kernel.HardSigmoid, OutputActivation: kernel.Identity,
			AllowFallback: true,
		},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			const steps = 3
			l := newLSTM(t, cfg)
			x, data := sequence(t, steps)
			weights := seq(testBatch*steps*testHidden, 1)

			loss := func(input []float64) float64 {
				y, err := l.Forward(newTensor(t, tensor.Shape{testBatch, steps, testInput}, tensor.Float64, input),
					ForwardOptions{})
				require.NoError(t, err)
				sum := 0.0
				for i, v := range y.Float64s() {
					sum += v * weights[i]
				}
				return sum
			}

			_, err := l.Forward(x, ForwardOptions{Training: true})
			require.NoError(t, err)
			grads, err := l.Backward(newTensor(t, tensor.Shape{testBatch, steps, testHidden}, tensor.Float64, weights))
			require.NoError(t, err)

			const h = 1e-6
			dx := grads.Input.Float64s()
			for _, i := range []int{0, 4, 10, 17} {
				plus := append([]float64(nil), data...)
				minus := append([]float64(nil), data...)
				plus[i] += h
				minus[i] -= h
				assert.InDelta(t, (loss(plus)-loss(minus))/(2*h), dx[i], 1e-5, "input %d", i)
			}

			w := l.RecurrentWeights.Tensor()
			dw := grads.RecurrentWeights.Float64s()
			for _, i := range []int{1, 7, 30} {
				orig := w.Float64s()
				perturbed := append([]float64(nil), orig...)
				perturbed[i] = orig[i] + h
				require.NoError(t, w.SetFloat64s(perturbed))
				up := loss(data)
				perturbed[i] = orig[i] - h
				require.NoError(t, w.SetFloat64s(perturbed))
				down := loss(data)
				require.NoError(t, w.SetFloat64s(orig))
				assert.InDelta(t, (up-down)/(2*h), dw[i], 1e-5, "recurrent weight %d", i)
			}
		})
	}
}

func TestLSTMTruncatedStateIsIndependentOfStepping(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x, _ := sequence(t, 2)

	_, err := l.ForwardTruncated(x, TruncatedOptions{StoreLast: true})
	require.NoError(t, err)
	act, mem := l.TruncatedState()
	require.NotNil(t, act)
	require.NotNil(t, mem)
	assert.Equal(t, Fresh, l.Phase())
	stepAct, _ := l.State()
	assert.Nil(t, stepAct)

	// Without StoreLast the truncated state is left alone.
	_, err = l.ForwardTruncated(x, TruncatedOptions{})
	require.NoError(t, err)
	again, _ := l.TruncatedState()
	assert.Equal(t, act.Float64s(), again.Float64s())
}

func TestLSTMRejectsOverlappingCalls(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x := newTensor(t, tensor.Shape{testBatch, testInput}, tensor.Float64, seq(testBatch*testInput, 1))

	require.NoError(t, l.state.inFlight.begin("test"))
	_, err := l.Step(x)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
	l.state.inFlight.end()

	_, err = l.Step(x)
	assert.NoError(t, err)
}

func TestLSTMRejectsBatchChangeWhileStepping(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	_, err := l.Step(newTensor(t, tensor.Shape{2, testInput}, tensor.Float64, seq(2*testInput, 1)))
	require.NoError(t, err)

	_, err = l.Step(newTensor(t, tensor.Shape{3, testInput}, tensor.Float64, seq(3*testInput, 1)))
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
}

func TestLSTMRejectsWrongInput(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	_, err := l.Forward(newTensor(t, tensor.Shape{2, 2, testInput + 1}, tensor.Float64, seq(4*(testInput+1), 1)),
		ForwardOptions{})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	_, err = l.Forward(newTensor(t, tensor.Shape{2, 2, testInput}, tensor.Float32, seq(4*testInput, 1)),
		ForwardOptions{})
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
}

func TestLSTMDiagnosticsReportScratch(t *testing.T) {
	l := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	x, _ := sequence(t, 3)
	_, err := l.Forward(x, ForwardOptions{Training: true})
	require.NoError(t, err)

	d := l.Diagnostics()
	assert.Equal(t, kernel.OpLSTM, d.Op)
	assert.Equal(t, kernel.BackendReference, d.LastBackend)
	assert.Positive(t, d.ScratchBytes)

	l.Reset()
	assert.Zero(t, l.Diagnostics().ScratchBytes)
}
