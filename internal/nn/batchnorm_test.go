package nn

import (
	"math"
	"testing"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/parallel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seq returns deterministic, non-trivial values.
func seq(n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = scale * math.Sin(float64(i)*0.7+0.3)
	}
	return out
}

func newTensor(t *testing.T, shape tensor.Shape, dtype tensor.DataType, data []float64) *tensor.RawTensor {
	t.Helper()
	x, err := tensor.FromFloat64s(shape, dtype, data)
	require.NoError(t, err)
	return x
}

func newBatchNorm(t *testing.T, cfg kernel.BatchNormConfig, dtype tensor.DataType) *BatchNorm {
	t.Helper()
	bn, err := NewBatchNorm(cfg, dtype, nil, WithParallel(parallel.Config{}))
	require.NoError(t, err)
	gamma := seq(cfg.Features, 0.5)
	for i := range gamma {
		gamma[i]++
	}
	require.NoError(t, bn.Gamma.Tensor().SetFloat64s(gamma))
	require.NoError(t, bn.Beta.Tensor().SetFloat64s(seq(cfg.Features, 0.2)))
	return bn
}

// naiveStats reduces an NCHW tensor over axes 0, 2 and 3 index by index.
func naiveStats(x []float64, n, c, h, w int) (mean, variance []float64) {
	mean = make([]float64, c)
	variance = make([]float64, c)
	at := func(i, ch, y, z int) float64 { return x[((i*c+ch)*h+y)*w+z] }
	for ch := 0; ch < c; ch++ {
		count := 0.0
		for i := 0; i < n; i++ {
			for y := 0; y < h; y++ {
				for z := 0; z < w; z++ {
					mean[ch] += at(i, ch, y, z)
					count++
				}
			}
		}
		mean[ch] /= count
		for i := 0; i < n; i++ {
			for y := 0; y < h; y++ {
				for z := 0; z < w; z++ {
					d := at(i, ch, y, z) - mean[ch]
					variance[ch] += d * d
				}
			}
		}
		variance[ch] /= count
	}
	return mean, variance
}

func TestBatchNormReductionAxes(t *testing.T) {
	tests := []struct {
		name       string
		shape      tensor.Shape
		n, h, w, c int
	}{
		{"rank2", tensor.Shape{5, 3}, 5, 1, 1, 3},
		{"rank4", tensor.Shape{2, 3, 4, 5}, 2, 4, 5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBatchNormConfig(tt.c)
			bn := newBatchNorm(t, cfg, tensor.Float64)
			data := seq(tt.shape.NumElements(), 3)
			x := newTensor(t, tt.shape, tensor.Float64, data)

			y, err := bn.Forward(x, true, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.shape, y.Shape())

			mean, variance := naiveStats(data, tt.n, tt.c, tt.h, tt.w)
			assert.InDeltaSlice(t, mean, bn.MeanCache.Float64s(), 1e-12)
			assert.InDeltaSlice(t, variance, bn.VarCache.Float64s(), 1e-12)

			gamma, beta := bn.Gamma.Tensor().Float64s(), bn.Beta.Tensor().Float64s()
			got := y.Float64s()
			for i, v := range data {
				ch := (i / (tt.h * tt.w)) % tt.c
				want := gamma[ch]*(v-mean[ch])/math.Sqrt(variance[ch]+cfg.Epsilon) + beta[ch]
				assert.InDelta(t, want, got[i], 1e-9)
			}
		})
	}
}

func TestBatchNormRejectsUnsupportedRank(t *testing.T) {
	bn := newBatchNorm(t, DefaultBatchNormConfig(3), tensor.Float64)
	x := newTensor(t, tensor.Shape{2, 3, 4}, tensor.Float64, seq(24, 1))

	_, err := bn.Forward(x, true, nil)
	assert.ErrorIs(t, err, kernel.ErrUnsupportedConfig)
}

func TestBatchNormRejectsWrongFeatureCount(t *testing.T) {
	bn := newBatchNorm(t, DefaultBatchNormConfig(3), tensor.Float64)
	x := newTensor(t, tensor.Shape{2, 4}, tensor.Float64, seq(8, 1))

	_, err := bn.Forward(x, true, nil)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestBatchNormUpdatesRunningStats(t *testing.T) {
	cfg := DefaultBatchNormConfig(2)
	cfg.Decay = 0.75
	bn := newBatchNorm(t, cfg, tensor.Float64)
	stats, err := NewRunningStats(2, tensor.Float64)
	require.NoError(t, err)

	data := []float64{1, 10, 3, 20, 5, 30}
	_, err = bn.Forward(newTensor(t, tensor.Shape{3, 2}, tensor.Float64, data), true, stats)
	require.NoError(t, err)

	// batch mean (3, 20), population variance (8/3, 200/3)
	assert.InDeltaSlice(t, []float64{0.25 * 3, 0.25 * 20}, stats.Mean.Float64s(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.75 + 0.25*8/3, 0.75 + 0.25*200/3}, stats.Var.Float64s(), 1e-12)
}

func TestBatchNormInferenceUsesRunningStats(t *testing.T) {
	cfg := DefaultBatchNormConfig(2)
	cfg.FixedScaleShift = true
	bn, err := NewBatchNorm(cfg, tensor.Float64, nil)
	require.NoError(t, err)
	x := newTensor(t, tensor.Shape{1, 2}, tensor.Float64, []float64{3, 5})

	_, err = bn.Forward(x, false, nil)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)

	stats := &RunningStats{
		Mean: newTensor(t, tensor.Shape{2}, tensor.Float64, []float64{1, 1}),
		Var:  newTensor(t, tensor.Shape{2}, tensor.Float64, []float64{4, 16}),
	}
	y, err := bn.Forward(x, false, stats)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2 / math.Sqrt(4+cfg.Epsilon), 4 / math.Sqrt(16+cfg.Epsilon)}, y.Float64s(), 1e-12)

	// Inference neither caches statistics nor keeps a trace.
	assert.Nil(t, bn.MeanCache)
	_, err = bn.Backward(y)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
	assert.Equal(t, []float64{1, 1}, stats.Mean.Float64s())
}

func TestBatchNormBackwardRequiresTrainingForward(t *testing.T) {
	bn := newBatchNorm(t, DefaultBatchNormConfig(2), tensor.Float64)
	g := newTensor(t, tensor.Shape{2, 2}, tensor.Float64, seq(4, 1))

	_, err := bn.Backward(g)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)

	_, err = bn.Forward(newTensor(t, tensor.Shape{2, 2}, tensor.Float64, seq(4, 2)), true, nil)
	require.NoError(t, err)
	_, err = bn.Backward(g)
	require.NoError(t, err)

	// The trace is consumed.
	_, err = bn.Backward(g)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
}

func TestBatchNormBackwardMatchesFiniteDifferences(t *testing.T) {
	cfg := DefaultBatchNormConfig(3)
	bn := newBatchNorm(t, cfg, tensor.Float64)
	shape := tensor.Shape{2, 3, 2, 2}
	data := seq(shape.NumElements(), 2)
	weights := seq(shape.NumElements(), 1.3)

	// loss = sum(y * weights), so dL/dy = weights.
	loss := func(x []float64) float64 {
		y, err := bn.Forward(newTensor(t, shape, tensor.Float64, x), true, nil)
		require.NoError(t, err)
		sum := 0.0
		for i, v := range y.Float64s() {
			sum += v * weights[i]
		}
		return sum
	}

	loss(data)
	grads, err := bn.Backward(newTensor(t, shape, tensor.Float64, weights))
	require.NoError(t, err)
	analytic := grads.Input.Float64s()

	const h = 1e-6
	for _, i := range []int{0, 5, 11, 23} {
		plus := append([]float64(nil), data...)
		minus := append([]float64(nil), data...)
		plus[i] += h
		minus[i] -= h
		numeric := (loss(plus) - loss(minus)) / (2 * h)
		assert.InDelta(t, numeric, analytic[i], 1e-5, "input %d", i)
	}

	// dBeta is the per-channel sum of dL/dy.
	beta := grads.Beta.Float64s()
	for ch := 0; ch < 3; ch++ {
		sum := 0.0
		for i := 0; i < 2; i++ {
			for k := 0; k < 4; k++ {
				sum += weights[(i*3+ch)*4+k]
			}
		}
		assert.InDelta(t, sum, beta[ch], 1e-12)
	}
}

func TestBatchNormFixedScaleShiftHasNoParamGrads(t *testing.T) {
	cfg := DefaultBatchNormConfig(2)
	cfg.FixedScaleShift = true
	bn, err := NewBatchNorm(cfg, tensor.Float32, nil)
	require.NoError(t, err)
	assert.Empty(t, bn.Parameters())

	_, err = bn.Forward(newTensor(t, tensor.Shape{3, 2}, tensor.Float32, seq(6, 1)), true, nil)
	require.NoError(t, err)
	grads, err := bn.Backward(newTensor(t, tensor.Shape{3, 2}, tensor.Float32, seq(6, 1)))
	require.NoError(t, err)
	assert.NotNil(t, grads.Input)
	assert.Nil(t, grads.Gamma)
	assert.Nil(t, grads.Beta)
}

func TestBatchNormRejectsChangedElementType(t *testing.T) {
	bn := newBatchNorm(t, DefaultBatchNormConfig(2), tensor.Float64)
	_, err := bn.Forward(newTensor(t, tensor.Shape{2, 2}, tensor.Float64, seq(4, 1)), true, nil)
	require.NoError(t, err)

	_, err = bn.Forward(newTensor(t, tensor.Shape{2, 2}, tensor.Float32, seq(4, 1)), true, nil)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
}

func TestBatchNormDiagnosticsWithoutAcceleration(t *testing.T) {
	bn := newBatchNorm(t, DefaultBatchNormConfig(2), tensor.Float64)
	_, err := bn.Forward(newTensor(t, tensor.Shape{4, 2}, tensor.Float64, seq(8, 1)), true, nil)
	require.NoError(t, err)

	d := bn.Diagnostics()
	assert.Equal(t, kernel.OpBatchNorm, d.Op)
	assert.Equal(t, kernel.BackendReference, d.Negotiated)
	assert.Equal(t, kernel.BackendReference, d.LastBackend)
	assert.False(t, d.FellBack)
	assert.Equal(t, 1, d.Calls)
	assert.Positive(t, d.ScratchBytes)

	bn.Release()
	assert.Zero(t, bn.Diagnostics().ScratchBytes)
}

func TestBatchNormFallbackDisabledWithoutKernel(t *testing.T) {
	cfg := DefaultBatchNormConfig(2)
	cfg.AllowFallback = false
	bn, err := NewBatchNorm(cfg, tensor.Float64, kernel.NewRegistry(kernel.DefaultConfig()))
	require.NoError(t, err)

	_, err = bn.Forward(newTensor(t, tensor.Shape{2, 2}, tensor.Float64, seq(4, 1)), true, nil)
	assert.ErrorIs(t, err, kernel.ErrUnsupportedConfig)
}

func TestBatchNormParallelMatchesSequential(t *testing.T) {
	shape := tensor.Shape{4, 8, 3, 3}
	data := seq(shape.NumElements(), 1)
	run := func(par parallel.Config) []float64 {
		bn, err := NewBatchNorm(DefaultBatchNormConfig(8), tensor.Float64, nil, WithParallel(par))
		require.NoError(t, err)
		y, err := bn.Forward(newTensor(t, shape, tensor.Float64, data), true, nil)
		require.NoError(t, err)
		return y.Float64s()
	}
	assert.Equal(t,
		run(parallel.Config{}),
		run(parallel.Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}))
}
