package nn

import (
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
)

// DefaultBatchNormConfig returns the usual configuration for a layer with
// the given number of features: epsilon 1e-5, decay 0.9, trainable
// scale/shift, fallback allowed.
func DefaultBatchNormConfig(features int) kernel.BatchNormConfig {
	return kernel.BatchNormConfig{
		Features:      features,
		Epsilon:       1e-5,
		Decay:         0.9,
		AllowFallback: true,
	}
}

// RunningStats are the per-feature running mean and variance, owned by the
// caller and updated by training-mode forward passes.
type RunningStats struct {
	Mean *tensor.RawTensor // [C]
	Var  *tensor.RawTensor // [C]
}

// NewRunningStats creates statistics initialized to mean 0, variance 1.
func NewRunningStats(features int, dtype tensor.DataType) (*RunningStats, error) {
	mean, err := tensor.Full(tensor.Shape{features}, dtype, 0)
	if err != nil {
		return nil, err
	}
	variance, err := tensor.Full(tensor.Shape{features}, dtype, 1)
	if err != nil {
		mean.Release()
		return nil, err
	}
	return &RunningStats{Mean: mean, Var: variance}, nil
}

// Release frees both tensors.
func (s *RunningStats) Release() {
	s.Mean.Release()
	s.Var.Release()
}

// BatchNormGradients is the result of BatchNorm.Backward.
// Gamma and Beta are nil when scale/shift are fixed.
type BatchNormGradients struct {
	Input *tensor.RawTensor
	Gamma *tensor.RawTensor
	Beta  *tensor.RawTensor
}

// Release frees the gradient tensors.
func (g *BatchNormGradients) Release() {
	g.Input.Release()
	g.Gamma.Release()
	g.Beta.Release()
}

// batchNormTrace is what a training forward pass keeps for backward.
type batchNormTrace struct {
	x        []float64
	shape    tensor.Shape
	n, c, s  int
	mean     []float64
	variance []float64
}

func (t *batchNormTrace) bytes() int {
	return (len(t.x) + len(t.mean) + len(t.variance)) * 8
}

// BatchNorm normalizes each feature of an NC or NCHW input over every other
// axis.
//
// Formula: y = gamma * (x - mean) / sqrt(var + eps) + beta
//
// In training mode mean and var are the batch statistics (population
// variance), which are also kept in MeanCache/VarCache and folded into the
// caller's running statistics. In inference mode the running statistics are
// used and nothing is cached.
//
// Example:
//
//	bn, _ := nn.NewBatchNorm(nn.DefaultBatchNormConfig(16), tensor.Float32, registry)
//	stats, _ := nn.NewRunningStats(16, tensor.Float32)
//	y, err := bn.Forward(x, true, stats)   // x: [N, 16, H, W]
//	grads, err := bn.Backward(gradY)
type BatchNorm struct {
	Gamma *Parameter // [C], nil when scale/shift are fixed
	Beta  *Parameter // [C], nil when scale/shift are fixed

	// MeanCache and VarCache hold the statistics of the last training batch.
	// Nil before the first training forward pass.
	MeanCache *tensor.RawTensor
	VarCache  *tensor.RawTensor

	cfg      kernel.BatchNormConfig
	dtype    tensor.DataType
	neg      *kernel.Negotiator[kernel.BatchNormKernel]
	trace    traceSlot[*batchNormTrace]
	inFlight inFlightGuard
}

var _ Layer = (*BatchNorm)(nil)

// NewBatchNorm creates a batch-normalization layer for one element type.
// Gamma starts at 1 and beta at 0. A nil registry means reference kernels only.
func NewBatchNorm(
	cfg kernel.BatchNormConfig, dtype tensor.DataType, registry *kernel.Registry, opts ...Option,
) (*BatchNorm, error) {
	if cfg.Features <= 0 {
		return nil, errors.Errorf("batchnorm: features must be positive, got %d", cfg.Features)
	}
	if cfg.Epsilon < 0 {
		return nil, errors.Errorf("batchnorm: epsilon must be >= 0, got %g", cfg.Epsilon)
	}
	if cfg.Decay < 0 || cfg.Decay > 1 {
		return nil, errors.Errorf("batchnorm: decay must be in [0, 1], got %g", cfg.Decay)
	}
	if !dtype.IsFloat() {
		return nil, kernel.Unsupported("batchnorm: element type %s is not a float type", dtype)
	}

	o := applyOptions(opts)
	bn := &BatchNorm{
		cfg:   cfg,
		dtype: dtype,
		neg: kernel.NewNegotiator[kernel.BatchNormKernel](
			registry, kernel.OpBatchNorm, dtype, cfg, cfg.AllowFallback, &referenceBatchNorm{par: o.parallel}),
	}
	bn.neg.Prefer(o.prefer)

	if !cfg.FixedScaleShift {
		gamma, err := tensor.Full(tensor.Shape{cfg.Features}, dtype, 1)
		if err != nil {
			return nil, err
		}
		beta, err := tensor.Full(tensor.Shape{cfg.Features}, dtype, 0)
		if err != nil {
			gamma.Release()
			return nil, err
		}
		bn.Gamma = NewParameter("batchnorm.gamma", gamma)
		bn.Beta = NewParameter("batchnorm.beta", beta)
	}
	return bn, nil
}

// Config returns the layer configuration.
func (bn *BatchNorm) Config() kernel.BatchNormConfig {
	return bn.cfg
}

// Forward normalizes x ([N, C] or [N, C, H, W]).
//
// Training mode computes batch statistics, caches them, updates stats (when
// non-nil) as m = decay*m + (1-decay)*batch, and keeps a trace for Backward.
// Inference mode requires stats. Either mode discards an earlier trace.
func (bn *BatchNorm) Forward(x *tensor.RawTensor, training bool, stats *RunningStats) (*tensor.RawTensor, error) {
	if err := bn.inFlight.begin("batchnorm"); err != nil {
		return nil, err
	}
	defer bn.inFlight.end()

	bn.trace.discard()
	bn.updateScratch()

	if err := bn.neg.CheckDType("input", x); err != nil {
		return nil, err
	}
	n, c, s, err := bn.layout(x.Shape())
	if err != nil {
		return nil, err
	}
	if !training || stats != nil {
		if err := bn.checkStats(stats); err != nil {
			return nil, err
		}
	}

	batch := &kernel.BatchNormBatch{
		X:       x.Float64s(),
		N:       n,
		C:       c,
		S:       s,
		Epsilon: bn.cfg.Epsilon,
	}
	if bn.Gamma != nil {
		batch.Gamma = bn.Gamma.Tensor().Float64s()
		batch.Beta = bn.Beta.Tensor().Float64s()
	}
	if !training {
		batch.Mean = stats.Mean.Float64s()
		batch.Var = stats.Var.Float64s()
	}

	var out []float64
	err = bn.neg.Dispatch(func(k kernel.BatchNormKernel) error {
		if training {
			mean, variance, err := k.Statistics(batch.X, n, c, s)
			if err != nil {
				return err
			}
			batch.Mean, batch.Var = mean, variance
		}
		var err error
		out, err = k.Forward(batch)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "batchnorm forward")
	}

	if training {
		if err := bn.storeBatchStats(batch.Mean, batch.Var, stats); err != nil {
			return nil, err
		}
		bn.trace.produce(&batchNormTrace{
			x:        batch.X,
			shape:    x.Shape().Clone(),
			n:        n,
			c:        c,
			s:        s,
			mean:     batch.Mean,
			variance: batch.Var,
		})
		bn.updateScratch()
	}
	return tensor.FromFloat64s(x.Shape(), bn.dtype, out)
}

// Backward computes gradients for the most recent training forward pass and
// consumes its trace. It never touches running statistics.
func (bn *BatchNorm) Backward(gradOut *tensor.RawTensor) (*BatchNormGradients, error) {
	if err := bn.inFlight.begin("batchnorm"); err != nil {
		return nil, err
	}
	defer bn.inFlight.end()

	tr, ok := bn.trace.consume()
	bn.updateScratch()
	if !ok {
		return nil, kernel.InvalidState("batchnorm: backward without a preceding training forward pass")
	}
	if err := bn.neg.CheckDType("gradient", gradOut); err != nil {
		return nil, err
	}
	if err := tensor.CheckSpec("gradient", gradOut, tr.shape, bn.dtype); err != nil {
		return nil, err
	}

	batch := &kernel.BatchNormBatch{
		X:       tr.x,
		N:       tr.n,
		C:       tr.c,
		S:       tr.s,
		Mean:    tr.mean,
		Var:     tr.variance,
		Epsilon: bn.cfg.Epsilon,
	}
	if bn.Gamma != nil {
		batch.Gamma = bn.Gamma.Tensor().Float64s()
		batch.Beta = bn.Beta.Tensor().Float64s()
	}
	dy := gradOut.Float64s()

	var grads *kernel.BatchNormGrads
	err := bn.neg.Dispatch(func(k kernel.BatchNormKernel) error {
		var err error
		grads, err = k.Backward(batch, dy)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "batchnorm backward")
	}

	out := &BatchNormGradients{}
	if out.Input, err = tensor.FromFloat64s(tr.shape, bn.dtype, grads.Input); err != nil {
		return nil, err
	}
	if bn.Gamma == nil {
		return out, nil
	}
	paramShape := tensor.Shape{tr.c}
	if out.Gamma, err = tensor.FromFloat64s(paramShape, bn.dtype, grads.Gamma); err != nil {
		out.Release()
		return nil, err
	}
	if out.Beta, err = tensor.FromFloat64s(paramShape, bn.dtype, grads.Beta); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// Parameters returns gamma and beta, or nothing when they are fixed.
func (bn *BatchNorm) Parameters() []*Parameter {
	if bn.Gamma == nil {
		return nil
	}
	return []*Parameter{bn.Gamma, bn.Beta}
}

// Diagnostics reports the backend that served the most recent call.
func (bn *BatchNorm) Diagnostics() kernel.Diagnostics {
	return bn.neg.Diagnostics()
}

// Release frees parameters, caches and the trace.
func (bn *BatchNorm) Release() {
	if bn.Gamma != nil {
		bn.Gamma.Release()
		bn.Beta.Release()
	}
	bn.MeanCache.Release()
	bn.VarCache.Release()
	bn.MeanCache, bn.VarCache = nil, nil
	bn.trace.discard()
	bn.updateScratch()
}

// layout maps an input shape to the dense [N, C, S] view. The feature axis
// is 1; rank 2 reduces over axis 0 and rank 4 over axes 0, 2 and 3.
func (bn *BatchNorm) layout(shape tensor.Shape) (n, c, s int, err error) {
	switch shape.Rank() {
	case 2:
		n, c, s = shape[0], shape[1], 1
	case 4:
		n, c, s = shape[0], shape[1], shape[2]*shape[3]
	default:
		return 0, 0, 0, kernel.Unsupported("batchnorm: rank %d input %v, want rank 2 or 4", shape.Rank(), shape)
	}
	if c != bn.cfg.Features {
		return 0, 0, 0, errors.Wrapf(tensor.ErrShapeMismatch,
			"batchnorm: input %v has %d features, layer has %d", shape, c, bn.cfg.Features)
	}
	if n*s == 0 {
		return 0, 0, 0, errors.Wrapf(tensor.ErrShapeMismatch, "batchnorm: empty batch %v", shape)
	}
	return n, c, s, nil
}

func (bn *BatchNorm) checkStats(stats *RunningStats) error {
	if stats == nil || stats.Mean == nil || stats.Var == nil {
		return kernel.InvalidState("batchnorm: inference forward requires running statistics")
	}
	want := tensor.Shape{bn.cfg.Features}
	if err := tensor.CheckSpec("running mean", stats.Mean, want, bn.dtype); err != nil {
		return err
	}
	return tensor.CheckSpec("running variance", stats.Var, want, bn.dtype)
}

func (bn *BatchNorm) storeBatchStats(mean, variance []float64, stats *RunningStats) error {
	shape := tensor.Shape{bn.cfg.Features}
	if bn.MeanCache == nil {
		bn.MeanCache = tensor.MustNewRaw(shape, bn.dtype)
		bn.VarCache = tensor.MustNewRaw(shape, bn.dtype)
	}
	if err := bn.MeanCache.SetFloat64s(mean); err != nil {
		return err
	}
	if err := bn.VarCache.SetFloat64s(variance); err != nil {
		return err
	}
	if stats == nil {
		return nil
	}
	if err := decayInto(stats.Mean, mean, bn.cfg.Decay); err != nil {
		return err
	}
	return decayInto(stats.Var, variance, bn.cfg.Decay)
}

// decayInto sets t = decay*t + (1-decay)*batch.
func decayInto(t *tensor.RawTensor, batch []float64, decay float64) error {
	cur := t.Float64s()
	for i := range cur {
		cur[i] = decay*cur[i] + (1-decay)*batch[i]
	}
	return t.SetFloat64s(cur)
}

func (bn *BatchNorm) updateScratch() {
	n := 0
	if bn.MeanCache != nil {
		n += bn.MeanCache.ByteSize() + bn.VarCache.ByteSize()
	}
	if tr, ok := bn.trace.peek(); ok {
		n += tr.bytes()
	}
	bn.neg.SetScratchBytes(n)
}
