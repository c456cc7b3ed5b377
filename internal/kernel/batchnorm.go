package kernel

// BatchNormConfig is the configuration record of a batch-normalization layer.
type BatchNormConfig struct {
	// Features is the size of the feature axis (axis 1).
	Features int
	// Epsilon is added to the variance before the square root.
	Epsilon float64
	// Decay weights the old running statistics in training-mode updates.
	Decay float64
	// FixedScaleShift freezes gamma=1 and beta=0. Accelerated kernels that
	// cannot handle frozen parameters reject such configs.
	FixedScaleShift bool
	// AllowFallback permits the reference kernel when no accelerated kernel
	// serves a call. When false such a call fails.
	AllowFallback bool
}

// BatchNormBatch is one call's data in dense [N, C, S] layout, where S is the
// product of the spatial dims (1 for rank-2 input).
type BatchNormBatch struct {
	X       []float64
	N, C, S int

	// Gamma and Beta are nil when scale/shift are fixed.
	Gamma, Beta []float64
	// Mean and Var are the statistics to normalize with.
	Mean, Var []float64
	Epsilon   float64
}

// BatchNormGrads holds the result of a backward call.
// Gamma and Beta are nil when scale/shift are fixed.
type BatchNormGrads struct {
	Input, Gamma, Beta []float64
}

// BatchNormKernel computes batch normalization for one backend.
// Returning an error wrapping ErrUnsupportedConfig asks for fallback.
type BatchNormKernel interface {
	Kernel
	// Statistics returns per-feature batch mean and population variance,
	// reduced over N and S.
	Statistics(x []float64, n, c, s int) (mean, variance []float64, err error)
	Forward(b *BatchNormBatch) ([]float64, error)
	Backward(b *BatchNormBatch, gradOut []float64) (*BatchNormGrads, error)
}

// IsBatchNormConfig extracts a BatchNormConfig from a capability cfg argument.
func IsBatchNormConfig(cfg any) (BatchNormConfig, bool) {
	switch c := cfg.(type) {
	case BatchNormConfig:
		return c, true
	case *BatchNormConfig:
		if c != nil {
			return *c, true
		}
	}
	return BatchNormConfig{}, false
}
