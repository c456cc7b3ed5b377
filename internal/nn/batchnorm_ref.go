package nn

import (
	"math"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/parallel"
)

// referenceBatchNorm is the always-available batch-normalization kernel.
// Channels are processed independently, in parallel when configured.
type referenceBatchNorm struct {
	par parallel.Config
}

var _ kernel.BatchNormKernel = (*referenceBatchNorm)(nil)

func (*referenceBatchNorm) Backend() kernel.Backend {
	return kernel.BackendReference
}

func (r *referenceBatchNorm) Statistics(x []float64, n, c, s int) (mean, variance []float64, err error) {
	mean = make([]float64, c)
	variance = make([]float64, c)
	m := float64(n * s)

	parallel.For(c, func(ch int) {
		sum := 0.0
		for i := 0; i < n; i++ {
			base := (i*c + ch) * s
			for k := 0; k < s; k++ {
				sum += x[base+k]
			}
		}
		mu := sum / m

		sq := 0.0
		for i := 0; i < n; i++ {
			base := (i*c + ch) * s
			for k := 0; k < s; k++ {
				d := x[base+k] - mu
				sq += d * d
			}
		}
		mean[ch] = mu
		variance[ch] = sq / m
	}, r.par)
	return mean, variance, nil
}

func (r *referenceBatchNorm) Forward(b *kernel.BatchNormBatch) ([]float64, error) {
	out := make([]float64, len(b.X))
	parallel.For(b.C, func(ch int) {
		invStd := 1 / math.Sqrt(b.Var[ch]+b.Epsilon)
		gamma, beta := scaleShift(b, ch)
		for i := 0; i < b.N; i++ {
			base := (i*b.C + ch) * b.S
			for k := 0; k < b.S; k++ {
				xHat := (b.X[base+k] - b.Mean[ch]) * invStd
				out[base+k] = gamma*xHat + beta
			}
		}
	}, r.par)
	return out, nil
}

func (r *referenceBatchNorm) Backward(b *kernel.BatchNormBatch, gradOut []float64) (*kernel.BatchNormGrads, error) {
	grads := &kernel.BatchNormGrads{Input: make([]float64, len(b.X))}
	if b.Gamma != nil {
		grads.Gamma = make([]float64, b.C)
		grads.Beta = make([]float64, b.C)
	}
	m := float64(b.N * b.S)

	parallel.For(b.C, func(ch int) {
		invStd := 1 / math.Sqrt(b.Var[ch]+b.Epsilon)
		gamma, _ := scaleShift(b, ch)

		// dBeta = sum(dy), dGamma = sum(dy * xHat).
		sumDy, sumDyXHat := 0.0, 0.0
		for i := 0; i < b.N; i++ {
			base := (i*b.C + ch) * b.S
			for k := 0; k < b.S; k++ {
				dy := gradOut[base+k]
				sumDy += dy
				sumDyXHat += dy * (b.X[base+k] - b.Mean[ch]) * invStd
			}
		}
		if grads.Gamma != nil {
			grads.Gamma[ch] = sumDyXHat
			grads.Beta[ch] = sumDy
		}

		// dx = gamma*invStd/m * (m*dy - sum(dy) - xHat*sum(dy*xHat))
		scale := gamma * invStd / m
		for i := 0; i < b.N; i++ {
			base := (i*b.C + ch) * b.S
			for k := 0; k < b.S; k++ {
				xHat := (b.X[base+k] - b.Mean[ch]) * invStd
				grads.Input[base+k] = scale * (m*gradOut[base+k] - sumDy - xHat*sumDyXHat)
			}
		}
	}, r.par)
	return grads, nil
}

// scaleShift returns gamma and beta for a channel; fixed (1, 0) when the
// batch carries no parameters.
func scaleShift(b *kernel.BatchNormBatch, ch int) (gamma, beta float64) {
	if b.Gamma == nil {
		return 1, 0
	}
	return b.Gamma[ch], b.Beta[ch]
}
