package blas

import (
	"math"

	"github.com/born-ml/borncore/internal/kernel"
	"gonum.org/v1/gonum/floats"
)

// batchNormKernel reduces each channel with gonum/floats. Frozen
// scale/shift is rejected at call time.
type batchNormKernel struct{}

var _ kernel.BatchNormKernel = batchNormKernel{}

func (batchNormKernel) Backend() kernel.Backend {
	return kernel.BackendBLAS
}

func (batchNormKernel) Statistics(x []float64, n, c, s int) (mean, variance []float64, err error) {
	if n*s == 0 {
		return nil, nil, kernel.Unsupported("blas: empty batch")
	}
	mean = make([]float64, c)
	variance = make([]float64, c)
	buf := make([]float64, n*s)
	for ch := 0; ch < c; ch++ {
		gather(buf, x, n, c, s, ch)
		mu := floats.Sum(buf) / float64(len(buf))
		floats.AddConst(-mu, buf)
		mean[ch] = mu
		variance[ch] = floats.Dot(buf, buf) / float64(len(buf))
	}
	return mean, variance, nil
}

func (batchNormKernel) Forward(b *kernel.BatchNormBatch) ([]float64, error) {
	if b.Gamma == nil {
		return nil, kernel.Unsupported("blas: fixed scale/shift")
	}
	out := make([]float64, len(b.X))
	buf := make([]float64, b.N*b.S)
	for ch := 0; ch < b.C; ch++ {
		gather(buf, b.X, b.N, b.C, b.S, ch)
		floats.AddConst(-b.Mean[ch], buf)
		floats.Scale(b.Gamma[ch]/math.Sqrt(b.Var[ch]+b.Epsilon), buf)
		floats.AddConst(b.Beta[ch], buf)
		scatter(out, buf, b.N, b.C, b.S, ch)
	}
	return out, nil
}

func (batchNormKernel) Backward(b *kernel.BatchNormBatch, gradOut []float64) (*kernel.BatchNormGrads, error) {
	if b.Gamma == nil {
		return nil, kernel.Unsupported("blas: fixed scale/shift")
	}
	grads := &kernel.BatchNormGrads{
		Input: make([]float64, len(b.X)),
		Gamma: make([]float64, b.C),
		Beta:  make([]float64, b.C),
	}
	m := float64(b.N * b.S)
	xHat := make([]float64, b.N*b.S)
	dy := make([]float64, b.N*b.S)
	dx := make([]float64, b.N*b.S)
	for ch := 0; ch < b.C; ch++ {
		invStd := 1 / math.Sqrt(b.Var[ch]+b.Epsilon)
		gather(xHat, b.X, b.N, b.C, b.S, ch)
		floats.AddConst(-b.Mean[ch], xHat)
		floats.Scale(invStd, xHat)
		gather(dy, gradOut, b.N, b.C, b.S, ch)

		sumDy := floats.Sum(dy)
		sumDyXHat := floats.Dot(dy, xHat)
		grads.Gamma[ch] = sumDyXHat
		grads.Beta[ch] = sumDy

		// dx = gamma*invStd/m * (m*dy - sum(dy) - xHat*sum(dy*xHat))
		floats.ScaleTo(dx, m, dy)
		floats.AddConst(-sumDy, dx)
		floats.AddScaled(dx, -sumDyXHat, xHat)
		floats.Scale(b.Gamma[ch]*invStd/m, dx)
		scatter(grads.Input, dx, b.N, b.C, b.S, ch)
	}
	return grads, nil
}

// gather copies channel ch of a dense [N, C, S] buffer into dst.
func gather(dst, src []float64, n, c, s, ch int) {
	for i := 0; i < n; i++ {
		base := (i*c + ch) * s
		copy(dst[i*s:(i+1)*s], src[base:base+s])
	}
}

// scatter is the inverse of gather.
func scatter(dst, src []float64, n, c, s, ch int) {
	for i := 0; i < n; i++ {
		base := (i*c + ch) * s
		copy(dst[base:base+s], src[i*s:(i+1)*s])
	}
}
