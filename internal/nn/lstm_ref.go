package nn

import (
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/parallel"
)

// referenceLSTM is the always-available LSTM kernel. It supports every gate
// and output activation. Batch rows are independent and run in parallel
// when configured.
type referenceLSTM struct {
	cfg kernel.LSTMConfig
	par parallel.Config
}

var _ kernel.LSTMKernel = (*referenceLSTM)(nil)

func (*referenceLSTM) Backend() kernel.Backend {
	return kernel.BackendReference
}

func (r *referenceLSTM) Forward(
	p *kernel.LSTMParams, x []float64, batch, steps int, h0, c0 []float64,
) (*kernel.LSTMTrace, error) {
	in, hid := r.cfg.InputSize, r.cfg.HiddenSize
	g4 := kernel.NumGates * hid
	tr := kernel.NewLSTMTrace(batch, steps, in, hid)
	tr.Input, tr.H0, tr.C0 = x, h0, c0
	tr.Backend = kernel.BackendReference

	parallel.For(batch, func(b int) {
		hPrev := h0[b*hid : (b+1)*hid]
		cPrev := c0[b*hid : (b+1)*hid]
		for t := 0; t < steps; t++ {
			row := b*steps + t
			xt := x[row*in : (row+1)*in]
			pre := tr.PreGates[row*g4 : (row+1)*g4]

			// pre = x_t·W + h_{t-1}·R + bias
			copy(pre, p.Bias)
			for i, xv := range xt {
				w := p.InputWeights[i*g4 : (i+1)*g4]
				for j := range pre {
					pre[j] += xv * w[j]
				}
			}
			for i, hv := range hPrev {
				w := p.RecurrentWeights[i*g4 : (i+1)*g4]
				for j := range pre {
					pre[j] += hv * w[j]
				}
			}

			gates := tr.Gates[row*g4 : (row+1)*g4]
			cell := tr.Cells[row*hid : (row+1)*hid]
			cellAct := tr.CellAct[row*hid : (row+1)*hid]
			h := tr.Hidden[row*hid : (row+1)*hid]
			applyGates(r.cfg, pre, gates, hid)
			for j := 0; j < hid; j++ {
				ig := gates[kernel.GateInput*hid+j]
				fg := gates[kernel.GateForget*hid+j]
				og := gates[kernel.GateOutput*hid+j]
				cand := gates[kernel.GateCell*hid+j]
				cell[j] = fg*cPrev[j] + ig*cand
				cellAct[j] = r.cfg.OutputActivation.Apply(cell[j])
				h[j] = og * cellAct[j]
			}
			hPrev, cPrev = h, cell
		}
	}, r.par)
	return tr, nil
}

func (r *referenceLSTM) Backward(
	p *kernel.LSTMParams, tr *kernel.LSTMTrace, gradOut []float64, backwardLength int,
) (*kernel.LSTMGrads, error) {
	batch, steps := tr.Batch, tr.Steps
	in, hid := tr.InputSize, tr.HiddenSize
	g4 := kernel.NumGates * hid
	first := firstBackwardStep(steps, backwardLength)

	dx := make([]float64, batch*steps*in)
	// Per-row partial weight gradients, summed after the parallel loop.
	dW := make([][]float64, batch)
	dR := make([][]float64, batch)
	dB := make([][]float64, batch)

	parallel.For(batch, func(b int) {
		dW[b] = make([]float64, in*g4)
		dR[b] = make([]float64, hid*g4)
		dB[b] = make([]float64, g4)
		dhNext := make([]float64, hid)
		dcNext := make([]float64, hid)
		dPre := make([]float64, g4)

		for t := steps - 1; t >= first; t-- {
			row := b*steps + t
			hPrev, cPrev := previousState(tr, b, t)
			lstmCellBackward(r.cfg, tr, row, cPrev, gradOut[row*hid:(row+1)*hid], dhNext, dcNext, dPre)

			xt := tr.Input[row*in : (row+1)*in]
			for i, xv := range xt {
				w := p.InputWeights[i*g4 : (i+1)*g4]
				gw := dW[b][i*g4 : (i+1)*g4]
				sum := 0.0
				for j, d := range dPre {
					gw[j] += xv * d
					sum += d * w[j]
				}
				dx[row*in+i] = sum
			}
			for i, hv := range hPrev {
				w := p.RecurrentWeights[i*g4 : (i+1)*g4]
				gr := dR[b][i*g4 : (i+1)*g4]
				sum := 0.0
				for j, d := range dPre {
					gr[j] += hv * d
					sum += d * w[j]
				}
				dhNext[i] = sum
			}
			for j, d := range dPre {
				dB[b][j] += d
			}
		}
	}, r.par)

	grads := &kernel.LSTMGrads{
		Input:            dx,
		InputWeights:     make([]float64, in*g4),
		RecurrentWeights: make([]float64, hid*g4),
		Bias:             make([]float64, g4),
	}
	for b := 0; b < batch; b++ {
		addInto(grads.InputWeights, dW[b])
		addInto(grads.RecurrentWeights, dR[b])
		addInto(grads.Bias, dB[b])
	}
	return grads, nil
}

// applyGates activates the four gate blocks of one pre-activation row.
func applyGates(cfg kernel.LSTMConfig, pre, gates []float64, hid int) {
	for k := 0; k < kernel.NumGates; k++ {
		act := cfg.GateActivation
		if k == kernel.GateCell {
			act = cfg.OutputActivation
		}
		for j := k * hid; j < (k+1)*hid; j++ {
			gates[j] = act.Apply(pre[j])
		}
	}
}

// lstmCellBackward computes the pre-activation gradient dPre of one cell
// step. dhNext and dcNext carry the gradient arriving from step t+1 on input
// and the cell gradient flowing to step t-1 on output.
func lstmCellBackward(
	cfg kernel.LSTMConfig, tr *kernel.LSTMTrace, row int, cPrev, dy, dhNext, dcNext, dPre []float64,
) {
	hid := tr.HiddenSize
	g4 := kernel.NumGates * hid
	pre := tr.PreGates[row*g4 : (row+1)*g4]
	gates := tr.Gates[row*g4 : (row+1)*g4]
	cell := tr.Cells[row*hid : (row+1)*hid]
	cellAct := tr.CellAct[row*hid : (row+1)*hid]

	for j := 0; j < hid; j++ {
		ii, fi, oi, gi := kernel.GateInput*hid+j, kernel.GateForget*hid+j, kernel.GateOutput*hid+j, kernel.GateCell*hid+j
		dh := dy[j] + dhNext[j]

		dPre[oi] = dh * cellAct[j] * cfg.GateActivation.Derivative(pre[oi], gates[oi])
		dc := dh*gates[oi]*cfg.OutputActivation.Derivative(cell[j], cellAct[j]) + dcNext[j]

		dPre[ii] = dc * gates[gi] * cfg.GateActivation.Derivative(pre[ii], gates[ii])
		dPre[fi] = dc * cPrev[j] * cfg.GateActivation.Derivative(pre[fi], gates[fi])
		dPre[gi] = dc * gates[ii] * cfg.OutputActivation.Derivative(pre[gi], gates[gi])
		dcNext[j] = dc * gates[fi]
	}
}

// previousState returns h_{t-1} and c_{t-1} of batch row b.
func previousState(tr *kernel.LSTMTrace, b, t int) (h, c []float64) {
	hid := tr.HiddenSize
	if t == 0 {
		return tr.H0[b*hid : (b+1)*hid], tr.C0[b*hid : (b+1)*hid]
	}
	row := b*tr.Steps + t - 1
	return tr.Hidden[row*hid : (row+1)*hid], tr.Cells[row*hid : (row+1)*hid]
}

// firstBackwardStep is the earliest step that receives gradient when only
// the trailing backwardLength steps are back-propagated.
func firstBackwardStep(steps, backwardLength int) int {
	if backwardLength <= 0 || backwardLength >= steps {
		return 0
	}
	return steps - backwardLength
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}
