package blas

import (
	"github.com/born-ml/borncore/internal/kernel"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// lstmKernel runs each time step over the whole batch with GEMMs.
type lstmKernel struct {
	cfg kernel.LSTMConfig
}

var _ kernel.LSTMKernel = (*lstmKernel)(nil)

func (*lstmKernel) Backend() kernel.Backend {
	return kernel.BackendBLAS
}

// stepView returns the [batch, width] matrix of time step t inside a dense
// [batch, steps, width] buffer.
func stepView(data []float64, batch, steps, width, t int) blas64.General {
	return blas64.General{Rows: batch, Cols: width, Stride: steps * width, Data: data[t*width:]}
}

func dense(data []float64, rows, cols int) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func (k *lstmKernel) Forward(
	p *kernel.LSTMParams, x []float64, batch, steps int, h0, c0 []float64,
) (*kernel.LSTMTrace, error) {
	in, hid := k.cfg.InputSize, k.cfg.HiddenSize
	g4 := kernel.NumGates * hid
	tr := kernel.NewLSTMTrace(batch, steps, in, hid)
	tr.Input, tr.H0, tr.C0 = x, h0, c0
	tr.Backend = kernel.BackendBLAS
	if batch == 0 || steps == 0 {
		return tr, nil
	}

	w := dense(p.InputWeights, in, g4)
	r := dense(p.RecurrentWeights, hid, g4)
	hPrev := dense(h0, batch, hid)
	for t := 0; t < steps; t++ {
		pre := stepView(tr.PreGates, batch, steps, g4, t)
		for b := 0; b < batch; b++ {
			copy(pre.Data[b*pre.Stride:b*pre.Stride+g4], p.Bias)
		}
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, stepView(x, batch, steps, in, t), w, 1, pre)
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, hPrev, r, 1, pre)

		for b := 0; b < batch; b++ {
			row := b*steps + t
			k.cell(tr, row, cellPrev(tr, b, t))
		}
		hPrev = stepView(tr.Hidden, batch, steps, hid, t)
	}
	return tr, nil
}

// cell activates the gates of one row and computes its cell and hidden state.
func (k *lstmKernel) cell(tr *kernel.LSTMTrace, row int, cPrev []float64) {
	hid := tr.HiddenSize
	g4 := kernel.NumGates * hid
	pre := tr.PreGates[row*g4 : (row+1)*g4]
	gates := tr.Gates[row*g4 : (row+1)*g4]
	for j := range pre {
		if j >= kernel.GateCell*hid {
			gates[j] = k.cfg.OutputActivation.Apply(pre[j])
		} else {
			gates[j] = k.cfg.GateActivation.Apply(pre[j])
		}
	}
	for j := 0; j < hid; j++ {
		c := gates[kernel.GateForget*hid+j]*cPrev[j] + gates[kernel.GateInput*hid+j]*gates[kernel.GateCell*hid+j]
		tr.Cells[row*hid+j] = c
		tr.CellAct[row*hid+j] = k.cfg.OutputActivation.Apply(c)
		tr.Hidden[row*hid+j] = gates[kernel.GateOutput*hid+j] * tr.CellAct[row*hid+j]
	}
}

func (k *lstmKernel) Backward(
	p *kernel.LSTMParams, tr *kernel.LSTMTrace, gradOut []float64, backwardLength int,
) (*kernel.LSTMGrads, error) {
	batch, steps := tr.Batch, tr.Steps
	in, hid := tr.InputSize, tr.HiddenSize
	g4 := kernel.NumGates * hid
	grads := &kernel.LSTMGrads{
		Input:            make([]float64, batch*steps*in),
		InputWeights:     make([]float64, in*g4),
		RecurrentWeights: make([]float64, hid*g4),
		Bias:             make([]float64, g4),
	}
	if batch == 0 || steps == 0 {
		return grads, nil
	}
	first := 0
	if backwardLength > 0 && backwardLength < steps {
		first = steps - backwardLength
	}

	w := dense(p.InputWeights, in, g4)
	r := dense(p.RecurrentWeights, hid, g4)
	dW := dense(grads.InputWeights, in, g4)
	dR := dense(grads.RecurrentWeights, hid, g4)
	dPre := dense(make([]float64, batch*g4), batch, g4)
	dhNext := dense(make([]float64, batch*hid), batch, hid)
	dcNext := make([]float64, batch*hid)

	for t := steps - 1; t >= first; t-- {
		for b := 0; b < batch; b++ {
			row := b*steps + t
			k.cellBackward(tr, row, cellPrev(tr, b, t),
				gradOut[row*hid:(row+1)*hid],
				dhNext.Data[b*hid:(b+1)*hid],
				dcNext[b*hid:(b+1)*hid],
				dPre.Data[b*g4:(b+1)*g4])
			for j, d := range dPre.Data[b*g4 : (b+1)*g4] {
				grads.Bias[j] += d
			}
		}

		hPrev := dense(tr.H0, batch, hid)
		if t > 0 {
			hPrev = stepView(tr.Hidden, batch, steps, hid, t-1)
		}
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, stepView(tr.Input, batch, steps, in, t), dPre, 1, dW)
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, hPrev, dPre, 1, dR)
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, dPre, w, 0, stepView(grads.Input, batch, steps, in, t))
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, dPre, r, 0, dhNext)
	}
	return grads, nil
}

// cellBackward computes dPre for one row. dhNext and dcNext hold the
// gradients arriving from step t+1; dcNext is overwritten with the cell
// gradient flowing to step t-1.
func (k *lstmKernel) cellBackward(tr *kernel.LSTMTrace, row int, cPrev, dy, dhNext, dcNext, dPre []float64) {
	hid := tr.HiddenSize
	g4 := kernel.NumGates * hid
	pre := tr.PreGates[row*g4 : (row+1)*g4]
	gates := tr.Gates[row*g4 : (row+1)*g4]
	gate, out := k.cfg.GateActivation, k.cfg.OutputActivation

	for j := 0; j < hid; j++ {
		ii, fi := kernel.GateInput*hid+j, kernel.GateForget*hid+j
		oi, gi := kernel.GateOutput*hid+j, kernel.GateCell*hid+j
		c, cAct := tr.Cells[row*hid+j], tr.CellAct[row*hid+j]
		dh := dy[j] + dhNext[j]

		dPre[oi] = dh * cAct * gate.Derivative(pre[oi], gates[oi])
		dc := dh*gates[oi]*out.Derivative(c, cAct) + dcNext[j]
		dPre[ii] = dc * gates[gi] * gate.Derivative(pre[ii], gates[ii])
		dPre[fi] = dc * cPrev[j] * gate.Derivative(pre[fi], gates[fi])
		dPre[gi] = dc * gates[ii] * out.Derivative(pre[gi], gates[gi])
		dcNext[j] = dc * gates[fi]
	}
}

// cellPrev returns c_{t-1} of batch row b.
func cellPrev(tr *kernel.LSTMTrace, b, t int) []float64 {
	hid := tr.HiddenSize
	if t == 0 {
		return tr.C0[b*hid : (b+1)*hid]
	}
	row := b*tr.Steps + t - 1
	return tr.Cells[row*hid : (row+1)*hid]
}
