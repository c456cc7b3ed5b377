package nn

import (
	"context"
	"testing"

	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayersRunInsideSession(t *testing.T) {
	bn := newBatchNorm(t, DefaultBatchNormConfig(testInput), tensor.Float64)
	lstm := newLSTM(t, DefaultLSTMConfig(testInput, testHidden))
	relu, _ := graph.NewOpRegistry().Lookup("Relu")

	g, err := graph.NewBuilder().
		Placeholder("x", tensor.Float64, tensor.Shape{-1, testInput}).
		Node("norm", &BatchNormOp{Layer: bn, Training: true}, []string{"x"}, []string{"xn"}).
		Node("act", relu, []string{"xn"}, []string{"xr"}).
		Node("rnn", &LSTMOp{Layer: lstm, Mode: LSTMStep}, []string{"xr"}, []string{"h"}).
		Build()
	require.NoError(t, err)
	s, err := graph.NewSession(g, []string{"h"})
	require.NoError(t, err)
	defer s.Close()

	x := newTensor(t, tensor.Shape{testBatch, testInput}, tensor.Float64, seq(testBatch*testInput, 2))
	out, err := s.Run(context.Background(), map[string]*tensor.RawTensor{"x": x})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{testBatch, testHidden}, out["h"].Shape())
	assert.Equal(t, Stepping, lstm.Phase())
	assert.ElementsMatch(t, []string{"xn", "xr"}, s.Stats().Released)

	diag := s.Diagnostics()
	require.Contains(t, diag, "norm")
	require.Contains(t, diag, "rnn")
	assert.Equal(t, kernel.OpBatchNorm, diag["norm"].Op)
	assert.Equal(t, kernel.BackendReference, diag["rnn"].LastBackend)
	assert.NotContains(t, diag, "act")
}

func TestLayerErrorsSurfaceAsNodeErrors(t *testing.T) {
	bn := newBatchNorm(t, DefaultBatchNormConfig(testInput), tensor.Float64)
	g, err := graph.NewBuilder().
		Placeholder("x", tensor.Float64, nil).
		Node("norm", &BatchNormOp{Layer: bn}, []string{"x"}, []string{"y"}).
		Build()
	require.NoError(t, err)
	s, err := graph.NewSession(g, []string{"y"})
	require.NoError(t, err)

	// Inference without running statistics.
	x := newTensor(t, tensor.Shape{2, testInput}, tensor.Float64, seq(2*testInput, 1))
	_, err = s.Run(context.Background(), map[string]*tensor.RawTensor{"x": x})
	var nodeErr *graph.NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "norm", nodeErr.Node)
	assert.Equal(t, "BatchNorm", nodeErr.Op)
	assert.ErrorIs(t, err, kernel.ErrInvalidState)
}
