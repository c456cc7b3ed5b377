// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides accelerated neural network layers.
//
// # Layers
//
// BatchNorm normalizes rank-2 [N, C] or rank-4 [N, C, H, W] input per
// feature. Training mode computes batch statistics and keeps a trace for
// Backward; inference mode normalizes with running statistics.
//
// LSTM runs sequences [B, T, I] with IFOG gate order. It carries two
// independent states: one for Step (token-by-token inference) and one for
// ForwardTruncated (truncated back-propagation through time).
//
// # Graph Ops
//
// BatchNormOp and LSTMOp wrap the layers as nodes of a graph.Session.
//
// Example:
//
//	reg := kernel.NewRegistry(kernel.DefaultConfig())
//	_ = blas.Register(reg)
//
//	l, _ := nn.NewLSTM(nn.DefaultLSTMConfig(8, 16), tensor.Float32, reg)
//	for _, xt := range tokens {
//	    h, _ := l.Step(xt) // [B, 16]
//	    _ = h
//	}
//	l.Reset()
package nn

import (
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/nn"
	"github.com/born-ml/borncore/internal/parallel"
	"github.com/born-ml/borncore/internal/tensor"
)

// Layer is implemented by every accelerated layer.
type Layer = nn.Layer

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter = nn.Parameter

// Option configures a layer.
type Option = nn.Option

// ParallelConfig controls data-parallel loops inside reference kernels.
type ParallelConfig = parallel.Config

// BatchNorm is a batch-normalization layer.
type BatchNorm = nn.BatchNorm

// RunningStats holds running mean and variance for inference.
type RunningStats = nn.RunningStats

// BatchNormGradients is the result of BatchNorm.Backward.
type BatchNormGradients = nn.BatchNormGradients

// LSTM is a long short-term memory layer.
type LSTM = nn.LSTM

// ForwardOptions control an LSTM sequence forward pass.
type ForwardOptions = nn.ForwardOptions

// TruncatedOptions control a truncated-window forward pass.
type TruncatedOptions = nn.TruncatedOptions

// LSTMGradients is the result of an LSTM backward pass.
type LSTMGradients = nn.LSTMGradients

// Phase is the stepping phase of a recurrent layer.
type Phase = nn.Phase

// Recurrent phases.
const (
	Fresh    = nn.Fresh
	Stepping = nn.Stepping
)

// BatchNormOp runs a BatchNorm layer as a graph node.
type BatchNormOp = nn.BatchNormOp

// LSTMOp runs an LSTM layer as a graph node.
type LSTMOp = nn.LSTMOp

// LSTMMode selects the LSTM entry point of an LSTMOp.
type LSTMMode = nn.LSTMMode

// LSTM node modes.
const (
	LSTMSequence  = nn.LSTMSequence
	LSTMStep      = nn.LSTMStep
	LSTMTruncated = nn.LSTMTruncated
)

// NewParameter creates a parameter owning t.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return nn.NewParameter(name, t)
}

// WithParallel sets the data-parallel configuration of reference kernels.
func WithParallel(cfg ParallelConfig) Option {
	return nn.WithParallel(cfg)
}

// WithPreferredBackend sets the backend tried first during negotiation.
func WithPreferredBackend(b kernel.Backend) Option {
	return nn.WithPreferredBackend(b)
}

// DefaultBatchNormConfig returns the configuration for a layer over
// features channels.
func DefaultBatchNormConfig(features int) kernel.BatchNormConfig {
	return nn.DefaultBatchNormConfig(features)
}

// NewBatchNorm creates a batch-normalization layer. A nil registry disables
// acceleration.
func NewBatchNorm(cfg kernel.BatchNormConfig, dtype tensor.DataType, registry *kernel.Registry, opts ...Option) (*BatchNorm, error) {
	return nn.NewBatchNorm(cfg, dtype, registry, opts...)
}

// NewRunningStats creates running statistics with mean 0 and variance 1.
func NewRunningStats(features int, dtype tensor.DataType) (*RunningStats, error) {
	return nn.NewRunningStats(features, dtype)
}

// DefaultLSTMConfig returns a sigmoid/tanh configuration.
func DefaultLSTMConfig(inputSize, hiddenSize int) kernel.LSTMConfig {
	return nn.DefaultLSTMConfig(inputSize, hiddenSize)
}

// NewLSTM creates an LSTM layer with zero-initialized parameters. A nil
// registry disables acceleration.
func NewLSTM(cfg kernel.LSTMConfig, dtype tensor.DataType, registry *kernel.Registry, opts ...Option) (*LSTM, error) {
	return nn.NewLSTM(cfg, dtype, registry, opts...)
}
