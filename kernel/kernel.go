// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel exposes accelerated-kernel registration and negotiation.
//
// A Registry is built once at process setup, filled by backend packages
// (backend/blas, backend/webgpu) and handed to layer constructors. Each
// layer negotiates a kernel on first use and falls back to its reference
// implementation when no registered kernel accepts its element type and
// configuration.
//
// Example:
//
//	reg := kernel.NewRegistry(kernel.DefaultConfig())
//	_ = blas.Register(reg)
//	bn, _ := nn.NewBatchNorm(nn.DefaultBatchNormConfig(16), tensor.Float32, reg)
package kernel

import (
	"github.com/born-ml/borncore/internal/kernel"
)

// Registry maps (operation, backend) pairs to capabilities.
type Registry = kernel.Registry

// Config is the process-wide acceleration setting.
type Config = kernel.Config

// Capability declares which calls one backend can serve for one operation.
type Capability = kernel.Capability

// Backend identifies a kernel implementation strategy.
type Backend = kernel.Backend

// OpKind names a logical operation.
type OpKind = kernel.OpKind

// Diagnostics describes how a layer instance has been served.
type Diagnostics = kernel.Diagnostics

// BatchNormConfig configures a batch-normalization layer.
type BatchNormConfig = kernel.BatchNormConfig

// LSTMConfig configures an LSTM layer.
type LSTMConfig = kernel.LSTMConfig

// Activation is an elementwise activation usable by recurrent gates.
type Activation = kernel.Activation

// Backends.
const (
	BackendAny       = kernel.BackendAny
	BackendWebGPU    = kernel.BackendWebGPU
	BackendBLAS      = kernel.BackendBLAS
	BackendReference = kernel.BackendReference
)

// Operations.
const (
	OpBatchNorm = kernel.OpBatchNorm
	OpLSTM      = kernel.OpLSTM
)

// Activations.
const (
	Sigmoid     = kernel.Sigmoid
	Tanh        = kernel.Tanh
	HardSigmoid = kernel.HardSigmoid
	ReLU        = kernel.ReLU
	Identity    = kernel.Identity
)

// Errors shared by every accelerated layer.
var (
	ErrUnsupportedConfig = kernel.ErrUnsupportedConfig
	ErrInvalidState      = kernel.ErrInvalidState
)

// NewRegistry creates an empty registry governed by cfg.
func NewRegistry(cfg Config) *Registry {
	return kernel.NewRegistry(cfg)
}

// DefaultConfig enables every accelerated backend.
func DefaultConfig() Config {
	return kernel.DefaultConfig()
}

// ParseBackend converts a config name such as "blas" into a Backend.
func ParseBackend(name string) (Backend, error) {
	return kernel.ParseBackend(name)
}

// ParseActivation converts a name such as "tanh" into an Activation.
func ParseActivation(name string) (Activation, error) {
	return kernel.ParseActivation(name)
}
