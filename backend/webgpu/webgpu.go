// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides GPU kernels built on WebGPU compute shaders.
//
// Kernels are only registered when a WebGPU adapter is available
// (currently Windows only). Elsewhere Register is a no-op.
package webgpu

import (
	internalwebgpu "github.com/born-ml/borncore/internal/backend/webgpu"
	"github.com/born-ml/borncore/internal/kernel"
)

// IsAvailable reports whether a WebGPU adapter can be used.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

// Register adds the WebGPU kernels to r when an adapter is present.
func Register(r *kernel.Registry) error {
	return internalwebgpu.Register(r)
}
