// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package blas provides CPU kernels for batch normalization and LSTM built
// on gonum.
//
// Example:
//
//	reg := kernel.NewRegistry(kernel.DefaultConfig())
//	if err := blas.Register(reg); err != nil {
//	    log.Fatal(err)
//	}
package blas

import (
	internalblas "github.com/born-ml/borncore/internal/backend/blas"
	"github.com/born-ml/borncore/internal/kernel"
)

// Register adds the BLAS kernels to r.
func Register(r *kernel.Registry) error {
	return internalblas.Register(r)
}
