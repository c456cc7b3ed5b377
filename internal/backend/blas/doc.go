// Package blas implements CPU kernels on top of gonum.
//
// Batch normalization uses gonum/floats over gathered channel slices. The
// LSTM kernel expresses every time step as a handful of GEMM calls through
// gonum/blas/blas64, over all batch rows at once. Both accept float32 and
// float64 layers; values are processed in float64.
package blas
