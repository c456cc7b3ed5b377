// Package webgpu provides GPU kernels built on WebGPU compute shaders.
//
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings,
// which are currently built for Windows only. On other platforms Register
// is a no-op and every call is served by the remaining backends.
//
// The batch-normalization kernel computes statistics and the forward pass
// on the GPU for float32 data with trainable scale/shift. Its backward pass
// is rejected at call time, so layers fall back to the reference kernel for
// gradients.
package webgpu
