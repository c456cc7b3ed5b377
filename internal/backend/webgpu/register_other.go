//go:build !windows

package webgpu

import (
	"github.com/born-ml/borncore/internal/kernel"
	"k8s.io/klog/v2"
)

// IsAvailable reports whether a WebGPU adapter can be used. Always false on
// this platform.
func IsAvailable() bool {
	return false
}

// Register adds WebGPU kernels to r. No kernels exist on this platform.
func Register(_ *kernel.Registry) error {
	klog.V(2).InfoS("WebGPU kernels not built for this platform")
	return nil
}
