//go:build windows

package webgpu

import (
	"sync"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"k8s.io/klog/v2"
)

var (
	sharedOnce sync.Once
	shared     *Device
	sharedErr  error
)

// sharedDevice opens the process-wide device on first use.
func sharedDevice() (*Device, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = NewDevice()
	})
	return shared, sharedErr
}

// Register adds WebGPU kernels to r when an adapter is present.
func Register(r *kernel.Registry) error {
	if !IsAvailable() {
		klog.V(2).InfoS("WebGPU adapter not available, skipping registration")
		return nil
	}
	return r.Register(kernel.Capability{
		Op:      kernel.OpBatchNorm,
		Backend: kernel.BackendWebGPU,
		DTypes:  []tensor.DataType{tensor.Float32},
		Supports: func(_ tensor.DataType, cfg any) bool {
			c, ok := kernel.IsBatchNormConfig(cfg)
			return ok && !c.FixedScaleShift
		},
		New: func(tensor.DataType, any) (kernel.Kernel, error) {
			dev, err := sharedDevice()
			if err != nil {
				return nil, err
			}
			return &batchNormKernel{dev: dev}, nil
		},
	})
}
