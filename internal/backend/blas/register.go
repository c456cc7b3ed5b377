package blas

import (
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var floatTypes = []tensor.DataType{tensor.Float32, tensor.Float64}

// Register adds the BLAS batch-normalization and LSTM kernels to r.
func Register(r *kernel.Registry) error {
	err := r.Register(kernel.Capability{
		Op:       kernel.OpBatchNorm,
		Backend:  kernel.BackendBLAS,
		DTypes:   floatTypes,
		Supports: supportsBatchNorm,
		New: func(tensor.DataType, any) (kernel.Kernel, error) {
			return batchNormKernel{}, nil
		},
	})
	if err != nil {
		return errors.Wrap(err, "blas: register batch norm")
	}

	err = r.Register(kernel.Capability{
		Op:       kernel.OpLSTM,
		Backend:  kernel.BackendBLAS,
		DTypes:   floatTypes,
		Supports: supportsLSTM,
		New: func(_ tensor.DataType, cfg any) (kernel.Kernel, error) {
			c, _ := kernel.IsLSTMConfig(cfg)
			return &lstmKernel{cfg: c}, nil
		},
	})
	if err != nil {
		return errors.Wrap(err, "blas: register lstm")
	}
	klog.V(2).InfoS("Registered BLAS kernels", "ops", []kernel.OpKind{kernel.OpBatchNorm, kernel.OpLSTM})
	return nil
}

// supportsBatchNorm admits layers with learnable scale and shift.
func supportsBatchNorm(_ tensor.DataType, cfg any) bool {
	c, ok := kernel.IsBatchNormConfig(cfg)
	return ok && !c.FixedScaleShift
}

// supportsLSTM admits the standard sigmoid gates with tanh cell activation.
func supportsLSTM(_ tensor.DataType, cfg any) bool {
	c, ok := kernel.IsLSTMConfig(cfg)
	return ok && c.InputSize > 0 && c.HiddenSize > 0 &&
		c.GateActivation == kernel.Sigmoid && c.OutputActivation == kernel.Tanh
}
