package kernel

import (
	"testing"

	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingKernel struct {
	backend Backend
	calls   int
	reject  bool
	fail    error
}

func (k *countingKernel) Backend() Backend { return k.backend }

func (k *countingKernel) run() error {
	k.calls++
	if k.reject {
		return Unsupported("rank not handled")
	}
	return k.fail
}

func registryWith(k *countingKernel, built *int) *Registry {
	r := NewRegistry(DefaultConfig())
	_ = r.Register(Capability{
		Op:      OpBatchNorm,
		Backend: k.backend,
		New: func(tensor.DataType, any) (Kernel, error) {
			*built++
			return k, nil
		},
	})
	return r
}

func TestNegotiatorNegotiatesOnce(t *testing.T) {
	accel := &countingKernel{backend: BackendBLAS}
	built := 0
	ref := &countingKernel{backend: BackendReference}
	n := NewNegotiator[*countingKernel](registryWith(accel, &built), OpBatchNorm, tensor.Float32, nil, true, ref)

	for i := 0; i < 3; i++ {
		require.NoError(t, n.Dispatch(func(k *countingKernel) error { return k.run() }))
	}

	assert.Equal(t, 1, built)
	assert.Equal(t, 3, accel.calls)
	assert.Equal(t, 0, ref.calls)
	d := n.Diagnostics()
	assert.Equal(t, BackendBLAS, d.Negotiated)
	assert.Equal(t, BackendBLAS, d.LastBackend)
	assert.False(t, d.FellBack)
	assert.Equal(t, 3, d.Calls)
}

func TestNegotiatorNoKernelUsesReference(t *testing.T) {
	ref := &countingKernel{backend: BackendReference}
	n := NewNegotiator[*countingKernel](nil, OpBatchNorm, tensor.Float32, nil, true, ref)

	require.NoError(t, n.Dispatch(func(k *countingKernel) error { return k.run() }))
	assert.Equal(t, 1, ref.calls)
	d := n.Diagnostics()
	assert.Equal(t, BackendReference, d.Negotiated)
	assert.Equal(t, BackendReference, d.LastBackend)
	assert.False(t, d.FellBack)
}

func TestNegotiatorNoKernelFallbackDisabled(t *testing.T) {
	ref := &countingKernel{backend: BackendReference}
	n := NewNegotiator[*countingKernel](nil, OpBatchNorm, tensor.Float32, nil, false, ref)

	err := n.Dispatch(func(k *countingKernel) error { return k.run() })
	assert.ErrorIs(t, err, ErrUnsupportedConfig)
	assert.Equal(t, 0, ref.calls)
}

func TestNegotiatorCallTimeRejectionFallsBack(t *testing.T) {
	accel := &countingKernel{backend: BackendWebGPU, reject: true}
	built := 0
	ref := &countingKernel{backend: BackendReference}
	n := NewNegotiator[*countingKernel](registryWith(accel, &built), OpBatchNorm, tensor.Float32, nil, true, ref)

	require.NoError(t, n.Dispatch(func(k *countingKernel) error { return k.run() }))
	assert.Equal(t, 1, accel.calls)
	assert.Equal(t, 1, ref.calls)
	d := n.Diagnostics()
	assert.Equal(t, BackendWebGPU, d.Negotiated)
	assert.Equal(t, BackendReference, d.LastBackend)
	assert.True(t, d.FellBack)
	assert.Equal(t, 1, d.Fallbacks)
}

func TestNegotiatorCallTimeRejectionFallbackDisabled(t *testing.T) {
	accel := &countingKernel{backend: BackendWebGPU, reject: true}
	built := 0
	ref := &countingKernel{backend: BackendReference}
	n := NewNegotiator[*countingKernel](registryWith(accel, &built), OpBatchNorm, tensor.Float32, nil, false, ref)

	err := n.Dispatch(func(k *countingKernel) error { return k.run() })
	assert.ErrorIs(t, err, ErrUnsupportedConfig)
	assert.Equal(t, 0, ref.calls)
}

func TestNegotiatorKernelErrorIsNotSwallowed(t *testing.T) {
	boom := errors.New("device lost")
	accel := &countingKernel{backend: BackendBLAS, fail: boom}
	built := 0
	ref := &countingKernel{backend: BackendReference}
	n := NewNegotiator[*countingKernel](registryWith(accel, &built), OpBatchNorm, tensor.Float32, nil, true, ref)

	err := n.Dispatch(func(k *countingKernel) error { return k.run() })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, ref.calls, "only unsupported-configuration errors fall back")
}

func TestNegotiatorFactoryErrorMeansNoKernel(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	require.NoError(t, r.Register(Capability{
		Op:      OpLSTM,
		Backend: BackendBLAS,
		New: func(tensor.DataType, any) (Kernel, error) {
			return nil, errors.New("no device")
		},
	}))
	ref := &countingKernel{backend: BackendReference}
	n := NewNegotiator[*countingKernel](r, OpLSTM, tensor.Float32, nil, true, ref)

	require.NoError(t, n.Dispatch(func(k *countingKernel) error { return k.run() }))
	assert.Equal(t, 1, ref.calls)
}

func TestNegotiatorCheckDType(t *testing.T) {
	n := NewNegotiator[*countingKernel](nil, OpLSTM, tensor.Float32, nil, true, &countingKernel{})

	ok, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	bad, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float64, tensor.CPU)
	require.NoError(t, err)

	assert.NoError(t, n.CheckDType("x", ok))
	assert.ErrorIs(t, n.CheckDType("x", bad), ErrInvalidState)
	assert.ErrorIs(t, n.CheckDType("x", nil), tensor.ErrShapeMismatch)
}
