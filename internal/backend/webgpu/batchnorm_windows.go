//go:build windows

package webgpu

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
)

// bnStatisticsShader reduces one channel per invocation over the batch and
// spatial axes of a dense [N, C, S] input. Output is [mean..., var...].
const bnStatisticsShader = `
struct Params {
    batch: u32,
    channels: u32,
    spatial: u32,
    epsilon: f32,
}

@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read_write> stats: array<f32>;
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let c = global_id.x;
    if (c >= params.channels) {
        return;
    }
    let count = f32(params.batch * params.spatial);
    var sum = 0.0;
    for (var n = 0u; n < params.batch; n = n + 1u) {
        let base = (n * params.channels + c) * params.spatial;
        for (var s = 0u; s < params.spatial; s = s + 1u) {
            sum = sum + x[base + s];
        }
    }
    let mean = sum / count;
    var sq = 0.0;
    for (var n = 0u; n < params.batch; n = n + 1u) {
        let base = (n * params.channels + c) * params.spatial;
        for (var s = 0u; s < params.spatial; s = s + 1u) {
            let d = x[base + s] - mean;
            sq = sq + d * d;
        }
    }
    stats[c] = mean;
    stats[params.channels + c] = sq / count;
}
`

// bnForwardShader normalizes one element per invocation. channel holds
// [gamma..., beta..., mean..., var...].
const bnForwardShader = `
struct Params {
    total: u32,
    channels: u32,
    spatial: u32,
    epsilon: f32,
}

@group(0) @binding(0) var<storage, read> x: array<f32>;
@group(0) @binding(1) var<storage, read> channel: array<f32>;
@group(0) @binding(2) var<storage, read_write> y: array<f32>;
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx >= params.total) {
        return;
    }
    let c = (idx / params.spatial) % params.channels;
    let k = params.channels;
    let inv = inverseSqrt(channel[3u * k + c] + params.epsilon);
    y[idx] = channel[c] * (x[idx] - channel[2u * k + c]) * inv + channel[k + c];
}
`

// batchNormKernel runs batch-normalization statistics and forward passes on
// the GPU in float32.
type batchNormKernel struct {
	dev *Device
}

// Backend implements kernel.Kernel.
func (k *batchNormKernel) Backend() kernel.Backend {
	return kernel.BackendWebGPU
}

// Statistics implements kernel.BatchNormKernel.
func (k *batchNormKernel) Statistics(x []float64, n, c, s int) ([]float64, []float64, error) {
	if n*s == 0 {
		return nil, nil, kernel.Unsupported("webgpu: empty batch")
	}
	p := k.dev.pipeline("bn_statistics", bnStatisticsShader)

	xBuf := k.dev.storageBuffer(float32Bytes(x))
	defer xBuf.Release()
	size := uint64(2 * c * 4)
	out := k.dev.outputBuffer(size)
	defer out.Release()
	params := k.dev.uniformBuffer(paramBytes(n, c, s, 0))
	defer params.Release()

	k.dev.dispatch(p, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, xBuf, 0, uint64(len(x)*4)),
		wgpu.BufferBindingEntry(1, out, 0, size),
		wgpu.BufferBindingEntry(2, params, 0, 16),
	}, c)

	raw, err := k.dev.readBuffer(out, size)
	if err != nil {
		return nil, nil, errors.Wrap(err, "webgpu: batch statistics")
	}
	stats := float64s(raw)
	return stats[:c], stats[c:], nil
}

// Forward implements kernel.BatchNormKernel.
func (k *batchNormKernel) Forward(b *kernel.BatchNormBatch) ([]float64, error) {
	if b.Gamma == nil || b.Beta == nil {
		return nil, kernel.Unsupported("webgpu: fixed scale/shift")
	}
	total := len(b.X)
	if total == 0 {
		return []float64{}, nil
	}
	p := k.dev.pipeline("bn_forward", bnForwardShader)

	channel := make([]float64, 0, 4*b.C)
	channel = append(channel, b.Gamma...)
	channel = append(channel, b.Beta...)
	channel = append(channel, b.Mean...)
	channel = append(channel, b.Var...)

	xBuf := k.dev.storageBuffer(float32Bytes(b.X))
	defer xBuf.Release()
	chBuf := k.dev.storageBuffer(float32Bytes(channel))
	defer chBuf.Release()
	size := uint64(total * 4)
	out := k.dev.outputBuffer(size)
	defer out.Release()
	params := k.dev.uniformBuffer(paramBytes(total, b.C, b.S, b.Epsilon))
	defer params.Release()

	k.dev.dispatch(p, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, xBuf, 0, size),
		wgpu.BufferBindingEntry(1, chBuf, 0, uint64(len(channel)*4)),
		wgpu.BufferBindingEntry(2, out, 0, size),
		wgpu.BufferBindingEntry(3, params, 0, 16),
	}, total)

	raw, err := k.dev.readBuffer(out, size)
	if err != nil {
		return nil, errors.Wrap(err, "webgpu: batch-norm forward")
	}
	return float64s(raw), nil
}

// Backward implements kernel.BatchNormKernel. Gradients are computed by the
// reference kernel.
func (k *batchNormKernel) Backward(*kernel.BatchNormBatch, []float64) (*kernel.BatchNormGrads, error) {
	return nil, kernel.Unsupported("webgpu: batch-norm backward")
}

func paramBytes(a, b, c int, eps float64) []byte {
	out := make([]byte, 16)
	//nolint:gosec // G115: dimensions are validated by the layer
	binary.LittleEndian.PutUint32(out[0:], uint32(a))
	//nolint:gosec // G115: dimensions are validated by the layer
	binary.LittleEndian.PutUint32(out[4:], uint32(b))
	//nolint:gosec // G115: dimensions are validated by the layer
	binary.LittleEndian.PutUint32(out[8:], uint32(c))
	binary.LittleEndian.PutUint32(out[12:], math.Float32bits(float32(eps)))
	return out
}

func float32Bytes(v []float64) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(f)))
	}
	return out
}

func float64s(b []byte) []float64 {
	out := make([]float64, len(b)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	return out
}
