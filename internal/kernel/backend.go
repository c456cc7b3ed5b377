// Package kernel implements accelerated-kernel negotiation.
//
// A logical operation (batch normalization, an LSTM pass) can be served by
// zero or more backend-specific kernels. Backends describe what they can
// handle with a Capability and register it in a Registry; layers negotiate
// once per instance through a Negotiator and fall back to their reference
// kernel when no accelerated kernel accepts the call.
package kernel

import (
	"strings"

	"github.com/pkg/errors"
)

// Backend identifies a kernel implementation strategy.
type Backend int

// Known backends, in priority order (lower value wins).
const (
	// BackendAny expresses no preference in Registry.Query.
	BackendAny Backend = iota - 1
	// BackendWebGPU runs kernels on the GPU through WebGPU.
	BackendWebGPU
	// BackendBLAS runs vectorized CPU kernels (gonum BLAS).
	BackendBLAS
	// BackendReference is the generic implementation every layer carries.
	// It is never registered.
	BackendReference
)

// priority is the fixed order Query walks when no preference applies.
var priority = []Backend{BackendWebGPU, BackendBLAS}

// String returns the backend name used in config files and diagnostics.
func (b Backend) String() string {
	switch b {
	case BackendAny:
		return "any"
	case BackendWebGPU:
		return "webgpu"
	case BackendBLAS:
		return "blas"
	case BackendReference:
		return "reference"
	default:
		return "unknown"
	}
}

// ParseBackend converts a config name into a Backend.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "any", "":
		return BackendAny, nil
	case "webgpu", "gpu":
		return BackendWebGPU, nil
	case "blas", "cpu":
		return BackendBLAS, nil
	case "reference", "ref":
		return BackendReference, nil
	default:
		return BackendAny, errors.Errorf("unknown backend %q", name)
	}
}
