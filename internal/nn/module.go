// Package nn implements the stateful layers of the execution core.
//
// Layers own their parameters and any backend-private scratch state
// (statistic caches, forward traces, carried recurrent state). Each layer
// negotiates an accelerated kernel once, on first use, through a
// kernel.Registry and falls back to the reference kernels in this package
// when no accelerated kernel can serve a call.
//
// Layers are not safe for concurrent use. Overlapping calls on one instance
// fail with kernel.ErrInvalidState instead of corrupting state.
package nn

import (
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/parallel"
)

// Layer is the common surface of every layer in this package.
type Layer interface {
	// Parameters returns the trainable parameters. Layers with frozen
	// parameters return only the trainable ones.
	Parameters() []*Parameter

	// Diagnostics reports how the layer's calls have been served.
	Diagnostics() kernel.Diagnostics

	// Release frees parameters and all scratch state.
	Release()
}

// Option configures layer construction.
type Option func(*options)

type options struct {
	parallel parallel.Config
	prefer   kernel.Backend
}

func defaultOptions() options {
	return options{
		parallel: parallel.DefaultConfig(),
		prefer:   kernel.BackendAny,
	}
}

// WithParallel sets the data-parallel configuration of the reference kernels.
func WithParallel(cfg parallel.Config) Option {
	return func(o *options) {
		o.parallel = cfg
	}
}

// WithPreferredBackend makes negotiation try b before the fixed priority order.
func WithPreferredBackend(b kernel.Backend) Option {
	return func(o *options) {
		o.prefer = b
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
