package kernel

import (
	"sort"
	"sync"

	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
)

type entryKey struct {
	op      OpKind
	backend Backend
}

// Registry maps (operation, backend) pairs to capabilities.
//
// Registration happens during process setup. After that the registry is
// read-only and may be shared by any number of sessions.
type Registry struct {
	cfg     Config
	entries map[entryKey]Capability
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry governed by cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[entryKey]Capability),
	}
}

// Config returns the acceleration config the registry was built with.
func (r *Registry) Config() Config {
	return r.cfg
}

// Register adds a capability. Registering the same (op, backend) pair again
// replaces the previous entry.
func (r *Registry) Register(c Capability) error {
	if c.Op == "" {
		return errors.New("kernel: capability without operation")
	}
	if c.Backend == BackendReference || c.Backend == BackendAny {
		return errors.Errorf("kernel: cannot register %s backend for %s", c.Backend, c.Op)
	}
	if c.New == nil {
		return errors.Errorf("kernel: %s/%s capability has no factory", c.Op, c.Backend)
	}
	c.DTypes = append([]tensor.DataType(nil), c.DTypes...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entryKey{c.Op, c.Backend}] = c
	return nil
}

// Query returns the first backend able to serve (op, dtype, cfg).
//
// The preferred backend is tried first, then the fixed priority order
// (WebGPU, BLAS). Backends disabled by the registry config are skipped.
// A false result means the caller must use its reference kernel.
func (r *Registry) Query(op OpKind, pref Backend, dtype tensor.DataType, cfg any) (Handle, bool) {
	if r == nil || !r.cfg.Enabled {
		return Handle{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	order := priority
	if pref != BackendAny && pref != BackendReference {
		order = append([]Backend{pref}, priority...)
	}
	for _, b := range order {
		if !r.cfg.allows(b) {
			continue
		}
		c, ok := r.entries[entryKey{op, b}]
		if !ok || !c.Accepts(dtype, cfg) {
			continue
		}
		return Handle{Backend: b, factory: c.New}, true
	}
	return Handle{}, false
}

// Capabilities lists the backends registered for op, in priority order.
func (r *Registry) Capabilities(op OpKind) []Backend {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Backend
	for k := range r.entries {
		if k.op == op {
			out = append(out, k.backend)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
