package kernel

import (
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Diagnostics describes how an accelerated layer instance has been served.
type Diagnostics struct {
	Op OpKind
	// Negotiated is the backend chosen at negotiation, or BackendReference.
	Negotiated Backend
	// LastBackend served the most recent call. BackendReference before any call.
	LastBackend Backend
	// FellBack is true when the most recent call was served by the reference
	// kernel although an accelerated kernel had been negotiated.
	FellBack bool
	// Calls and Fallbacks count dispatched calls over the instance lifetime.
	Calls     int
	Fallbacks int
	// ScratchBytes estimates backend-private memory retained by the instance
	// (statistic caches, forward traces, carried state).
	ScratchBytes int
}

// Negotiator owns the kernel choice for one layer instance.
//
// Negotiation runs once, on first use, with the instance's element type and
// configuration. Both are immutable, so the result is cached for the
// instance lifetime. A Negotiator is not safe for concurrent use.
type Negotiator[K Kernel] struct {
	registry      *Registry
	op            OpKind
	pref          Backend
	dtype         tensor.DataType
	cfg           any
	allowFallback bool
	reference     K

	negotiated bool
	accel      K
	hasAccel   bool
	loggedFall bool
	diag       Diagnostics
}

// NewNegotiator creates a negotiator. reference serves every call no
// accelerated kernel takes. A nil registry disables acceleration.
func NewNegotiator[K Kernel](
	registry *Registry, op OpKind, dtype tensor.DataType, cfg any, allowFallback bool, reference K,
) *Negotiator[K] {
	return &Negotiator[K]{
		registry:      registry,
		op:            op,
		pref:          BackendAny,
		dtype:         dtype,
		cfg:           cfg,
		allowFallback: allowFallback,
		reference:     reference,
		diag: Diagnostics{
			Op:          op,
			Negotiated:  BackendReference,
			LastBackend: BackendReference,
		},
	}
}

// Prefer sets the backend tried first. Must be called before first use.
func (n *Negotiator[K]) Prefer(b Backend) {
	n.pref = b
}

// DType returns the element type the instance negotiated for.
func (n *Negotiator[K]) DType() tensor.DataType {
	return n.dtype
}

// CheckDType rejects tensors whose element type differs from the one the
// kernel was negotiated for. Re-negotiation is not supported.
func (n *Negotiator[K]) CheckDType(name string, t *tensor.RawTensor) error {
	if t == nil {
		return errors.Wrapf(tensor.ErrShapeMismatch, "%s: %s is nil", n.op, name)
	}
	if t.DType() != n.dtype {
		return InvalidState("%s: %s has type %s but the instance was configured for %s",
			n.op, name, t.DType(), n.dtype)
	}
	return nil
}

// Kernel returns the accelerated kernel, negotiating on first call.
// ok is false when the reference kernel must be used. err is non-nil only
// when no accelerated kernel exists and fallback is disabled.
func (n *Negotiator[K]) Kernel() (k K, ok bool, err error) {
	if !n.negotiated {
		n.negotiate()
	}
	if !n.hasAccel && !n.allowFallback {
		return k, false, Unsupported("%s: no accelerated kernel for %s and fallback is disabled", n.op, n.dtype)
	}
	return n.accel, n.hasAccel, nil
}

func (n *Negotiator[K]) negotiate() {
	n.negotiated = true

	h, found := n.registry.Query(n.op, n.pref, n.dtype, n.cfg)
	if !found {
		klog.V(2).InfoS("No accelerated kernel, using reference", "op", n.op, "dtype", n.dtype)
		return
	}
	k, err := h.New(n.dtype, n.cfg)
	if err != nil {
		klog.InfoS("Could not initialize accelerated kernel", "op", n.op, "backend", h.Backend, "err", err)
		return
	}
	typed, isK := k.(K)
	if !isK {
		klog.InfoS("Kernel does not implement the operation interface", "op", n.op, "backend", h.Backend)
		return
	}
	n.accel, n.hasAccel = typed, true
	n.diag.Negotiated = h.Backend
	klog.V(2).InfoS("Negotiated kernel", "op", n.op, "backend", h.Backend, "dtype", n.dtype)
}

// Dispatch runs call with the negotiated kernel. When there is none, or the
// kernel rejects the call with ErrUnsupportedConfig, call runs again with the
// reference kernel (unless fallback is disabled). Other kernel errors are
// returned unchanged.
func (n *Negotiator[K]) Dispatch(call func(K) error) error {
	k, ok, err := n.Kernel()
	if err != nil {
		return err
	}
	n.diag.Calls++

	if ok {
		err := call(k)
		if err == nil {
			n.served(k.Backend(), false)
			return nil
		}
		if !errors.Is(err, ErrUnsupportedConfig) {
			return err
		}
		if !n.allowFallback {
			return errors.Wrapf(err, "%s: %s kernel rejected the call and fallback is disabled", n.op, k.Backend())
		}
		if !n.loggedFall {
			n.loggedFall = true
			klog.InfoS("Accelerated kernel rejected call, falling back to reference",
				"op", n.op, "backend", k.Backend(), "reason", err)
		}
	}

	if err := call(n.reference); err != nil {
		return err
	}
	n.served(BackendReference, ok)
	return nil
}

func (n *Negotiator[K]) served(b Backend, fellBack bool) {
	n.diag.LastBackend = b
	n.diag.FellBack = fellBack
	if fellBack {
		n.diag.Fallbacks++
	}
}

// SetScratchBytes records the layer's current scratch memory estimate.
func (n *Negotiator[K]) SetScratchBytes(bytes int) {
	n.diag.ScratchBytes = bytes
}

// Diagnostics returns a snapshot of the instance's dispatch history.
func (n *Negotiator[K]) Diagnostics() Diagnostics {
	return n.diag
}
