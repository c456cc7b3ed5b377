package graph

import (
	"context"

	"github.com/born-ml/borncore/internal/tensor"
)

// Arena owns the tensors computed during one run. Tensors it never
// allocated or adopted (caller feeds, graph constants) are outside its reach.
type Arena struct {
	owned map[*tensor.RawTensor]struct{}
	live  int
	peak  int
}

func newArena() *Arena {
	return &Arena{owned: make(map[*tensor.RawTensor]struct{})}
}

// Alloc creates a zeroed tensor owned by the arena.
func (a *Arena) Alloc(shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	t, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		return nil, err
	}
	a.Adopt(t)
	return t, nil
}

// Adopt takes ownership of t. Adopting an owned tensor is a no-op.
func (a *Arena) Adopt(t *tensor.RawTensor) {
	if a.Owns(t) {
		return
	}
	a.owned[t] = struct{}{}
	a.live += t.ByteSize()
	a.peak = max(a.peak, a.live)
}

// Owns reports whether t is owned by the arena.
func (a *Arena) Owns(t *tensor.RawTensor) bool {
	_, ok := a.owned[t]
	return ok
}

// Release frees an owned tensor. Tensors not owned are left alone.
func (a *Arena) Release(t *tensor.RawTensor) bool {
	if !a.Owns(t) {
		return false
	}
	delete(a.owned, t)
	a.live -= t.ByteSize()
	t.Release()
	return true
}

// Detach hands an owned tensor over to the caller without freeing it.
func (a *Arena) Detach(t *tensor.RawTensor) {
	if a.Owns(t) {
		delete(a.owned, t)
		a.live -= t.ByteSize()
	}
}

// ReleaseAll frees every owned tensor.
func (a *Arena) ReleaseAll() {
	for t := range a.owned {
		t.Release()
	}
	a.owned = make(map[*tensor.RawTensor]struct{})
	a.live = 0
}

// LiveBytes is the size of the currently owned tensors.
func (a *Arena) LiveBytes() int {
	return a.live
}

// PeakBytes is the largest LiveBytes seen.
func (a *Arena) PeakBytes() int {
	return a.peak
}

// ExecContext is passed to Op.Execute.
type ExecContext struct {
	ctx   context.Context
	arena *Arena
	node  *Node
	runID string
}

// NewExecContext creates a context for executing a node outside a session,
// backed by its own arena.
func NewExecContext(ctx context.Context, node *Node) *ExecContext {
	return &ExecContext{ctx: ctx, arena: newArena(), node: node}
}

// Context returns the run's context.
func (c *ExecContext) Context() context.Context {
	return c.ctx
}

// Node returns the node being executed.
func (c *ExecContext) Node() *Node {
	return c.node
}

// RunID identifies the session run.
func (c *ExecContext) RunID() string {
	return c.runID
}

// Alloc creates an output tensor owned by the run's arena.
func (c *ExecContext) Alloc(shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	return c.arena.Alloc(shape, dtype)
}
