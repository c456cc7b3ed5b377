package nn

import (
	"sync/atomic"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
)

// Phase is the stepping phase of a recurrent layer.
type Phase int

// Recurrent phases.
const (
	// Fresh means no stepping state is carried; the next Step starts from
	// zero state (or from SetInitialState).
	Fresh Phase = iota
	// Stepping means the last activation and memory cell of the previous
	// Step are carried into the next one.
	Stepping
)

// String returns the phase name.
func (p Phase) String() string {
	if p == Stepping {
		return "stepping"
	}
	return "fresh"
}

// carriedState is a (last activation, last memory cell) pair. Both tensors
// are detached copies owned by the state; they share nothing with the
// tensors of the call that produced them.
type carriedState struct {
	act, mem *tensor.RawTensor
}

func (c *carriedState) present() bool {
	return c.act != nil
}

// store replaces the pair with detached copies of act and mem.
func (c *carriedState) store(act, mem *tensor.RawTensor) {
	c.clear()
	c.act = act.Copy()
	c.mem = mem.Copy()
}

func (c *carriedState) clear() {
	c.act.Release()
	c.mem.Release()
	c.act, c.mem = nil, nil
}

func (c *carriedState) bytes() int {
	if !c.present() {
		return 0
	}
	return c.act.ByteSize() + c.mem.ByteSize()
}

// snapshot returns independent copies, or nils when nothing is carried.
func (c *carriedState) snapshot() (act, mem *tensor.RawTensor) {
	if !c.present() {
		return nil, nil
	}
	return c.act.Copy(), c.mem.Copy()
}

// traceSlot holds at most one cached forward pass. Producing a new trace
// discards the previous one; a backward pass consumes it.
type traceSlot[T any] struct {
	value T
	ok    bool
}

func (s *traceSlot[T]) produce(v T) {
	s.value, s.ok = v, true
}

func (s *traceSlot[T]) consume() (T, bool) {
	v, ok := s.value, s.ok
	s.discard()
	return v, ok
}

func (s *traceSlot[T]) peek() (T, bool) {
	return s.value, s.ok
}

func (s *traceSlot[T]) discard() {
	var zero T
	s.value, s.ok = zero, false
}

// inFlightGuard rejects a call that starts while another one is running on
// the same layer instance.
type inFlightGuard struct {
	busy atomic.Bool
}

func (g *inFlightGuard) begin(op string) error {
	if !g.busy.CompareAndSwap(false, true) {
		return kernel.InvalidState("%s: another call is in progress on this layer", op)
	}
	return nil
}

func (g *inFlightGuard) end() {
	g.busy.Store(false)
}

// lstmTrace is the cached forward pass of an LSTM call.
type lstmTrace struct {
	*kernel.LSTMTrace
	// truncated marks a trace produced by ForwardTruncated.
	truncated bool
	// singleStep marks rank-2 input, i.e. one time step without a time axis.
	singleStep bool
}

// RecurrentState is the cross-call state of a recurrent layer.
//
// It carries two independent pairs: the stepping pair, read and written by
// Step, and the truncated-window pair, read and written by ForwardTruncated.
// It also holds the single-slot forward trace and the in-flight guard that
// rejects overlapping calls.
type RecurrentState struct {
	phase     Phase
	primary   carriedState
	truncated carriedState
	trace     traceSlot[*lstmTrace]
	inFlight  inFlightGuard
}

// Phase returns the stepping phase.
func (s *RecurrentState) Phase() Phase {
	return s.phase
}

// storeStepping replaces the stepping pair and enters the Stepping phase.
func (s *RecurrentState) storeStepping(act, mem *tensor.RawTensor) {
	s.primary.store(act, mem)
	s.phase = Stepping
}

func (s *RecurrentState) storeTruncated(act, mem *tensor.RawTensor) {
	s.truncated.store(act, mem)
}

// Reset clears both carried pairs and the cached trace. The next Step
// starts from zero state.
func (s *RecurrentState) Reset() {
	s.primary.clear()
	s.truncated.clear()
	s.trace.discard()
	s.phase = Fresh
}

// Bytes estimates the memory retained by carried state and the cached trace.
func (s *RecurrentState) Bytes() int {
	n := s.primary.bytes() + s.truncated.bytes()
	if tr, ok := s.trace.peek(); ok {
		n += tr.Bytes()
	}
	return n
}
