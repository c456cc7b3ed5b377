package graph

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Diagnoser is implemented by ops backed by an accelerated layer.
type Diagnoser interface {
	Diagnose() kernel.Diagnostics
}

// EventKind classifies session events.
type EventKind int

// Session events.
const (
	EventExecuted EventKind = iota
	EventReleased
	EventFailed
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventExecuted:
		return "executed"
	case EventReleased:
		return "released"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is reported to a session observer during a run.
type Event struct {
	Kind     EventKind
	RunID    string
	Node     string // set for executed and failed events
	Variable string // set for released events
	Err      error  // set for failed events
}

// RunStats summarizes the last run.
type RunStats struct {
	RunID string
	// Executed lists node names in execution order.
	Executed []string
	// Released lists intermediate variables in release order.
	Released []string
	// PeakLiveBytes is the largest amount of intermediate memory alive at once.
	PeakLiveBytes int
	Duration      time.Duration
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithPinned keeps the named variables alive until the end of each run and
// makes them available through Fetch.
func WithPinned(names ...string) SessionOption {
	return func(s *Session) {
		for _, n := range names {
			s.pinned[n] = true
		}
	}
}

// WithObserver registers a callback for execution events.
func WithObserver(fn func(Event)) SessionOption {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithRunIDs replaces the random run ID generator.
func WithRunIDs(gen func() string) SessionOption {
	return func(s *Session) {
		s.newRunID = gen
	}
}

// Session executes the part of a graph needed for a fixed set of outputs.
//
// The plan (pruning, validation, order) is computed once by NewSession.
// Each Run evaluates every planned node exactly once in a deterministic
// topological order, and releases each intermediate right after its last
// consumer unless it is requested or pinned. Requested outputs are handed
// to the caller; caller-supplied tensors are never released.
//
// A Session is not safe for concurrent use; an overlapping Run fails with
// ErrSessionBusy.
type Session struct {
	graph     *Graph
	outputs   []string
	requested map[string]bool
	pinned    map[string]bool
	observer  func(Event)
	newRunID  func() string

	order        []*Node
	placeholders []*Variable
	consumers    map[string]int
	inputNames   map[*Node][]string

	busy     atomic.Bool
	retained map[string]*tensor.RawTensor
	failed   map[string]error
	stats    RunStats
}

// NewSession validates the graph and plans the computation of outputs.
func NewSession(g *Graph, outputs []string, opts ...SessionOption) (*Session, error) {
	if g == nil {
		return nil, errors.Wrap(ErrGraphValidity, "nil graph")
	}
	if len(outputs) == 0 {
		return nil, errors.Wrap(ErrGraphValidity, "no outputs requested")
	}

	s := &Session{
		graph:     g,
		requested: make(map[string]bool),
		pinned:    make(map[string]bool),
		newRunID:  uuid.NewString,
		retained:  make(map[string]*tensor.RawTensor),
		failed:    make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range outputs {
		if _, ok := g.vars[name]; !ok {
			return nil, errors.Wrapf(ErrMissingDependency, "requested output %q is not declared", name)
		}
		if !s.requested[name] {
			s.requested[name] = true
			s.outputs = append(s.outputs, name)
		}
	}
	for name := range s.pinned {
		if _, ok := g.vars[name]; !ok {
			return nil, errors.Wrapf(ErrMissingDependency, "pinned variable %q is not declared", name)
		}
	}

	if err := checkAcyclic(g); err != nil {
		return nil, err
	}
	needed, err := s.prune()
	if err != nil {
		return nil, err
	}
	s.plan(needed)

	klog.V(2).InfoS("Planned session", "outputs", s.outputs, "nodes", len(s.order), "graphNodes", len(g.nodes))
	return s, nil
}

// Order returns the planned node names in execution order.
func (s *Session) Order() []string {
	names := make([]string, len(s.order))
	for i, n := range s.order {
		names[i] = n.Name
	}
	return names
}

// Outputs returns the requested output names.
func (s *Session) Outputs() []string {
	return append([]string(nil), s.outputs...)
}

// Run executes the plan with the given placeholder values and returns the
// requested outputs, which the caller owns. feeds are borrowed.
//
// On failure every tensor computed by the run is released and the error
// is recorded for the failing node's outputs and everything downstream of
// them; Fetch re-surfaces it. Cancellation of ctx is checked between nodes.
func (s *Session) Run(ctx context.Context, feeds map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Store(false)

	s.releaseRetained()
	s.failed = make(map[string]error)
	s.stats = RunStats{RunID: s.newRunID()}
	start := time.Now()
	defer func() { s.stats.Duration = time.Since(start) }()

	r := &run{
		session:   s,
		ctx:       ctx,
		arena:     newArena(),
		values:    make(map[string]*tensor.RawTensor),
		external:  make(map[*tensor.RawTensor]bool),
		bound:     make(map[*tensor.RawTensor]bool),
		remaining: make(map[string]int, len(s.consumers)),
	}
	for name, c := range s.consumers {
		r.remaining[name] = c
	}

	if err := r.bindFeeds(feeds); err != nil {
		for _, name := range s.outputs {
			s.failed[name] = err
		}
		return nil, err
	}
	for i, n := range s.order {
		if err := ctx.Err(); err != nil {
			err = errors.Wrapf(err, "run cancelled before node %s", n.Name)
			r.abort(i, err, false)
			return nil, err
		}
		if err := r.execute(n); err != nil {
			nodeErr := &NodeError{Node: n.Name, Op: n.Op.Type(), Err: err}
			klog.ErrorS(err, "Node failed", "run", s.stats.RunID, "node", n.Name, "op", n.Op.Type())
			s.emit(Event{Kind: EventFailed, Node: n.Name, Err: nodeErr})
			r.abort(i, nodeErr, true)
			return nil, nodeErr
		}
	}
	return r.finish(), nil
}

// Fetch returns a view of a requested or pinned value from the last run,
// which the caller must release, or the error that prevented computing it.
func (s *Session) Fetch(name string) (*tensor.RawTensor, error) {
	if err, ok := s.failed[name]; ok {
		return nil, err
	}
	t, ok := s.retained[name]
	if !ok {
		return nil, errors.Wrapf(ErrMissingDependency, "no value for %q from the last run", name)
	}
	return t.Clone(), nil
}

// Stats returns statistics of the last run.
func (s *Session) Stats() RunStats {
	st := s.stats
	st.Executed = append([]string(nil), st.Executed...)
	st.Released = append([]string(nil), st.Released...)
	return st
}

// Diagnostics returns per-node kernel diagnostics for planned nodes whose op
// implements Diagnoser.
func (s *Session) Diagnostics() map[string]kernel.Diagnostics {
	out := make(map[string]kernel.Diagnostics)
	for _, n := range s.order {
		if d, ok := n.Op.(Diagnoser); ok {
			out[n.Name] = d.Diagnose()
		}
	}
	return out
}

// Close releases the values retained for Fetch.
func (s *Session) Close() {
	s.releaseRetained()
}

func (s *Session) releaseRetained() {
	for name, t := range s.retained {
		t.Release()
		delete(s.retained, name)
	}
}

func (s *Session) emit(ev Event) {
	if s.observer == nil {
		return
	}
	ev.RunID = s.stats.RunID
	s.observer(ev)
}

// keep reports whether a variable must outlive its last consumer.
func (s *Session) keep(name string) bool {
	return s.requested[name] || s.pinned[name]
}

// checkAcyclic runs Kahn's algorithm over every node of the graph.
func checkAcyclic(g *Graph) error {
	indegree := make([]int, len(g.nodes))
	dependents := make([][]int, len(g.nodes))
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if v, ok := g.vars[in]; ok && v.producer != nil {
				indegree[n.index]++
				dependents[v.producer.index] = append(dependents[v.producer.index], n.index)
			}
		}
	}

	queue := make([]int, 0, len(g.nodes))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if visited == len(g.nodes) {
		return nil
	}

	var cyclic []string
	for i, d := range indegree {
		if d > 0 {
			cyclic = append(cyclic, g.nodes[i].Name)
		}
	}
	return errors.Wrapf(ErrGraphValidity, "cycle among nodes %s", strings.Join(cyclic, ", "))
}

// prune collects the nodes the requested outputs transitively depend on.
func (s *Session) prune() (map[*Node]bool, error) {
	needed := make(map[*Node]bool)
	seenVar := make(map[string]bool)
	var placeholders []*Variable

	var visit func(name, consumer string) error
	visit = func(name, consumer string) error {
		if seenVar[name] {
			return nil
		}
		seenVar[name] = true
		v, ok := s.graph.vars[name]
		if !ok {
			return errors.Wrapf(ErrMissingDependency, "variable %q read by node %q has no producer", name, consumer)
		}
		switch v.Kind {
		case Placeholder:
			placeholders = append(placeholders, v)
		case Computed:
			n := v.producer
			if needed[n] {
				return nil
			}
			needed[n] = true
			for _, in := range n.Inputs {
				if err := visit(in, n.Name); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, name := range s.outputs {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}

	sort.Slice(placeholders, func(i, j int) bool { return placeholders[i].Name < placeholders[j].Name })
	s.placeholders = placeholders
	return needed, nil
}

// plan orders the needed nodes topologically, breaking ties by insertion
// order, and counts consumers per variable.
func (s *Session) plan(needed map[*Node]bool) {
	s.consumers = make(map[string]int)
	s.inputNames = make(map[*Node][]string, len(needed))

	indegree := make(map[*Node]int, len(needed))
	dependents := make(map[*Node][]*Node, len(needed))
	for _, n := range s.graph.nodes {
		if !needed[n] {
			continue
		}
		indegree[n] = 0
		distinct := distinctNames(n.Inputs)
		s.inputNames[n] = distinct
		for _, in := range distinct {
			s.consumers[in]++
			if p := s.graph.vars[in].producer; p != nil {
				indegree[n]++
				dependents[p] = append(dependents[p], n)
			}
		}
	}

	var ready []*Node
	push := func(n *Node) {
		i := sort.Search(len(ready), func(i int) bool { return ready[i].index > n.index })
		ready = append(ready, nil)
		copy(ready[i+1:], ready[i:])
		ready[i] = n
	}
	for _, n := range s.graph.nodes {
		if needed[n] && indegree[n] == 0 {
			push(n)
		}
	}
	s.order = make([]*Node, 0, len(needed))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		s.order = append(s.order, n)
		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				push(d)
			}
		}
	}
}

func distinctNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// run is the mutable state of one Session.Run.
type run struct {
	session *Session
	ctx     context.Context
	arena   *Arena

	values map[string]*tensor.RawTensor
	// external marks caller feeds and graph constants.
	external map[*tensor.RawTensor]bool
	// bound marks tensors already holding a variable's value.
	bound     map[*tensor.RawTensor]bool
	remaining map[string]int
}

func (r *run) bindFeeds(feeds map[string]*tensor.RawTensor) error {
	for _, v := range r.session.placeholders {
		t, ok := feeds[v.Name]
		if !ok || t == nil {
			return errors.Wrapf(ErrMissingDependency, "placeholder %q is not fed", v.Name)
		}
		if !v.Spec.Matches(t) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "placeholder %q: got %s%v, want %s%v",
				v.Name, t.DType(), t.Shape(), v.Spec.DType, v.Spec.Shape)
		}
		r.values[v.Name] = t
		r.external[t] = true
	}
	return nil
}

func (r *run) input(name string) *tensor.RawTensor {
	if t, ok := r.values[name]; ok {
		return t
	}
	v := r.session.graph.vars[name]
	r.values[name] = v.Value
	r.external[v.Value] = true
	return v.Value
}

// resolve returns the value bound to name in this run. Constants need no
// node, so they resolve even when nothing planned reads them.
func (r *run) resolve(name string) (*tensor.RawTensor, bool) {
	if t, ok := r.values[name]; ok {
		return t, true
	}
	if v := r.session.graph.vars[name]; v != nil && v.Kind == Constant {
		return r.input(name), true
	}
	return nil, false
}

func (r *run) execute(n *Node) error {
	s := r.session
	inputs := make([]*tensor.RawTensor, len(n.Inputs))
	for i, name := range n.Inputs {
		inputs[i] = r.input(name)
	}

	ec := &ExecContext{ctx: r.ctx, arena: r.arena, node: n, runID: s.stats.RunID}
	outs, err := n.Op.Execute(ec, inputs)
	outs = r.adopt(outs)
	if err != nil {
		return err
	}
	if err := r.checkOutputs(n, inputs, outs); err != nil {
		return err
	}

	s.stats.Executed = append(s.stats.Executed, n.Name)
	klog.V(4).InfoS("Executed node", "run", s.stats.RunID, "node", n.Name, "op", n.Op.Type())
	s.emit(Event{Kind: EventExecuted, Node: n.Name})

	for i, name := range n.Outputs {
		r.values[name] = outs[i]
		r.bound[outs[i]] = true
		if r.remaining[name] == 0 {
			r.releaseIfDone(name)
		}
	}
	for _, name := range s.inputNames[n] {
		r.remaining[name]--
		if r.remaining[name] == 0 {
			r.releaseIfDone(name)
		}
	}
	return nil
}

// adopt gives the arena ownership of node outputs. An output that is
// already some variable's value, or a caller/graph tensor, becomes a new
// view so each variable owns its own reference.
func (r *run) adopt(outs []*tensor.RawTensor) []*tensor.RawTensor {
	seen := make(map[*tensor.RawTensor]bool, len(outs))
	for i, t := range outs {
		if t == nil {
			continue
		}
		if r.bound[t] || r.external[t] || seen[t] {
			t = t.Clone()
			outs[i] = t
		}
		seen[t] = true
		r.arena.Adopt(t)
	}
	return outs
}

func (r *run) checkOutputs(n *Node, inputs, outs []*tensor.RawTensor) error {
	if len(outs) != len(n.Outputs) {
		return errors.Errorf("op returned %d outputs, node declares %d", len(outs), len(n.Outputs))
	}
	for i, t := range outs {
		if t == nil {
			return errors.Errorf("output %q is nil", n.Outputs[i])
		}
		if v := r.session.graph.vars[n.Outputs[i]]; v.hasSpec && !v.Spec.Matches(t) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "output %q: got %s%v, declared %s%v",
				v.Name, t.DType(), t.Shape(), v.Spec.DType, v.Spec.Shape)
		}
	}

	inferrer, ok := n.Op.(ShapeInferrer)
	if !ok {
		return nil
	}
	specs := make([]Spec, len(inputs))
	for i, t := range inputs {
		specs[i] = SpecOf(t)
	}
	want, err := inferrer.InferOutputs(specs)
	if err != nil {
		return errors.Wrap(err, "shape inference")
	}
	if len(want) != len(outs) {
		return errors.Errorf("shape inference returned %d specs for %d outputs", len(want), len(outs))
	}
	for i, t := range outs {
		if !want[i].Matches(t) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "output %q: got %s%v, inferred %s%v",
				n.Outputs[i], t.DType(), t.Shape(), want[i].DType, want[i].Shape)
		}
	}
	return nil
}

func (r *run) releaseIfDone(name string) {
	if r.session.keep(name) {
		return
	}
	t, ok := r.values[name]
	if !ok || !r.arena.Release(t) {
		return
	}
	delete(r.values, name)
	delete(r.bound, t)
	r.session.stats.Released = append(r.session.stats.Released, name)
	klog.V(4).InfoS("Released intermediate", "run", r.session.stats.RunID, "variable", name)
	r.session.emit(Event{Kind: EventReleased, Variable: name})
}

// abort releases everything the run computed and records err for the
// outputs of order[from] and the planned variables after it: all of them,
// or with downstreamOnly just those depending on order[from].
func (r *run) abort(from int, err error, downstreamOnly bool) {
	s := r.session
	s.stats.PeakLiveBytes = r.arena.PeakBytes()
	r.arena.ReleaseAll()

	tainted := make(map[string]bool)
	for _, name := range s.order[from].Outputs {
		tainted[name] = true
	}
	for _, n := range s.order[from+1:] {
		hit := !downstreamOnly
		for _, in := range n.Inputs {
			hit = hit || tainted[in]
		}
		if hit {
			for _, name := range n.Outputs {
				tainted[name] = true
			}
		}
	}
	for name := range tainted {
		s.failed[name] = err
	}
}

// finish hands requested outputs to the caller and keeps views of them and
// of pinned values for Fetch.
func (r *run) finish() map[string]*tensor.RawTensor {
	s := r.session
	result := make(map[string]*tensor.RawTensor, len(s.outputs))
	for _, name := range s.outputs {
		t, _ := r.resolve(name)
		if r.arena.Owns(t) {
			r.arena.Detach(t)
		} else {
			t = t.Clone()
		}
		result[name] = t
		s.retained[name] = t.Clone()
	}
	for name := range s.pinned {
		t, ok := r.resolve(name)
		if !ok || s.requested[name] {
			continue
		}
		if r.arena.Owns(t) {
			r.arena.Detach(t)
		} else {
			t = t.Clone()
		}
		s.retained[name] = t
	}
	s.stats.PeakLiveBytes = r.arena.PeakBytes()
	r.arena.ReleaseAll()
	return result
}
