// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph exposes dataflow graphs and the session that executes them.
//
// Example:
//
//	ops := graph.NewOpRegistry()
//	add, _ := ops.Lookup("Add")
//	relu, _ := ops.Lookup("Relu")
//
//	g, err := graph.NewBuilder().
//	    Placeholder("x", tensor.Float32, tensor.Shape{-1, 4}).
//	    Constant("b", bias).
//	    Node("add", add, []string{"x", "b"}, []string{"xb"}).
//	    Node("relu", relu, []string{"xb"}, []string{"y"}).
//	    Build()
//
//	sess, _ := graph.NewSession(g, []string{"y"})
//	out, err := sess.Run(ctx, map[string]*tensor.RawTensor{"x": x})
package graph

import (
	"github.com/born-ml/borncore/internal/graph"
)

// Graph is an immutable set of variables and nodes.
type Graph = graph.Graph

// Builder assembles a Graph.
type Builder = graph.Builder

// Variable is a named value in a graph.
type Variable = graph.Variable

// Node is one operation application.
type Node = graph.Node

// Kind classifies a variable.
type Kind = graph.Kind

// Variable kinds.
const (
	Placeholder = graph.Placeholder
	Constant    = graph.Constant
	Computed    = graph.Computed
)

// Spec describes the element type and shape a tensor must have.
type Spec = graph.Spec

// Op is an operation executed by a node.
type Op = graph.Op

// ShapeInferrer is implemented by ops that declare their output specs.
type ShapeInferrer = graph.ShapeInferrer

// Diagnoser is implemented by ops backed by an accelerated layer.
type Diagnoser = graph.Diagnoser

// ExecContext is passed to Op.Execute.
type ExecContext = graph.ExecContext

// Handler is the function form of an op.
type Handler = graph.Handler

// FuncOp adapts a Handler to Op.
type FuncOp = graph.FuncOp

// OpRegistry maps op type names to ops.
type OpRegistry = graph.OpRegistry

// Session executes the part of a graph needed for a set of outputs.
type Session = graph.Session

// SessionOption configures a session.
type SessionOption = graph.SessionOption

// Event is reported to a session observer during a run.
type Event = graph.Event

// EventKind classifies session events.
type EventKind = graph.EventKind

// Session events.
const (
	EventExecuted = graph.EventExecuted
	EventReleased = graph.EventReleased
	EventFailed   = graph.EventFailed
)

// RunStats summarizes the last run of a session.
type RunStats = graph.RunStats

// NodeError identifies the node whose execution failed.
type NodeError = graph.NodeError

// Errors returned by graph construction and sessions.
var (
	ErrGraphValidity     = graph.ErrGraphValidity
	ErrMissingDependency = graph.ErrMissingDependency
	ErrSessionBusy       = graph.ErrSessionBusy
)

// NewBuilder creates an empty graph builder.
func NewBuilder() *Builder {
	return graph.NewBuilder()
}

// NewOpRegistry creates a registry with the built-in elementwise ops.
func NewOpRegistry() *OpRegistry {
	return graph.NewOpRegistry()
}

// NewSession validates g, prunes it to what outputs need and plans the
// execution order.
func NewSession(g *Graph, outputs []string, opts ...SessionOption) (*Session, error) {
	return graph.NewSession(g, outputs, opts...)
}

// WithPinned keeps the named variables alive until the end of each run.
func WithPinned(names ...string) SessionOption {
	return graph.WithPinned(names...)
}

// WithObserver registers a callback for execution events.
func WithObserver(fn func(Event)) SessionOption {
	return graph.WithObserver(fn)
}

// WithRunIDs replaces the run ID generator.
func WithRunIDs(gen func() string) SessionOption {
	return graph.WithRunIDs(gen)
}
