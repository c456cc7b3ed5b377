package graph

import (
	"fmt"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/pkg/errors"
)

// Sentinel errors returned by graph construction and sessions.
var (
	// ErrGraphValidity reports a malformed graph: duplicate producers or
	// names, or a cycle among computed nodes.
	ErrGraphValidity = errors.New("invalid graph")

	// ErrMissingDependency reports a needed value with no source: an
	// undeclared variable, an unfed placeholder, or a value the last run
	// did not produce.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrSessionBusy reports a Run started while another Run of the same
	// session is in progress.
	ErrSessionBusy = errors.WithMessage(kernel.ErrInvalidState, "session busy")
)

// NodeError identifies the node whose execution failed.
type NodeError struct {
	Node string // node name
	Op   string // op type
	Err  error  // underlying error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.Node, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}
