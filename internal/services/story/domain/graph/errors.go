package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIDRequired indicates a node or edge without an id or label to derive one from.
	ErrIDRequired = errors.New("id or label is required")
	// ErrDuplicateID indicates an id that is already registered.
	ErrDuplicateID = errors.New("id already registered")
	// ErrNodeNotFound indicates an unknown node reference.
	ErrNodeNotFound = errors.New("node not found")
	// ErrEdgeNotFound indicates an unknown edge reference.
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrDanglingReference indicates an edge endpoint that is not addressable.
	ErrDanglingReference = errors.New("dangling reference")
	// ErrNotContainer indicates a parent or container reference to a non-container node.
	ErrNotContainer = errors.New("node is not a container")
	// ErrDuplicateLabel indicates a sibling label collision.
	ErrDuplicateLabel = errors.New("label already used by a sibling")
	// ErrAmbiguousRef indicates a label shared by several nodes.
	ErrAmbiguousRef = errors.New("reference is ambiguous")
	// ErrEdgeFrozen indicates an attempt to delete a traversed edge.
	ErrEdgeFrozen = errors.New("edge is frozen")
	// ErrInvalidEdge indicates an edge whose kind and endpoints disagree.
	ErrInvalidEdge = errors.New("invalid edge")
)

// StructuralDefectError reports non-sink nodes that can no longer reach the
// sink of their container (a softlock).
type StructuralDefectError struct {
	Container string
	Sink      string
	Stuck     []string
}

func (e *StructuralDefectError) Error() string {
	return fmt.Sprintf("structural defect in %s: %s cannot reach sink %s",
		e.Container, strings.Join(e.Stuck, ", "), e.Sink)
}
