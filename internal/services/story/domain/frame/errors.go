package frame

import (
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/provision"
)

var (
	// ErrGraphRequired indicates a frame without a graph.
	ErrGraphRequired = errors.New("graph is required")
	// ErrCatalogRequired indicates a frame without a domain catalog.
	ErrCatalogRequired = errors.New("catalog is required")
	// ErrMaxRedirectsRequired indicates the redirect bound was not configured.
	ErrMaxRedirectsRequired = errors.New("max redirects must be positive")
	// ErrEdgeRequired indicates Begin was called without an edge.
	ErrEdgeRequired = errors.New("edge id is required")
)

// ValidationError rejects an illegal or unavailable transition. Nothing was
// mutated.
type ValidationError struct {
	Edge   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("edge %s rejected: %s: %v", e.Edge, e.Reason, e.Err)
	}
	return fmt.Sprintf("edge %s rejected: %s", e.Edge, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnresolvedRequirementError aborts a tick whose hard requirement found no
// resource. The receipt carries every candidate considered.
type UnresolvedRequirementError struct {
	Receipt provision.Receipt
}

func (e *UnresolvedRequirementError) Error() string {
	var edges []string
	for _, o := range e.Receipt.Failures() {
		edges = append(edges, o.Edge)
	}
	return fmt.Sprintf("unresolved hard requirement at %s: %s", e.Receipt.Destination, strings.Join(edges, ", "))
}

// RedirectDepthError reports redirects or auto-advances past the configured
// bound, usually a cycle.
type RedirectDepthError struct {
	Phase dispatch.Phase
	Limit int
	Path  []string
}

func (e *RedirectDepthError) Error() string {
	return fmt.Sprintf("%s exceeded %d redirects: %s", e.Phase, e.Limit, strings.Join(e.Path, " -> "))
}

// IsRecoverable reports whether err is an expected outcome the caller can act
// on: a rejected transition or an unresolved hard requirement.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return true
	}
	var unresolved *UnresolvedRequirementError
	return errors.As(err, &unresolved)
}

// IsStructural reports whether err is an authoring defect in the graph.
func IsStructural(err error) bool {
	var defect *graph.StructuralDefectError
	if errors.As(err, &defect) {
		return true
	}
	var depth *RedirectDepthError
	return errors.As(err, &depth)
}
