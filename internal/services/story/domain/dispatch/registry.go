// Package dispatch holds prioritized handlers and runs them deterministically,
// producing one receipt per invocation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

var (
	// ErrHandlerIDRequired indicates a handler without an id.
	ErrHandlerIDRequired = errors.New("handler id is required")
	// ErrPhaseRequired indicates a handler without a phase.
	ErrPhaseRequired = errors.New("handler phase is required")
	// ErrFuncRequired indicates a handler without a function.
	ErrFuncRequired = errors.New("handler func is required")
	// ErrHandlerDuplicate indicates a handler id registered twice for one phase.
	ErrHandlerDuplicate = errors.New("handler is already registered")
)

// Phase names one step of a tick.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhasePlanning Phase = "planning"
	PhasePrereqs  Phase = "prereqs"
	PhaseUpdate   Phase = "update"
	PhaseJournal  Phase = "journal"
	PhaseFinalize Phase = "finalize"
	PhasePostreqs Phase = "postreqs"
)

// Phases lists every phase in execution order.
func Phases() []Phase {
	return []Phase{PhaseValidate, PhasePlanning, PhasePrereqs, PhaseUpdate, PhaseJournal, PhaseFinalize, PhasePostreqs}
}

// Env is the view of a tick handed to handlers and providers.
type Env interface {
	Graph() *graph.Graph
	Mutate() *event.Mutator
	Rand() *rand.Rand
	Lookup(key string) (any, bool)
	Phase() Phase
	Cursor() string
	Step() uint64
}

// Func is a handler body. The result is folded by the phase.
type Func func(ctx context.Context, env Env, target graph.Node) (any, error)

// Predicate decides whether a handler applies to a target.
type Predicate func(env Env, target graph.Node) bool

// Handler is one registered entry.
type Handler struct {
	ID       string
	Phase    Phase
	Priority int
	When     Predicate
	Func     Func

	seq uint64
}

// Seq returns the registration sequence number.
func (h Handler) Seq() uint64 { return h.seq }

// Applies reports whether the handler matches phase and target.
func (h Handler) Applies(phase Phase, env Env, target graph.Node) bool {
	if h.Phase != phase {
		return false
	}
	return h.When == nil || h.When(env, target)
}

// Sequence hands out registration numbers. Registries sharing one Sequence
// order consistently against each other.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next registration number, starting at one.
func (s *Sequence) Next() uint64 { return s.n.Add(1) }

// Registry holds handlers for one domain.
type Registry struct {
	seq      *Sequence
	handlers []Handler
}

// NewRegistry creates a registry numbering handlers from seq. A nil seq gets
// a private sequence.
func NewRegistry(seq *Sequence) *Registry {
	if seq == nil {
		seq = &Sequence{}
	}
	return &Registry{seq: seq}
}

// Register validates and stores a handler.
func (r *Registry) Register(h Handler) (Handler, error) {
	h.ID = strings.TrimSpace(h.ID)
	if h.ID == "" {
		return Handler{}, ErrHandlerIDRequired
	}
	if h.Phase == "" {
		return Handler{}, ErrPhaseRequired
	}
	if h.Func == nil {
		return Handler{}, ErrFuncRequired
	}
	for _, existing := range r.handlers {
		if existing.ID == h.ID && existing.Phase == h.Phase {
			return Handler{}, fmt.Errorf("%w: %s/%s", ErrHandlerDuplicate, h.Phase, h.ID)
		}
	}
	h.seq = r.seq.Next()
	r.handlers = append(r.handlers, h)
	return h, nil
}

// Handlers returns the registered handlers in registration order.
func (r *Registry) Handlers() []Handler {
	return slices.Clone(r.handlers)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int { return len(r.handlers) }

// Lookup returns the handlers applying to phase and target ordered by
// (priority, registration sequence, id).
func Lookup(handlers []Handler, phase Phase, env Env, target graph.Node) []Handler {
	var out []Handler
	for _, h := range handlers {
		if h.Applies(phase, env, target) {
			out = append(out, h)
		}
	}
	Sort(out)
	return out
}

// Sort orders handlers by (priority, registration sequence, id).
func Sort(handlers []Handler) {
	slices.SortStableFunc(handlers, func(a, b Handler) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if a.seq != b.seq {
			if a.seq < b.seq {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}
