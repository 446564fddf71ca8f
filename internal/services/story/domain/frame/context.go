package frame

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/random"
	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/scope"
)

// Context is the per-tick view handed to handlers, providers and scripts.
// It implements dispatch.Env and script.Env.
type Context struct {
	frame  *Frame
	m      *event.Mutator
	rng    *rand.Rand
	seed   int64
	step   uint64
	phase  dispatch.Phase
	anchor string
	scope  *scope.Scope
	log    dispatch.Log
}

func newContext(f *Frame, m *event.Mutator, seed int64) *Context {
	return &Context{
		frame: f,
		m:     m,
		rng:   random.New(seed),
		seed:  seed,
		step:  f.g.Step(),
	}
}

// Graph returns the graph. Writes must go through Mutate.
func (c *Context) Graph() *graph.Graph { return c.frame.g }

// Mutate returns the tick's watched write interface.
func (c *Context) Mutate() *event.Mutator { return c.m }

// Rand returns the tick generator seeded from (graph, cursor, step).
func (c *Context) Rand() *rand.Rand { return c.rng }

// Seed returns the tick seed.
func (c *Context) Seed() int64 { return c.seed }

// Phase returns the active phase.
func (c *Context) Phase() dispatch.Phase { return c.phase }

// Cursor returns the current cursor.
func (c *Context) Cursor() string { return c.frame.g.Cursor() }

// Step returns the step index the tick started at.
func (c *Context) Step() uint64 { return c.step }

// Scope returns the scope at the current anchor, rebuilt when the graph or
// catalog changed since it was last read. It is nil when the scope cannot be
// built.
func (c *Context) Scope() *scope.Scope {
	s, _ := c.current()
	return s
}

func (c *Context) current() (*scope.Scope, error) {
	if err := c.refresh(); err != nil {
		return nil, err
	}
	return c.scope, nil
}

// run dispatches phase handlers from the current scope against target.
func (c *Context) run(ctx context.Context, phase dispatch.Phase, target graph.Node) ([]dispatch.Receipt, error) {
	s, err := c.current()
	if err != nil {
		return nil, fmt.Errorf("%s scope at %s: %w", phase, c.anchor, err)
	}
	return c.log.Run(ctx, phase, s.Dispatch(phase, c, target), c, target), nil
}

// Receipts returns the handler receipts recorded for phase so far, or all
// receipts when phase is empty.
func (c *Context) Receipts(phase dispatch.Phase) []dispatch.Receipt {
	return c.log.Receipts(phase)
}

// Lookup resolves key in the current scope.
func (c *Context) Lookup(key string) (any, bool) {
	s := c.Scope()
	if s == nil {
		return nil, false
	}
	return s.Lookup(key)
}

// Vars returns the merged namespace of the current scope.
func (c *Context) Vars() map[string]any {
	s := c.Scope()
	if s == nil {
		return nil
	}
	return s.Vars()
}

// Set writes key on the node owning it in scope, or on the root when no node
// defines it yet.
func (c *Context) Set(key string, value any) error {
	owner := c.frame.g.Root()
	if s := c.Scope(); s != nil {
		if id, ok := s.Owner(key); ok {
			owner = id
		}
	}
	return c.m.SetAttr(owner, key, value)
}

// Roll draws 1..sides from the tick generator.
func (c *Context) Roll(sides int) int {
	return c.rng.IntN(sides) + 1
}

// Visited reports whether the referenced node has been entered.
func (c *Context) Visited(ref string) bool {
	n, err := c.frame.g.Get(ref)
	return err == nil && n.Visited
}

func (c *Context) enter(phase dispatch.Phase, anchor string) error {
	c.phase = phase
	c.anchor = anchor
	if c.m != nil {
		c.m.SetSource(string(phase))
	}
	c.scope = nil
	return c.refresh()
}

func (c *Context) refresh() error {
	s, err := c.frame.cache.Get(c.frame.g, c.frame.catalog, c.anchor)
	if err != nil {
		return err
	}
	c.scope = s
	return nil
}
