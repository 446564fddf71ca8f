package scope

import (
	"fmt"
	"maps"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/provision"
)

// Layer is one entry of a scope, nearest first.
type Layer struct {
	Kind Kind
	// Node is the graph node contributing the layer, for local and ancestor
	// layers.
	Node string
	// Domain is empty for a layer made of node attributes.
	Domain string
	Vars   map[string]any
}

// Scope is the read-only view of everything visible at one position.
type Scope struct {
	anchor    string
	layers    []Layer
	vars      map[string]any
	owners    map[string]string
	handlers  []dispatch.Handler
	providers []provision.Registered
}

// Build walks the anchor, its ancestors nearest first, affiliate domains by
// tag, type domains by class, then the global domain.
func Build(g *graph.Graph, c *Catalog, anchor string) (*Scope, error) {
	node, ok := g.Node(anchor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, anchor)
	}
	b := builder{catalog: c, seen: make(map[string]struct{})}

	b.structural(KindLocal, node)
	for _, anc := range g.Ancestors(anchor) {
		b.structural(KindAncestor, anc)
	}
	for _, tag := range node.Tags {
		for _, name := range c.affiliates[tag] {
			b.domain(KindAffiliate, "", name)
		}
	}
	for _, class := range c.classes(node) {
		for _, name := range c.types[class] {
			b.domain(KindType, "", name)
		}
	}
	b.domain(KindGlobal, "", GlobalDomain)

	s := &Scope{
		anchor: anchor,
		layers: b.layers,
		vars:   make(map[string]any),
		owners: make(map[string]string),
	}
	for _, layer := range b.layers {
		for key, value := range layer.Vars {
			if _, shadowed := s.vars[key]; shadowed {
				continue
			}
			s.vars[key] = value
			if layer.Domain == "" {
				s.owners[key] = layer.Node
			}
		}
		if layer.Domain == "" {
			continue
		}
		d := c.domains[layer.Domain]
		s.handlers = append(s.handlers, d.Handlers()...)
		s.providers = append(s.providers, d.providers...)
	}
	return s, nil
}

type builder struct {
	catalog *Catalog
	seen    map[string]struct{}
	layers  []Layer
}

func (b *builder) structural(kind Kind, n graph.Node) {
	if len(n.Attrs) > 0 {
		b.layers = append(b.layers, Layer{Kind: kind, Node: n.ID, Vars: n.Attrs})
	}
	for _, name := range b.catalog.attached[n.ID] {
		b.domain(kind, n.ID, name)
	}
}

func (b *builder) domain(kind Kind, nodeID, name string) {
	if _, ok := b.seen[name]; ok {
		return
	}
	d, ok := b.catalog.domains[name]
	if !ok {
		return
	}
	b.seen[name] = struct{}{}
	b.layers = append(b.layers, Layer{Kind: kind, Node: nodeID, Domain: name, Vars: d.vars})
}

// Anchor returns the node the scope was built for.
func (s *Scope) Anchor() string { return s.anchor }

// Layers returns the layers nearest first.
func (s *Scope) Layers() []Layer {
	out := make([]Layer, len(s.layers))
	for i, l := range s.layers {
		l.Vars = maps.Clone(l.Vars)
		out[i] = l
	}
	return out
}

// Domains returns the visible domain names nearest first.
func (s *Scope) Domains() []string {
	var out []string
	for _, l := range s.layers {
		if l.Domain != "" {
			out = append(out, l.Domain)
		}
	}
	return out
}

// Lookup resolves key against the nearest layer defining it.
func (s *Scope) Lookup(key string) (any, bool) {
	v, ok := s.vars[key]
	return v, ok
}

// Owner returns the node whose attributes define key.
func (s *Scope) Owner(key string) (string, bool) {
	id, ok := s.owners[key]
	return id, ok
}

// Vars returns a copy of the merged namespace.
func (s *Scope) Vars() map[string]any { return maps.Clone(s.vars) }

// Handlers returns the union of handlers from every visible domain.
func (s *Scope) Handlers() []dispatch.Handler {
	return append([]dispatch.Handler(nil), s.handlers...)
}

// Dispatch returns the handlers for phase and target in dispatch order.
func (s *Scope) Dispatch(phase dispatch.Phase, env dispatch.Env, target graph.Node) []dispatch.Handler {
	return dispatch.Lookup(s.handlers, phase, env, target)
}

// Providers returns the visible providers in scope precedence order.
func (s *Scope) Providers() []provision.Registered {
	return append([]provision.Registered(nil), s.providers...)
}
