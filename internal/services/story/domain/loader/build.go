package loader

import (
	"fmt"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/scope"
)

// Build creates the graph described by doc. Domains are registered on catalog
// when it is non-nil.
func Build(doc *Document, catalog *scope.Catalog) (*graph.Graph, error) {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return nil, ErrStoryIDRequired
	}
	b := &builder{g: graph.New(doc.ID, doc.Title), catalog: catalog}
	root := b.g.Root()
	for key, value := range doc.Vars {
		if err := b.g.SetNodeField(root, graph.AttrField(key), value); err != nil {
			return nil, fmt.Errorf("var %s: %w", key, err)
		}
	}
	if catalog != nil {
		for _, d := range doc.Domains {
			if err := b.domain(d); err != nil {
				return nil, err
			}
		}
	}

	top := ContainerDoc{
		Nodes:      doc.Nodes,
		Containers: doc.Containers,
		Resources:  doc.Resources,
		Entries:    doc.Entries,
		Exits:      doc.Exits,
	}
	if doc.Start != "" {
		top.Entries = append([]PointDoc{{Node: doc.Start, Trigger: string(graph.TriggerPostreq)}}, top.Entries...)
	}
	if err := b.members(root, top); err != nil {
		return nil, err
	}
	for _, step := range []func() error{b.affordances, b.points, b.resets, b.requirements} {
		if err := step(); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.Edges {
		if err := b.edge(e); err != nil {
			return nil, err
		}
	}
	return b.g, nil
}

type pending struct {
	container string
	doc       ContainerDoc
}

type builder struct {
	g          *graph.Graph
	catalog    *scope.Catalog
	containers []pending
	resources  []struct {
		id  string
		doc ResourceDoc
	}
	requires []struct {
		node string
		reqs []RequirementDoc
	}
}

func (b *builder) members(container string, doc ContainerDoc) error {
	b.containers = append(b.containers, pending{container: container, doc: doc})
	for _, n := range doc.Nodes {
		if _, err := b.node(container, n, graph.KindStructural); err != nil {
			return err
		}
	}
	for _, r := range doc.Resources {
		id, err := b.node(container, r.NodeDoc, graph.KindResource)
		if err != nil {
			return err
		}
		b.resources = append(b.resources, struct {
			id  string
			doc ResourceDoc
		}{id, r})
	}
	for _, c := range doc.Containers {
		created, err := b.g.AddContainer(graph.Node{
			ID:      c.ID,
			Label:   c.Label,
			Level:   graph.Level(c.Level),
			Parent:  container,
			Tags:    c.Tags,
			Classes: c.Classes,
			Attrs:   c.Attrs,
			Effects: c.Effects,
		})
		if err != nil {
			return fmt.Errorf("container %s: %w", c.Label, err)
		}
		if len(c.Requires) > 0 {
			b.requires = append(b.requires, struct {
				node string
				reqs []RequirementDoc
			}{created.ID, c.Requires})
		}
		for _, name := range c.Domains {
			if b.catalog == nil {
				continue
			}
			if err := b.catalog.Attach(created.ID, name); err != nil {
				return fmt.Errorf("container %s: %w", c.Label, err)
			}
		}
		if err := b.members(created.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) node(container string, doc NodeDoc, kind graph.Kind) (string, error) {
	if doc.Kind != "" {
		kind = graph.Kind(doc.Kind)
	}
	created, err := b.g.AddNode(graph.Node{
		ID:      doc.ID,
		Label:   doc.Label,
		Kind:    kind,
		Parent:  container,
		Tags:    doc.Tags,
		Classes: doc.Classes,
		Attrs:   doc.Attrs,
		Effects: doc.Effects,
	})
	if err != nil {
		return "", fmt.Errorf("node %s: %w", doc.Label, err)
	}
	if len(doc.Requires) > 0 {
		b.requires = append(b.requires, struct {
			node string
			reqs []RequirementDoc
		}{created.ID, doc.Requires})
	}
	return created.ID, nil
}

func (b *builder) affordances() error {
	for _, r := range b.resources {
		for _, ref := range r.doc.Affords {
			target, err := b.g.Get(ref)
			if err != nil {
				return fmt.Errorf("resource %s affords: %w", r.doc.Label, err)
			}
			if _, err := b.g.AddEdge(graph.Edge{Kind: graph.EdgeAffordance, Source: r.id, Dest: target.ID}); err != nil {
				return fmt.Errorf("resource %s affords %s: %w", r.doc.Label, ref, err)
			}
		}
	}
	return nil
}

func (b *builder) points() error {
	for _, p := range b.containers {
		for _, entry := range p.doc.Entries {
			member, err := b.member(p.container, entry.Node)
			if err != nil {
				return fmt.Errorf("entry: %w", err)
			}
			if _, err := b.g.MarkEntry(p.container, member, trigger(entry.Trigger, graph.TriggerPostreq)); err != nil {
				return fmt.Errorf("entry %s: %w", entry.Node, err)
			}
		}
		for _, exit := range p.doc.Exits {
			member, err := b.member(p.container, exit.Node)
			if err != nil {
				return fmt.Errorf("exit: %w", err)
			}
			if _, err := b.g.MarkExit(p.container, member, trigger(exit.Trigger, graph.TriggerManual)); err != nil {
				return fmt.Errorf("exit %s: %w", exit.Node, err)
			}
		}
	}
	return nil
}

func (b *builder) resets() error {
	for _, p := range b.containers {
		if p.doc.Reset == "" {
			continue
		}
		target, err := b.g.Get(p.doc.Reset)
		if err != nil {
			return fmt.Errorf("reset of %s: %w", p.doc.Label, err)
		}
		if _, err := b.g.AddEdge(graph.Edge{
			Kind:    graph.EdgeChoice,
			Source:  p.container,
			Dest:    target.ID,
			Trigger: graph.TriggerReset,
			Label:   "reset",
		}); err != nil {
			return fmt.Errorf("reset of %s: %w", p.doc.Label, err)
		}
	}
	return nil
}

func (b *builder) requirements() error {
	for _, holder := range b.requires {
		for _, req := range holder.reqs {
			spec := graph.RequirementSpec{
				Hard:     req.Hard,
				Policy:   graph.Policy(req.Policy),
				Criteria: req.Criteria,
			}
			if spec.Criteria.Parent != "" {
				parent, err := b.g.Get(spec.Criteria.Parent)
				if err != nil {
					return fmt.Errorf("requirement %s: %w", req.Label, err)
				}
				spec.Criteria.Parent = parent.ID
			}
			if req.Template != nil {
				tmpl := graph.Node{
					Label:   req.Template.Label,
					Kind:    graph.Kind(req.Template.Kind),
					Tags:    req.Template.Tags,
					Classes: req.Template.Classes,
					Attrs:   req.Template.Attrs,
					Effects: req.Template.Effects,
				}
				spec.Template = &tmpl
			}
			if _, err := b.g.AddEdge(graph.Edge{
				Kind:        graph.EdgeDependency,
				Source:      holder.node,
				Label:       req.Label,
				Requirement: &spec,
			}); err != nil {
				return fmt.Errorf("requirement %s: %w", req.Label, err)
			}
		}
	}
	return nil
}

func (b *builder) edge(doc EdgeDoc) error {
	from, err := b.g.Get(doc.From)
	if err != nil {
		return fmt.Errorf("edge %s from: %w", doc.Label, err)
	}
	to, err := b.g.Get(doc.To)
	if err != nil {
		return fmt.Errorf("edge %s to: %w", doc.Label, err)
	}
	if _, err := b.g.AddEdge(graph.Edge{
		ID:      doc.ID,
		Kind:    graph.EdgeChoice,
		Source:  b.g.Exit(from.ID),
		Dest:    to.ID,
		Label:   doc.Label,
		Trigger: trigger(doc.Trigger, graph.TriggerManual),
		Guard:   doc.Guard,
		Effects: doc.Effects,
	}); err != nil {
		return fmt.Errorf("edge %s: %w", doc.Label, err)
	}
	return nil
}

func (b *builder) domain(doc DomainDoc) error {
	d, err := b.catalog.Domain(doc.Name)
	if err != nil {
		return err
	}
	for key, value := range doc.Vars {
		d.Set(key, value)
	}
	for _, tag := range doc.Affiliates {
		if err := b.catalog.Affiliate(tag, doc.Name); err != nil {
			return err
		}
	}
	for _, class := range doc.Types {
		if err := b.catalog.Type(class, doc.Name); err != nil {
			return err
		}
	}
	return nil
}

// member resolves ref as a direct member label of container, falling back to
// a graph-wide reference.
func (b *builder) member(container, ref string) (string, error) {
	for _, child := range b.g.Children(container) {
		if child.Label == ref || child.ID == ref {
			return child.ID, nil
		}
	}
	n, err := b.g.Get(ref)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

func trigger(value string, fallback graph.Trigger) graph.Trigger {
	if value == "" {
		return fallback
	}
	return graph.Trigger(value)
}
