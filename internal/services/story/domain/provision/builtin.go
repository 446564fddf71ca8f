package provision

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// Builtins returns the default providers: reuse, update-in-place,
// clone-and-evolve and create-new.
func Builtins() []Provider {
	return []Provider{
		ProviderFunc{Name: "reuse", Func: reuseOffers},
		ProviderFunc{Name: "update", Func: updateOffers},
		ProviderFunc{Name: "clone", Func: cloneOffers},
		ProviderFunc{Name: "create", Func: createOffers},
	}
}

func resourceCriteria(req Requirement) graph.Criteria {
	c := req.Spec().Criteria
	if c.Kind == "" {
		c.Kind = graph.KindResource
	}
	return c
}

func reuseOffers(env dispatch.Env, req Requirement) ([]Offer, error) {
	var offers []Offer
	for _, n := range env.Graph().Find(resourceCriteria(req)) {
		if n.ID == req.Node {
			continue
		}
		offers = append(offers, NewOffer(OfferReuse, n.ID, nil))
	}
	return offers, nil
}

func updateOffers(env dispatch.Env, req Requirement) ([]Offer, error) {
	c := resourceCriteria(req)
	if len(c.Attrs) == 0 {
		return nil, nil
	}
	g := env.Graph()
	var offers []Offer
	for _, n := range g.Nodes() {
		if n.ID == req.Node || !c.MatchesShape(n) || c.Matches(n) || boundElsewhere(g, n.ID) {
			continue
		}
		resource := n.ID
		offers = append(offers, NewOffer(OfferUpdate, resource, func(_ context.Context, env dispatch.Env) (string, error) {
			for _, key := range slices.Sorted(maps.Keys(c.Attrs)) {
				if err := env.Mutate().SetAttr(resource, key, c.Attrs[key]); err != nil {
					return "", err
				}
			}
			return resource, nil
		}))
	}
	return offers, nil
}

func cloneOffers(env dispatch.Env, req Requirement) ([]Offer, error) {
	c := resourceCriteria(req)
	g := env.Graph()
	var offers []Offer
	for _, n := range g.Nodes() {
		if n.ID == req.Node || !c.MatchesShape(n) {
			continue
		}
		original := n
		offers = append(offers, NewOffer(OfferClone, original.ID, func(_ context.Context, env dispatch.Env) (string, error) {
			clone := original.Clone()
			clone.ID = ""
			clone.Seq = 0
			clone.Visited = false
			clone.Parent = homeContainer(env.Graph(), req.Node)
			clone.Label = uniqueLabel(env.Graph(), clone.Parent, original.Label)
			if clone.Attrs == nil && len(c.Attrs) > 0 {
				clone.Attrs = make(map[string]any, len(c.Attrs))
			}
			for k, v := range c.Attrs {
				clone.Attrs[k] = v
			}
			created, err := env.Mutate().CreateNode(clone)
			if err != nil {
				return "", err
			}
			return created.ID, nil
		}))
	}
	return offers, nil
}

func createOffers(env dispatch.Env, req Requirement) ([]Offer, error) {
	tmpl := req.Spec().Template
	if tmpl == nil {
		return nil, nil
	}
	return []Offer{NewOffer(OfferCreate, "", func(_ context.Context, env dispatch.Env) (string, error) {
		n := tmpl.Clone()
		n.ID = ""
		n.Seq = 0
		if n.Kind == "" {
			n.Kind = graph.KindResource
		}
		if n.Parent == "" {
			n.Parent = homeContainer(env.Graph(), req.Node)
		}
		n.Label = uniqueLabel(env.Graph(), n.Parent, n.Label)
		created, err := env.Mutate().CreateNode(n)
		if err != nil {
			return "", err
		}
		return created.ID, nil
	})}, nil
}

// boundElsewhere reports whether any dependency edge already binds id.
func boundElsewhere(g *graph.Graph, id string) bool {
	return len(g.Incoming(id, graph.EdgeDependency)) > 0
}

func uniqueLabel(g *graph.Graph, parent, base string) string {
	if base == "" {
		return ""
	}
	taken := make(map[string]struct{})
	for _, child := range g.Children(parent) {
		taken[child.Label] = struct{}{}
	}
	label := base
	for i := 2; ; i++ {
		if _, ok := taken[label]; !ok {
			return label
		}
		label = fmt.Sprintf("%s-%d", base, i)
	}
}
