package provision

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// Status is the outcome of one requirement.
type Status string

const (
	StatusBound  Status = "bound"
	StatusWaived Status = "waived"
	StatusFailed Status = "failed"
)

// Outcome records how one requirement was resolved.
type Outcome struct {
	Edge       string       `json:"edge"`
	Node       string       `json:"node"`
	Hard       bool         `json:"hard"`
	Policy     graph.Policy `json:"policy"`
	Status     Status       `json:"status"`
	Resource   string       `json:"resource,omitempty"`
	Winner     *Offer       `json:"winner,omitempty"`
	Candidates []Offer      `json:"candidates"`
	Reason     string       `json:"reason,omitempty"`
}

// Receipt is the planning audit record for one destination.
type Receipt struct {
	Destination string    `json:"destination"`
	Outcomes    []Outcome `json:"outcomes"`
}

// Failures returns hard requirements left unresolved.
func (r Receipt) Failures() []Outcome { return r.filter(StatusFailed) }

// Waived returns soft requirements left permanently unresolved.
func (r Receipt) Waived() []Outcome { return r.filter(StatusWaived) }

// Bound returns requirements that received a resource.
func (r Receipt) Bound() []Outcome { return r.filter(StatusBound) }

// Failed reports whether any hard requirement is unresolved.
func (r Receipt) Failed() bool { return len(r.Failures()) > 0 }

func (r Receipt) filter(status Status) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Requirements lists the unresolved dependencies visible at destination: its
// own, then each enclosing container's, nearest first, in edge order.
func Requirements(g *graph.Graph, destination string) []Requirement {
	holders := []string{destination}
	for _, anc := range g.Ancestors(destination) {
		holders = append(holders, anc.ID)
	}
	var out []Requirement
	for _, id := range holders {
		for _, e := range g.Outgoing(id, graph.EdgeDependency) {
			if e.Unresolved() {
				out = append(out, Requirement{Edge: e, Node: id})
			}
		}
	}
	return out
}

// Plan resolves every requirement visible at destination through providers,
// which must be given in scope precedence order. Requirements are resolved one
// at a time so later ones observe earlier bindings. Planning stops at the
// first unresolved hard requirement; the caller aborts the tick.
func Plan(ctx context.Context, env dispatch.Env, providers []Registered, destination string) (Receipt, error) {
	receipt := Receipt{Destination: destination}
	for _, req := range Requirements(env.Graph(), destination) {
		outcome, err := resolve(ctx, env, providers, req)
		if err != nil {
			return receipt, err
		}
		receipt.Outcomes = append(receipt.Outcomes, outcome)
		if outcome.Status == StatusFailed {
			break
		}
	}
	return receipt, nil
}

// Collect gathers, prices, filters and orders the offers for req.
func Collect(env dispatch.Env, providers []Registered, req Requirement) ([]Offer, []string) {
	g := env.Graph()
	spec := req.Spec()
	var pool []Offer
	var notes []string
	for _, p := range providers {
		offers, err := p.Offers(env, req)
		if err != nil {
			notes = append(notes, fmt.Sprintf("%s: %v", p.ID(), err))
			continue
		}
		for _, o := range offers {
			if o.Kind == OfferReuse && spec.Policy == graph.PolicyCreate {
				continue
			}
			o.Provider = p.ID()
			o.ProviderSeq = p.Seq
			o.Proximity = 0
			if o.Kind == OfferReuse && o.Resource != "" {
				o.Proximity = nearest(g, req.Node, o.Resource)
			}
			o.Cost = BaseCost(o.Kind) + o.Proximity
			pool = append(pool, o)
		}
	}
	pool = dedupeReuse(pool)
	slices.SortStableFunc(pool, compareOffers)
	return pool, notes
}

func resolve(ctx context.Context, env dispatch.Env, providers []Registered, req Requirement) (Outcome, error) {
	spec := req.Spec()
	outcome := Outcome{
		Edge:   req.Edge.ID,
		Node:   req.Node,
		Hard:   spec.Hard,
		Policy: spec.Policy,
	}
	candidates, notes := Collect(env, providers, req)
	outcome.Candidates = candidates

	for _, offer := range candidates {
		sp := env.Mutate().Mark()
		resource, err := offer.Accept(ctx, env)
		if err != nil {
			notes = append(notes, fmt.Sprintf("%s rejected: %v", offer, err))
			if err := env.Mutate().RollbackTo(sp); err != nil {
				return outcome, fmt.Errorf("discard writes of %s: %w", offer, err)
			}
			continue
		}
		if err := env.Mutate().Bind(req.Edge.ID, resource); err != nil {
			return outcome, fmt.Errorf("bind %s to %s: %w", req.Edge.ID, resource, err)
		}
		if offer.Kind == OfferCreate || offer.Kind == OfferClone {
			if _, err := env.Mutate().CreateEdge(graph.Edge{
				Kind:   graph.EdgeProvenance,
				Source: resource,
				Dest:   req.Node,
				Label:  offer.Provider,
			}); err != nil {
				return outcome, fmt.Errorf("record provenance for %s: %w", resource, err)
			}
		}
		winner := offer
		outcome.Status = StatusBound
		outcome.Resource = resource
		outcome.Winner = &winner
		outcome.Reason = strings.Join(notes, "; ")
		return outcome, nil
	}

	if len(candidates) == 0 {
		notes = append(notes, "no candidates")
	}
	outcome.Reason = strings.Join(notes, "; ")
	if spec.Hard {
		outcome.Status = StatusFailed
		return outcome, nil
	}
	if err := env.Mutate().Waive(req.Edge.ID); err != nil {
		return outcome, fmt.Errorf("waive %s: %w", req.Edge.ID, err)
	}
	outcome.Status = StatusWaived
	return outcome, nil
}

// dedupeReuse keeps the cheapest reuse offer per provider.
func dedupeReuse(pool []Offer) []Offer {
	best := make(map[string]int)
	out := make([]Offer, 0, len(pool))
	for _, o := range pool {
		if o.Kind != OfferReuse {
			out = append(out, o)
			continue
		}
		idx, seen := best[o.Provider]
		if !seen {
			best[o.Provider] = len(out)
			out = append(out, o)
			continue
		}
		if compareOffers(o, out[idx]) < 0 {
			out[idx] = o
		}
	}
	return out
}

func compareOffers(a, b Offer) int {
	if a.Cost != b.Cost {
		return a.Cost - b.Cost
	}
	if a.ProviderSeq != b.ProviderSeq {
		if a.ProviderSeq < b.ProviderSeq {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.Provider, b.Provider); c != 0 {
		return c
	}
	if c := strings.Compare(a.Resource, b.Resource); c != 0 {
		return c
	}
	return strings.Compare(string(a.Kind), string(b.Kind))
}
