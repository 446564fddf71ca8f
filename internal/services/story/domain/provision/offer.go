// Package provision resolves unresolved dependency edges by collecting
// priced offers from providers and accepting the cheapest.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// ErrProviderIDRequired indicates a provider without an id.
var ErrProviderIDRequired = errors.New("provider id is required")

// OfferKind is the operation an offer performs.
type OfferKind string

const (
	OfferReuse  OfferKind = "reuse"
	OfferUpdate OfferKind = "update"
	OfferClone  OfferKind = "clone"
	OfferCreate OfferKind = "create"
)

// Base costs per operation kind. The most distant reuse (10+20) stays below
// the cheapest creation.
const (
	CostReuse  = 10
	CostUpdate = 50
	CostClone  = 100
	CostCreate = 200
)

// Proximity modifiers applied to reuse offers.
const (
	ProximitySameContainer = 0
	ProximitySameScene     = 5
	ProximitySameEpisode   = 10
	ProximityElsewhere     = 20
)

// BaseCost returns the base cost of kind.
func BaseCost(kind OfferKind) int {
	switch kind {
	case OfferReuse:
		return CostReuse
	case OfferUpdate:
		return CostUpdate
	case OfferClone:
		return CostClone
	default:
		return CostCreate
	}
}

// Requirement is an unresolved dependency edge awaiting a binding.
type Requirement struct {
	Edge graph.Edge
	// Node is the node carrying the dependency.
	Node string
}

// Spec returns the requirement's policy and criteria.
func (r Requirement) Spec() graph.RequirementSpec {
	if r.Edge.Requirement == nil {
		return graph.RequirementSpec{}
	}
	return *r.Edge.Requirement
}

// AcceptFunc materializes an offer and returns the bound resource id.
type AcceptFunc func(ctx context.Context, env dispatch.Env) (string, error)

// Offer is a candidate, priced way to satisfy one requirement.
type Offer struct {
	Kind        OfferKind `json:"kind"`
	Provider    string    `json:"provider"`
	ProviderSeq uint64    `json:"provider_seq"`
	Resource    string    `json:"resource,omitempty"`
	Proximity   int       `json:"proximity"`
	Cost        int       `json:"cost"`

	accept AcceptFunc
}

// NewOffer builds an offer for kind with its base cost.
func NewOffer(kind OfferKind, resource string, accept AcceptFunc) Offer {
	return Offer{Kind: kind, Resource: resource, Cost: BaseCost(kind), accept: accept}
}

// Accept materializes the offer.
func (o Offer) Accept(ctx context.Context, env dispatch.Env) (string, error) {
	if o.accept == nil {
		if o.Resource == "" {
			return "", fmt.Errorf("offer from %s has nothing to accept", o.Provider)
		}
		return o.Resource, nil
	}
	return o.accept(ctx, env)
}

func (o Offer) String() string {
	return fmt.Sprintf("%s:%s(%s)=%d", o.Provider, o.Kind, o.Resource, o.Cost)
}

// Provider proposes offers for a requirement.
type Provider interface {
	ID() string
	Offers(env dispatch.Env, req Requirement) ([]Offer, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	Name string
	Func func(env dispatch.Env, req Requirement) ([]Offer, error)
}

// ID returns the provider name.
func (p ProviderFunc) ID() string { return p.Name }

// Offers calls the function.
func (p ProviderFunc) Offers(env dispatch.Env, req Requirement) ([]Offer, error) {
	return p.Func(env, req)
}

// Registered pairs a provider with its registration sequence number.
type Registered struct {
	Provider
	Seq uint64
}

// Register numbers a provider from seq.
func Register(seq *dispatch.Sequence, p Provider) (Registered, error) {
	if p == nil || strings.TrimSpace(p.ID()) == "" {
		return Registered{}, ErrProviderIDRequired
	}
	return Registered{Provider: p, Seq: seq.Next()}, nil
}

// Proximity scores how far a resource located at container sits from the
// node carrying a requirement.
func Proximity(g *graph.Graph, nodeID, container string) int {
	home := homeContainer(g, nodeID)
	if home == container {
		return ProximitySameContainer
	}
	for _, level := range []struct {
		level graph.Level
		cost  int
	}{{graph.LevelScene, ProximitySameScene}, {graph.LevelEpisode, ProximitySameEpisode}} {
		a, okA := g.EnclosingLevel(home, level.level)
		b, okB := g.EnclosingLevel(container, level.level)
		if okA && okB && a.ID == b.ID {
			return level.cost
		}
	}
	return ProximityElsewhere
}

// Locations returns the containers where a resource is available: its parent
// plus every container it affords.
func Locations(g *graph.Graph, resourceID string) []string {
	var out []string
	if n, ok := g.Node(resourceID); ok && n.Parent != "" {
		out = append(out, n.Parent)
	}
	for _, e := range g.Outgoing(resourceID, graph.EdgeAffordance) {
		out = append(out, homeContainer(g, e.Dest))
	}
	return out
}

// homeContainer is the node itself when it is a container, otherwise its parent.
func homeContainer(g *graph.Graph, id string) string {
	n, ok := g.Node(id)
	if !ok {
		return ""
	}
	if n.IsContainer() {
		return n.ID
	}
	return n.Parent
}

func nearest(g *graph.Graph, nodeID, resourceID string) int {
	best := ProximityElsewhere
	for _, loc := range Locations(g, resourceID) {
		if p := Proximity(g, nodeID, loc); p < best {
			best = p
		}
	}
	return best
}
