package provision

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/random"
	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

type testEnv struct {
	g *graph.Graph
	m *event.Mutator
	r *rand.Rand
}

func newTestEnv(g *graph.Graph) *testEnv {
	return &testEnv{g: g, m: event.NewMutator(g, "1"), r: random.New(1)}
}

func (e *testEnv) Graph() *graph.Graph       { return e.g }
func (e *testEnv) Mutate() *event.Mutator    { return e.m }
func (e *testEnv) Rand() *rand.Rand          { return e.r }
func (e *testEnv) Lookup(string) (any, bool) { return nil, false }
func (e *testEnv) Phase() dispatch.Phase     { return dispatch.PhasePlanning }
func (e *testEnv) Cursor() string            { return e.g.Cursor() }
func (e *testEnv) Step() uint64              { return e.g.Step() }

type world struct {
	g       *graph.Graph
	episode graph.Node
	scene   graph.Node
	block   graph.Node
	other   graph.Node
	door    graph.Node
}

func newWorld(t *testing.T) world {
	t.Helper()
	g := graph.New("provision", "Story")
	w := world{g: g}
	w.episode = mustContainer(t, g, graph.Node{Label: "ep1", Level: graph.LevelEpisode})
	w.scene = mustContainer(t, g, graph.Node{Label: "hall", Level: graph.LevelScene, Parent: w.episode.ID})
	w.block = mustContainer(t, g, graph.Node{Label: "alcove", Level: graph.LevelBlock, Parent: w.scene.ID})
	w.other = mustContainer(t, g, graph.Node{Label: "stairs", Level: graph.LevelBlock, Parent: w.scene.ID})
	w.door = mustNode(t, g, graph.Node{Label: "door", Parent: w.block.ID})
	return w
}

func (w world) require(t *testing.T, spec graph.RequirementSpec) graph.Edge {
	t.Helper()
	e, err := w.g.AddEdge(graph.Edge{Kind: graph.EdgeDependency, Source: w.door.ID, Label: "needs", Requirement: &spec})
	if err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	return e
}

func mustContainer(t *testing.T, g *graph.Graph, n graph.Node) graph.Node {
	t.Helper()
	created, err := g.AddContainer(n)
	if err != nil {
		t.Fatalf("add container %s: %v", n.Label, err)
	}
	return created
}

func mustNode(t *testing.T, g *graph.Graph, n graph.Node) graph.Node {
	t.Helper()
	created, err := g.AddNode(n)
	if err != nil {
		t.Fatalf("add node %s: %v", n.Label, err)
	}
	return created
}

func builtins(t *testing.T, seq *dispatch.Sequence, extra ...Provider) []Registered {
	t.Helper()
	var out []Registered
	for _, p := range append(Builtins(), extra...) {
		r, err := Register(seq, p)
		if err != nil {
			t.Fatalf("register %s: %v", p.ID(), err)
		}
		out = append(out, r)
	}
	return out
}

func keySpec(hard bool) graph.RequirementSpec {
	return graph.RequirementSpec{
		Hard:     hard,
		Criteria: graph.Criteria{Tags: []string{"key"}},
		Template: &graph.Node{Label: "key", Tags: []string{"key"}},
	}
}

func TestPlanPrefersNearbyReuse(t *testing.T) {
	w := newWorld(t)
	near := mustNode(t, w.g, graph.Node{Label: "brass key", Kind: graph.KindResource, Tags: []string{"key"}, Parent: w.block.ID})
	far := mustNode(t, w.g, graph.Node{Label: "iron key", Kind: graph.KindResource, Tags: []string{"key"}})
	dep := w.require(t, keySpec(true))

	scout := ProviderFunc{Name: "scout", Func: func(env dispatch.Env, req Requirement) ([]Offer, error) {
		return []Offer{NewOffer(OfferReuse, far.ID, nil)}, nil
	}}
	env := newTestEnv(w.g)
	receipt, err := Plan(context.Background(), env, builtins(t, &dispatch.Sequence{}, scout), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(receipt.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(receipt.Outcomes))
	}
	outcome := receipt.Outcomes[0]
	if outcome.Status != StatusBound || outcome.Resource != near.ID {
		t.Fatalf("outcome = %+v, want bound to %s", outcome, near.ID)
	}
	if outcome.Winner.Cost != 10 {
		t.Fatalf("winner cost = %d, want 10", outcome.Winner.Cost)
	}
	costs := map[int]bool{}
	for _, c := range outcome.Candidates {
		costs[c.Cost] = true
	}
	for _, want := range []int{10, 30, 200} {
		if !costs[want] {
			t.Fatalf("candidates %v missing cost %d", outcome.Candidates, want)
		}
	}
	bound, _ := w.g.Edge(dep.ID)
	if bound.Dest != near.ID {
		t.Fatalf("dependency dest = %q, want %q", bound.Dest, near.ID)
	}
}

func TestCollectDedupesReusePerProvider(t *testing.T) {
	w := newWorld(t)
	mustNode(t, w.g, graph.Node{Label: "brass key", Kind: graph.KindResource, Tags: []string{"key"}, Parent: w.block.ID})
	mustNode(t, w.g, graph.Node{Label: "iron key", Kind: graph.KindResource, Tags: []string{"key"}})
	dep := w.require(t, keySpec(true))

	pool, _ := Collect(newTestEnv(w.g), builtins(t, &dispatch.Sequence{}), Requirement{Edge: dep, Node: w.door.ID})
	reuse := 0
	for _, o := range pool {
		if o.Kind == OfferReuse {
			reuse++
		}
	}
	if reuse != 1 {
		t.Fatalf("reuse offers = %d, want 1", reuse)
	}
	if pool[0].Kind != OfferReuse || pool[0].Cost != 10 {
		t.Fatalf("first offer = %v, want reuse at 10", pool[0])
	}
}

func TestReuseAlwaysBeatsCreation(t *testing.T) {
	if worst := CostReuse + ProximityElsewhere; worst >= CostCreate {
		t.Fatalf("worst reuse cost %d must stay below create cost %d", worst, CostCreate)
	}
	w := newWorld(t)
	far := mustNode(t, w.g, graph.Node{Label: "iron key", Kind: graph.KindResource, Tags: []string{"key"}})
	w.require(t, keySpec(true))
	receipt, err := Plan(context.Background(), newTestEnv(w.g), builtins(t, &dispatch.Sequence{}), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := receipt.Outcomes[0].Winner; got.Kind != OfferReuse || got.Resource != far.ID || got.Cost != 30 {
		t.Fatalf("winner = %v, want reuse of %s at 30", got, far.ID)
	}
}

func TestProximity(t *testing.T) {
	w := newWorld(t)
	otherScene := mustContainer(t, w.g, graph.Node{Label: "yard", Level: graph.LevelScene, Parent: w.episode.ID})
	otherEpisode := mustContainer(t, w.g, graph.Node{Label: "ep2", Level: graph.LevelEpisode})
	tests := []struct {
		name      string
		container string
		want      int
	}{
		{name: "same container", container: w.block.ID, want: ProximitySameContainer},
		{name: "same scene", container: w.other.ID, want: ProximitySameScene},
		{name: "same episode", container: otherScene.ID, want: ProximitySameEpisode},
		{name: "elsewhere", container: otherEpisode.ID, want: ProximityElsewhere},
		{name: "root", container: w.g.Root(), want: ProximityElsewhere},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Proximity(w.g, w.door.ID, tt.container); got != tt.want {
				t.Fatalf("proximity = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAffordancePlacesResource(t *testing.T) {
	w := newWorld(t)
	lamp := mustNode(t, w.g, graph.Node{Label: "lamp", Kind: graph.KindResource, Tags: []string{"light"}})
	if _, err := w.g.AddEdge(graph.Edge{Kind: graph.EdgeAffordance, Source: lamp.ID, Dest: w.block.ID}); err != nil {
		t.Fatalf("add affordance: %v", err)
	}
	if got := nearest(w.g, w.door.ID, lamp.ID); got != ProximitySameContainer {
		t.Fatalf("nearest = %d, want %d", got, ProximitySameContainer)
	}
}

func TestCreatePolicyIgnoresReuse(t *testing.T) {
	w := newWorld(t)
	brass := mustNode(t, w.g, graph.Node{Label: "brass key", Kind: graph.KindResource, Tags: []string{"key"}, Parent: w.block.ID})
	spec := keySpec(true)
	spec.Policy = graph.PolicyCreate
	dep := w.require(t, spec)

	receipt, err := Plan(context.Background(), newTestEnv(w.g), builtins(t, &dispatch.Sequence{}), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	outcome := receipt.Outcomes[0]
	for _, c := range outcome.Candidates {
		if c.Kind == OfferReuse {
			t.Fatalf("unexpected reuse candidate %v", c)
		}
	}
	if outcome.Winner == nil || outcome.Winner.Kind != OfferClone || outcome.Resource == brass.ID {
		t.Fatalf("winner = %v resource = %s, want a fresh clone", outcome.Winner, outcome.Resource)
	}
	bound, _ := w.g.Edge(dep.ID)
	if bound.Dest != outcome.Resource {
		t.Fatalf("dependency dest = %q, want %q", bound.Dest, outcome.Resource)
	}
}

func TestCreateFromTemplate(t *testing.T) {
	w := newWorld(t)
	w.require(t, keySpec(true))

	receipt, err := Plan(context.Background(), newTestEnv(w.g), builtins(t, &dispatch.Sequence{}), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	outcome := receipt.Outcomes[0]
	if outcome.Winner == nil || outcome.Winner.Kind != OfferCreate || outcome.Winner.Cost != CostCreate {
		t.Fatalf("winner = %v, want create", outcome.Winner)
	}
	created, ok := w.g.Node(outcome.Resource)
	if !ok || created.Parent != w.block.ID || created.Kind != graph.KindResource || created.Label != "key" {
		t.Fatalf("created = %+v, want key resource in block", created)
	}
	provenance := w.g.Outgoing(created.ID, graph.EdgeProvenance)
	if len(provenance) != 1 || provenance[0].Dest != w.door.ID || provenance[0].Label != "create" {
		t.Fatalf("provenance = %+v, want one create edge to door", provenance)
	}
}

func TestUpdateInPlaceOnlyWhenUnbound(t *testing.T) {
	w := newWorld(t)
	lamp := mustNode(t, w.g, graph.Node{Label: "lamp", Kind: graph.KindResource, Tags: []string{"light"}, Parent: w.block.ID, Attrs: map[string]any{"lit": false}})
	spec := graph.RequirementSpec{Hard: true, Criteria: graph.Criteria{Tags: []string{"light"}, Attrs: map[string]any{"lit": true}}}
	w.require(t, spec)

	receipt, err := Plan(context.Background(), newTestEnv(w.g), builtins(t, &dispatch.Sequence{}), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	winner := receipt.Outcomes[0].Winner
	if winner == nil || winner.Kind != OfferUpdate || winner.Resource != lamp.ID {
		t.Fatalf("winner = %v, want update of lamp", winner)
	}
	updated, _ := w.g.Node(lamp.ID)
	if updated.Attrs["lit"] != true {
		t.Fatalf("lit = %v, want true", updated.Attrs["lit"])
	}

	// The lamp is now bound, so an unlit one has to be cloned.
	spec2 := graph.RequirementSpec{Hard: true, Criteria: graph.Criteria{Tags: []string{"light"}, Attrs: map[string]any{"lit": false}}}
	w.require(t, spec2)
	receipt, err = Plan(context.Background(), newTestEnv(w.g), builtins(t, &dispatch.Sequence{}), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	winner = receipt.Outcomes[0].Winner
	if winner == nil || winner.Kind != OfferClone {
		t.Fatalf("winner = %v, want clone", winner)
	}
	clone, _ := w.g.Node(receipt.Outcomes[0].Resource)
	if clone.Label != "lamp-2" || clone.Attrs["lit"] != false {
		t.Fatalf("clone = %+v, want lamp-2 unlit", clone)
	}
}

func TestSoftRequirementWaived(t *testing.T) {
	w := newWorld(t)
	spec := graph.RequirementSpec{Criteria: graph.Criteria{Tags: []string{"ghost"}}}
	dep := w.require(t, spec)

	env := newTestEnv(w.g)
	receipt, err := Plan(context.Background(), env, builtins(t, &dispatch.Sequence{}), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(receipt.Waived()) != 1 || receipt.Failed() {
		t.Fatalf("receipt = %+v, want one waived", receipt)
	}
	edge, _ := w.g.Edge(dep.ID)
	if !edge.Waived || edge.Dest != "" {
		t.Fatalf("edge = %+v, want waived and unbound", edge)
	}
	if got := Requirements(w.g, w.door.ID); len(got) != 0 {
		t.Fatalf("requirements = %d, want none after waiver", len(got))
	}
}

func TestHardRequirementFailsWithoutMutation(t *testing.T) {
	w := newWorld(t)
	w.require(t, graph.RequirementSpec{Hard: true, Criteria: graph.Criteria{Tags: []string{"ghost"}}})
	env := newTestEnv(w.g)
	receipt, err := Plan(context.Background(), env, builtins(t, &dispatch.Sequence{}), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !receipt.Failed() || len(receipt.Failures()) != 1 {
		t.Fatalf("receipt = %+v, want one failure", receipt)
	}
	if !strings.Contains(receipt.Failures()[0].Reason, "no candidates") {
		t.Fatalf("reason = %q, want no candidates", receipt.Failures()[0].Reason)
	}
	if env.m.Len() != 0 {
		t.Fatalf("events = %d, want 0", env.m.Len())
	}
}

func TestRequirementsIncludeAncestors(t *testing.T) {
	w := newWorld(t)
	if _, err := w.g.AddEdge(graph.Edge{Kind: graph.EdgeDependency, Source: w.scene.ID, Requirement: &graph.RequirementSpec{}}); err != nil {
		t.Fatalf("add scene dependency: %v", err)
	}
	w.require(t, keySpec(false))
	reqs := Requirements(w.g, w.door.ID)
	if len(reqs) != 2 {
		t.Fatalf("requirements = %d, want 2", len(reqs))
	}
	if reqs[0].Node != w.door.ID || reqs[1].Node != w.scene.ID {
		t.Fatalf("order = %s, %s, want door then scene", reqs[0].Node, reqs[1].Node)
	}
}

func TestFailingProviderAndAcceptAreRecorded(t *testing.T) {
	w := newWorld(t)
	fallback := mustNode(t, w.g, graph.Node{Label: "iron key", Kind: graph.KindResource, Tags: []string{"key"}})
	w.require(t, graph.RequirementSpec{Hard: true, Criteria: graph.Criteria{Tags: []string{"key"}}})

	broken := ProviderFunc{Name: "broken", Func: func(dispatch.Env, Requirement) ([]Offer, error) {
		return nil, errors.New("offline")
	}}
	flaky := ProviderFunc{Name: "flaky", Func: func(dispatch.Env, Requirement) ([]Offer, error) {
		return []Offer{NewOffer(OfferReuse, "", func(context.Context, dispatch.Env) (string, error) {
			return "", errors.New("refused")
		})}, nil
	}}
	seq := &dispatch.Sequence{}
	providers := builtins(t, seq, broken, flaky)
	receipt, err := Plan(context.Background(), newTestEnv(w.g), providers, w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	outcome := receipt.Outcomes[0]
	if outcome.Resource != fallback.ID {
		t.Fatalf("resource = %q, want %q", outcome.Resource, fallback.ID)
	}
	for _, want := range []string{"offline", "refused"} {
		if !strings.Contains(outcome.Reason, want) {
			t.Fatalf("reason = %q, want %q", outcome.Reason, want)
		}
	}
}

func TestRejectedAcceptLeavesNoWrites(t *testing.T) {
	w := newWorld(t)
	fallback := mustNode(t, w.g, graph.Node{Label: "iron key", Kind: graph.KindResource, Tags: []string{"key"}})
	w.require(t, graph.RequirementSpec{Hard: true, Criteria: graph.Criteria{Tags: []string{"key"}}})

	var orphan string
	halfway := ProviderFunc{Name: "halfway", Func: func(dispatch.Env, Requirement) ([]Offer, error) {
		return []Offer{NewOffer(OfferReuse, "", func(_ context.Context, env dispatch.Env) (string, error) {
			n, err := env.Mutate().CreateNode(graph.Node{Label: "orphan", Kind: graph.KindResource})
			if err != nil {
				return "", err
			}
			orphan = n.ID
			return "", errors.New("ran out of keys")
		})}, nil
	}}
	env := newTestEnv(w.g)
	receipt, err := Plan(context.Background(), env, builtins(t, &dispatch.Sequence{}, halfway), w.door.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := receipt.Outcomes[0].Resource; got != fallback.ID {
		t.Fatalf("resource = %q, want %q", got, fallback.ID)
	}
	if orphan == "" {
		t.Fatal("expected the rejected offer to run")
	}
	if _, ok := w.g.Node(orphan); ok {
		t.Fatalf("node %s survived a rejected offer", orphan)
	}
	for _, e := range env.m.Events() {
		if e.Target == orphan {
			t.Fatalf("event %+v kept for rejected offer", e)
		}
	}
}
