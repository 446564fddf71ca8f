package scope

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/provision"
)

type fixture struct {
	g       *graph.Graph
	catalog *Catalog
	scene   graph.Node
	hero    graph.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	g := graph.New("scope", "Story")
	scene, err := g.AddContainer(graph.Node{Label: "tavern", Attrs: map[string]any{"mood": "rowdy", "light": "dim"}})
	if err != nil {
		t.Fatalf("add scene: %v", err)
	}
	hero, err := g.AddNode(graph.Node{
		Label:   "bar",
		Parent:  scene.ID,
		Tags:    []string{"social"},
		Classes: []string{"counter", "furniture"},
		Attrs:   map[string]any{"mood": "calm"},
	})
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	return fixture{g: g, catalog: NewCatalog(), scene: scene, hero: hero}
}

func (f fixture) domain(t *testing.T, name string, vars map[string]any) *Domain {
	t.Helper()
	d, err := f.catalog.Domain(name)
	if err != nil {
		t.Fatalf("domain %s: %v", name, err)
	}
	for k, v := range vars {
		d.Set(k, v)
	}
	return d
}

func noop(context.Context, dispatch.Env, graph.Node) (any, error) { return nil, nil }

func TestBuildLayerOrder(t *testing.T) {
	f := newFixture(t)
	f.domain(t, "tavern-rules", map[string]any{"mood": "scene-domain"})
	f.domain(t, "chatter", nil)
	f.domain(t, "furniture", nil)
	f.domain(t, "counter", nil)
	mustBind(t, f.catalog.Attach(f.scene.ID, "tavern-rules"))
	mustBind(t, f.catalog.Affiliate("social", "chatter"))
	mustBind(t, f.catalog.Type("furniture", "furniture"))
	mustBind(t, f.catalog.Type("counter", "counter"))

	s, err := Build(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{"tavern-rules", "chatter", "counter", "furniture", GlobalDomain}
	if got := s.Domains(); !reflect.DeepEqual(got, want) {
		t.Fatalf("domains = %v, want %v", got, want)
	}
	kinds := []Kind{}
	for _, l := range s.Layers() {
		kinds = append(kinds, l.Kind)
	}
	wantKinds := []Kind{KindLocal, KindAncestor, KindAncestor, KindAffiliate, KindType, KindType, KindGlobal}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Fatalf("kinds = %v, want %v", kinds, wantKinds)
	}
}

func TestNearerLayersShadow(t *testing.T) {
	f := newFixture(t)
	f.catalog.Global().Set("mood", "global")
	f.catalog.Global().Set("weather", "rain")

	s, err := Build(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for key, want := range map[string]any{"mood": "calm", "light": "dim", "weather": "rain"} {
		got, ok := s.Lookup(key)
		if !ok || got != want {
			t.Fatalf("lookup %s = %v, want %v", key, got, want)
		}
	}
	if owner, ok := s.Owner("mood"); !ok || owner != f.hero.ID {
		t.Fatalf("owner(mood) = %q, want %q", owner, f.hero.ID)
	}
	if owner, ok := s.Owner("light"); !ok || owner != f.scene.ID {
		t.Fatalf("owner(light) = %q, want %q", owner, f.scene.ID)
	}
	if _, ok := s.Owner("weather"); ok {
		t.Fatal("domain vars have no owner")
	}
}

func TestDiscoveryAddsTypeDomains(t *testing.T) {
	f := newFixture(t)
	f.domain(t, "loud", nil)
	mustBind(t, f.catalog.Type("noisy", "loud"))
	f.catalog.Discover(func(n graph.Node) []string {
		if n.HasTag("social") {
			return []string{"noisy"}
		}
		return nil
	})
	s, err := Build(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := s.Domains(); !reflect.DeepEqual(got, []string{"loud", GlobalDomain}) {
		t.Fatalf("domains = %v", got)
	}
}

func TestHandlersAndProvidersMerge(t *testing.T) {
	f := newFixture(t)
	rules := f.domain(t, "rules", nil)
	mustBind(t, f.catalog.Attach(f.scene.ID, "rules"))
	if err := rules.Handle(dispatch.Handler{ID: "scene-update", Phase: dispatch.PhaseUpdate, Func: noop}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.catalog.Global().Handle(dispatch.Handler{ID: "global-update", Phase: dispatch.PhaseUpdate, Priority: -1, Func: noop}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := rules.Provide(provision.ProviderFunc{Name: "tavern-stock", Func: func(dispatch.Env, provision.Requirement) ([]provision.Offer, error) {
		return nil, nil
	}}); err != nil {
		t.Fatalf("provide: %v", err)
	}

	s, err := Build(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var order []string
	for _, h := range s.Dispatch(dispatch.PhaseUpdate, nil, f.hero) {
		order = append(order, h.ID)
	}
	if want := []string{"global-update", "scene-update"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
	providers := s.Providers()
	if len(providers) != 5 || providers[0].ID() != "tavern-stock" {
		t.Fatalf("providers = %d first %q, want 5 starting with tavern-stock", len(providers), providers[0].ID())
	}
	if providers[0].Seq <= providers[1].Seq {
		t.Fatalf("tavern-stock seq %d should follow builtin seq %d", providers[0].Seq, providers[1].Seq)
	}
}

func TestBindUnknownDomain(t *testing.T) {
	f := newFixture(t)
	if err := f.catalog.Attach(f.scene.ID, "missing"); !errors.Is(err, ErrDomainNotFound) {
		t.Fatalf("err = %v, want %v", err, ErrDomainNotFound)
	}
	if _, err := f.catalog.Domain(" "); !errors.Is(err, ErrDomainNameRequired) {
		t.Fatalf("err = %v, want %v", err, ErrDomainNameRequired)
	}
}

func TestCacheInvalidation(t *testing.T) {
	f := newFixture(t)
	cache, err := NewCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	first, err := cache.Get(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	again, err := cache.Get(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != again {
		t.Fatal("expected cached scope on unchanged graph")
	}

	if err := f.g.SetNodeField(f.hero.ID, graph.AttrField("mood"), "angry"); err != nil {
		t.Fatalf("set mood: %v", err)
	}
	afterGraph, err := cache.Get(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if afterGraph == first {
		t.Fatal("expected rebuild after graph mutation")
	}
	if mood, _ := afterGraph.Lookup("mood"); mood != "angry" {
		t.Fatalf("mood = %v, want angry", mood)
	}

	f.catalog.Global().Set("weather", "fog")
	afterCatalog, err := cache.Get(f.g, f.catalog, f.hero.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if afterCatalog == afterGraph {
		t.Fatal("expected rebuild after catalog change")
	}
	if weather, _ := afterCatalog.Lookup("weather"); weather != "fog" {
		t.Fatalf("weather = %v, want fog", weather)
	}
}

func TestBuildUnknownAnchor(t *testing.T) {
	f := newFixture(t)
	if _, err := Build(f.g, f.catalog, "nope"); !errors.Is(err, graph.ErrNodeNotFound) {
		t.Fatalf("err = %v, want %v", err, graph.ErrNodeNotFound)
	}
}

func mustBind(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
}
