package replay

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/frame"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/journal"
	"github.com/louisbranch/storyloom/internal/services/story/domain/loader"
	"github.com/louisbranch/storyloom/internal/services/story/domain/scope"
)

type run struct {
	initial graph.Snapshot
	frame   *frame.Frame
	patches []event.Patch
	out     []frame.Outcome
}

// play runs the cellar world to completion, collecting every patch.
func play(t *testing.T) *run {
	t.Helper()
	doc, err := loader.ReadFile("../loader/testdata/cellar.yaml")
	if err != nil {
		t.Fatalf("read world: %v", err)
	}
	catalog := scope.NewCatalog()
	g, err := loader.Build(doc, catalog)
	if err != nil {
		t.Fatalf("build world: %v", err)
	}
	if err := catalog.Global().Handle(dispatch.Handler{
		ID:    "oracle",
		Phase: dispatch.PhaseJournal,
		When: func(_ dispatch.Env, target graph.Node) bool {
			return target.Label == "vault"
		},
		Func: func(context.Context, dispatch.Env, graph.Node) (any, error) {
			return journal.ExternalRequest{Key: "omen", Call: func(context.Context) (any, error) {
				return map[string]any{"sign": "raven", "count": 3}, nil
			}}, nil
		},
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	r := &run{initial: g.Snapshot()}
	r.frame, err = frame.New(g, catalog, frame.Config{MaxRedirects: 8})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	r.record(t)(r.frame.Start(context.Background()))
	for _, label := range []string{"descend", "search", "exit"} {
		r.record(t)(r.frame.Begin(context.Background(), r.choice(t, label)))
	}
	if last := r.out[len(r.out)-1]; last.Status != frame.StatusCompleted {
		t.Fatalf("final status = %s, want completed", last.Status)
	}
	return r
}

func (r *run) record(t *testing.T) func(frame.Outcome, error) {
	return func(out frame.Outcome, err error) {
		t.Helper()
		if err != nil || out.Err != nil {
			t.Fatalf("tick: %v %v", err, out.Err)
		}
		r.out = append(r.out, out)
		r.patches = append(r.patches, out.Patches...)
	}
}

func (r *run) choice(t *testing.T, label string) string {
	t.Helper()
	frontier, err := r.frame.Frontier()
	if err != nil {
		t.Fatalf("frontier: %v", err)
	}
	for _, e := range frontier {
		if e.Label == label {
			return e.ID
		}
	}
	t.Fatalf("no %q in frontier %+v", label, frontier)
	return ""
}

func clonePatches(patches []event.Patch) []event.Patch {
	out := slices.Clone(patches)
	for i := range out {
		out[i].Events = slices.Clone(out[i].Events)
	}
	return out
}

func TestReplayReproducesLiveState(t *testing.T) {
	r := play(t)
	live, err := r.frame.Graph().Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	res, err := Replay(r.initial, r.patches)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Hash != live {
		t.Fatalf("hash = %s, want %s", res.Hash, live)
	}
	if res.Head != r.frame.Head() {
		t.Fatalf("head = %s, want %s", res.Head, r.frame.Head())
	}
	if res.Graph.Cursor() != r.frame.Graph().Cursor() {
		t.Fatalf("cursor = %s, want %s", res.Graph.Cursor(), r.frame.Graph().Cursor())
	}
}

func TestReplaySurvivesSerialization(t *testing.T) {
	r := play(t)
	data, err := json.Marshal(r.patches)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []event.Patch
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := Replay(r.initial, decoded); err != nil {
		t.Fatalf("replay decoded: %v", err)
	}
}

func TestReplayRecoversJournal(t *testing.T) {
	r := play(t)
	var live []journal.Fragment
	var tick uint64
	for _, out := range r.out {
		live = append(live, out.Fragments...)
	}
	if len(live) != 1 {
		t.Fatalf("live fragments = %d, want 1", len(live))
	}
	tick = live[0].Tick

	res, err := Replay(r.initial, r.patches)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Fragments) != 1 || res.Fragments[0].ID != live[0].ID {
		t.Fatalf("fragments = %+v, want %+v", res.Fragments, live)
	}
	omen, ok := res.Externals[frame.ExternalKey(tick, "omen")]
	if !ok {
		t.Fatalf("externals = %+v, want omen at tick %d", res.Externals, tick)
	}
	value, _ := omen.Value.(map[string]any)
	if value["sign"] != "raven" || value["count"] != float64(3) {
		t.Fatalf("omen = %#v", omen.Value)
	}
}

func TestReplayFromMidHistory(t *testing.T) {
	r := play(t)
	first, err := Replay(r.initial, r.patches[:3])
	if err != nil {
		t.Fatalf("replay prefix: %v", err)
	}
	res, err := Replay(first.Graph.Snapshot(), r.patches[3:], WithHead(first.Head))
	if err != nil {
		t.Fatalf("replay suffix: %v", err)
	}
	if res.Head != r.frame.Head() {
		t.Fatalf("head = %s, want %s", res.Head, r.frame.Head())
	}
}

func TestReplayDetectsTampering(t *testing.T) {
	r := play(t)
	reseal := func(t *testing.T, patches []event.Patch, from int) {
		t.Helper()
		prev := ""
		if from > 0 {
			prev = patches[from-1].Hash
		}
		for i := from; i < len(patches); i++ {
			if err := patches[i].Seal(prev); err != nil {
				t.Fatalf("seal: %v", err)
			}
			prev = patches[i].Hash
		}
	}
	tests := []struct {
		name   string
		tamper func(t *testing.T, patches []event.Patch) []event.Patch
		want   Check
	}{
		{
			name: "edited event",
			tamper: func(_ *testing.T, patches []event.Patch) []event.Patch {
				patches[1].Events[0].After = json.RawMessage(`"elsewhere"`)
				return patches
			},
			want: CheckChain,
		},
		{
			name: "dropped patch",
			tamper: func(_ *testing.T, patches []event.Patch) []event.Patch {
				return append(patches[:1], patches[2:]...)
			},
			want: CheckTick,
		},
		{
			name: "forged seed",
			tamper: func(t *testing.T, patches []event.Patch) []event.Patch {
				patches[2].Seed++
				reseal(t, patches, 2)
				return patches
			},
			want: CheckSeed,
		},
		{
			name: "forged state hash",
			tamper: func(t *testing.T, patches []event.Patch) []event.Patch {
				patches[2].StateHash = "0000"
				reseal(t, patches, 2)
				return patches
			},
			want: CheckStateHash,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patches := tt.tamper(t, clonePatches(r.patches))
			_, err := Replay(r.initial, patches)
			var fidelity *FidelityError
			if !errors.As(err, &fidelity) {
				t.Fatalf("err = %v, want fidelity error", err)
			}
			if fidelity.Check != tt.want {
				t.Fatalf("check = %s, want %s", fidelity.Check, tt.want)
			}
		})
	}
}
