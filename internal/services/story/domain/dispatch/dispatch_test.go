package dispatch

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

func result(v any) Func {
	return func(context.Context, Env, graph.Node) (any, error) { return v, nil }
}

func ids(handlers []Handler) []string {
	out := make([]string, len(handlers))
	for i, h := range handlers {
		out[i] = h.ID
	}
	return out
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil)
	tests := []struct {
		name string
		h    Handler
		want error
	}{
		{name: "missing id", h: Handler{Phase: PhaseUpdate, Func: result(nil)}, want: ErrHandlerIDRequired},
		{name: "missing phase", h: Handler{ID: "a", Func: result(nil)}, want: ErrPhaseRequired},
		{name: "missing func", h: Handler{ID: "a", Phase: PhaseUpdate}, want: ErrFuncRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Register(tt.h); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := r.Register(Handler{ID: "a", Phase: PhaseUpdate, Func: result(nil)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(Handler{ID: "a", Phase: PhaseUpdate, Func: result(nil)}); !errors.Is(err, ErrHandlerDuplicate) {
		t.Fatalf("err = %v, want %v", err, ErrHandlerDuplicate)
	}
}

func TestLookupOrdersByPriorityThenSequence(t *testing.T) {
	seq := &Sequence{}
	first := NewRegistry(seq)
	second := NewRegistry(seq)
	mustRegister(t, second, Handler{ID: "late-low", Phase: PhaseUpdate, Priority: 0, Func: result(nil)})
	mustRegister(t, first, Handler{ID: "high", Phase: PhaseUpdate, Priority: 10, Func: result(nil)})
	mustRegister(t, first, Handler{ID: "later-low", Phase: PhaseUpdate, Priority: 0, Func: result(nil)})
	mustRegister(t, first, Handler{ID: "other-phase", Phase: PhaseJournal, Func: result(nil)})

	all := append(first.Handlers(), second.Handlers()...)
	got := ids(Lookup(all, PhaseUpdate, nil, graph.Node{ID: "n"}))
	want := []string{"late-low", "later-low", "high"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestLookupIsStableUnderInputOrder(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"c", "a", "b"} {
		mustRegister(t, r, Handler{ID: id, Phase: PhaseUpdate, Func: result(nil)})
	}
	handlers := r.Handlers()
	reversed := []Handler{handlers[2], handlers[1], handlers[0]}
	if got, want := ids(Lookup(reversed, PhaseUpdate, nil, graph.Node{})), []string{"c", "a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestLookupAppliesPredicate(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, Handler{
		ID:    "tagged",
		Phase: PhaseUpdate,
		When:  func(_ Env, n graph.Node) bool { return n.HasTag("hot") },
		Func:  result(nil),
	})
	if got := Lookup(r.Handlers(), PhaseUpdate, nil, graph.Node{Tags: []string{"cold"}}); len(got) != 0 {
		t.Fatalf("handlers = %v, want none", ids(got))
	}
	if got := Lookup(r.Handlers(), PhaseUpdate, nil, graph.Node{Tags: []string{"hot"}}); len(got) != 1 {
		t.Fatalf("handlers = %v, want one", ids(got))
	}
}

func TestLogCapturesErrorsAndPanics(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(nil)
	mustRegister(t, r, Handler{ID: "ok", Phase: PhaseUpdate, Func: result("x")})
	mustRegister(t, r, Handler{ID: "fails", Phase: PhaseUpdate, Func: func(context.Context, Env, graph.Node) (any, error) {
		return nil, boom
	}})
	mustRegister(t, r, Handler{ID: "panics", Phase: PhaseUpdate, Func: func(context.Context, Env, graph.Node) (any, error) {
		panic("bad")
	}})

	var log Log
	receipts := log.Run(context.Background(), PhaseUpdate, r.Handlers(), nil, graph.Node{ID: "n"})
	if len(receipts) != 3 {
		t.Fatalf("receipts = %d, want 3", len(receipts))
	}
	for i, r := range receipts {
		if r.Seq != uint64(i+1) {
			t.Fatalf("receipt %d seq = %d, want %d", i, r.Seq, i+1)
		}
		if r.Target != "n" {
			t.Fatalf("receipt %d target = %q, want n", i, r.Target)
		}
	}
	if !errors.Is(receipts[1].Err, boom) {
		t.Fatalf("err = %v, want %v", receipts[1].Err, boom)
	}
	if receipts[2].Err == nil {
		t.Fatal("expected panic captured as error")
	}
	if got := len(Failures(receipts)); got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}
	if got := len(log.Receipts(PhaseUpdate)); got != 3 {
		t.Fatalf("update receipts = %d, want 3", got)
	}
	if got := len(log.Receipts(PhaseJournal)); got != 0 {
		t.Fatalf("journal receipts = %d, want 0", got)
	}
}

func TestFolds(t *testing.T) {
	failure := errors.New("nope")
	receipts := []Receipt{
		{Handler: "a", Result: nil},
		{Handler: "b", Result: map[string]any{"k": 1, "x": "b"}},
		{Handler: "c", Err: failure, Result: "ignored"},
		{Handler: "d", Result: map[string]any{"k": 2}},
	}

	if first, ok := FirstNonNil(receipts); !ok || first.Handler != "b" {
		t.Fatalf("first non-nil = %+v, want b", first)
	}
	merged := MergeMaps(receipts)
	if merged["k"] != 2 || merged["x"] != "b" {
		t.Fatalf("merged = %v, want k=2 x=b", merged)
	}
	if got := CollectAll(receipts); len(got) != 2 || got[0].Handler != "b" || got[1].Handler != "d" {
		t.Fatalf("collected = %v, want b then d", got)
	}
	if err := AllMustPass(receipts); !errors.Is(err, failure) {
		t.Fatalf("all must pass err = %v, want %v", err, failure)
	}
	if err := AllMustPass([]Receipt{{Handler: "x", Result: false}}); !errors.Is(err, ErrRejected) {
		t.Fatalf("all must pass err = %v, want %v", err, ErrRejected)
	}
	if err := AllMustPass([]Receipt{{Handler: "x", Result: true}, {Handler: "y"}}); err != nil {
		t.Fatalf("all must pass err = %v, want nil", err)
	}
}

func mustRegister(t *testing.T, r *Registry, h Handler) {
	t.Helper()
	if _, err := r.Register(h); err != nil {
		t.Fatalf("register %s: %v", h.ID, err)
	}
}
