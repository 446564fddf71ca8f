package script

import (
	"errors"
	"maps"
	"testing"
)

type fakeEnv struct {
	vars    map[string]any
	writes  map[string]any
	visited map[string]bool
	rolls   []int
}

func newFakeEnv(vars map[string]any) *fakeEnv {
	return &fakeEnv{vars: vars, writes: map[string]any{}, visited: map[string]bool{}}
}

func (f *fakeEnv) Vars() map[string]any { return maps.Clone(f.vars) }

func (f *fakeEnv) Lookup(key string) (any, bool) {
	v, ok := f.vars[key]
	return v, ok
}

func (f *fakeEnv) Set(key string, value any) error {
	f.writes[key] = value
	f.vars[key] = value
	return nil
}

func (f *fakeEnv) Roll(sides int) int {
	f.rolls = append(f.rolls, sides)
	return sides
}

func (f *fakeEnv) Visited(ref string) bool { return f.visited[ref] }

func TestEvalGuards(t *testing.T) {
	env := newFakeEnv(map[string]any{"gold": 5, "name": "Ada", "flags": map[string]any{"open": true}})
	env.visited["cellar"] = true
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{name: "empty passes", src: "", want: true},
		{name: "bare expression", src: "gold >= 3", want: true},
		{name: "failing expression", src: "gold > 10", want: false},
		{name: "explicit return", src: "return name == 'Ada'", want: true},
		{name: "nested table", src: "flags.open", want: true},
		{name: "get helper", src: "get('missing') == nil", want: true},
		{name: "visited helper", src: "visited('cellar') and not visited('attic')", want: true},
		{name: "nil is false", src: "undefined_var", want: false},
		{name: "multi line", src: "local x = gold * 2\nreturn x == 10", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(env, tt.src)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Fatalf("eval(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

func TestEvalCannotWrite(t *testing.T) {
	env := newFakeEnv(map[string]any{})
	_, err := Eval(env, "set('gold', 1) or true")
	if err == nil {
		t.Fatal("expected guard write to fail")
	}
	var scriptErr *Error
	if !errors.As(err, &scriptErr) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if len(env.writes) != 0 {
		t.Fatalf("writes = %v, want none", env.writes)
	}
}

func TestExecWritesThroughEnv(t *testing.T) {
	env := newFakeEnv(map[string]any{"gold": 5})
	err := Exec(env, `
set("gold", gold + roll(6))
set("bag", {"lamp", "rope"})
set("stats", {hp = 3})
set("label", string.upper("ok"))
`)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if env.writes["gold"] != 11 {
		t.Fatalf("gold = %v, want 11", env.writes["gold"])
	}
	bag, ok := env.writes["bag"].([]any)
	if !ok || len(bag) != 2 || bag[0] != "lamp" {
		t.Fatalf("bag = %#v, want [lamp rope]", env.writes["bag"])
	}
	stats, ok := env.writes["stats"].(map[string]any)
	if !ok || stats["hp"] != 3 {
		t.Fatalf("stats = %#v, want hp=3", env.writes["stats"])
	}
	if env.writes["label"] != "OK" {
		t.Fatalf("label = %v, want OK", env.writes["label"])
	}
	if len(env.rolls) != 1 || env.rolls[0] != 6 {
		t.Fatalf("rolls = %v, want [6]", env.rolls)
	}
}

func TestExecSandbox(t *testing.T) {
	env := newFakeEnv(map[string]any{})
	for _, src := range []string{
		"dofile('/etc/passwd')",
		"math.random(3)",
		"os.exit(1)",
		"roll(0)",
		"this is not lua",
	} {
		if err := Exec(env, src); err == nil {
			t.Fatalf("exec(%q) succeeded, want error", src)
		}
	}
}

func TestInvalidIdentifiersAreSkipped(t *testing.T) {
	env := newFakeEnv(map[string]any{"has space": 1, "ok": 2})
	got, err := Eval(env, "ok == 2 and get('has space') == 1")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !got {
		t.Fatal("expected guard to pass")
	}
}
