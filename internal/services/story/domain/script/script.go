// Package script evaluates authored Lua guards and effects against a tick.
//
// Scripts see scope vars as globals and a few deterministic helpers:
//
//	get(key)        -> value or nil
//	set(key, value) -> writes through the tick mutator (effects only)
//	roll(sides)     -> 1..sides drawn from the tick generator
//	visited(ref)    -> whether the referenced node was entered
//
// Only the base, string and table libraries are opened; math.random and file
// access are unavailable so a script cannot escape the tick's determinism.
package script

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/Shopify/go-lua"
)

var (
	// ErrReadOnly indicates a guard tried to write.
	ErrReadOnly = errors.New("guards cannot write")
	// ErrRollSides indicates roll was called with fewer than one side.
	ErrRollSides = errors.New("roll needs at least one side")
)

// Env is what a script can read and change.
type Env interface {
	Vars() map[string]any
	Lookup(key string) (any, bool)
	Set(key string, value any) error
	Roll(sides int) int
	Visited(ref string) bool
}

// Error wraps a failed script with its source.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("script %q: %v", abbreviate(e.Source), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Eval runs a guard and reports whether it passed. A bare expression is
// accepted: "gold >= 3" is evaluated as "return gold >= 3". An empty guard
// passes.
func Eval(env Env, src string) (bool, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return true, nil
	}
	body := src
	if !strings.HasPrefix(body, "return") && !strings.Contains(body, "\n") {
		body = "return (" + body + ")"
	}
	state, err := newState(readOnly{env})
	if err != nil {
		return false, &Error{Source: src, Err: err}
	}
	if err := run(state, body, 1); err != nil {
		return false, &Error{Source: src, Err: err}
	}
	pass := state.ToBoolean(-1)
	state.Pop(1)
	return pass, nil
}

// Exec runs an effect.
func Exec(env Env, src string) error {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil
	}
	state, err := newState(env)
	if err != nil {
		return &Error{Source: src, Err: err}
	}
	if err := run(state, src, 0); err != nil {
		return &Error{Source: src, Err: err}
	}
	return nil
}

func run(state *lua.State, src string, results int) error {
	if err := lua.LoadString(state, src); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := state.ProtectedCall(0, results, 0); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var unsafeGlobals = []string{"dofile", "loadfile", "require", "collectgarbage"}

func newState(env Env) (*lua.State, error) {
	state := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
	} {
		lua.Require(state, lib.Name, lib.Function, true)
		state.Pop(1)
	}
	for _, name := range unsafeGlobals {
		state.PushNil()
		state.SetGlobal(name)
	}

	vars := env.Vars()
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !identifier.MatchString(key) {
			continue
		}
		if err := pushValue(state, vars[key]); err != nil {
			return nil, fmt.Errorf("global %s: %w", key, err)
		}
		state.SetGlobal(key)
	}

	helpers := []lua.RegistryFunction{
		{Name: "get", Function: func(state *lua.State) int {
			value, ok := env.Lookup(lua.CheckString(state, 1))
			if !ok {
				state.PushNil()
				return 1
			}
			if err := pushValue(state, value); err != nil {
				lua.Errorf(state, "%s", err.Error())
			}
			return 1
		}},
		{Name: "set", Function: func(state *lua.State) int {
			key := lua.CheckString(state, 1)
			lua.CheckAny(state, 2)
			value := luaToGo(state, 2)
			if err := env.Set(key, value); err != nil {
				lua.Errorf(state, "set %s: %s", key, err.Error())
			}
			return 0
		}},
		{Name: "roll", Function: func(state *lua.State) int {
			sides := lua.CheckInteger(state, 1)
			if sides < 1 {
				lua.Errorf(state, "%s", ErrRollSides.Error())
			}
			state.PushInteger(env.Roll(sides))
			return 1
		}},
		{Name: "visited", Function: func(state *lua.State) int {
			state.PushBoolean(env.Visited(lua.CheckString(state, 1)))
			return 1
		}},
	}
	for _, helper := range helpers {
		state.Register(helper.Name, helper.Function)
	}
	return state, nil
}

func pushValue(state *lua.State, value any) error {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(v)
	case string:
		state.PushString(v)
	case int:
		state.PushInteger(v)
	case int64:
		state.PushNumber(float64(v))
	case uint64:
		state.PushNumber(float64(v))
	case float64:
		state.PushNumber(v)
	case []any:
		state.CreateTable(len(v), 0)
		for i, item := range v {
			if err := pushValue(state, item); err != nil {
				return err
			}
			state.RawSetInt(-2, i+1)
		}
	case []string:
		state.CreateTable(len(v), 0)
		for i, item := range v {
			state.PushString(item)
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.CreateTable(0, len(v))
		for key, item := range v {
			if err := pushValue(state, item); err != nil {
				return err
			}
			state.SetField(-2, key)
		}
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return nil
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(state, index)
	default:
		return nil
	}
}

func tableToGo(state *lua.State, index int) any {
	index = state.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	state.PushNil()
	for state.Next(index) {
		if isArray {
			if state.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := state.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		state.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			state.RawGetInt(index, i)
			result = append(result, luaToGo(state, -1))
			state.Pop(1)
		}
		return result
	}

	output := map[string]any{}
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 && math.Abs(value) < 1<<53 {
		return int(value)
	}
	return value
}

type readOnly struct {
	Env
}

func (readOnly) Set(string, any) error { return ErrReadOnly }

func abbreviate(src string) string {
	src = strings.Join(strings.Fields(src), " ")
	if len(src) > 60 {
		return src[:57] + "..."
	}
	return src
}
