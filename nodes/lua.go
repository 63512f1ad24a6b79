package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// LuaRunner runs code node sources in a sandboxed Lua state. Only the base,
// table, string and math libraries are loaded, minus file loading and
// randomness. The script reads the globals "input" and "vars" and returns
// its result.
type LuaRunner struct {
	Timeout time.Duration
}

var _ CodeRunner = (*LuaRunner)(nil)

// NewLuaRunner returns a runner with a 5 second timeout.
func NewLuaRunner() *LuaRunner {
	return &LuaRunner{Timeout: 5 * time.Second}
}

// Run executes source and returns its first return value.
func (r *LuaRunner) Run(ctx context.Context, source string, input any, vars map[string]any) (any, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSandbox(L)
	// Opening libraries leaves their module tables on the stack.
	L.SetTop(0)

	L.SetGlobal("input", toLua(L, input))
	L.SetGlobal("vars", toLua(L, vars))

	if err := L.DoString(source); err != nil {
		return nil, fmt.Errorf("lua: %w", err)
	}
	if L.GetTop() == 0 {
		return nil, nil
	}
	out, err := fromLua(L.Get(1), map[*lua.LTable]bool{}, 0)
	if err != nil {
		return nil, fmt.Errorf("lua: %w", err)
	}
	return out, nil
}

// maxLuaDepth bounds table nesting in script results.
const maxLuaDepth = 64

func openSandbox(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, t[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

// fromLua converts a Lua value to a JSON-safe Go value. Tables with keys
// 1..n become slices; other tables become maps keyed by the string form
// of each key. Cyclic or deeply nested tables are an error.
func fromLua(v lua.LValue, seen map[*lua.LTable]bool, depth int) (any, error) {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(t), nil
	case lua.LString:
		return string(t), nil
	case lua.LNumber:
		return float64(t), nil
	case *lua.LTable:
		if seen[t] {
			return nil, errors.New("result table references itself")
		}
		if depth >= maxLuaDepth {
			return nil, fmt.Errorf("result nested deeper than %d tables", maxLuaDepth)
		}
		seen[t] = true
		defer delete(seen, t)

		n := t.MaxN()
		count := 0
		t.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := fromLua(t.RawGetInt(i), seen, depth+1)
				if err != nil {
					return nil, err
				}
				out = append(out, item)
			}
			return out, nil
		}
		out := map[string]any{}
		var firstErr error
		t.ForEach(func(k, val lua.LValue) {
			if firstErr != nil {
				return
			}
			item, err := fromLua(val, seen, depth+1)
			if err != nil {
				firstErr = err
				return
			}
			out[k.String()] = item
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return out, nil
	default:
		return v.String(), nil
	}
}
