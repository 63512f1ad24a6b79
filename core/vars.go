package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// Lookup resolves a dotted path such as "a.b.c" in vars.
func Lookup(vars map[string]any, path string) (any, bool) {
	if path == "" || vars == nil {
		return nil, false
	}
	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes v at a dotted path, creating intermediate maps.
// Non-map intermediates are replaced.
func SetPath(vars map[string]any, path string, v any) error {
	if vars == nil {
		return fmt.Errorf("set %q: nil vars", path)
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			return fmt.Errorf("set %q: empty path segment", path)
		}
	}
	cur := vars
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
	return nil
}

// DeletePath removes the value at a dotted path if present.
func DeletePath(vars map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := vars
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Namespace returns the map stored at path, creating or repairing it.
func Namespace(vars map[string]any, path string) map[string]any {
	if v, ok := Lookup(vars, path); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	m := map[string]any{}
	_ = SetPath(vars, path, m)
	return m
}

// CloneVars deep-copies a JSON-safe map.
func CloneVars(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices; other values are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneVars(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// PublicVars returns a shallow copy of vars without engine-reserved keys.
func PublicVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// Query evaluates a JMESPath expression against vars.
func Query(vars map[string]any, expr string) (any, error) {
	res, err := jmespath.Search(expr, normalize(vars))
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", expr, err)
	}
	return res, nil
}

// normalize converts typed slices into []any so JMESPath can walk them.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// Truthy applies JMESPath truthiness: false, null, "", empty lists and maps are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// AsString converts scalars to a string.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// AsFloat converts numbers and numeric strings. ok is false for anything else.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// AsInt converts numbers and numeric strings, returning def when v is not numeric.
func AsInt(v any, def int) int {
	if f, ok := AsFloat(v); ok {
		return int(f)
	}
	return def
}

// AsStringSlice converts []any or []string to []string, dropping non-strings.
func AsStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
