// Package control encodes structured control flow as data inside run vars.
//
// The control namespace lives at vars._temp._control and holds a stack of
// dispatching control node ids plus one frame per node on the stack:
//
//	{"stack": ["seq1", "par2"], "frames": {"seq1": {...}, "par2": {...}}}
//
// Nothing here keeps state outside vars, so a run can be persisted between
// any two steps and resumed by reading the namespace back. Missing or
// malformed parts of the namespace are rebuilt rather than reported.
package control

import (
	"slices"

	"github.com/petal-labs/flowrun/core"
)

// Frame kinds and parallel phases.
const (
	KindSequence = "sequence"
	KindParallel = "parallel"

	PhaseBranches  = "branches"
	PhaseCompleted = "completed"
)

const namespacePath = core.VarTemp + "._control"

// Frame is the bookkeeping for one control node on the stack.
type Frame struct {
	Kind            string
	Phase           string
	Idx             int
	Then            []string
	CompletedTarget string
}

func (f Frame) toMap() map[string]any {
	then := make([]any, len(f.Then))
	for i, t := range f.Then {
		then[i] = t
	}
	m := map[string]any{
		"kind": f.Kind,
		"idx":  f.Idx,
		"then": then,
	}
	if f.Kind == KindParallel {
		m["phase"] = f.Phase
		if f.CompletedTarget != "" {
			m["completed_target"] = f.CompletedTarget
		}
	}
	return m
}

// frameFromMap decodes a frame written by toMap, possibly after a JSON round trip.
func frameFromMap(v any) (Frame, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Frame{}, false
	}
	kind, _ := m["kind"].(string)
	if kind != KindSequence && kind != KindParallel {
		return Frame{}, false
	}
	idx, ok := core.AsFloat(m["idx"])
	if !ok || idx < 0 {
		return Frame{}, false
	}
	var then []string
	switch raw := m["then"].(type) {
	case []string:
		then = append([]string(nil), raw...)
	case []any:
		then = make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return Frame{}, false
			}
			then = append(then, s)
		}
	default:
		return Frame{}, false
	}
	if int(idx) > len(then) {
		return Frame{}, false
	}
	f := Frame{Kind: kind, Idx: int(idx), Then: then}
	if kind == KindParallel {
		f.Phase, _ = m["phase"].(string)
		if f.Phase != PhaseBranches && f.Phase != PhaseCompleted {
			return Frame{}, false
		}
		f.CompletedTarget, _ = m["completed_target"].(string)
	}
	return f, true
}

// State is the decoded control namespace of one run.
type State struct {
	Stack  []string
	Frames map[string]Frame
}

// EnsureControl materializes the control namespace in vars and decodes it.
// Calling it repeatedly is safe; corrupt parts are repaired in place.
func EnsureControl(vars map[string]any) *State {
	st := decode(core.Namespace(vars, namespacePath))
	st.Save(vars)
	return st
}

func decode(ns map[string]any) *State {
	st := &State{Frames: map[string]Frame{}}

	if raw, ok := ns["stack"].([]any); ok {
		for _, item := range raw {
			if id, ok := item.(string); ok && id != "" {
				st.Stack = append(st.Stack, id)
			}
		}
	} else if raw, ok := ns["stack"].([]string); ok {
		for _, id := range raw {
			if id != "" {
				st.Stack = append(st.Stack, id)
			}
		}
	}
	if raw, ok := ns["frames"].(map[string]any); ok {
		for id, v := range raw {
			if f, ok := frameFromMap(v); ok {
				st.Frames[id] = f
			}
		}
	}
	return st
}

// peek decodes the namespace without materializing it.
func peek(vars map[string]any) *State {
	v, _ := core.Lookup(vars, namespacePath)
	ns, _ := v.(map[string]any)
	return decode(ns)
}

// Save writes the state back to vars in its canonical form.
func (s *State) Save(vars map[string]any) {
	stack := make([]any, len(s.Stack))
	for i, id := range s.Stack {
		stack[i] = id
	}
	frames := make(map[string]any, len(s.Frames))
	for id, f := range s.Frames {
		frames[id] = f.toMap()
	}
	_ = core.SetPath(vars, namespacePath, map[string]any{
		"stack":  stack,
		"frames": frames,
	})
}

// Top returns the stack top, or "" when the stack is empty.
func (s *State) Top() string {
	if len(s.Stack) == 0 {
		return ""
	}
	return s.Stack[len(s.Stack)-1]
}

// Raise moves nodeID to the stack top, pushing it if absent.
func (s *State) Raise(nodeID string) {
	if s.Top() == nodeID {
		return
	}
	s.Stack = slices.DeleteFunc(s.Stack, func(id string) bool { return id == nodeID })
	s.Stack = append(s.Stack, nodeID)
}

// Pop removes nodeID from the stack together with its frame.
func (s *State) Pop(nodeID string) {
	s.Stack = slices.DeleteFunc(s.Stack, func(id string) bool { return id == nodeID })
	delete(s.Frames, nodeID)
}

// ActiveControlNode returns the control node that terminal branch nodes
// hand control back to, or "" when no control node is dispatching.
func ActiveControlNode(vars map[string]any) string {
	return peek(vars).Top()
}

// InFlight reports whether nodeID still has a live frame.
func InFlight(vars map[string]any, nodeID string) bool {
	_, ok := peek(vars).Frames[nodeID]
	return ok
}

// Depth returns the number of control nodes on the stack.
func Depth(vars map[string]any) int {
	return len(peek(vars).Stack)
}
