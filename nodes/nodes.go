// Package nodes builds step handlers for the node kinds a flow can contain.
//
// A handler never returns an error. Problems that depend on run data become
// failed plans so the run terminates with a message in vars._flow_error;
// problems visible in the static configuration are reported by the factory.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/flowrun/core"
)

// Node kinds.
const (
	KindStart       = "on_flow_start"
	KindOnEvent     = "on_event"
	KindReturn      = "return"
	KindLiteral     = "literal"
	KindSetVar      = "set_var"
	KindSetVars     = "set_vars"
	KindBranch      = "branch"
	KindCode        = "code"
	KindBuiltin     = "builtin"
	KindSequence    = "sequence"
	KindParallel    = "parallel"
	KindSubflow     = "subflow"
	KindFlow        = "flow"
	KindAgent       = "agent"
	KindAskUser     = "ask_user"
	KindAnswerUser  = "answer_user"
	KindWaitUntil   = "wait_until"
	KindWaitEvent   = "wait_event"
	KindEmitEvent   = "emit_event"
	KindMemoryNote  = "memory_note"
	KindMemoryQuery = "memory_query"
	KindLLMCall     = "llm_call"
	KindStartSub    = "start_subworkflow"
)

// Exec handle names.
const (
	HandleExecIn    = "exec-in"
	HandleExecOut   = "exec-out"
	HandleCompleted = "completed"
	HandleTrue      = "true"
	HandleFalse     = "false"
	HandleThen      = "then:"
)

// PinsPath is where the runtime writes the resolved data pins of the node
// about to run.
const PinsPath = core.VarTemp + "._pins"

// BuiltinFunc is a pure function callable from a builtin node.
type BuiltinFunc func(ctx context.Context, input any, config map[string]any) (any, error)

// NodeSpec is the static, compiled description of one node.
type NodeSpec struct {
	ID     string
	Kind   string
	Config map[string]any

	// Next is the exec-out successor; "" when the node is terminal.
	Next string
	// Handles maps every other wired exec source handle to its target.
	Handles map[string]string

	// Provider and Model are the flow's resolved default model binding.
	Provider string
	Model    string

	Builtins map[string]BuiltinFunc
	Code     CodeRunner
	Now      func() time.Time
}

// Factory builds the handler for one node.
type Factory func(spec NodeSpec) (core.StepHandler, error)

func (s NodeSpec) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s NodeSpec) str(key string) string {
	v, _ := s.Config[key].(string)
	return strings.TrimSpace(v)
}

// Then returns the targets of the "then:<i>" handles in pin order. Gaps are "".
// Config "branches" declares the pin count when trailing pins are unwired.
func (s NodeSpec) Then() []string {
	n := core.AsInt(s.Config["branches"], 0)
	idx := map[int]string{}
	for h, target := range s.Handles {
		if !strings.HasPrefix(h, HandleThen) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(h, HandleThen))
		if err != nil || i < 0 {
			continue
		}
		idx[i] = target
		if i+1 > n {
			n = i + 1
		}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = idx[i]
	}
	return out
}

// pin returns the value bound to a data pin for the current step.
func pin(run *core.RunState, name string) (any, bool) {
	v, ok := core.Lookup(run.Vars, PinsPath)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	val, ok := m[name]
	return val, ok
}

// value resolves a parameter from its data pin, falling back to static config.
func value(run *core.RunState, spec NodeSpec, name string) (any, bool) {
	if v, ok := pin(run, name); ok {
		return v, true
	}
	v, ok := spec.Config[name]
	return v, ok
}

// input resolves the node's primary input: the "input" pin, then the
// input_expr JMESPath query, then the input_key path, then the public vars.
func input(run *core.RunState, spec NodeSpec) (any, error) {
	if v, ok := pin(run, "input"); ok {
		return v, nil
	}
	if expr := spec.str("input_expr"); expr != "" {
		return core.Query(run.Vars, expr)
	}
	if key := spec.str("input_key"); key != "" {
		v, _ := core.Lookup(run.Vars, key)
		return v, nil
	}
	return core.PublicVars(run.Vars), nil
}

// text resolves a string parameter, falling back to the node input.
func text(run *core.RunState, spec NodeSpec, name string) (string, error) {
	if v, ok := value(run, spec, name); ok && v != nil {
		return core.AsString(v), nil
	}
	in, err := input(run, spec)
	if err != nil {
		return "", err
	}
	if m, ok := in.(map[string]any); ok {
		if s, ok := m[name].(string); ok {
			return s, nil
		}
	}
	if s, ok := in.(string); ok {
		return s, nil
	}
	return "", nil
}

// SetOutput records v as the node's output and the pipeline's last output.
func SetOutput(run *core.RunState, nodeID string, v any) {
	run.Vars[core.VarLastOutput] = v
	core.Namespace(run.Vars, core.VarOutputs)[nodeID] = v
}

func resultKey(spec NodeSpec) string {
	if k := spec.str("result_key"); k != "" {
		return k
	}
	return core.VarLastOutput
}

// checkName rejects empty names and any segment in the reserved "_" namespace.
func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("variable name is empty")
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return fmt.Errorf("variable name %q has an empty segment", name)
		}
		if strings.HasPrefix(seg, "_") {
			return fmt.Errorf("variable name %q is reserved", name)
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
