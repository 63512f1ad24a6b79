package nodes

import (
	"context"
	"fmt"

	"github.com/jmespath/go-jmespath"

	"github.com/petal-labs/flowrun/core"
)

// Start is the pass-through entry of a flow.
func Start(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, _ *core.RunState) core.StepPlan {
		return core.StepPlan{NodeID: spec.ID, NextNode: spec.Next}
	}, nil
}

// OnEvent is the entry of a listener. Every visit waits for the configured
// event and then runs the chain behind the node with the event payload as
// its input.
func OnEvent(spec NodeSpec) (core.StepHandler, error) {
	if spec.str("event") == "" {
		return nil, fmt.Errorf("on_event %s: missing event", spec.ID)
	}
	return WaitEvent(spec)
}

// Return completes the run with the configured value, the bound input or
// the last output.
func Return(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		if v, ok := value(run, spec, "value"); ok {
			return core.Done(spec.ID, core.CloneValue(v))
		}
		if v, ok := pin(run, "input"); ok {
			return core.Done(spec.ID, core.CloneValue(v))
		}
		if v, ok := run.Vars[core.VarLastOutput]; ok && v != nil {
			return core.Done(spec.ID, core.CloneValue(v))
		}
		return core.Done(spec.ID, core.PublicVars(run.Vars))
	}, nil
}

// Literal outputs its configured value. Literals are normally only read
// through data edges; this handler covers an exec-wired literal.
func Literal(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		SetOutput(run, spec.ID, core.CloneValue(spec.Config["value"]))
		return core.StepPlan{NodeID: spec.ID, NextNode: spec.Next}
	}, nil
}

// Branch routes to its "true" or "false" handle by evaluating a JMESPath
// condition against vars. An unwired handle ends the branch.
func Branch(spec NodeSpec) (core.StepHandler, error) {
	cond := spec.str("condition")
	if cond == "" {
		return nil, fmt.Errorf("branch %s: missing condition", spec.ID)
	}
	if _, err := jmespath.Compile(cond); err != nil {
		return nil, fmt.Errorf("branch %s: invalid condition: %w", spec.ID, err)
	}
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		res, err := core.Query(run.Vars, cond)
		if err != nil {
			return core.Failed(spec.ID, "branch: %v", err)
		}
		if core.Truthy(res) {
			return core.StepPlan{NodeID: spec.ID, NextNode: spec.Handles[HandleTrue]}
		}
		return core.StepPlan{NodeID: spec.ID, NextNode: spec.Handles[HandleFalse]}
	}, nil
}

// Builtin calls a registered pure function with the node input.
func Builtin(spec NodeSpec) (core.StepHandler, error) {
	name := spec.str("function")
	fn, ok := spec.Builtins[name]
	if !ok {
		return nil, fmt.Errorf("builtin %s: unknown function %q", spec.ID, name)
	}
	return func(ctx context.Context, run *core.RunState) core.StepPlan {
		in, err := input(run, spec)
		if err != nil {
			return core.Failed(spec.ID, "builtin %s: %v", name, err)
		}
		out, err := fn(ctx, in, spec.Config)
		if err != nil {
			return core.Failed(spec.ID, "builtin %s: %v", name, err)
		}
		SetOutput(run, spec.ID, out)
		return core.StepPlan{NodeID: spec.ID, NextNode: spec.Next}
	}, nil
}
