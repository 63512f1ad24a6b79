package nodes

import (
	"context"
	"fmt"

	"github.com/petal-labs/flowrun/core"
)

// CodeRunner executes user code for code nodes. Scripts see the node input
// and a copy of the public vars; whatever they return becomes the node output.
type CodeRunner interface {
	Run(ctx context.Context, source string, input any, vars map[string]any) (any, error)
}

// Code runs the node's source through spec.Code. The result is the node
// output and, when output_key is set, is also written at that path.
func Code(spec NodeSpec) (core.StepHandler, error) {
	src := spec.str("source")
	if src == "" {
		return nil, fmt.Errorf("code %s: missing source", spec.ID)
	}
	runner := spec.Code
	if runner == nil {
		runner = NewLuaRunner()
	}
	outKey := spec.str("output_key")
	if outKey != "" {
		if err := checkName(outKey); err != nil {
			return nil, fmt.Errorf("code %s: output_key: %w", spec.ID, err)
		}
	}
	return func(ctx context.Context, run *core.RunState) core.StepPlan {
		in, err := input(run, spec)
		if err != nil {
			return core.Failed(spec.ID, "code: %v", err)
		}
		out, err := runner.Run(ctx, src, in, core.CloneVars(core.PublicVars(run.Vars)))
		if err != nil {
			return core.Failed(spec.ID, "code: %v", err)
		}
		SetOutput(run, spec.ID, out)
		if outKey != "" {
			if err := core.SetPath(run.Vars, outKey, core.CloneValue(out)); err != nil {
				return core.Failed(spec.ID, "code: %v", err)
			}
		}
		return core.StepPlan{NodeID: spec.ID, NextNode: spec.Next}
	}, nil
}
