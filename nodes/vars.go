package nodes

import (
	"context"

	"github.com/petal-labs/flowrun/core"
)

// SetVar writes one variable by dotted path. It is pass-through: the
// pipeline's last output is left untouched.
func SetVar(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		raw, _ := value(run, spec, "name")
		name := core.AsString(raw)
		if err := checkName(name); err != nil {
			return core.Failed(spec.ID, "set_var: %v", err)
		}
		v, ok := value(run, spec, "value")
		if !ok {
			in, err := input(run, spec)
			if err != nil {
				return core.Failed(spec.ID, "set_var: %v", err)
			}
			v = in
		}
		if err := core.SetPath(run.Vars, name, core.CloneValue(v)); err != nil {
			return core.Failed(spec.ID, "set_var: %v", err)
		}
		return core.StepPlan{NodeID: spec.ID, NextNode: spec.Next}
	}, nil
}

// SetVars writes every entry of an update object. The whole update is
// rejected when any name is invalid.
func SetVars(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		raw, ok := value(run, spec, "values")
		if !ok {
			in, err := input(run, spec)
			if err != nil {
				return core.Failed(spec.ID, "set_vars: %v", err)
			}
			raw = in
		}
		updates, ok := raw.(map[string]any)
		if !ok {
			return core.Failed(spec.ID, "set_vars: malformed update payload (%T)", raw)
		}
		keys := sortedKeys(updates)
		for _, k := range keys {
			if err := checkName(k); err != nil {
				return core.Failed(spec.ID, "set_vars: %v", err)
			}
		}
		for _, k := range keys {
			if err := core.SetPath(run.Vars, k, core.CloneValue(updates[k])); err != nil {
				return core.Failed(spec.ID, "set_vars: %v", err)
			}
		}
		return core.StepPlan{NodeID: spec.ID, NextNode: spec.Next}
	}, nil
}
