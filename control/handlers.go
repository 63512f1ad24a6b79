package control

import (
	"context"

	"github.com/petal-labs/flowrun/core"
)

// CompletedOutput is the run output when a control node exhausts with an empty stack.
func CompletedOutput() map[string]any {
	return map[string]any{"success": true}
}

// Sequence returns the handler for a sequence node whose "then" handles are
// wired to the given targets in pin order. Unconnected handles are "".
//
// Each invocation dispatches the next connected target. The invocation after
// the last dispatch pops the frame and returns to the parent control node, or
// completes the run when there is none.
func Sequence(nodeID string, then []string) core.StepHandler {
	declared := append([]string(nil), then...)
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		st := EnsureControl(run.Vars)
		f, ok := st.Frames[nodeID]
		if !ok || f.Kind != KindSequence {
			f = Frame{Kind: KindSequence, Then: append([]string(nil), declared...)}
		}
		st.Raise(nodeID)

		if target, ok := f.advance(); ok {
			st.Frames[nodeID] = f
			st.Save(run.Vars)
			return core.Next(nodeID, target)
		}
		return exhaust(run, st, nodeID)
	}
}

// Parallel returns the handler for a fork/join node. Branches are dispatched
// one at a time in pin order. Once every branch has been dispatched the frame
// moves to the completed phase and control goes to completedTarget when it is
// wired; the chain behind it returns here, and the frame is popped. Without a
// join target the frame is popped right away.
func Parallel(nodeID string, then []string, completedTarget string) core.StepHandler {
	declared := append([]string(nil), then...)
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		st := EnsureControl(run.Vars)
		f, ok := st.Frames[nodeID]
		if !ok || f.Kind != KindParallel {
			f = Frame{
				Kind:            KindParallel,
				Phase:           PhaseBranches,
				Then:            append([]string(nil), declared...),
				CompletedTarget: completedTarget,
			}
		}
		st.Raise(nodeID)

		if f.Phase == PhaseBranches {
			if target, ok := f.advance(); ok {
				st.Frames[nodeID] = f
				st.Save(run.Vars)
				return core.Next(nodeID, target)
			}
			if f.CompletedTarget != "" {
				f.Phase = PhaseCompleted
				st.Frames[nodeID] = f
				st.Save(run.Vars)
				return core.Next(nodeID, f.CompletedTarget)
			}
		}
		return exhaust(run, st, nodeID)
	}
}

// advance skips unconnected handles and consumes the next connected one.
func (f *Frame) advance() (string, bool) {
	for f.Idx < len(f.Then) && f.Then[f.Idx] == "" {
		f.Idx++
	}
	if f.Idx >= len(f.Then) {
		return "", false
	}
	target := f.Then[f.Idx]
	f.Idx++
	return target, true
}

func exhaust(run *core.RunState, st *State, nodeID string) core.StepPlan {
	st.Pop(nodeID)
	st.Save(run.Vars)
	if parent := st.Top(); parent != "" {
		return core.Next(nodeID, parent)
	}
	return core.Done(nodeID, CompletedOutput())
}

// Terminal wraps a node handler so that a plan without a successor hands
// control back to the active control node. With an empty stack the run
// completes with the last output.
func Terminal(h core.StepHandler) core.StepHandler {
	return TerminalTo(h, "")
}

// TerminalTo is Terminal with a fallback node used instead of completing
// the run. Listener runs fall back to their entry so they re-arm.
func TerminalTo(h core.StepHandler, fallback string) core.StepHandler {
	return func(ctx context.Context, run *core.RunState) core.StepPlan {
		plan := h(ctx, run)
		if plan.Complete || plan.Fail != "" || plan.NextNode != "" {
			return plan
		}
		if active := ActiveControlNode(run.Vars); active != "" {
			plan.NextNode = active
			return plan
		}
		if fallback != "" {
			plan.NextNode = fallback
			return plan
		}
		if plan.Effect != nil {
			// The runtime completes the run once the effect is fulfilled.
			return plan
		}
		return core.Done(plan.NodeID, FinalOutput(run.Vars))
	}
}

// FinalOutput is the output of a run that ends without an explicit result.
func FinalOutput(vars map[string]any) any {
	if v, ok := vars[core.VarLastOutput]; ok && v != nil {
		return v
	}
	return core.PublicVars(vars)
}
