package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/llmprovider"
	"github.com/petal-labs/flowrun/memory"
	"github.com/petal-labs/flowrun/nodes"
)

// maxSessionDepth bounds the walk from a run to its session root.
const maxSessionDepth = 64

// fulfil performs the effect of plan. Effects that need an outside answer
// leave the run waiting; the others are applied within the step.
func (e *Engine) fulfil(ctx context.Context, o *op, nodeID string, plan core.StepPlan, started time.Time) error {
	eff := plan.Effect
	p := eff.Payload
	next := plan.NextNode

	switch eff.Type {
	case core.EffectAskUser:
		allowFree, _ := p["allow_free_text"].(bool)
		return e.wait(ctx, o, nodeID, eff, &core.WaitInfo{
			Reason:        core.WaitUser,
			WaitKey:       uuid.NewString(),
			Prompt:        core.AsString(p["prompt"]),
			Choices:       core.AsStringSlice(p["choices"]),
			AllowFreeText: allowFree,
			NextNode:      next,
		}, started)

	case core.EffectWaitUntil:
		until, err := time.Parse(time.RFC3339Nano, core.AsString(p["until"]))
		if err != nil {
			return e.fail(ctx, o, nodeID, started, fmt.Sprintf("wait_until: invalid deadline: %v", err))
		}
		return e.wait(ctx, o, nodeID, eff, &core.WaitInfo{
			Reason:   core.WaitUntil,
			WaitKey:  "until:" + uuid.NewString(),
			Until:    until,
			NextNode: next,
		}, started)

	case core.EffectWaitEvent:
		name := core.AsString(p["event"])
		key := core.AsString(p["wait_key"])
		if key == "" {
			key = nodes.EventWaitKey(name)
		}
		return e.wait(ctx, o, nodeID, eff, &core.WaitInfo{
			Reason:   core.WaitEvent,
			WaitKey:  key,
			NextNode: next,
			Details:  map[string]any{"event": name},
		}, started)

	case core.EffectAnswerUser:
		return e.applyResult(ctx, o, nodeID, eff.ResultKey, eff, p["message"], next, started, nil)

	case core.EffectEmitEvent:
		return e.emit(ctx, o, nodeID, eff, next, started)

	case core.EffectMemoryNote, core.EffectMemoryQuery:
		result, err := e.remember(ctx, o.run.RunID, eff)
		if err != nil {
			return e.fail(ctx, o, nodeID, started, fmt.Sprintf("%s: %v", eff.Type, err))
		}
		return e.applyResult(ctx, o, nodeID, eff.ResultKey, eff, result, next, started, nil)

	case core.EffectLLMCall:
		if e.llm == nil {
			return e.fail(ctx, o, nodeID, started, "llm_call: no model client configured")
		}
		resp, err := e.llm.Complete(ctx, llmprovider.RequestFromPayload(p))
		if err != nil {
			return e.fail(ctx, o, nodeID, started, fmt.Sprintf("llm_call: %v", err))
		}
		usage := resp.Usage
		return e.applyResult(ctx, o, nodeID, eff.ResultKey, eff, resp.Result(), next, started, &usage)

	case core.EffectStartSubworkflow:
		return e.startSubworkflow(ctx, o, nodeID, eff, next, started)
	}
	return e.fail(ctx, o, nodeID, started, fmt.Sprintf("unsupported effect %q", eff.Type))
}

func (e *Engine) remember(ctx context.Context, runID string, eff *core.Effect) (any, error) {
	s, err := e.memory.Open(e.memoryLoc)
	if err != nil {
		return nil, err
	}
	p := eff.Payload
	ns := core.AsString(p["namespace"])
	if eff.Type == core.EffectMemoryNote {
		note, err := s.Add(ctx, memory.Note{
			Namespace: ns,
			Text:      core.AsString(p["text"]),
			Tags:      core.AsStringSlice(p["tags"]),
			RunID:     runID,
		})
		if err != nil {
			return nil, err
		}
		return note.Map(), nil
	}
	notes, err := s.Query(ctx, ns, core.AsString(p["query"]), core.AsInt(p["limit"], nodes.DefaultMemoryLimit))
	if err != nil {
		return nil, err
	}
	out := make([]any, len(notes))
	for i, n := range notes {
		out[i] = n.Map()
	}
	return out, nil
}

// emit delivers an event to every other run of the session waiting on it.
// Delivery happens after the emitting run is saved.
func (e *Engine) emit(ctx context.Context, o *op, nodeID string, eff *core.Effect, next string, started time.Time) error {
	p := eff.Payload
	name := core.AsString(p["event"])
	key := nodes.EventWaitKey(name)
	root, err := e.sessionRoot(ctx, o.run)
	if err != nil {
		return err
	}
	targets, err := e.waitingOn(ctx, root, key, o.run.RunID)
	if err != nil {
		return err
	}
	payload := core.CloneValue(p["payload"])
	maxSteps := core.AsInt(p["max_steps"], 0)
	o.then(func(ctx context.Context) error {
		_, err := e.deliver(ctx, targets, key, payload, maxSteps)
		return err
	})
	return e.applyResult(ctx, o, nodeID, eff.ResultKey, eff, map[string]any{
		"event":     name,
		"event_id":  p["event_id"],
		"delivered": len(targets),
	}, next, started, nil)
}

func (e *Engine) deliver(ctx context.Context, targets []string, key string, payload any, maxSteps int) (int, error) {
	delivered := 0
	var errs []error
	for _, id := range targets {
		_, err := e.Resume(ctx, nil, id, key, core.CloneValue(payload), maxSteps)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, core.ErrNotWaiting), errors.Is(err, core.ErrWaitKeyMismatch), errors.Is(err, core.ErrRunTerminal):
			// Moved on since the targets were listed.
		default:
			errs = append(errs, fmt.Errorf("delivering to %s: %w", id, err))
		}
	}
	return delivered, errors.Join(errs...)
}

// sessionRoot walks parent links to the top-level run of the session.
func (e *Engine) sessionRoot(ctx context.Context, run *core.RunState) (string, error) {
	id, parent := run.RunID, run.ParentRunID
	for i := 0; parent != "" && i < maxSessionDepth; i++ {
		p, err := e.runs.Get(ctx, parent)
		if err != nil {
			return "", fmt.Errorf("resolving session of %s: %w", run.RunID, err)
		}
		id, parent = p.RunID, p.ParentRunID
	}
	return id, nil
}

// waitingOn lists rootID and its descendants that wait on key, skipping exclude.
func (e *Engine) waitingOn(ctx context.Context, rootID, key, exclude string) ([]string, error) {
	root, err := e.runs.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	var out []string
	queue := []*core.RunState{root}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if r.RunID != exclude && r.Status == core.StatusWaiting && r.Waiting != nil && r.Waiting.WaitKey == key {
			out = append(out, r.RunID)
		}
		children, err := e.runs.ListChildren(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)
	}
	return out, nil
}

func (e *Engine) startSubworkflow(ctx context.Context, o *op, nodeID string, eff *core.Effect, next string, started time.Time) error {
	p := eff.Payload
	wf := core.AsString(p["workflow_id"])
	spec, err := e.specs.Get(wf)
	if err != nil {
		return e.fail(ctx, o, nodeID, started, fmt.Sprintf("start_subworkflow: %v", err))
	}
	vars, _ := p["vars"].(map[string]any)
	childID, err := e.create(ctx, spec, o.run.RunID, vars)
	if err != nil {
		return err
	}
	if async, _ := p["async"].(bool); async {
		return e.applyResult(ctx, o, nodeID, eff.ResultKey, eff, map[string]any{
			"run_id":      childID,
			"workflow_id": wf,
		}, next, started, nil)
	}
	return e.wait(ctx, o, nodeID, eff, &core.WaitInfo{
		Reason:   core.WaitSubworkflow,
		WaitKey:  subworkflowWaitKey(childID),
		NextNode: next,
		Details:  map[string]any{"sub_run_id": childID, "workflow_id": wf},
	}, started)
}

// bindPins writes the node's resolved data pins where handlers read them.
func bindPins(spec *compiler.Spec, run *core.RunState, nodeID string) {
	bindings := spec.Bindings[nodeID]
	if len(bindings) == 0 {
		core.DeletePath(run.Vars, nodes.PinsPath)
		return
	}
	outputs, _ := run.Vars[core.VarOutputs].(map[string]any)
	pins := make(map[string]any, len(bindings))
	for _, b := range bindings {
		if b.HasLiteral {
			pins[b.Pin] = core.CloneValue(b.Literal)
			continue
		}
		v, ok := outputs[b.FromNode]
		if !ok {
			continue
		}
		pins[b.Pin] = fromHandle(v, b.FromHandle)
	}
	_ = core.SetPath(run.Vars, nodes.PinsPath, pins)
}

// fromHandle selects a named field of an object output; the default
// handles pass the whole value.
func fromHandle(v any, handle string) any {
	switch handle {
	case "", "output", "out", "value", "result":
		return core.CloneValue(v)
	}
	if m, ok := v.(map[string]any); ok {
		if field, ok := m[handle]; ok {
			return core.CloneValue(field)
		}
	}
	return core.CloneValue(v)
}
