package nodes

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/flowrun/core"
)

// Duration types accepted by wait_until.
const (
	DurationSeconds   = "seconds"
	DurationMinutes   = "minutes"
	DurationTimestamp = "timestamp"
	DurationCron      = "cron"
)

// DefaultMemoryLimit is the memory_query limit when none is configured.
const DefaultMemoryLimit = 10

// EventWaitKey is the wait key of a run waiting on the named event.
func EventWaitKey(event string) string {
	return "event:" + event
}

const emitSeqPath = core.VarTemp + "._emit_seq"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func effect(t core.EffectType, spec NodeSpec, payload map[string]any) *core.Effect {
	return &core.Effect{Type: t, Payload: payload, ResultKey: resultKey(spec)}
}

// AskUser pauses the run until a user answers a prompt.
func AskUser(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		prompt, err := text(run, spec, "prompt")
		if err != nil {
			return core.Failed(spec.ID, "ask_user: %v", err)
		}
		choicesRaw, _ := value(run, spec, "choices")
		choices := core.AsStringSlice(choicesRaw)
		allowFree := len(choices) == 0
		if v, ok := value(run, spec, "allow_free_text"); ok {
			allowFree, _ = v.(bool)
		}
		return core.Pause(spec.ID, effect(core.EffectAskUser, spec, map[string]any{
			"prompt":          prompt,
			"choices":         choices,
			"allow_free_text": allowFree,
		}), spec.Next)
	}, nil
}

// AnswerUser sends a message to the user. The runtime fulfils it immediately.
func AnswerUser(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		msg, err := text(run, spec, "message")
		if err != nil {
			return core.Failed(spec.ID, "answer_user: %v", err)
		}
		return core.Pause(spec.ID, effect(core.EffectAnswerUser, spec, map[string]any{
			"message": msg,
		}), spec.Next)
	}, nil
}

// WaitUntil pauses the run until a deadline computed from duration_type.
func WaitUntil(spec NodeSpec) (core.StepHandler, error) {
	kind := spec.str("duration_type")
	if kind == "" {
		kind = DurationSeconds
	}
	switch kind {
	case DurationSeconds, DurationMinutes, DurationTimestamp, DurationCron:
	default:
		return nil, fmt.Errorf("wait_until %s: unknown duration_type %q", spec.ID, kind)
	}
	if kind == DurationCron {
		if expr := spec.str("cron"); expr != "" {
			if _, err := cronParser.Parse(expr); err != nil {
				return nil, fmt.Errorf("wait_until %s: invalid cron expression: %w", spec.ID, err)
			}
		}
	}
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		until, err := deadline(run, spec, kind)
		if err != nil {
			return core.Failed(spec.ID, "wait_until: %v", err)
		}
		return core.Pause(spec.ID, effect(core.EffectWaitUntil, spec, map[string]any{
			"until":         until.UTC().Format(time.RFC3339Nano),
			"duration_type": kind,
		}), spec.Next)
	}, nil
}

func deadline(run *core.RunState, spec NodeSpec, kind string) (time.Time, error) {
	now := spec.now()
	switch kind {
	case DurationTimestamp:
		raw, _ := value(run, spec, "until")
		if raw == nil {
			raw, _ = input(run, spec)
		}
		return parseTimestamp(raw)
	case DurationCron:
		raw, _ := value(run, spec, "cron")
		sched, err := cronParser.Parse(core.AsString(raw))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return sched.Next(now.UTC()), nil
	}
	raw, ok := value(run, spec, "duration")
	if !ok {
		raw, _ = input(run, spec)
	}
	n, ok := core.AsFloat(raw)
	if !ok || n < 0 {
		return time.Time{}, fmt.Errorf("duration %v is not a non-negative number", raw)
	}
	unit := time.Second
	if kind == DurationMinutes {
		unit = time.Minute
	}
	return now.Add(time.Duration(n * float64(unit))), nil
}

func parseTimestamp(raw any) (time.Time, error) {
	if f, ok := core.AsFloat(raw); ok {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	}
	s := core.AsString(raw)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// WaitEvent pauses the run until the named event is emitted in its session.
func WaitEvent(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		raw, _ := value(run, spec, "event")
		name := core.AsString(raw)
		if name == "" {
			return core.Failed(spec.ID, "wait_event: missing event name")
		}
		return core.Pause(spec.ID, effect(core.EffectWaitEvent, spec, map[string]any{
			"event":    name,
			"wait_key": EventWaitKey(name),
		}), spec.Next)
	}, nil
}

// EmitEvent publishes an event to the listeners of the run's session.
// Each emission gets event_id "<run>:<node>:<seq>" with seq increasing per node.
func EmitEvent(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		raw, _ := value(run, spec, "event")
		name := core.AsString(raw)
		if name == "" {
			return core.Failed(spec.ID, "emit_event: missing event name")
		}
		payload, ok := value(run, spec, "payload")
		if !ok {
			in, err := input(run, spec)
			if err != nil {
				return core.Failed(spec.ID, "emit_event: %v", err)
			}
			payload = in
		}
		seqs := core.Namespace(run.Vars, emitSeqPath)
		seq := core.AsInt(seqs[spec.ID], 0) + 1
		seqs[spec.ID] = seq

		maxSteps := 0
		if v, ok := spec.Config["max_steps"]; ok {
			maxSteps = core.AsInt(v, 0)
		}
		return core.Pause(spec.ID, effect(core.EffectEmitEvent, spec, map[string]any{
			"event":     name,
			"event_id":  run.RunID + ":" + spec.ID + ":" + strconv.Itoa(seq),
			"payload":   core.CloneValue(payload),
			"max_steps": maxSteps,
		}), spec.Next)
	}, nil
}

// MemoryNote stores a note in a memory namespace.
func MemoryNote(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		note, err := text(run, spec, "text")
		if err != nil {
			return core.Failed(spec.ID, "memory_note: %v", err)
		}
		tags, _ := value(run, spec, "tags")
		return core.Pause(spec.ID, effect(core.EffectMemoryNote, spec, map[string]any{
			"namespace": namespace(run, spec),
			"text":      note,
			"tags":      core.AsStringSlice(tags),
		}), spec.Next)
	}, nil
}

// MemoryQuery searches a memory namespace.
func MemoryQuery(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		q, err := text(run, spec, "query")
		if err != nil {
			return core.Failed(spec.ID, "memory_query: %v", err)
		}
		limit := DefaultMemoryLimit
		if v, ok := value(run, spec, "limit"); ok {
			if n := core.AsInt(v, 0); n > 0 {
				limit = n
			}
		}
		return core.Pause(spec.ID, effect(core.EffectMemoryQuery, spec, map[string]any{
			"namespace": namespace(run, spec),
			"query":     q,
			"limit":     limit,
		}), spec.Next)
	}, nil
}

func namespace(run *core.RunState, spec NodeSpec) string {
	if v, ok := value(run, spec, "namespace"); ok {
		if s := core.AsString(v); s != "" {
			return s
		}
	}
	return "default"
}

// LLMCall asks a model provider for a completion.
func LLMCall(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		prompt, err := text(run, spec, "prompt")
		if err != nil {
			return core.Failed(spec.ID, "llm_call: %v", err)
		}
		provider, model := spec.Provider, spec.Model
		if v, ok := value(run, spec, "provider"); ok && core.AsString(v) != "" {
			provider = core.AsString(v)
		}
		if v, ok := value(run, spec, "model"); ok && core.AsString(v) != "" {
			model = core.AsString(v)
		}
		if provider == "" || model == "" {
			return core.Failed(spec.ID, "llm_call: no provider/model binding")
		}
		payload := map[string]any{
			"provider": provider,
			"model":    model,
			"prompt":   prompt,
		}
		if v, ok := value(run, spec, "system"); ok {
			payload["system"] = core.AsString(v)
		}
		if v, ok := value(run, spec, "temperature"); ok {
			if f, ok := core.AsFloat(v); ok {
				payload["temperature"] = f
			}
		}
		if v, ok := value(run, spec, "max_tokens"); ok {
			if n := core.AsInt(v, 0); n > 0 {
				payload["max_tokens"] = n
			}
		}
		return core.Pause(spec.ID, effect(core.EffectLLMCall, spec, payload), spec.Next)
	}, nil
}

// StartSubworkflow starts a child run of another compiled workflow.
// A missing workflow_id fails the run instead of the compilation.
func StartSubworkflow(spec NodeSpec) (core.StepHandler, error) {
	return func(_ context.Context, run *core.RunState) core.StepPlan {
		wf := spec.str("workflow_id")
		if wf == "" {
			return core.Failed(spec.ID, "start_subworkflow: missing workflow_id")
		}
		childVars := map[string]any{}
		if v, ok := value(run, spec, "vars"); ok {
			m, ok := v.(map[string]any)
			if !ok {
				return core.Failed(spec.ID, "start_subworkflow: vars must be an object, got %T", v)
			}
			childVars = core.CloneVars(m)
		} else if in, err := input(run, spec); err == nil {
			if m, ok := in.(map[string]any); ok {
				childVars = core.CloneVars(m)
			}
		}
		async, _ := spec.Config["async"].(bool)
		return core.Pause(spec.ID, effect(core.EffectStartSubworkflow, spec, map[string]any{
			"workflow_id": wf,
			"vars":        childVars,
			"async":       async,
		}), spec.Next)
	}, nil
}
