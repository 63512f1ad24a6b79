package nodes

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/petal-labs/flowrun/core"
)

func TestNodeSpec_Then(t *testing.T) {
	spec := NodeSpec{
		Config:  map[string]any{"branches": 4},
		Handles: map[string]string{"then:2": "c", "then:0": "a", "completed": "j", "then:x": "bad"},
	}
	want := []string{"a", "", "c", ""}
	if got := spec.Then(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Then() = %v, want %v", got, want)
	}
}

func TestBranch_Routes(t *testing.T) {
	h := build(t, Branch, NodeSpec{
		ID:      "b",
		Config:  map[string]any{"condition": "n >= `3`"},
		Handles: map[string]string{"true": "yes", "false": "no"},
	})
	if got := h(context.Background(), newRun(map[string]any{"n": 3})).NextNode; got != "yes" {
		t.Errorf("n=3 routed to %q", got)
	}
	if got := h(context.Background(), newRun(map[string]any{"n": 1})).NextNode; got != "no" {
		t.Errorf("n=1 routed to %q", got)
	}
}

func TestBranch_FactoryErrors(t *testing.T) {
	if _, err := Branch(NodeSpec{ID: "b"}); err == nil {
		t.Error("expected error for missing condition")
	}
	if _, err := Branch(NodeSpec{ID: "b", Config: map[string]any{"condition": "a ||"}}); err == nil {
		t.Error("expected error for invalid condition")
	}
}

func TestReturn_Precedence(t *testing.T) {
	h := build(t, Return, NodeSpec{ID: "r", Config: map[string]any{"value": "fixed"}})
	if plan := h(context.Background(), newRun(nil)); plan.Output != "fixed" || !plan.Complete {
		t.Fatalf("plan = %+v", plan)
	}

	h = build(t, Return, NodeSpec{ID: "r"})
	if plan := h(context.Background(), newRun(map[string]any{core.VarLastOutput: "last"})); plan.Output != "last" {
		t.Fatalf("plan = %+v", plan)
	}
	plan := h(context.Background(), newRun(map[string]any{"x": 1, "_temp": map[string]any{}}))
	if !reflect.DeepEqual(plan.Output, map[string]any{"x": 1}) {
		t.Fatalf("output = %v", plan.Output)
	}
}

func TestOnEvent_RequiresEvent(t *testing.T) {
	if _, err := OnEvent(NodeSpec{ID: "on"}); err == nil {
		t.Fatal("expected error")
	}
	h := build(t, OnEvent, NodeSpec{ID: "on", Next: "handle", Config: map[string]any{"event": "ping"}})
	plan := h(context.Background(), newRun(nil))
	if plan.Effect.Type != core.EffectWaitEvent || plan.NextNode != "handle" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestBuiltin(t *testing.T) {
	builtins := map[string]BuiltinFunc{
		"upper": func(_ context.Context, in any, _ map[string]any) (any, error) {
			return in.(string) + "!", nil
		},
		"boom": func(context.Context, any, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	h := build(t, Builtin, NodeSpec{ID: "f", Next: "n", Builtins: builtins, Config: map[string]any{"function": "upper", "input_key": "s"}})
	run := newRun(map[string]any{"s": "hi"})
	h(context.Background(), run)
	if run.Vars[core.VarLastOutput] != "hi!" {
		t.Fatalf("_last_output = %v", run.Vars[core.VarLastOutput])
	}
	if got, _ := core.Lookup(run.Vars, "_outputs.f"); got != "hi!" {
		t.Fatalf("_outputs.f = %v", got)
	}

	h = build(t, Builtin, NodeSpec{ID: "f", Builtins: builtins, Config: map[string]any{"function": "boom"}})
	if plan := h(context.Background(), newRun(nil)); plan.Fail == "" {
		t.Fatal("builtin error should fail the run")
	}
	if _, err := Builtin(NodeSpec{ID: "f", Config: map[string]any{"function": "missing"}}); err == nil {
		t.Fatal("unknown builtin should be a factory error")
	}
}
