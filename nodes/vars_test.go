package nodes

import (
	"context"
	"strings"
	"testing"

	"github.com/petal-labs/flowrun/core"
)

func TestSetVar_ReservedNameFailsRecoverably(t *testing.T) {
	h := build(t, SetVar, NodeSpec{ID: "sv", Next: "n", Config: map[string]any{"name": "_secret", "value": 1}})
	run := newRun(map[string]any{core.VarLastOutput: "upstream"})

	plan := h(context.Background(), run)
	if !strings.Contains(plan.Fail, "reserved") {
		t.Fatalf("fail = %q, want reserved", plan.Fail)
	}
	if run.Vars[core.VarLastOutput] != "upstream" {
		t.Fatalf("_last_output = %v, want unchanged", run.Vars[core.VarLastOutput])
	}
	if _, ok := run.Vars["_secret"]; ok {
		t.Fatal("reserved var was written")
	}
}

func TestSetVar_RejectsEmptyName(t *testing.T) {
	h := build(t, SetVar, NodeSpec{ID: "sv", Config: map[string]any{"name": "  "}})
	if plan := h(context.Background(), newRun(nil)); !strings.Contains(plan.Fail, "empty") {
		t.Fatalf("fail = %q", plan.Fail)
	}
}

func TestSetVar_DottedPathIsPassThrough(t *testing.T) {
	h := build(t, SetVar, NodeSpec{ID: "sv", Next: "n", Config: map[string]any{"name": "user.profile.age", "value": 42}})
	run := newRun(map[string]any{core.VarLastOutput: "upstream"})

	plan := h(context.Background(), run)
	if plan.NextNode != "n" || plan.Fail != "" {
		t.Fatalf("plan = %+v", plan)
	}
	if got, _ := core.Lookup(run.Vars, "user.profile.age"); got != 42 {
		t.Fatalf("user.profile.age = %v", got)
	}
	if run.Vars[core.VarLastOutput] != "upstream" {
		t.Fatal("set_var must not touch _last_output")
	}
}

func TestSetVar_ValueFromInputKey(t *testing.T) {
	h := build(t, SetVar, NodeSpec{ID: "sv", Config: map[string]any{"name": "copy", "input_key": "src"}})
	run := newRun(map[string]any{"src": []any{1, 2}})
	h(context.Background(), run)
	if got := run.Vars["copy"].([]any); len(got) != 2 {
		t.Fatalf("copy = %v", got)
	}
}

func TestSetVars(t *testing.T) {
	h := build(t, SetVars, NodeSpec{ID: "svs", Next: "n", Config: map[string]any{"values": map[string]any{"a": 1, "b.c": "x"}}})
	run := newRun(map[string]any{core.VarLastOutput: "keep"})

	plan := h(context.Background(), run)
	if plan.NextNode != "n" {
		t.Fatalf("plan = %+v", plan)
	}
	if run.Vars["a"] != 1 {
		t.Errorf("a = %v", run.Vars["a"])
	}
	if got, _ := core.Lookup(run.Vars, "b.c"); got != "x" {
		t.Errorf("b.c = %v", got)
	}
	if run.Vars[core.VarLastOutput] != "keep" {
		t.Error("set_vars must not touch _last_output")
	}
}

func TestSetVars_RejectsWholeUpdate(t *testing.T) {
	h := build(t, SetVars, NodeSpec{ID: "svs", Config: map[string]any{"values": map[string]any{"a": 1, "_b": 2}}})
	run := newRun(nil)
	plan := h(context.Background(), run)
	if !strings.Contains(plan.Fail, "reserved") {
		t.Fatalf("fail = %q", plan.Fail)
	}
	if _, ok := run.Vars["a"]; ok {
		t.Fatal("partial update applied")
	}
}

func TestSetVars_MalformedPayload(t *testing.T) {
	h := build(t, SetVars, NodeSpec{ID: "svs", Config: map[string]any{"values": "nope"}})
	if plan := h(context.Background(), newRun(nil)); !strings.Contains(plan.Fail, "malformed") {
		t.Fatalf("fail = %q", plan.Fail)
	}
}
