package core

import "testing"

func TestRunStatus_Terminal(t *testing.T) {
	for _, s := range []RunStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{StatusRunning, StatusWaiting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRunState_Validate(t *testing.T) {
	tests := []struct {
		name    string
		run     RunState
		wantErr bool
	}{
		{"running", RunState{Status: StatusRunning}, false},
		{"waiting without key", RunState{Status: StatusWaiting, Waiting: &WaitInfo{}}, true},
		{"waiting with key", RunState{Status: StatusWaiting, Waiting: &WaitInfo{WaitKey: "k"}}, false},
		{"completed without output", RunState{Status: StatusCompleted}, true},
		{"completed", RunState{Status: StatusCompleted, Output: map[string]any{}}, false},
		{"unknown", RunState{Status: "bogus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunState_CloneIsolatesWaiting(t *testing.T) {
	r := &RunState{
		Vars:    map[string]any{"a": map[string]any{"b": 1}},
		Waiting: &WaitInfo{WaitKey: "k", Choices: []string{"x"}},
	}
	c := r.Clone()
	c.Waiting.Choices[0] = "y"
	c.Vars["a"].(map[string]any)["b"] = 2

	if r.Waiting.Choices[0] != "x" {
		t.Error("clone shares choices")
	}
	if r.Vars["a"].(map[string]any)["b"] != 1 {
		t.Error("clone shares vars")
	}
}

func TestStepPlan_Validate(t *testing.T) {
	tests := []struct {
		name    string
		plan    StepPlan
		wantErr bool
	}{
		{"next", Next("a", "b"), false},
		{"pause", Pause("a", &Effect{Type: EffectWaitEvent}, "b"), false},
		{"done", Done("a", 1), false},
		{"failed", Failed("a", "bad %s", "thing"), false},
		{"dangling", StepPlan{NodeID: "a"}, true},
		{"no node", StepPlan{NextNode: "b"}, true},
		{"two outcomes", StepPlan{NodeID: "a", NextNode: "b", Complete: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStepPlan_Dangling(t *testing.T) {
	if !(StepPlan{NodeID: "a"}).Dangling() {
		t.Error("empty plan should be dangling")
	}
	if Done("a", nil).Dangling() {
		t.Error("done plan should not be dangling")
	}
}

func TestCommandType_Valid(t *testing.T) {
	if !CommandEmitEvent.Valid() || CommandType("reboot").Valid() {
		t.Fatal("CommandType.Valid wrong")
	}
}

func TestTokenUsage_Add(t *testing.T) {
	a := TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	got := a.Add(TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	if got.InputTokens != 11 || got.OutputTokens != 22 || got.TotalTokens != 33 {
		t.Fatalf("Add = %+v", got)
	}
}
