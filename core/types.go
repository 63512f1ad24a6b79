// Package core provides the foundational types shared by the FlowRun packages.
//
// This package contains:
//   - Run model: RunState, WaitInfo, RunStatus
//   - Step model: StepHandler, StepPlan, Effect
//   - Durable records: LedgerRecord, CommandRecord, AppendResult
//   - Vars helpers: dotted-path access, cloning, JMESPath queries
package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by stores and runtimes.
var (
	ErrRunNotFound     = errors.New("run not found")
	ErrRunTerminal     = errors.New("run is terminal")
	ErrNotWaiting      = errors.New("run is not waiting")
	ErrWaitKeyMismatch = errors.New("wait key mismatch")
)

// Reserved vars keys. Names starting with "_" belong to the engine.
const (
	VarTemp       = "_temp"
	VarLastOutput = "_last_output"
	VarFlowError  = "_flow_error"
	VarOutputs    = "_outputs"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusWaiting   RunStatus = "waiting"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further step can happen for a run in this status.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WaitReason says what a waiting run is blocked on.
type WaitReason string

const (
	WaitUser        WaitReason = "user"
	WaitUntil       WaitReason = "until"
	WaitEvent       WaitReason = "event"
	WaitSubworkflow WaitReason = "subworkflow"
)

// WaitInfo describes the pause point of a waiting run.
type WaitInfo struct {
	Reason        WaitReason     `json:"reason"`
	WaitKey       string         `json:"wait_key"`
	Prompt        string         `json:"prompt,omitempty"`
	Choices       []string       `json:"choices,omitempty"`
	AllowFreeText bool           `json:"allow_free_text,omitempty"`
	Until         time.Time      `json:"until,omitzero"`
	ResultKey     string         `json:"result_key,omitempty"`
	NextNode      string         `json:"next_node,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// RunState is the durable execution cursor of one run.
// Vars is the only persisted execution state; there is no call stack.
type RunState struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      RunStatus      `json:"status"`
	CurrentNode string         `json:"current_node,omitempty"`
	Vars        map[string]any `json:"vars"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Waiting     *WaitInfo      `json:"waiting,omitempty"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	Paused      bool           `json:"paused,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the run state.
func (r *RunState) Clone() *RunState {
	if r == nil {
		return nil
	}
	out := *r
	out.Vars = CloneVars(r.Vars)
	out.Output = CloneValue(r.Output)
	if r.Waiting != nil {
		w := *r.Waiting
		w.Choices = append([]string(nil), r.Waiting.Choices...)
		w.Details = CloneVars(r.Waiting.Details)
		out.Waiting = &w
	}
	return &out
}

// Validate checks the status invariants of a run state.
func (r *RunState) Validate() error {
	switch r.Status {
	case StatusWaiting:
		if r.Waiting == nil || r.Waiting.WaitKey == "" {
			return fmt.Errorf("run %s: waiting without wait key", r.RunID)
		}
	case StatusCompleted:
		if r.Output == nil {
			return fmt.Errorf("run %s: completed without output", r.RunID)
		}
	case StatusRunning, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("run %s: unknown status %q", r.RunID, r.Status)
	}
	return nil
}

// EffectType enumerates the effects a node may request.
type EffectType string

const (
	EffectAskUser          EffectType = "ask_user"
	EffectAnswerUser       EffectType = "answer_user"
	EffectWaitUntil        EffectType = "wait_until"
	EffectWaitEvent        EffectType = "wait_event"
	EffectEmitEvent        EffectType = "emit_event"
	EffectMemoryNote       EffectType = "memory_note"
	EffectMemoryQuery      EffectType = "memory_query"
	EffectLLMCall          EffectType = "llm_call"
	EffectStartSubworkflow EffectType = "start_subworkflow"
)

// Effect is a request, emitted by a node, to pause until the runtime fulfils it.
// The fulfilment value is written to ResultKey before the run continues.
type Effect struct {
	Type      EffectType     `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	ResultKey string         `json:"result_key,omitempty"`
}

// StepPlan is the result of one handler invocation.
// Exactly one of NextNode, Effect (with NextNode), Complete or Fail is meaningful.
type StepPlan struct {
	NodeID   string  `json:"node_id"`
	NextNode string  `json:"next_node,omitempty"`
	Effect   *Effect `json:"effect,omitempty"`
	Complete bool    `json:"complete,omitempty"`
	Output   any     `json:"output,omitempty"`
	Fail     string  `json:"fail,omitempty"`
}

// Next continues at next.
func Next(nodeID, next string) StepPlan {
	return StepPlan{NodeID: nodeID, NextNode: next}
}

// Pause requests eff and continues at next once it is fulfilled.
func Pause(nodeID string, eff *Effect, next string) StepPlan {
	return StepPlan{NodeID: nodeID, Effect: eff, NextNode: next}
}

// Done terminates the run with output.
func Done(nodeID string, output any) StepPlan {
	return StepPlan{NodeID: nodeID, Complete: true, Output: output}
}

// Failed terminates the run with a recoverable flow-level error.
func Failed(nodeID, format string, args ...any) StepPlan {
	return StepPlan{NodeID: nodeID, Fail: fmt.Sprintf(format, args...)}
}

// Dangling reports whether the plan neither continues nor terminates.
// The compiler routes dangling plans back to the active control node.
func (p StepPlan) Dangling() bool {
	return p.NextNode == "" && p.Effect == nil && !p.Complete && p.Fail == ""
}

// Validate checks that exactly one outcome is set.
func (p StepPlan) Validate() error {
	if p.NodeID == "" {
		return errors.New("step plan: missing node id")
	}
	n := 0
	if p.Complete {
		n++
	}
	if p.Fail != "" {
		n++
	}
	if p.Effect != nil || p.NextNode != "" {
		n++
	}
	if n != 1 {
		return fmt.Errorf("step plan %s: expected exactly one outcome, got %d", p.NodeID, n)
	}
	return nil
}

// StepHandler executes one node for one run step.
// Handlers never return errors: flow-level problems become failed plans.
type StepHandler func(ctx context.Context, run *RunState) StepPlan

// LedgerStatus is the status of one ledger record.
type LedgerStatus string

const (
	LedgerStarted   LedgerStatus = "started"
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
	LedgerWaiting   LedgerStatus = "waiting"
)

// LedgerRecord is one append-only entry of a run's step log.
type LedgerRecord struct {
	Seq       int64        `json:"seq"`
	RunID     string       `json:"run_id"`
	NodeID    string       `json:"node_id"`
	Status    LedgerStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitzero"`
	Effect    *Effect      `json:"effect,omitempty"`
	Result    any          `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	Usage     *TokenUsage  `json:"usage,omitempty"`
	// ControlOpen is set on a control node's record while its frame stays
	// on the stack after the step.
	ControlOpen bool `json:"control_open,omitempty"`
}

// CommandType enumerates gateway commands.
type CommandType string

const (
	CommandPause     CommandType = "pause"
	CommandResume    CommandType = "resume"
	CommandCancel    CommandType = "cancel"
	CommandEmitEvent CommandType = "emit_event"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandPause, CommandResume, CommandCancel, CommandEmitEvent:
		return true
	}
	return false
}

// CommandRecord is one durable command intent. CommandID is the idempotency key.
type CommandRecord struct {
	CommandID string         `json:"command_id"`
	RunID     string         `json:"run_id"`
	Type      CommandType    `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Seq       int64          `json:"seq"`
	TS        time.Time      `json:"ts"`
	AppliedAt *time.Time     `json:"applied_at,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AppendResult reports what a command inbox did with an appended command.
type AppendResult struct {
	Accepted  bool  `json:"accepted"`
	Duplicate bool  `json:"duplicate"`
	Seq       int64 `json:"seq"`
}

// TokenUsage tracks token consumption for model calls.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Add returns the sum of two TokenUsage values.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
		CostUSD:      u.CostUSD + other.CostUSD,
	}
}

// Map renders the usage as a JSON-safe map for event payloads.
func (u TokenUsage) Map() map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.TotalTokens,
	}
}
