package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/control"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/llmprovider"
	"github.com/petal-labs/flowrun/memory"
	"github.com/petal-labs/flowrun/nodes"
	"github.com/petal-labs/flowrun/store"
)

// ErrInvalidAnswer is returned by Resume when a user answer is not one of
// the offered choices and free text is not allowed.
var ErrInvalidAnswer = errors.New("answer is not one of the offered choices")

// DefaultStepLimit bounds a Tick or Resume called with a negative step budget.
const DefaultStepLimit = 1000

// Runtime is the boundary through which runs are started, advanced and
// resumed. A nil spec asks the runtime to look up the run's own workflow.
type Runtime interface {
	Start(ctx context.Context, spec *compiler.Spec, vars map[string]any) (string, error)
	StartChild(ctx context.Context, spec *compiler.Spec, parentRunID string, vars map[string]any) (string, error)

	// Tick executes up to maxSteps steps of a running run. An until-wait
	// whose deadline has passed is resumed first. Paused and terminal runs
	// are returned unchanged.
	Tick(ctx context.Context, spec *compiler.Spec, runID string, maxSteps int) (*core.RunState, error)

	// Resume fulfils the wait identified by waitKey with payload and then
	// executes up to maxSteps steps.
	Resume(ctx context.Context, spec *compiler.Spec, runID, waitKey string, payload any, maxSteps int) (*core.RunState, error)

	GetState(ctx context.Context, runID string) (*core.RunState, error)

	// CancelRun cancels a run and its unfinished children. Cancelling a
	// terminal run is a no-op.
	CancelRun(ctx context.Context, runID, reason string) error

	SetPaused(ctx context.Context, runID string, paused bool) (*core.RunState, error)

	// EmitEvent resumes runID and every descendant waiting on the named
	// event and reports how many runs were resumed.
	EmitEvent(ctx context.Context, runID, name string, payload any, maxSteps int) (int, error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Runs store.RunStore
	// Ledger defaults to Runs when it also implements store.LedgerStore.
	Ledger store.LedgerStore
	// Specs resolves the workflows of child runs and of calls made with a nil spec.
	Specs *compiler.Registry

	// Memory and MemoryLocation back memory_note and memory_query.
	Memory         *memory.Cache
	MemoryLocation string

	// LLM fulfils llm_call. Runs reaching an llm_call without one fail.
	LLM llmprovider.Client

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string

	// StepLimit replaces DefaultStepLimit.
	StepLimit int
}

// Engine is a Runtime that keeps run state, ledger and waits in a store.
// Steps of one run are serialized in-process; hosts running several
// engines against one store serialize through run leases.
type Engine struct {
	runs      store.RunStore
	ledger    store.LedgerStore
	specs     *compiler.Registry
	memory    *memory.Cache
	memoryLoc string
	llm       llmprovider.Client
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	stepLimit int

	locks sync.Map // run id -> *sync.Mutex
}

var _ Runtime = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Runs == nil {
		return nil, errors.New("runtime: run store is required")
	}
	if cfg.Ledger == nil {
		l, ok := cfg.Runs.(store.LedgerStore)
		if !ok {
			return nil, errors.New("runtime: ledger store is required")
		}
		cfg.Ledger = l
	}
	if cfg.Specs == nil {
		cfg.Specs = compiler.NewRegistry()
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	return &Engine{
		runs:      cfg.Runs,
		ledger:    cfg.Ledger,
		specs:     cfg.Specs,
		memory:    cfg.Memory,
		memoryLoc: cfg.MemoryLocation,
		llm:       cfg.LLM,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
		stepLimit: cfg.StepLimit,
	}, nil
}

// Specs returns the registry the engine resolves workflows from.
func (e *Engine) Specs() *compiler.Registry {
	return e.specs
}

// Start creates a root run at the spec's entry and arms its listener runs.
func (e *Engine) Start(ctx context.Context, spec *compiler.Spec, vars map[string]any) (string, error) {
	if spec == nil {
		return "", errors.New("runtime: spec is required")
	}
	runID, err := e.create(ctx, spec, "", vars)
	if err != nil {
		return "", err
	}
	for _, id := range spec.Listeners {
		ls, err := e.specs.Get(id)
		if err != nil {
			return runID, fmt.Errorf("starting listener %s: %w", id, err)
		}
		if _, err := e.StartChild(ctx, ls, runID, vars); err != nil {
			return runID, fmt.Errorf("starting listener %s: %w", id, err)
		}
	}
	e.logger.Info("run started", "run_id", runID, "workflow_id", spec.WorkflowID, "listeners", len(spec.Listeners))
	return runID, nil
}

// StartChild creates a run whose parent is parentRunID. Listener runs take
// their first step immediately so they are waiting before anything can
// emit their event.
func (e *Engine) StartChild(ctx context.Context, spec *compiler.Spec, parentRunID string, vars map[string]any) (string, error) {
	if spec == nil {
		return "", errors.New("runtime: spec is required")
	}
	if parentRunID == "" {
		return "", errors.New("runtime: parent run id is required")
	}
	runID, err := e.create(ctx, spec, parentRunID, vars)
	if err != nil {
		return "", err
	}
	if spec.IsListener() {
		if _, err := e.Tick(ctx, spec, runID, 1); err != nil {
			return runID, err
		}
	}
	return runID, nil
}

func (e *Engine) create(ctx context.Context, spec *compiler.Spec, parentRunID string, vars map[string]any) (string, error) {
	if spec.Entry == "" {
		return "", fmt.Errorf("runtime: workflow %s has no entry node", spec.WorkflowID)
	}
	now := e.now()
	run := &core.RunState{
		RunID:       e.newID(),
		WorkflowID:  spec.WorkflowID,
		Status:      core.StatusRunning,
		CurrentNode: spec.Entry,
		Vars:        core.CloneVars(vars),
		ParentRunID: parentRunID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if run.Vars == nil {
		run.Vars = map[string]any{}
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	return run.RunID, nil
}

// GetState returns the stored state of a run.
func (e *Engine) GetState(ctx context.Context, runID string) (*core.RunState, error) {
	return e.runs.Get(ctx, runID)
}

// Tick implements Runtime.
func (e *Engine) Tick(ctx context.Context, spec *compiler.Spec, runID string, maxSteps int) (*core.RunState, error) {
	return e.withRun(ctx, spec, runID, func(o *op) error {
		run := o.run
		if run.Status.Terminal() || run.Paused {
			o.clean = true
			return nil
		}
		if run.Status == core.StatusWaiting {
			w := run.Waiting
			if w == nil || w.Reason != core.WaitUntil || w.Until.After(e.now()) {
				o.clean = true
				return nil
			}
			if err := e.resolveWait(ctx, o, map[string]any{
				"until":      w.Until.UTC().Format(time.RFC3339Nano),
				"resumed_at": e.now().UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return err
			}
		}
		return e.advance(ctx, o, maxSteps)
	})
}

// Resume implements Runtime.
func (e *Engine) Resume(ctx context.Context, spec *compiler.Spec, runID, waitKey string, payload any, maxSteps int) (*core.RunState, error) {
	return e.withRun(ctx, spec, runID, func(o *op) error {
		run := o.run
		if run.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", core.ErrRunTerminal, runID, run.Status)
		}
		if run.Status != core.StatusWaiting || run.Waiting == nil {
			return fmt.Errorf("%w: %s", core.ErrNotWaiting, runID)
		}
		if run.Waiting.WaitKey != waitKey {
			return fmt.Errorf("%w: run %s waits on %q", core.ErrWaitKeyMismatch, runID, run.Waiting.WaitKey)
		}
		if err := checkAnswer(run.Waiting, payload); err != nil {
			return err
		}
		if err := e.resolveWait(ctx, o, payload); err != nil {
			return err
		}
		return e.advance(ctx, o, maxSteps)
	})
}

func checkAnswer(w *core.WaitInfo, payload any) error {
	if w.Reason != core.WaitUser || w.AllowFreeText || len(w.Choices) == 0 {
		return nil
	}
	answer := core.AsString(payload)
	for _, c := range w.Choices {
		if c == answer {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in %v", ErrInvalidAnswer, answer, w.Choices)
}

// CancelRun implements Runtime.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	_, err := e.withRun(ctx, nil, runID, func(o *op) error {
		run := o.run
		if run.Status.Terminal() {
			o.clean = true
			return nil
		}
		run.Status = core.StatusCancelled
		run.Error = reason
		run.Waiting = nil
		o.then(func(ctx context.Context) error {
			return e.cancelChildren(ctx, runID, reason)
		})
		e.notifyParent(o)
		return nil
	})
	return err
}

func (e *Engine) cancelChildren(ctx context.Context, runID, reason string) error {
	children, err := e.runs.ListChildren(ctx, runID)
	if err != nil {
		return err
	}
	var errs []error
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if err := e.CancelRun(ctx, child.RunID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetPaused implements Runtime.
func (e *Engine) SetPaused(ctx context.Context, runID string, paused bool) (*core.RunState, error) {
	return e.withRun(ctx, nil, runID, func(o *op) error {
		if o.run.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", core.ErrRunTerminal, runID, o.run.Status)
		}
		if o.run.Paused == paused {
			o.clean = true
			return nil
		}
		o.run.Paused = paused
		return nil
	})
}

// EmitEvent implements Runtime.
func (e *Engine) EmitEvent(ctx context.Context, runID, name string, payload any, maxSteps int) (int, error) {
	if name == "" {
		return 0, errors.New("runtime: event name is required")
	}
	targets, err := e.waitingOn(ctx, runID, nodes.EventWaitKey(name), "")
	if err != nil {
		return 0, err
	}
	return e.deliver(ctx, targets, nodes.EventWaitKey(name), payload, maxSteps)
}

// op is one locked read-modify-write of a run.
type op struct {
	spec  *compiler.Spec
	run   *core.RunState
	clean bool
	after []func(context.Context) error
}

// then schedules fn to run once the run is saved and unlocked.
func (o *op) then(fn func(context.Context) error) {
	o.after = append(o.after, fn)
}

func (e *Engine) lock(runID string) func() {
	v, _ := e.locks.LoadOrStore(runID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// withRun loads a run under its lock, applies fn, saves the result and
// then runs the follow-ups fn scheduled. When fn fails nothing is saved.
func (e *Engine) withRun(ctx context.Context, spec *compiler.Spec, runID string, fn func(*op) error) (*core.RunState, error) {
	unlock := e.lock(runID)
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		unlock()
		return nil, err
	}
	if spec == nil || spec.WorkflowID != run.WorkflowID {
		spec, err = e.specs.Get(run.WorkflowID)
		if err != nil {
			unlock()
			return nil, err
		}
	}
	o := &op{spec: spec, run: run}
	if err := fn(o); err != nil {
		unlock()
		return nil, err
	}
	if !o.clean {
		run.UpdatedAt = e.now()
		if err := run.Validate(); err != nil {
			unlock()
			return nil, err
		}
		if err := e.runs.Save(ctx, run); err != nil {
			unlock()
			return nil, fmt.Errorf("saving run %s: %w", runID, err)
		}
	}
	unlock()

	var errs []error
	for _, fn := range o.after {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("run follow-up failed", "run_id", runID, "error", err)
	}
	return run.Clone(), nil
}

// advance executes steps until the run stops running or the budget is spent.
// A negative budget means the engine's step limit.
func (e *Engine) advance(ctx context.Context, o *op, maxSteps int) error {
	if maxSteps < 0 {
		maxSteps = e.stepLimit
	}
	for i := 0; i < maxSteps; i++ {
		if o.run.Status != core.StatusRunning || o.run.Paused {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.step(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) step(ctx context.Context, o *op) error {
	run, spec := o.run, o.spec
	nodeID := run.CurrentNode
	started := e.now()

	h, ok := spec.Handler(nodeID)
	if !ok {
		return e.fail(ctx, o, nodeID, started, fmt.Sprintf("unknown node %q", nodeID))
	}
	bindPins(spec, run, nodeID)
	stepCtx := ContextWithStep(ctx, StepInfo{RunID: run.RunID, WorkflowID: run.WorkflowID, NodeID: nodeID})
	plan := h(stepCtx, run)
	core.DeletePath(run.Vars, nodes.PinsPath)
	stepLogger(stepCtx, e.logger).Debug("step", "next_node", plan.NextNode, "complete", plan.Complete, "fail", plan.Fail)

	if err := plan.Validate(); err != nil {
		return e.fail(ctx, o, nodeID, started, err.Error())
	}
	switch {
	case plan.Fail != "":
		return e.fail(ctx, o, nodeID, started, plan.Fail)
	case plan.Complete:
		if err := e.record(ctx, run.RunID, nodeID, core.LedgerCompleted, started, func(r *core.LedgerRecord) {
			r.Result = plan.Output
		}); err != nil {
			return err
		}
		e.complete(o, plan.Output)
		return nil
	case plan.Effect != nil:
		return e.fulfil(stepCtx, o, nodeID, plan, started)
	}
	if err := e.record(ctx, run.RunID, nodeID, core.LedgerCompleted, started, func(r *core.LedgerRecord) {
		r.Result = outputOf(run, nodeID)
		r.ControlOpen = control.InFlight(run.Vars, nodeID)
	}); err != nil {
		return err
	}
	run.CurrentNode = plan.NextNode
	return nil
}

// record appends one ledger record for the run.
func (e *Engine) record(ctx context.Context, runID, nodeID string, status core.LedgerStatus, started time.Time, fill func(*core.LedgerRecord)) error {
	rec := core.LedgerRecord{
		RunID:     runID,
		NodeID:    nodeID,
		Status:    status,
		StartedAt: started,
		EndedAt:   e.now(),
	}
	if status == core.LedgerWaiting {
		rec.EndedAt = time.Time{}
	}
	if fill != nil {
		fill(&rec)
	}
	if _, err := e.ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("appending ledger record for %s: %w", runID, err)
	}
	return nil
}

// applyResult writes an effect result and moves the run past the node.
func (e *Engine) applyResult(ctx context.Context, o *op, nodeID, resultKey string, eff *core.Effect, result any, next string, started time.Time, usage *core.TokenUsage) error {
	run := o.run
	if resultKey != "" && resultKey != core.VarLastOutput {
		if err := core.SetPath(run.Vars, resultKey, core.CloneValue(result)); err != nil {
			return e.fail(ctx, o, nodeID, started, fmt.Sprintf("writing result: %v", err))
		}
	}
	nodes.SetOutput(run, nodeID, result)
	if err := e.record(ctx, run.RunID, nodeID, core.LedgerCompleted, started, func(r *core.LedgerRecord) {
		r.Effect = eff
		r.Result = result
		r.Usage = usage
	}); err != nil {
		return err
	}
	run.Status = core.StatusRunning
	run.Waiting = nil
	if next == "" {
		e.complete(o, control.FinalOutput(run.Vars))
		return nil
	}
	run.CurrentNode = next
	return nil
}

// resolveWait fulfils the run's current wait with payload.
func (e *Engine) resolveWait(ctx context.Context, o *op, payload any) error {
	w := o.run.Waiting
	started := e.now()
	if s, ok := w.Details["since"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			started = t
		}
	}
	return e.applyResult(ctx, o, o.run.CurrentNode, w.ResultKey, nil, payload, w.NextNode, started, nil)
}

func (e *Engine) wait(ctx context.Context, o *op, nodeID string, eff *core.Effect, w *core.WaitInfo, started time.Time) error {
	if w.Details == nil {
		w.Details = map[string]any{}
	}
	w.Details["since"] = started.UTC().Format(time.RFC3339Nano)
	w.ResultKey = eff.ResultKey
	o.run.Status = core.StatusWaiting
	o.run.Waiting = w
	return e.record(ctx, o.run.RunID, nodeID, core.LedgerWaiting, started, func(r *core.LedgerRecord) {
		r.Effect = eff
	})
}

func (e *Engine) complete(o *op, output any) {
	if output == nil {
		output = control.FinalOutput(o.run.Vars)
	}
	o.run.Status = core.StatusCompleted
	o.run.Output = output
	o.run.Waiting = nil
	e.logger.Info("run completed", "run_id", o.run.RunID, "workflow_id", o.run.WorkflowID)
	e.notifyParent(o)
}

func (e *Engine) fail(ctx context.Context, o *op, nodeID string, started time.Time, msg string) error {
	run := o.run
	run.Status = core.StatusFailed
	run.Error = msg
	run.Waiting = nil
	run.Vars[core.VarFlowError] = msg
	e.logger.Warn("run failed", "run_id", run.RunID, "node_id", nodeID, "error", msg)
	e.notifyParent(o)
	return e.record(ctx, run.RunID, nodeID, core.LedgerFailed, started, func(r *core.LedgerRecord) {
		r.Error = msg
	})
}

// notifyParent schedules the hand-off of a finished child to a parent that
// waits on it: completion resumes the parent with the child's output, any
// other ending fails it.
func (e *Engine) notifyParent(o *op) {
	child := o.run
	if child.ParentRunID == "" {
		return
	}
	parentID, childID := child.ParentRunID, child.RunID
	key := subworkflowWaitKey(childID)
	status, output, msg := child.Status, core.CloneValue(child.Output), child.Error
	o.then(func(ctx context.Context) error {
		parent, err := e.runs.Get(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.Status != core.StatusWaiting || parent.Waiting == nil || parent.Waiting.WaitKey != key {
			return nil
		}
		if status == core.StatusCompleted {
			_, err := e.Resume(ctx, nil, parentID, key, output, 0)
			return err
		}
		_, err = e.withRun(ctx, nil, parentID, func(po *op) error {
			w := po.run.Waiting
			if po.run.Status != core.StatusWaiting || w == nil || w.WaitKey != key {
				po.clean = true
				return nil
			}
			return e.fail(ctx, po, po.run.CurrentNode, e.now(), fmt.Sprintf("subworkflow %s %s: %s", childID, status, msg))
		})
		return err
	})
}

func subworkflowWaitKey(childRunID string) string {
	return "subworkflow:" + childRunID
}

func outputOf(run *core.RunState, nodeID string) any {
	outputs, _ := run.Vars[core.VarOutputs].(map[string]any)
	return outputs[nodeID]
}
