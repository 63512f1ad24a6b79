// Package observe drives a root run together with the listener and child
// runs it spawned, and turns their ledgers into one ordered stream of
// lifecycle events.
package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/store"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultConcurrency  = 8
)

// Config configures a Loop.
type Config struct {
	Runtime runtime.Runtime
	Runs    store.RunStore
	Ledger  store.LedgerStore
	// Specs, when set, supplies node kinds for events.
	Specs *compiler.Registry

	Publisher runtime.EventPublisher
	Handler   runtime.EventHandler
	// Decorate wraps the session emitter, for example to add trace ids.
	Decorate runtime.EventEmitterDecorator
	// LastSeq reports the last event sequence already stored for a session,
	// so numbering continues across processes.
	LastSeq func(ctx context.Context, rootRunID string) (uint64, error)

	// PollInterval is the sleep between iterations that made no progress.
	PollInterval time.Duration
	// Concurrency caps the runs ticked at once.
	Concurrency int
	// MaxIterations stops Run after that many iterations; 0 means no limit.
	MaxIterations int

	Logger *slog.Logger
	Now    func() time.Time
}

// Result is the outcome of one Run call.
type Result struct {
	RunID  string
	Status core.RunStatus
	Output any
	Error  string

	// Waiting is set when Run returned because a run waits on a user.
	// WaitingRunID names that run; it is the root unless the root has
	// finished and only a child is left waiting.
	Waiting      *core.WaitInfo
	WaitingRunID string

	Duration time.Duration
	Usage    core.TokenUsage
	Events   int
}

// Loop observes run sessions. Sessions survive across Run calls, so a
// caller may resume a waiting run and call Run again without events being
// replayed.
type Loop struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("observe: runtime is nil")
	}
	if cfg.Runs == nil {
		return nil, errors.New("observe: run store is nil")
	}
	if cfg.Ledger == nil {
		l, ok := cfg.Runs.(store.LedgerStore)
		if !ok {
			return nil, errors.New("observe: ledger store is nil")
		}
		cfg.Ledger = l
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      cfg.Now,
		sessions: make(map[string]*session),
	}, nil
}

func (l *Loop) session(ctx context.Context, root *core.RunState) (*session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[root.RunID]
	if !ok {
		var after uint64
		if l.cfg.LastSeq != nil {
			var err error
			if after, err = l.cfg.LastSeq(ctx, root.RunID); err != nil {
				return nil, fmt.Errorf("observe: last event seq of %s: %w", root.RunID, err)
			}
		}
		emit := runtime.NewEmitterAfter(l.cfg.Publisher, l.cfg.Handler, after)
		if l.cfg.Decorate != nil {
			emit = l.cfg.Decorate(emit)
		}
		s = newSession(root, emit, l.cfg.Specs)
		// A session picked up after a restart has announced its start and
		// continues from the current ledger positions.
		s.started = after > 0
		s.resumed = after > 0
		l.sessions[root.RunID] = s
	}
	return s, nil
}

// Forget drops the session state of a root run.
func (l *Loop) Forget(rootRunID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, rootRunID)
}

// Run drives rootRunID until the session settles, the root waits on a
// user, or ctx is done.
func (l *Loop) Run(ctx context.Context, rootRunID string) (*Result, error) {
	root, err := l.cfg.Runtime.GetState(ctx, rootRunID)
	if err != nil {
		return nil, err
	}
	if root.ParentRunID != "" {
		return nil, fmt.Errorf("observe: %s is a child of %s", rootRunID, root.ParentRunID)
	}
	s, err := l.session(ctx, root)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resumed {
		if err := l.skipToEnd(ctx, s, rootRunID); err != nil {
			return nil, err
		}
		s.resumed = false
	}
	if !s.started {
		s.started = true
		s.emit(runtime.NewEvent(runtime.EventFlowStart, root.RunID).
			WithTime(l.now()).
			WithPayload("vars", core.PublicVars(root.Vars)))
	}

	for i := 0; l.cfg.MaxIterations == 0 || i < l.cfg.MaxIterations; i++ {
		runs, err := l.sessionRuns(ctx, rootRunID)
		if err != nil {
			return nil, err
		}
		progressed, err := l.tickAll(ctx, runs)
		if err != nil {
			return nil, err
		}
		runs, err = l.sessionRuns(ctx, rootRunID)
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			if err := l.replay(ctx, s, r); err != nil {
				return nil, err
			}
		}

		if res, done, err := l.settle(ctx, s, runs); done || err != nil {
			return res, err
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.PollInterval):
			}
		}
	}
	// Out of iterations: report where the root stands.
	root, err = l.cfg.Runtime.GetState(ctx, rootRunID)
	if err != nil {
		return nil, err
	}
	return s.result(l.now(), root), nil
}

// skipToEnd moves every run's cursor past the records of an earlier process.
func (l *Loop) skipToEnd(ctx context.Context, s *session, rootRunID string) error {
	runs, err := l.sessionRuns(ctx, rootRunID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		recs, err := l.cfg.Ledger.List(ctx, r.RunID, 0, 0)
		if err != nil {
			return fmt.Errorf("reading ledger of %s: %w", r.RunID, err)
		}
		t := s.track(r.RunID)
		for _, rec := range recs {
			t.cursor = rec.Seq
			switch rec.Status {
			case core.LedgerWaiting:
				silent := rec.Effect != nil && rec.Effect.Type == core.EffectWaitEvent
				t.open[rec.NodeID] = openNode{rec: rec, silent: silent}
			case core.LedgerCompleted, core.LedgerFailed:
				delete(t.open, rec.NodeID)
			}
		}
		if r.Waiting != nil && r.Waiting.Reason == core.WaitUser {
			t.waitKeys[r.Waiting.WaitKey] = true
		}
	}
	return nil
}

// sessionRuns lists the root and all of its descendants, parents first.
func (l *Loop) sessionRuns(ctx context.Context, rootRunID string) ([]*core.RunState, error) {
	root, err := l.cfg.Runtime.GetState(ctx, rootRunID)
	if err != nil {
		return nil, err
	}
	out := []*core.RunState{root}
	for i := 0; i < len(out); i++ {
		children, err := l.cfg.Runs.ListChildren(ctx, out[i].RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// tickAll advances every running run by one step and resumes until-waits
// whose deadline has passed with no extra steps, so the following node
// runs on the next iteration.
func (l *Loop) tickAll(ctx context.Context, runs []*core.RunState) (bool, error) {
	now := l.now()
	var (
		mu         sync.Mutex
		progressed bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for _, r := range runs {
		switch {
		case r.Paused || r.Status.Terminal():
			continue
		case r.Status == core.StatusRunning:
			id := r.RunID
			g.Go(func() error {
				if _, err := l.cfg.Runtime.Tick(gctx, nil, id, 1); err != nil {
					return fmt.Errorf("ticking %s: %w", id, err)
				}
				mu.Lock()
				progressed = true
				mu.Unlock()
				return nil
			})
		case r.Status == core.StatusWaiting && r.Waiting != nil && r.Waiting.Reason == core.WaitUntil:
			if r.Waiting.Until.After(now) {
				continue
			}
			id, key, until := r.RunID, r.Waiting.WaitKey, r.Waiting.Until
			g.Go(func() error {
				_, err := l.cfg.Runtime.Resume(gctx, nil, id, key, map[string]any{
					"until":      until.UTC().Format(time.RFC3339Nano),
					"resumed_at": now.UTC().Format(time.RFC3339Nano),
				}, 0)
				if err != nil && !errors.Is(err, core.ErrNotWaiting) && !errors.Is(err, core.ErrWaitKeyMismatch) {
					return fmt.Errorf("resuming %s: %w", id, err)
				}
				mu.Lock()
				progressed = true
				mu.Unlock()
				return nil
			})
		}
	}
	err := g.Wait()
	return progressed, err
}

// replay turns the run's new ledger records into events.
func (l *Loop) replay(ctx context.Context, s *session, run *core.RunState) error {
	t := s.track(run.RunID)
	recs, err := l.cfg.Ledger.List(ctx, run.RunID, t.cursor, 0)
	if err != nil {
		return fmt.Errorf("reading ledger of %s: %w", run.RunID, err)
	}
	for _, rec := range recs {
		t.cursor = rec.Seq
		s.apply(run, rec)
	}
	s.flushControl(run)
	if run.Status == core.StatusWaiting && run.Waiting != nil && run.Waiting.Reason == core.WaitUser {
		s.waiting(run, l.now())
	}
	return nil
}

// settle decides whether Run returns after this iteration.
func (l *Loop) settle(ctx context.Context, s *session, runs []*core.RunState) (*Result, bool, error) {
	root := runs[0]
	if root.Status == core.StatusWaiting && root.Waiting != nil && root.Waiting.Reason == core.WaitUser {
		return s.result(l.now(), root), true, nil
	}
	if !root.Status.Terminal() {
		return nil, false, nil
	}

	var idle []*core.RunState
	var userWait *core.RunState
	for _, r := range runs[1:] {
		switch {
		case r.Status.Terminal():
		case r.Status == core.StatusWaiting && r.Waiting != nil && r.Waiting.Reason == core.WaitEvent:
			idle = append(idle, r)
		case r.Status == core.StatusWaiting && r.Waiting != nil && r.Waiting.Reason == core.WaitUser && userWait == nil:
			userWait = r
		default:
			return nil, false, nil
		}
	}
	if userWait != nil {
		res := s.result(l.now(), root)
		res.Waiting = userWait.Waiting
		res.WaitingRunID = userWait.RunID
		return res, true, nil
	}
	for _, r := range idle {
		if err := l.cfg.Runtime.CancelRun(ctx, r.RunID, "session finished"); err != nil {
			return nil, true, fmt.Errorf("cancelling idle listener %s: %w", r.RunID, err)
		}
	}
	s.finish(root, l.now())
	return s.result(l.now(), root), true, nil
}

// session is the observation state of one root run.
type session struct {
	mu      sync.Mutex
	rootID  string
	created time.Time
	emit    runtime.EventEmitter
	specs   *compiler.Registry

	started  bool
	resumed  bool
	finished bool
	events   int
	usage    core.TokenUsage
	runs     map[string]*tracked
}

// tracked is the replay state of one run of a session.
type tracked struct {
	cursor int64
	// open holds nodes waiting on an effect; silent ones had no node_start.
	open map[string]openNode
	// inflight holds control nodes whose frame is still on the stack.
	inflight map[string]openNode
	// waitKeys are the user waits already announced.
	waitKeys map[string]bool
	failed   bool
}

type openNode struct {
	rec    core.LedgerRecord
	silent bool
}

func newSession(root *core.RunState, emit runtime.EventEmitter, specs *compiler.Registry) *session {
	return &session{
		rootID:  root.RunID,
		created: root.CreatedAt,
		emit:    emit,
		specs:   specs,
		runs:    make(map[string]*tracked),
	}
}

func (s *session) track(runID string) *tracked {
	t, ok := s.runs[runID]
	if !ok {
		t = &tracked{
			open:     map[string]openNode{},
			inflight: map[string]openNode{},
			waitKeys: map[string]bool{},
		}
		s.runs[runID] = t
	}
	return t
}

func (s *session) send(e runtime.Event) {
	s.events++
	s.emit(e)
}

func (s *session) nodeKind(run *core.RunState, nodeID string) string {
	if s.specs == nil {
		return ""
	}
	spec, err := s.specs.Get(run.WorkflowID)
	if err != nil {
		return ""
	}
	return spec.Kind(nodeID)
}

func (s *session) event(kind runtime.EventKind, run *core.RunState, nodeID string, at time.Time) runtime.Event {
	e := runtime.NewEvent(kind, run.RunID).WithRoot(s.rootID, run.WorkflowID).WithTime(at)
	if nodeID != "" {
		e = e.WithNode(nodeID, s.nodeKind(run, nodeID))
	}
	return e
}

// apply translates one ledger record.
func (s *session) apply(run *core.RunState, rec core.LedgerRecord) {
	t := s.track(run.RunID)
	if rec.Usage != nil {
		s.usage = s.usage.Add(*rec.Usage)
	}
	switch rec.Status {
	case core.LedgerWaiting:
		silent := rec.Effect != nil && rec.Effect.Type == core.EffectWaitEvent
		t.open[rec.NodeID] = openNode{rec: rec, silent: silent}
		if !silent {
			s.send(s.event(runtime.EventNodeStart, run, rec.NodeID, rec.StartedAt))
		}

	case core.LedgerCompleted:
		if o, ok := t.open[rec.NodeID]; ok {
			delete(t.open, rec.NodeID)
			if o.silent {
				s.send(s.event(runtime.EventNodeStart, run, rec.NodeID, rec.StartedAt))
			}
			s.complete(run, rec)
			return
		}
		if rec.ControlOpen {
			if _, ok := t.inflight[rec.NodeID]; !ok {
				s.send(s.event(runtime.EventNodeStart, run, rec.NodeID, rec.StartedAt))
				t.inflight[rec.NodeID] = openNode{rec: rec}
			}
			return
		}
		if first, ok := t.inflight[rec.NodeID]; ok {
			delete(t.inflight, rec.NodeID)
			rec.StartedAt = first.rec.StartedAt
		} else {
			s.send(s.event(runtime.EventNodeStart, run, rec.NodeID, rec.StartedAt))
		}
		s.complete(run, rec)

	case core.LedgerFailed:
		_, wasOpen := t.open[rec.NodeID]
		delete(t.open, rec.NodeID)
		_, wasInflight := t.inflight[rec.NodeID]
		delete(t.inflight, rec.NodeID)
		if !wasOpen && !wasInflight {
			s.send(s.event(runtime.EventNodeStart, run, rec.NodeID, rec.StartedAt))
		}
		t.failed = true
		s.send(s.event(runtime.EventFlowError, run, rec.NodeID, rec.EndedAt).
			WithPayload("error", rec.Error))
	}
}

func (s *session) complete(run *core.RunState, rec core.LedgerRecord) {
	e := s.event(runtime.EventNodeComplete, run, rec.NodeID, rec.EndedAt).
		WithElapsed(rec.EndedAt.Sub(rec.StartedAt)).
		WithPayload("result", rec.Result).
		WithPayload("duration_ms", rec.EndedAt.Sub(rec.StartedAt).Milliseconds())
	if rec.Usage != nil {
		e = e.WithPayload("tokens", rec.Usage.Map())
	}
	s.send(e)
}

// flushControl completes control nodes still open when the run ended
// without a closing ledger record for them.
func (s *session) flushControl(run *core.RunState) {
	if !run.Status.Terminal() {
		return
	}
	t := s.track(run.RunID)
	open := make([]openNode, 0, len(t.inflight))
	for nodeID, o := range t.inflight {
		delete(t.inflight, nodeID)
		open = append(open, o)
	}
	// Innermost frames were raised last.
	sort.Slice(open, func(i, j int) bool { return open[i].rec.Seq > open[j].rec.Seq })
	for _, o := range open {
		rec := o.rec
		rec.EndedAt = run.UpdatedAt
		s.complete(run, rec)
	}
}

// waiting announces a user wait once per wait key.
func (s *session) waiting(run *core.RunState, at time.Time) {
	t := s.track(run.RunID)
	w := run.Waiting
	if t.waitKeys[w.WaitKey] {
		return
	}
	t.waitKeys[w.WaitKey] = true
	s.send(s.event(runtime.EventFlowWaiting, run, run.CurrentNode, at).
		WithPayload("wait_key", w.WaitKey).
		WithPayload("prompt", w.Prompt).
		WithPayload("choices", append([]string(nil), w.Choices...)).
		WithPayload("allow_free_text", w.AllowFreeText))
}

// finish emits the closing event of a settled session once.
func (s *session) finish(root *core.RunState, now time.Time) {
	if s.finished {
		return
	}
	s.finished = true
	elapsed := now.Sub(s.created)
	switch root.Status {
	case core.StatusCompleted:
		s.send(s.event(runtime.EventFlowComplete, root, "", now).
			WithElapsed(elapsed).
			WithPayload("result", root.Output).
			WithPayload("duration_ms", elapsed.Milliseconds()).
			WithPayload("total_tokens", s.usage.Map()))
	default:
		if t := s.track(root.RunID); !t.failed {
			s.send(s.event(runtime.EventFlowError, root, root.CurrentNode, now).
				WithPayload("error", root.Error).
				WithPayload("status", string(root.Status)))
		}
	}
}

func (s *session) result(now time.Time, root *core.RunState) *Result {
	res := &Result{
		RunID:    root.RunID,
		Status:   root.Status,
		Output:   root.Output,
		Error:    root.Error,
		Duration: now.Sub(s.created),
		Usage:    s.usage,
		Events:   s.events,
	}
	if root.Status == core.StatusWaiting && root.Waiting != nil && root.Waiting.Reason == core.WaitUser {
		res.Waiting = root.Waiting
		res.WaitingRunID = root.RunID
	}
	return res
}
