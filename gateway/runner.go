// Package gateway applies external commands to runs and keeps runnable runs
// moving. Commands go through a durable, idempotent inbox; a pool of
// workers claims and applies them while a scanner ticks runs that are
// running or whose deadline has passed. Both loops poll, so a restarted
// runner picks up exactly where the stores say it left off.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/store"
)

const (
	defaultWorkers      = 2
	defaultClaimLimit   = 16
	defaultClaimTTL     = 30 * time.Second
	defaultLeaseTTL     = 30 * time.Second
	defaultPollInterval = 250 * time.Millisecond
	defaultScanLimit    = 100
	defaultStepsPerTick = 100
	defaultTickRate     = 200
)

// Command outcomes recorded in the inbox.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Config configures a Runner.
type Config struct {
	Inbox   store.CommandInbox
	Runs    store.RunStore
	Runtime runtime.Runtime

	// Workers is the number of inbox loops.
	Workers int
	// ClaimLimit caps the commands one worker claims per poll.
	ClaimLimit int
	ClaimTTL   time.Duration
	// LeaseTTL is how long a run lease is held while it is ticked.
	LeaseTTL     time.Duration
	PollInterval time.Duration
	// ScanLimit caps the runs listed per scanner pass.
	ScanLimit int
	// StepsPerTick is the step budget of each scanner tick.
	StepsPerTick int
	// TickRate limits scanner ticks per second.
	TickRate rate.Limit

	// Owner identifies this runner in claims and leases.
	Owner   string
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Runner is the command-inbox and run-scanner worker pool.
type Runner struct {
	inbox    store.CommandInbox
	runs     store.RunStore
	rt       runtime.Runtime
	cfg      Config
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	workerID func(i int) string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Inbox == nil {
		return nil, errors.New("gateway: command inbox is nil")
	}
	if cfg.Runs == nil {
		return nil, errors.New("gateway: run store is nil")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("gateway: runtime is nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = defaultClaimLimit
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = defaultScanLimit
	}
	if cfg.StepsPerTick <= 0 {
		cfg.StepsPerTick = defaultStepsPerTick
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = defaultTickRate
	}
	if cfg.Owner == "" {
		cfg.Owner = "gateway-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	owner := cfg.Owner
	return &Runner{
		inbox:    cfg.Inbox,
		runs:     cfg.Runs,
		rt:       cfg.Runtime,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.TickRate, cfg.Workers),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		workerID: func(i int) string { return fmt.Sprintf("%s/%d", owner, i) },
	}, nil
}

// Submit validates cmd and appends it to the inbox. Appending a command id
// that was seen before returns Duplicate and never applies it again.
func (r *Runner) Submit(ctx context.Context, cmd core.CommandRecord) (core.AppendResult, error) {
	res, err := r.submit(ctx, cmd)
	switch {
	case err != nil:
		r.metrics.recordSubmit(string(cmd.Type), "rejected")
	case res.Duplicate:
		r.metrics.recordSubmit(string(cmd.Type), "duplicate")
	default:
		r.metrics.recordSubmit(string(cmd.Type), "accepted")
	}
	return res, err
}

func (r *Runner) submit(ctx context.Context, cmd core.CommandRecord) (core.AppendResult, error) {
	if cmd.CommandID == "" {
		return core.AppendResult{}, reject(CodeInvalidCommand, "", "command_id is required")
	}
	if !cmd.Type.Valid() {
		return core.AppendResult{}, reject(CodeInvalidCommand, cmd.CommandID, "unknown command type %q", cmd.Type)
	}
	if cmd.RunID == "" {
		return core.AppendResult{}, reject(CodeInvalidCommand, cmd.CommandID, "run_id is required")
	}
	if cmd.Type == core.CommandEmitEvent && core.AsString(cmd.Payload["event"]) == "" {
		return core.AppendResult{}, reject(CodeInvalidCommand, cmd.CommandID, "emit_event requires payload.event")
	}
	if _, err := r.runs.Get(ctx, cmd.RunID); err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			return core.AppendResult{}, reject(CodeUnknownRun, cmd.CommandID, "run %s not found", cmd.RunID)
		}
		rej := reject(CodeInboxError, cmd.CommandID, "looking up run: %v", err)
		rej.Err = err
		return core.AppendResult{}, rej
	}
	if cmd.TS.IsZero() {
		cmd.TS = r.now()
	}
	res, err := r.inbox.Append(ctx, cmd)
	if err != nil {
		rej := reject(CodeInboxError, cmd.CommandID, "appending command: %v", err)
		rej.Err = err
		return core.AppendResult{}, rej
	}
	if res.Duplicate {
		r.logger.Debug("duplicate command", "command_id", cmd.CommandID, "run_id", cmd.RunID, "seq", res.Seq)
	}
	return res, nil
}

// Start launches the worker pool and the scanner. It returns immediately;
// call Stop to shut them down.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	r.cancel = cancel
	r.done = done

	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < r.cfg.Workers; i++ {
		owner := r.workerID(i)
		g.Go(func() error {
			return r.poll(gctx, func(ctx context.Context) (int, error) {
				return r.drainInbox(ctx, owner)
			})
		})
	}
	g.Go(func() error {
		return r.poll(gctx, r.scan)
	})
	go func() {
		done <- g.Wait()
	}()
	r.logger.Info("gateway started", "owner", r.cfg.Owner, "workers", r.cfg.Workers)
	return nil
}

// Stop cancels the loops and waits for them to return.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce drains the inbox once and runs one scanner pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	_, inboxErr := r.drainInbox(ctx, r.workerID(0))
	_, scanErr := r.scan(ctx)
	return errors.Join(inboxErr, scanErr)
}

// poll runs pass until ctx is done, sleeping when a pass found no work.
func (r *Runner) poll(ctx context.Context, pass func(context.Context) (int, error)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		n, err := pass(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("gateway pass failed", "error", err)
		}
		wait := r.cfg.PollInterval
		if n > 0 && err == nil {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// drainInbox claims pending commands for owner and applies them in order.
func (r *Runner) drainInbox(ctx context.Context, owner string) (int, error) {
	cmds, err := r.inbox.Claim(ctx, owner, r.cfg.ClaimLimit, r.cfg.ClaimTTL)
	if err != nil {
		return 0, fmt.Errorf("claiming commands: %w", err)
	}
	applied := 0
	leased := map[string]bool{}
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		if leased[cmd.RunID] {
			continue
		}
		r.metrics.busy(1)
		outcome, msg, ok := r.apply(ctx, owner, cmd)
		r.metrics.busy(-1)
		if !ok {
			// The run is leased elsewhere. Its commands stay claimed until
			// the claim expires and are retried in order after that.
			leased[cmd.RunID] = true
			continue
		}
		if err := r.inbox.MarkApplied(ctx, cmd.CommandID, outcome, msg); err != nil {
			return applied, fmt.Errorf("marking command %s applied: %w", cmd.CommandID, err)
		}
		r.metrics.recordApplied(string(cmd.Type), outcome)
		r.logger.Info("command applied", "command_id", cmd.CommandID, "run_id", cmd.RunID,
			"type", cmd.Type, "outcome", outcome, "error", msg)
		applied++
	}
	return applied, nil
}

// apply executes one command under the run's lease. ok is false when the
// lease is held by another owner.
func (r *Runner) apply(ctx context.Context, owner string, cmd core.CommandRecord) (outcome, msg string, ok bool) {
	acquired, err := r.runs.TryAcquireLease(ctx, cmd.RunID, owner, r.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			return OutcomeRejected, err.Error(), true
		}
		return OutcomeFailed, err.Error(), true
	}
	if !acquired {
		return "", "", false
	}
	defer func() {
		if err := r.runs.ReleaseLease(context.WithoutCancel(ctx), cmd.RunID, owner); err != nil {
			r.logger.Warn("releasing lease", "run_id", cmd.RunID, "error", err)
		}
	}()

	err = r.execute(ctx, cmd)
	switch {
	case err == nil:
		return OutcomeApplied, "", true
	case isRejection(err):
		return OutcomeRejected, err.Error(), true
	default:
		return OutcomeFailed, err.Error(), true
	}
}

func (r *Runner) execute(ctx context.Context, cmd core.CommandRecord) error {
	p := cmd.Payload
	switch cmd.Type {
	case core.CommandPause:
		_, err := r.rt.SetPaused(ctx, cmd.RunID, true)
		return err

	case core.CommandResume:
		steps := core.AsInt(p["max_steps"], r.cfg.StepsPerTick)
		if key := core.AsString(p["wait_key"]); key != "" {
			value, ok := p["value"]
			if !ok {
				value = p["payload"]
			}
			_, err := r.rt.Resume(ctx, nil, cmd.RunID, key, value, steps)
			return err
		}
		if _, err := r.rt.SetPaused(ctx, cmd.RunID, false); err != nil {
			return err
		}
		_, err := r.rt.Tick(ctx, nil, cmd.RunID, steps)
		return err

	case core.CommandCancel:
		return r.rt.CancelRun(ctx, cmd.RunID, core.AsString(p["reason"]))

	case core.CommandEmitEvent:
		n, err := r.rt.EmitEvent(ctx, cmd.RunID, core.AsString(p["event"]), p["payload"], core.AsInt(p["max_steps"], 0))
		r.logger.Debug("event delivered", "command_id", cmd.CommandID, "run_id", cmd.RunID, "delivered", n)
		return err
	}
	return fmt.Errorf("unknown command type %q", cmd.Type)
}

// isRejection reports errors that say the command does not fit the run's
// current state. They are recorded, never retried.
func isRejection(err error) bool {
	return errors.Is(err, core.ErrWaitKeyMismatch) ||
		errors.Is(err, core.ErrNotWaiting) ||
		errors.Is(err, core.ErrRunTerminal) ||
		errors.Is(err, core.ErrRunNotFound) ||
		errors.Is(err, runtime.ErrInvalidAnswer)
}

// scan ticks every runnable run once under its lease.
func (r *Runner) scan(ctx context.Context) (int, error) {
	ids, err := r.runs.ListRunnable(ctx, r.now(), r.cfg.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("listing runnable runs: %w", err)
	}
	ticked := 0
	for _, id := range ids {
		if err := r.limiter.Wait(ctx); err != nil {
			return ticked, err
		}
		ok, err := r.tick(ctx, id)
		if err != nil {
			r.logger.Warn("tick failed", "run_id", id, "error", err)
			continue
		}
		if ok {
			ticked++
		}
	}
	return ticked, nil
}

func (r *Runner) tick(ctx context.Context, runID string) (bool, error) {
	owner := r.cfg.Owner
	acquired, err := r.runs.TryAcquireLease(ctx, runID, owner, r.cfg.LeaseTTL)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		if err := r.runs.ReleaseLease(context.WithoutCancel(ctx), runID, owner); err != nil {
			r.logger.Warn("releasing lease", "run_id", runID, "error", err)
		}
	}()
	start := time.Now()
	st, err := r.rt.Tick(ctx, nil, runID, r.cfg.StepsPerTick)
	if err != nil {
		r.metrics.recordTick("error", time.Since(start).Seconds())
		return false, err
	}
	r.metrics.recordTick(string(st.Status), time.Since(start).Seconds())
	return true, nil
}
