// Package store persists runs, their append-only ledgers and the command
// inbox that drives them.
//
// Three backends are provided: Memory for tests and single-process hosts,
// SQLite for durable single-node deployments, and a Redis command inbox for
// hosts that share one inbox across processes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/flowrun/core"
)

var (
	ErrRunExists       = errors.New("store: run already exists")
	ErrLeaseHeld       = errors.New("store: run lease held by another owner")
	ErrCommandNotFound = errors.New("store: command not found")
)

// RunStore persists run state. Implementations return clones; callers may
// mutate what they get back.
type RunStore interface {
	Create(ctx context.Context, run *core.RunState) error
	Save(ctx context.Context, run *core.RunState) error
	Get(ctx context.Context, runID string) (*core.RunState, error)

	// ListChildren returns the runs whose ParentRunID is parentRunID,
	// oldest first.
	ListChildren(ctx context.Context, parentRunID string) ([]*core.RunState, error)

	// ListRunnable returns ids of runs a scanner should tick at now: running
	// and unpaused, or waiting on a deadline that has passed.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error)

	// TryAcquireLease acquires or re-acquires the lease on a run.
	TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends a lease held by owner; ErrLeaseHeld otherwise.
	RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error
	// ReleaseLease drops a lease held by owner. It is idempotent.
	ReleaseLease(ctx context.Context, runID, owner string) error
}

// LedgerStore is the append-only step history of every run.
type LedgerStore interface {
	// Append assigns the next per-run sequence number and stores rec.
	Append(ctx context.Context, rec core.LedgerRecord) (int64, error)
	// List returns records with Seq > afterSeq in order, at most limit
	// (0 means no limit).
	List(ctx context.Context, runID string, afterSeq int64, limit int) ([]core.LedgerRecord, error)
}

// CommandInbox is the durable, idempotent queue of external commands.
type CommandInbox interface {
	// Append stores cmd unless a command with the same id exists, in which
	// case Duplicate is set and the original sequence number returned.
	Append(ctx context.Context, cmd core.CommandRecord) (core.AppendResult, error)

	// Claim leases up to limit pending commands to owner in sequence order.
	// A command is skipped while an earlier pending command of the same run
	// is claimed by someone else, so each run sees its commands in order.
	Claim(ctx context.Context, owner string, limit int, ttl time.Duration) ([]core.CommandRecord, error)

	// MarkApplied records the outcome of a claimed command. Applied commands
	// are never claimed again.
	MarkApplied(ctx context.Context, commandID, outcome, errMsg string) error

	Get(ctx context.Context, commandID string) (core.CommandRecord, error)
}

// Runnable reports whether a scanner should tick run at now.
func Runnable(run *core.RunState, now time.Time) bool {
	if run == nil || run.Paused {
		return false
	}
	switch run.Status {
	case core.StatusRunning:
		return true
	case core.StatusWaiting:
		w := run.Waiting
		return w != nil && w.Reason == core.WaitUntil && !w.Until.IsZero() && !w.Until.After(now)
	}
	return false
}

// pending is a not-yet-applied command together with its current claim.
type pending struct {
	cmd          core.CommandRecord
	claimOwner   string
	claimExpires time.Time
}

// selectClaims picks the commands owner may claim from pending, which must be
// in sequence order.
func selectClaims(cmds []pending, owner string, now time.Time, limit int) []int {
	blocked := map[string]bool{}
	var out []int
	for i, p := range cmds {
		if limit > 0 && len(out) >= limit {
			break
		}
		if blocked[p.cmd.RunID] {
			continue
		}
		if p.claimOwner != "" && p.claimOwner != owner && now.Before(p.claimExpires) {
			blocked[p.cmd.RunID] = true
			continue
		}
		out = append(out, i)
	}
	return out
}
