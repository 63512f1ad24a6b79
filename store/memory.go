package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/flowrun/core"
)

type memRun struct {
	state        *core.RunState
	leaseOwner   string
	leaseExpires time.Time
}

type memCommand struct {
	rec          core.CommandRecord
	claimOwner   string
	claimExpires time.Time
}

// Memory is an in-process RunStore and LedgerStore. Its CommandInbox is
// reached through Commands.
type Memory struct {
	mu       sync.Mutex
	runs     map[string]*memRun
	ledger   map[string][]core.LedgerRecord
	commands map[string]*memCommand
	order    []string
	seq      int64
	now      func() time.Time
}

var (
	_ RunStore    = (*Memory)(nil)
	_ LedgerStore = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]*memRun),
		ledger:   make(map[string][]core.LedgerRecord),
		commands: make(map[string]*memCommand),
		now:      time.Now,
	}
}

func (m *Memory) Create(_ context.Context, run *core.RunState) error {
	if run == nil || run.RunID == "" {
		return errors.New("store: run id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.RunID)
	}
	m.runs[run.RunID] = &memRun{state: run.Clone()}
	return nil
}

func (m *Memory) Save(_ context.Context, run *core.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[run.RunID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, run.RunID)
	}
	r.state = run.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, runID string) (*core.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	return r.state.Clone(), nil
}

func (m *Memory) ListChildren(_ context.Context, parentRunID string) ([]*core.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.RunState
	for _, r := range m.runs {
		if r.state.ParentRunID == parentRunID {
			out = append(out, r.state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func (m *Memory) ListRunnable(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*core.RunState
	for _, r := range m.runs {
		if Runnable(r.state, now) {
			due = append(due, r.state)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].UpdatedAt.Equal(due[j].UpdatedAt) {
			return due[i].UpdatedAt.Before(due[j].UpdatedAt)
		}
		return due[i].RunID < due[j].RunID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.RunID
	}
	return ids, nil
}

func (m *Memory) TryAcquireLease(_ context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("store: lease ttl must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	now := m.now()
	if r.leaseOwner != "" && r.leaseOwner != owner && now.Before(r.leaseExpires) {
		return false, nil
	}
	r.leaseOwner = owner
	r.leaseExpires = now.Add(ttl)
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, runID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	now := m.now()
	if r.leaseOwner != owner || !now.Before(r.leaseExpires) {
		return ErrLeaseHeld
	}
	r.leaseExpires = now.Add(ttl)
	return nil
}

func (m *Memory) ReleaseLease(_ context.Context, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.leaseOwner == "" {
		return nil
	}
	if r.leaseOwner != owner && m.now().Before(r.leaseExpires) {
		return ErrLeaseHeld
	}
	r.leaseOwner = ""
	r.leaseExpires = time.Time{}
	return nil
}

func (m *Memory) Append(_ context.Context, rec core.LedgerRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Seq = int64(len(m.ledger[rec.RunID]) + 1)
	rec.Result = core.CloneValue(rec.Result)
	m.ledger[rec.RunID] = append(m.ledger[rec.RunID], rec)
	return rec.Seq, nil
}

func (m *Memory) List(_ context.Context, runID string, afterSeq int64, limit int) ([]core.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.ledger[runID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(recs)) {
		return nil, nil
	}
	out := recs[afterSeq:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]core.LedgerRecord(nil), out...), nil
}

// Commands returns the command inbox sharing m's lock and clock.
func (m *Memory) Commands() *MemoryInbox {
	return &MemoryInbox{m: m}
}

// MemoryInbox is the CommandInbox of a Memory store.
type MemoryInbox struct {
	m *Memory
}

var _ CommandInbox = (*MemoryInbox)(nil)

func (in *MemoryInbox) Append(_ context.Context, cmd core.CommandRecord) (core.AppendResult, error) {
	m := in.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.commands[cmd.CommandID]; ok {
		return core.AppendResult{Duplicate: true, Seq: existing.rec.Seq}, nil
	}
	m.seq++
	cmd.Seq = m.seq
	if cmd.TS.IsZero() {
		cmd.TS = m.now().UTC()
	}
	cmd.Payload = core.CloneVars(cmd.Payload)
	cmd.AppliedAt, cmd.Outcome, cmd.Error = nil, "", ""
	m.commands[cmd.CommandID] = &memCommand{rec: cmd}
	m.order = append(m.order, cmd.CommandID)
	return core.AppendResult{Accepted: true, Seq: cmd.Seq}, nil
}

func (in *MemoryInbox) Claim(_ context.Context, owner string, limit int, ttl time.Duration) ([]core.CommandRecord, error) {
	m := in.m
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var cands []pending
	var ids []string
	for _, id := range m.order {
		c := m.commands[id]
		if c.rec.AppliedAt != nil {
			continue
		}
		cands = append(cands, pending{cmd: c.rec, claimOwner: c.claimOwner, claimExpires: c.claimExpires})
		ids = append(ids, id)
	}
	var out []core.CommandRecord
	for _, i := range selectClaims(cands, owner, now, limit) {
		c := m.commands[ids[i]]
		c.claimOwner = owner
		c.claimExpires = now.Add(ttl)
		rec := c.rec
		rec.Payload = core.CloneVars(rec.Payload)
		out = append(out, rec)
	}
	return out, nil
}

func (in *MemoryInbox) MarkApplied(_ context.Context, commandID, outcome, errMsg string) error {
	m := in.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	if c.rec.AppliedAt != nil {
		return nil
	}
	at := m.now().UTC()
	c.rec.AppliedAt = &at
	c.rec.Outcome = outcome
	c.rec.Error = errMsg
	c.claimOwner = ""
	return nil
}

func (in *MemoryInbox) Get(_ context.Context, commandID string) (core.CommandRecord, error) {
	m := in.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return core.CommandRecord{}, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	rec := c.rec
	rec.Payload = core.CloneVars(rec.Payload)
	return rec, nil
}
