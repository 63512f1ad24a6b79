package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/flowrun/core"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// DSN is the database path or connection string.
	DSN string
	// Now overrides the clock used for leases and claims.
	Now func() time.Time
}

// SQLite persists runs, ledgers and commands in one SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ RunStore    = (*SQLite)(nil)
	_ LedgerStore = (*SQLite)(nil)
)

// OpenSQLite opens (or creates) a SQLite store.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store: dsn is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One connection: SQLite has a single writer and :memory: databases are
	// per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: create schema: %w", err)
	}
	return &SQLite{db: db, now: cfg.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func runColumns(run *core.RunState) (waitReason string, waitUntil int64, state []byte, err error) {
	state, err = json.Marshal(run)
	if err != nil {
		return "", 0, nil, fmt.Errorf("sqlite store: encode run %s: %w", run.RunID, err)
	}
	if run.Status == core.StatusWaiting && run.Waiting != nil {
		waitReason = string(run.Waiting.Reason)
		if !run.Waiting.Until.IsZero() {
			waitUntil = run.Waiting.Until.UnixNano()
		}
	}
	return waitReason, waitUntil, state, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) Create(ctx context.Context, run *core.RunState) error {
	if run == nil || run.RunID == "" {
		return errors.New("store: run id is required")
	}
	reason, until, state, err := runColumns(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_id, parent_run_id, status, paused, wait_reason, wait_until, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.WorkflowID, run.ParentRunID, string(run.Status), boolInt(run.Paused),
		reason, until, state, run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: %s", ErrRunExists, run.RunID)
	}
	return err
}

func (s *SQLite) Save(ctx context.Context, run *core.RunState) error {
	reason, until, state, err := runColumns(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, paused = ?, wait_reason = ?, wait_until = ?, state = ?, updated_at = ?
		WHERE run_id = ?`,
		string(run.Status), boolInt(run.Paused), reason, until, state, run.UpdatedAt.UnixNano(), run.RunID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, run.RunID)
	}
	return nil
}

func decodeRun(state []byte) (*core.RunState, error) {
	var run core.RunState
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("sqlite store: decode run: %w", err)
	}
	if run.Vars == nil {
		run.Vars = map[string]any{}
	}
	return &run, nil
}

func (s *SQLite) Get(ctx context.Context, runID string) (*core.RunState, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE run_id = ?`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(state)
}

func (s *SQLite) ListChildren(ctx context.Context, parentRunID string) ([]*core.RunState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state FROM runs WHERE parent_run_id = ? ORDER BY created_at, run_id`, parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.RunState
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		run, err := decodeRun(state)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLite) ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT run_id FROM runs
		WHERE paused = 0 AND (
			status = ?
			OR (status = ? AND wait_reason = ? AND wait_until > 0 AND wait_until <= ?)
		)
		ORDER BY updated_at, run_id`
	args := []any{string(core.StatusRunning), string(core.StatusWaiting), string(core.WaitUntil), now.UnixNano()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("store: lease ttl must be > 0")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET lease_owner = ?, lease_expires_at = ?
		WHERE run_id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at <= ?)`,
		owner, now.Add(ttl).UnixNano(), runID, owner, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, runID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLite) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_expires_at = ?
		WHERE run_id = ? AND lease_owner = ? AND lease_expires_at > ?`,
		now.Add(ttl).UnixNano(), runID, owner, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (s *SQLite) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_owner = '', lease_expires_at = 0
		WHERE run_id = ? AND lease_owner = ?`, runID, owner)
	return err
}

func (s *SQLite) Append(ctx context.Context, rec core.LedgerRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger WHERE run_id = ?`, rec.RunID,
	).Scan(&rec.Seq); err != nil {
		return 0, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: encode ledger record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (run_id, seq, record) VALUES (?, ?, ?)`, rec.RunID, rec.Seq, data,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

func (s *SQLite) List(ctx context.Context, runID string, afterSeq int64, limit int) ([]core.LedgerRecord, error) {
	query := `SELECT record FROM ledger WHERE run_id = ? AND seq > ? ORDER BY seq`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.LedgerRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec core.LedgerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("sqlite store: decode ledger record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Commands returns the command inbox stored in the same database.
func (s *SQLite) Commands() *SQLiteInbox {
	return &SQLiteInbox{s: s}
}

// SQLiteInbox is the CommandInbox of a SQLite store.
type SQLiteInbox struct {
	s *SQLite
}

var _ CommandInbox = (*SQLiteInbox)(nil)

func (in *SQLiteInbox) Append(ctx context.Context, cmd core.CommandRecord) (core.AppendResult, error) {
	if cmd.TS.IsZero() {
		cmd.TS = in.s.now().UTC()
	}
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return core.AppendResult{}, fmt.Errorf("sqlite inbox: encode payload: %w", err)
	}
	res, err := in.s.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, run_id, type, payload, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO NOTHING`,
		cmd.CommandID, cmd.RunID, string(cmd.Type), payload, cmd.TS.UnixNano(),
	)
	if err != nil {
		return core.AppendResult{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.AppendResult{}, err
	}
	var seq int64
	if err := in.s.db.QueryRowContext(ctx,
		`SELECT seq FROM commands WHERE command_id = ?`, cmd.CommandID,
	).Scan(&seq); err != nil {
		return core.AppendResult{}, err
	}
	if affected == 0 {
		return core.AppendResult{Duplicate: true, Seq: seq}, nil
	}
	return core.AppendResult{Accepted: true, Seq: seq}, nil
}

const commandColumns = `seq, command_id, run_id, type, payload, ts, applied_at, outcome, error, claim_owner, claim_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (pending, error) {
	var (
		p                      pending
		typ                    string
		payload                []byte
		ts, appliedAt, expires int64
	)
	if err := row.Scan(&p.cmd.Seq, &p.cmd.CommandID, &p.cmd.RunID, &typ, &payload, &ts,
		&appliedAt, &p.cmd.Outcome, &p.cmd.Error, &p.claimOwner, &expires); err != nil {
		return p, err
	}
	p.cmd.Type = core.CommandType(typ)
	p.cmd.TS = time.Unix(0, ts).UTC()
	if appliedAt > 0 {
		at := time.Unix(0, appliedAt).UTC()
		p.cmd.AppliedAt = &at
	}
	if expires > 0 {
		p.claimExpires = time.Unix(0, expires)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p.cmd.Payload); err != nil {
			return p, fmt.Errorf("sqlite inbox: decode payload: %w", err)
		}
	}
	return p, nil
}

func (in *SQLiteInbox) Claim(ctx context.Context, owner string, limit int, ttl time.Duration) ([]core.CommandRecord, error) {
	tx, err := in.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE applied_at = 0 ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	var cands []pending
	for rows.Next() {
		p, err := scanCommand(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		cands = append(cands, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	now := in.s.now()
	var out []core.CommandRecord
	for _, i := range selectClaims(cands, owner, now, limit) {
		cmd := cands[i].cmd
		if _, err := tx.ExecContext(ctx,
			`UPDATE commands SET claim_owner = ?, claim_expires_at = ? WHERE command_id = ?`,
			owner, now.Add(ttl).UnixNano(), cmd.CommandID,
		); err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (in *SQLiteInbox) MarkApplied(ctx context.Context, commandID, outcome, errMsg string) error {
	res, err := in.s.db.ExecContext(ctx, `
		UPDATE commands SET applied_at = ?, outcome = ?, error = ?, claim_owner = ''
		WHERE command_id = ? AND applied_at = 0`,
		in.s.now().UnixNano(), outcome, errMsg, commandID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := in.Get(ctx, commandID); err != nil {
			return err
		}
	}
	return nil
}

func (in *SQLiteInbox) Get(ctx context.Context, commandID string) (core.CommandRecord, error) {
	row := in.s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
	p, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CommandRecord{}, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	if err != nil {
		return core.CommandRecord{}, err
	}
	return p.cmd, nil
}
