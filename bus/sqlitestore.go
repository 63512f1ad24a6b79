package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/flowrun/runtime"

	_ "modernc.org/sqlite"
)

// session_log holds one row per published event. The observation loop
// numbers events per session, so (session_id, seq) is the identity and a
// replayed event is dropped on insert.
const sessionLogSchema = `
CREATE TABLE IF NOT EXISTS session_log (
	session_id  TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	run_id      TEXT    NOT NULL,
	workflow_id TEXT    NOT NULL DEFAULT '',
	kind        TEXT    NOT NULL,
	node_id     TEXT    NOT NULL DEFAULT '',
	node_kind   TEXT    NOT NULL DEFAULT '',
	at          INTEGER NOT NULL,
	elapsed_ns  INTEGER NOT NULL DEFAULT 0,
	payload     TEXT    NOT NULL DEFAULT '{}',
	trace_id    TEXT    NOT NULL DEFAULT '',
	span_id     TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_session_log_at ON session_log (at);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	DSN string

	// RetentionAge drops events older than this (0 keeps them).
	RetentionAge time.Duration
	// RetentionCount keeps the newest events of each session (0 keeps all).
	RetentionCount int
	// PruneInterval defaults to one hour.
	PruneInterval time.Duration
}

// SQLiteEventStore keeps the event log of every observed session so SSE
// and WebSocket clients can replay a session from any seq.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop context.CancelFunc
	wg   sync.WaitGroup
	once sync.Once
}

// NewSQLiteEventStore opens (or creates) the session log at cfg.DSN and
// starts the pruner when a retention limit is set.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("event store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sessionLogSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("event store: init: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteEventStore{db: db, cfg: cfg, stop: cancel}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		s.wg.Add(1)
		go s.prune(ctx)
	}
	return s, nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event store: encode payload of %s #%d: %w", event.SessionID(), event.Seq, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO session_log
		(session_id, seq, run_id, workflow_id, kind, node_id, node_kind, at, elapsed_ns, payload, trace_id, span_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID(),
		int64(event.Seq), // #nosec G115 -- per-session counters stay small
		event.RunID, event.WorkflowID, string(event.Kind), event.NodeID, event.NodeKind,
		unixNano(event.Time), int64(event.Elapsed), string(raw), event.TraceID, event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("event store: append %s #%d: %w", event.SessionID(), event.Seq, err)
	}
	return nil
}

func (s *SQLiteEventStore) List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, seq, run_id, workflow_id, kind, node_id, node_kind,
			at, elapsed_ns, payload, trace_id, span_id
		FROM session_log WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		sessionID, int64(afterSeq), limit) // #nosec G115
	if err != nil {
		return nil, fmt.Errorf("event store: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []runtime.Event
	for rows.Next() {
		e, err := scanLogRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteEventStore) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_log WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event store: latest seq of %s: %w", sessionID, err)
	}
	return uint64(max(seq, 0)), nil
}

// Sessions lists the sessions that have events, sorted by id.
func (s *SQLiteEventStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM session_log ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("event store: sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("event store: sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune applies the retention limits once.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM session_log WHERE at < ?`, cutoff); err != nil {
			return fmt.Errorf("event store: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_log WHERE (session_id, seq) IN (
			SELECT session_id, seq FROM (
				SELECT session_id, seq,
					ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY seq DESC) AS newest
				FROM session_log
			) WHERE newest > ?
		)`, s.cfg.RetentionCount)
		if err != nil {
			return fmt.Errorf("event store: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) prune(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Prune(ctx)
		}
	}
}

// Close stops the pruner and closes the database. Later calls are no-ops.
func (s *SQLiteEventStore) Close() error {
	var err error
	s.once.Do(func() {
		s.stop()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func scanLogRow(rows *sql.Rows) (runtime.Event, error) {
	var (
		e         runtime.Event
		session   string
		seq       int64
		kind      string
		at        int64
		elapsedNS int64
		raw       string
	)
	if err := rows.Scan(&session, &seq, &e.RunID, &e.WorkflowID, &kind, &e.NodeID, &e.NodeKind,
		&at, &elapsedNS, &raw, &e.TraceID, &e.SpanID); err != nil {
		return e, fmt.Errorf("event store: scan: %w", err)
	}
	if session != e.RunID {
		e.RootRunID = session
	}
	e.Seq = uint64(seq) // #nosec G115 -- written from a uint64
	e.Kind = runtime.EventKind(kind)
	if at != 0 {
		e.Time = time.Unix(0, at).UTC()
	}
	e.Elapsed = time.Duration(elapsedNS)
	e.Payload = map[string]any{}
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return e, fmt.Errorf("event store: decode payload of %s #%d: %w", session, seq, err)
		}
	}
	return e, nil
}

// unixNano maps the zero time to 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

var _ EventStore = (*SQLiteEventStore)(nil)
