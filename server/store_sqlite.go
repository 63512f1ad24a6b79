package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/flowrun/graph"

	_ "modernc.org/sqlite"
)

const flowSQLiteSchema = `
CREATE TABLE IF NOT EXISTS flows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT,
	definition BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStoreConfig configures the SQLite flow store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists flow records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed flow store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("flow store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow sqlite store set busy timeout: %w", err)
	}
	if _, err := db.Exec(flowSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM flows
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store list: %w", err)
	}
	defer rows.Close()

	var records []FlowRecord
	for rows.Next() {
		rec, err := scanFlowRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flow sqlite store list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (FlowRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM flows
WHERE id = ?`, id)

	rec, err := scanFlowRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FlowRecord{}, false, nil
		}
		return FlowRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec FlowRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	def, err := marshalFlow(rec.Flow)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO flows (id, name, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, def,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isFlowSQLiteUniqueViolation(err) {
			return ErrFlowExists
		}
		return fmt.Errorf("flow sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec FlowRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	def, err := marshalFlow(rec.Flow)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE flows
SET name = ?, definition = ?, updated_at = ?
WHERE id = ?`,
		rec.Name, def, rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("flow sqlite store update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flow sqlite store update affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("flow sqlite store delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flow sqlite store delete affected rows: %w", err)
	}
	if affected == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalFlow(fd *graph.FlowDef) ([]byte, error) {
	if fd == nil {
		return nil, errors.New("flow sqlite store: flow definition is nil")
	}
	data, err := json.Marshal(fd)
	if err != nil {
		return nil, fmt.Errorf("flow sqlite store marshal flow: %w", err)
	}
	return data, nil
}

type flowScanner interface {
	Scan(dest ...any) error
}

func scanFlowRecord(scanner flowScanner) (FlowRecord, error) {
	var (
		id        string
		name      sql.NullString
		defRaw    []byte
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &name, &defRaw, &createdAt, &updatedAt); err != nil {
		return FlowRecord{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return FlowRecord{}, fmt.Errorf("flow sqlite store parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return FlowRecord{}, fmt.Errorf("flow sqlite store parse updated_at: %w", err)
	}
	var fd graph.FlowDef
	if err := json.Unmarshal(defRaw, &fd); err != nil {
		return FlowRecord{}, fmt.Errorf("flow sqlite store unmarshal flow: %w", err)
	}
	return FlowRecord{
		ID:        id,
		Name:      name.String,
		Flow:      &fd,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func isFlowSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: flows.id")
}

var _ FlowStore = (*SQLiteStore)(nil)
