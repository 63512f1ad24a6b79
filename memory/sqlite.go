package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const notesSchema = `
CREATE TABLE IF NOT EXISTS memory_notes (
	id         TEXT PRIMARY KEY,
	namespace  TEXT    NOT NULL,
	text       TEXT    NOT NULL,
	tags       BLOB,
	run_id     TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_notes_namespace ON memory_notes(namespace, created_at);`

// SQLiteStore persists notes in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) a note store at dsn.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(notesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory sqlite: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, note Note) (Note, error) {
	note, err := prepare(note)
	if err != nil {
		return Note{}, err
	}
	tags, err := json.Marshal(note.Tags)
	if err != nil {
		return Note{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_notes (id, namespace, text, tags, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		note.ID, note.Namespace, note.Text, tags, note.RunID, note.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Note{}, fmt.Errorf("memory sqlite: insert: %w", err)
	}
	return note, nil
}

func (s *SQLiteStore) Query(ctx context.Context, namespace, query string, limit int) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, text, tags, run_id, created_at
		FROM memory_notes WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: query: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			n       Note
			tags    []byte
			created int64
		)
		if err := rows.Scan(&n.ID, &n.Namespace, &n.Text, &tags, &n.RunID, &created); err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &n.Tags); err != nil {
				return nil, fmt.Errorf("memory sqlite: decode tags: %w", err)
			}
		}
		n.CreatedAt = timeFromNanos(created)
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rank(notes, query, limit), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
