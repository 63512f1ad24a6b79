// Package memory backs the memory_note and memory_query effects.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Note is one remembered piece of text.
type Note struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Map renders the note as a JSON-safe value for run vars.
func (n Note) Map() map[string]any {
	tags := make([]any, len(n.Tags))
	for i, t := range n.Tags {
		tags[i] = t
	}
	return map[string]any{
		"id":         n.ID,
		"namespace":  n.Namespace,
		"text":       n.Text,
		"tags":       tags,
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Store keeps notes by namespace.
type Store interface {
	Add(ctx context.Context, note Note) (Note, error)
	// Query returns up to limit notes of a namespace ranked by how many
	// query terms they contain, newest first on ties. An empty query
	// returns the newest notes.
	Query(ctx context.Context, namespace, query string, limit int) ([]Note, error)
	Close() error
}

var errEmptyNote = errors.New("memory: note text is empty")

func prepare(note Note) (Note, error) {
	note.Text = strings.TrimSpace(note.Text)
	if note.Text == "" {
		return note, errEmptyNote
	}
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.Namespace == "" {
		note.Namespace = "default"
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	note.Tags = append([]string(nil), note.Tags...)
	return note, nil
}

func terms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r == '_' || r == '-' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127)
	})
}

func score(n Note, query []string) int {
	words := map[string]bool{}
	for _, w := range terms(n.Text) {
		words[w] = true
	}
	for _, t := range n.Tags {
		for _, w := range terms(t) {
			words[w] = true
		}
	}
	hits := 0
	for _, q := range query {
		if words[q] {
			hits++
		}
	}
	return hits
}

// rank orders candidate notes for a query and truncates to limit.
func rank(notes []Note, query string, limit int) []Note {
	q := terms(query)
	type scored struct {
		n Note
		s int
	}
	var out []scored
	for _, n := range notes {
		s := score(n, q)
		if len(q) > 0 && s == 0 {
			continue
		}
		out = append(out, scored{n, s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].s != out[j].s {
			return out[i].s > out[j].s
		}
		if !out[i].n.CreatedAt.Equal(out[j].n.CreatedAt) {
			return out[i].n.CreatedAt.After(out[j].n.CreatedAt)
		}
		return out[i].n.ID < out[j].n.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]Note, len(out))
	for i, s := range out {
		res[i] = s.n
	}
	return res
}

// InMemory is a Store kept in process memory.
type InMemory struct {
	mu    sync.RWMutex
	notes map[string][]Note
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty in-memory note store.
func NewInMemory() *InMemory {
	return &InMemory{notes: make(map[string][]Note)}
}

func (s *InMemory) Add(ctx context.Context, note Note) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	note, err := prepare(note)
	if err != nil {
		return Note{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.Namespace] = append(s.notes[note.Namespace], note)
	return note, nil
}

func (s *InMemory) Query(ctx context.Context, namespace, query string, limit int) ([]Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rank(s.notes[namespace], query, limit), nil
}

func (s *InMemory) Close() error { return nil }
