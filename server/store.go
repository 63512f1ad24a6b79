package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/graph"
)

// Sentinel errors for store operations.
var (
	ErrFlowExists   = errors.New("flow already exists")
	ErrFlowNotFound = errors.New("flow not found")
)

// FlowRecord is a stored flow document.
type FlowRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Flow      *graph.FlowDef `json:"flow"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FlowStore provides CRUD operations for flow records.
type FlowStore interface {
	List(ctx context.Context) ([]FlowRecord, error)
	Get(ctx context.Context, id string) (FlowRecord, bool, error)
	Create(ctx context.Context, rec FlowRecord) error
	Update(ctx context.Context, rec FlowRecord) error
	Delete(ctx context.Context, id string) error
}

// Source adapts a FlowStore to compiler.FlowSource so subflow references
// resolve against stored flows.
func Source(flows FlowStore) compiler.FlowSource {
	return flowSource{flows: flows}
}

type flowSource struct {
	flows FlowStore
}

func (s flowSource) Flow(ctx context.Context, id string) (*graph.FlowDef, error) {
	rec, ok, err := s.flows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Flow == nil {
		return nil, fmt.Errorf("%w: %s", compiler.ErrFlowNotFound, id)
	}
	return rec.Flow, nil
}

// MemoryStore is an in-memory FlowStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]FlowRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]FlowRecord)}
}

func (m *MemoryStore) List(_ context.Context) ([]FlowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FlowRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (FlowRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *MemoryStore) Create(_ context.Context, rec FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrFlowExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Update(_ context.Context, rec FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.records[rec.ID]
	if !ok {
		return ErrFlowNotFound
	}
	rec.CreatedAt = prev.CreatedAt
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrFlowNotFound
	}
	delete(m.records, id)
	return nil
}

var (
	_ FlowStore           = (*MemoryStore)(nil)
	_ compiler.FlowSource = flowSource{}
)
