package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/flowrun/runtime"
)

// MemEventStore is a goroutine-safe in-memory EventStore.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event
}

// NewMemEventStore creates an in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

// Append inserts event in Seq order. Re-appending a (session, seq) pair is
// ignored, matching the SQLite store.
func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := event.SessionID()
	evs := s.events[id]
	i := sort.Search(len(evs), func(i int) bool { return evs[i].Seq >= event.Seq })
	if i < len(evs) && evs[i].Seq == event.Seq {
		return nil
	}
	evs = append(evs, runtime.Event{})
	copy(evs[i+1:], evs[i:])
	evs[i] = event
	s.events[id] = evs
	return nil
}

func (s *MemEventStore) List(_ context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []runtime.Event
	for _, e := range s.events[sessionID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[sessionID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

var _ EventStore = (*MemEventStore)(nil)
