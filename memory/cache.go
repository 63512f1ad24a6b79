package memory

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Cache hands out one Store per location and keeps it open. An empty
// location or ":memory:" selects an in-memory store; anything else is a
// SQLite path. Owners create a Cache and pass it to whatever needs notes.
type Cache struct {
	mu     sync.Mutex
	stores map[string]Store
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{stores: make(map[string]Store)}
}

// Open returns the store for location, opening it on first use.
func (c *Cache) Open(location string) (Store, error) {
	key := strings.TrimSpace(location)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[key]; ok {
		return s, nil
	}
	var s Store
	if key == "" || key == ":memory:" {
		s = NewInMemory()
	} else {
		sq, err := OpenSQLite(key)
		if err != nil {
			return nil, err
		}
		s = sq
	}
	c.stores[key] = s
	return s, nil
}

// Reset closes and forgets every store.
func (c *Cache) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, s := range c.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.stores = make(map[string]Store)
	return errors.Join(errs...)
}

func timeFromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
