package location

import (
	"context"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for single-session use and testing.
type MemStore struct {
	mu        sync.RWMutex
	locations map[string]Location
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		locations: make(map[string]Location),
	}
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, key string) (Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[key]
	if !ok {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

// Upsert implements [Store.Upsert]. Visit turns of an existing record are
// preserved.
func (s *MemStore) Upsert(ctx context.Context, loc Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locations[loc.Key]; ok {
		existing.DisplayName = loc.DisplayName
		s.locations[loc.Key] = existing
		return nil
	}
	s.locations[loc.Key] = Location{Key: loc.Key, DisplayName: loc.DisplayName}
	return nil
}

// UpdateVisit implements [Store.UpdateVisit].
// The first-visited turn is write-once even when firstVisit is passed true
// for a location that already has one.
func (s *MemStore) UpdateVisit(ctx context.Context, key string, turn int, firstVisit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[key]
	if !ok {
		return ErrNotFound
	}

	if firstVisit && loc.FirstVisitedTurn == nil {
		first := turn
		loc.FirstVisitedTurn = &first
	}
	last := turn
	loc.LastVisitedTurn = &last

	s.locations[key] = loc
	return nil
}
