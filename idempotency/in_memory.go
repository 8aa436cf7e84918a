package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/skillmesh/core"
)

var _ core.IdempotencyStore = (*InMemoryStore)(nil)

// InMemoryStore is a process-wide idempotency index guarded by an RWMutex.
// Suited for tests and single-process deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]core.IdempotencyRecord
	now     func() time.Time
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: map[string]core.IdempotencyRecord{}, now: time.Now}
}

// CheckOnly implements core.IdempotencyStore. It never mutates.
func (s *InMemoryStore) CheckOnly(_ context.Context, key string) (*core.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

// MarkCompleted implements core.IdempotencyStore. The first completion wins;
// later marks for the same key are no-ops.
func (s *InMemoryStore) MarkCompleted(_ context.Context, rec core.IdempotencyRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("mark completed: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return nil
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.now()
	}
	s.records[rec.Key] = rec
	return nil
}

// Len returns the number of completed keys.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
