package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/skillmesh/core"
)

var _ core.StateStore = (*InMemoryStore)(nil)

type factEntry struct {
	fact core.PocketFact
	seq  uint64
}

// InMemoryStore is a volatile StateStore keeping everything in process local
// maps. It is safe for concurrent access and best suited for tests and
// single-process runs. Returned values are copies.
type InMemoryStore struct {
	opts Options

	mu     sync.RWMutex
	states map[string]*core.ContextState
	events map[string][]core.ConversationEvent
	seen   map[string]map[string]struct{}
	facts  map[string]map[string]map[string]factEntry // correlation -> bucket -> key
	steps  map[string]int
	seq    uint64
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	return &InMemoryStore{
		opts:   Apply(optFns...),
		states: map[string]*core.ContextState{},
		events: map[string][]core.ConversationEvent{},
		seen:   map[string]map[string]struct{}{},
		facts:  map[string]map[string]map[string]factEntry{},
		steps:  map[string]int{},
	}
}

// GetContextState returns a copy of the state or core.ErrNotFound.
func (s *InMemoryStore) GetContextState(_ context.Context, correlationID string) (*core.ContextState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.states[correlationID]
	if !ok {
		return nil, fmt.Errorf("context state %s: %w", correlationID, core.ErrNotFound)
	}
	return cs.Clone(), nil
}

// CreateContextState stores the first version of a context state.
func (s *InMemoryStore) CreateContextState(_ context.Context, cs core.ContextState) (*core.ContextState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[cs.CorrelationID]; ok {
		return nil, fmt.Errorf("context state %s: %w", cs.CorrelationID, core.ErrAlreadyExists)
	}
	now := s.opts.Now()
	stored := cs.Clone()
	stored.Version = 1
	stored.ResumeToken = s.opts.IssueToken(cs.TaskState)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.states[cs.CorrelationID] = stored
	return stored.Clone(), nil
}

// CompareAndSwapContextState replaces the state if its version still equals
// expectedVersion. The check and the write happen under one lock.
func (s *InMemoryStore) CompareAndSwapContextState(_ context.Context, cs core.ContextState, expectedVersion int64) (*core.ContextState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[cs.CorrelationID]
	if !ok {
		return nil, fmt.Errorf("context state %s: %w", cs.CorrelationID, core.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("context state %s at version %d, expected %d: %w", cs.CorrelationID, cur.Version, expectedVersion, core.ErrVersionConflict)
	}
	stored := cs.Clone()
	stored.Version = cur.Version + 1
	stored.ResumeToken = s.opts.IssueToken(cs.TaskState)
	stored.CreatedAt = cur.CreatedAt
	stored.UpdatedAt = s.opts.Now()
	s.states[cs.CorrelationID] = stored
	return stored.Clone(), nil
}

// ValidateResumeToken checks token against the persisted state.
func (s *InMemoryStore) ValidateResumeToken(_ context.Context, correlationID, token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.states[correlationID]
	if !ok {
		return fmt.Errorf("context state %s: %w", correlationID, core.ErrNotFound)
	}
	return CheckToken(cs, token)
}

// CheckToken validates token against a loaded state.
func CheckToken(cs *core.ContextState, token string) error {
	if cs.ResumeToken == "" || token == "" || cs.ResumeToken != token {
		return fmt.Errorf("context state %s: %w", cs.CorrelationID, core.ErrStaleResumeToken)
	}
	return nil
}

// AppendEvent appends ev unless its message id was seen before. The log is
// trimmed oldest-first past the event cap.
func (s *InMemoryStore) AppendEvent(_ context.Context, ev core.ConversationEvent) (bool, error) {
	if ev.MessageID == "" {
		return false, fmt.Errorf("append event: empty message id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.seen[ev.CorrelationID]
	if !ok {
		seen = map[string]struct{}{}
		s.seen[ev.CorrelationID] = seen
	}
	if _, dup := seen[ev.MessageID]; dup {
		return false, nil
	}
	seen[ev.MessageID] = struct{}{}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.opts.Now()
	}
	log := append(s.events[ev.CorrelationID], ev)
	if over := len(log) - s.opts.EventCap; over > 0 {
		log = append([]core.ConversationEvent(nil), log[over:]...)
	}
	s.events[ev.CorrelationID] = log
	return true, nil
}

// ListEvents returns the retained events oldest first.
func (s *InMemoryStore) ListEvents(_ context.Context, correlationID string) ([]core.ConversationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.ConversationEvent{}, s.events[correlationID]...), nil
}

// UpsertFact writes a fact, evicting the least recently written fact of the
// bucket once it exceeds the cap.
func (s *InMemoryStore) UpsertFact(_ context.Context, correlationID string, fact core.PocketFact) error {
	if fact.Bucket == "" || fact.Key == "" {
		return fmt.Errorf("upsert fact: bucket and key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets, ok := s.facts[correlationID]
	if !ok {
		buckets = map[string]map[string]factEntry{}
		s.facts[correlationID] = buckets
	}
	bucket, ok := buckets[fact.Bucket]
	if !ok {
		bucket = map[string]factEntry{}
		buckets[fact.Bucket] = bucket
	}
	s.seq++
	fact.UpdatedAt = s.opts.Now()
	bucket[fact.Key] = factEntry{fact: fact, seq: s.seq}

	for len(bucket) > s.opts.FactBucketCap {
		var oldestKey string
		var oldestSeq uint64
		for k, e := range bucket {
			if oldestKey == "" || e.seq < oldestSeq {
				oldestKey, oldestSeq = k, e.seq
			}
		}
		delete(bucket, oldestKey)
	}
	return nil
}

// ListFacts returns the facts of one bucket, least recently written first.
func (s *InMemoryStore) ListFacts(_ context.Context, correlationID, bucket string) ([]core.PocketFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedFacts(s.facts[correlationID][bucket]), nil
}

// AllFacts returns every fact of a correlation id grouped by bucket name.
func (s *InMemoryStore) AllFacts(_ context.Context, correlationID string) ([]core.PocketFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := s.facts[correlationID]
	names := make([]string, 0, len(buckets))
	for b := range buckets {
		names = append(names, b)
	}
	sort.Strings(names)
	out := []core.PocketFact{}
	for _, b := range names {
		out = append(out, sortedFacts(buckets[b])...)
	}
	return out, nil
}

func sortedFacts(bucket map[string]factEntry) []core.PocketFact {
	entries := make([]factEntry, 0, len(bucket))
	for _, e := range bucket {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]core.PocketFact, len(entries))
	for i, e := range entries {
		out[i] = e.fact
	}
	return out
}

// IncrementSteps atomically bumps and returns the step counter.
func (s *InMemoryStore) IncrementSteps(_ context.Context, correlationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[correlationID]++
	return s.steps[correlationID], nil
}

// Steps returns the current step counter.
func (s *InMemoryStore) Steps(_ context.Context, correlationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.steps[correlationID], nil
}
