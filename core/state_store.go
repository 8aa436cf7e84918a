package core

import (
	"context"
	"time"
)

// ContextState is the persisted per-correlation turn state. It is created on
// the first turn, updated on every later turn and never deleted.
type ContextState struct {
	CorrelationID string         `json:"correlation_id"`
	Skill         string         `json:"skill"`
	Turn          int            `json:"turn"`
	TaskState     TaskState      `json:"task_state"`
	Version       int64          `json:"version"`
	PendingInput  map[string]any `json:"pending_input,omitempty"`
	ResumeToken   string         `json:"resume_token,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Resumable reports whether a later call continues this state rather than
// starting a new interaction.
func (cs *ContextState) Resumable() bool {
	return cs != nil && cs.TaskState != "" && !cs.TaskState.IsTerminal()
}

// Clone returns a deep copy of the state.
func (cs *ContextState) Clone() *ContextState {
	if cs == nil {
		return nil
	}
	out := *cs
	if cs.PendingInput != nil {
		out.PendingInput = make(map[string]any, len(cs.PendingInput))
		for k, v := range cs.PendingInput {
			out.PendingInput[k] = v
		}
	}
	return &out
}

// PocketFact is a bucketed key/value fact. Writes upsert; each bucket keeps a
// bounded number of facts and evicts the least recently written.
type PocketFact struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationEvent is an append-only record of one turn. Events are
// deduplicated by MessageID so retried submissions are idempotent.
type ConversationEvent struct {
	CorrelationID string         `json:"correlation_id"`
	MessageID     string         `json:"message_id"`
	Skill         string         `json:"skill"`
	Turn          int            `json:"turn"`
	State         TaskState      `json:"state"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Default capacity limits shared by state store implementations.
const (
	DefaultEventCap      = 200
	DefaultFactBucketCap = 50
)

// StateStore persists context state, events, facts and step counters.
//
// Contract:
//   - CompareAndSwapContextState is a single atomic operation; an update
//     against a stale version returns ErrVersionConflict and changes nothing
//   - A resume token is issued whenever a non-terminal state is written and
//     cleared when a terminal state is written
//   - AppendEvent ignores a duplicate MessageID and reports appended=false
//   - Event logs and fact buckets are trimmed oldest-first past their caps
//
// Single-node and multi-worker backends are interchangeable behind this
// interface.
type StateStore interface {
	GetContextState(ctx context.Context, correlationID string) (*ContextState, error)
	CreateContextState(ctx context.Context, cs ContextState) (*ContextState, error)
	CompareAndSwapContextState(ctx context.Context, cs ContextState, expectedVersion int64) (*ContextState, error)
	ValidateResumeToken(ctx context.Context, correlationID, token string) error

	AppendEvent(ctx context.Context, ev ConversationEvent) (bool, error)
	ListEvents(ctx context.Context, correlationID string) ([]ConversationEvent, error)

	UpsertFact(ctx context.Context, correlationID string, fact PocketFact) error
	ListFacts(ctx context.Context, correlationID, bucket string) ([]PocketFact, error)
	AllFacts(ctx context.Context, correlationID string) ([]PocketFact, error)

	IncrementSteps(ctx context.Context, correlationID string) (int, error)
	Steps(ctx context.Context, correlationID string) (int, error)
}
