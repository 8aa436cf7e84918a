package core

import (
	"context"
	"time"
)

// IdempotencyRecord marks a side-effecting run as terminally completed.
type IdempotencyRecord struct {
	Key           string    `json:"key"`
	CorrelationID string    `json:"correlation_id"`
	Skill         string    `json:"skill"`
	Status        Status    `json:"status"`
	CompletedAt   time.Time `json:"completed_at"`
}

// IdempotencyStore dedupes side-effecting runs.
//
// CheckOnly never mutates. MarkCompleted is only called for terminal results;
// marking earlier would suppress legitimate resumption of multi-turn skills.
type IdempotencyStore interface {
	CheckOnly(ctx context.Context, key string) (*IdempotencyRecord, bool, error)
	MarkCompleted(ctx context.Context, rec IdempotencyRecord) error
}
