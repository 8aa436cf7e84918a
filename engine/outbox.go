package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/skillmesh/core"
)

// DelegationMessage is handed to an Outbox when a skill delegates.
type DelegationMessage struct {
	CorrelationID string          `json:"correlation_id"`
	Skill         string          `json:"skill"`
	Turn          int             `json:"turn"`
	Delegation    core.Delegation `json:"delegation"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Outbox is the capability needed for the DELEGATING state. Send must be
// durable once it returns nil.
type Outbox interface {
	Send(ctx context.Context, msg DelegationMessage) error
}

// ErrEmptyTarget is returned for a delegation without a target.
var ErrEmptyTarget = errors.New("delegation target is empty")

// InMemoryOutbox collects delegations in process memory.
type InMemoryOutbox struct {
	mu       sync.Mutex
	messages []DelegationMessage
}

// NewInMemoryOutbox creates an empty outbox.
func NewInMemoryOutbox() *InMemoryOutbox { return &InMemoryOutbox{} }

// Send implements Outbox.
func (o *InMemoryOutbox) Send(_ context.Context, msg DelegationMessage) error {
	if msg.Delegation.Target == "" {
		return ErrEmptyTarget
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

// Messages returns a copy of everything sent so far.
func (o *InMemoryOutbox) Messages() []DelegationMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]DelegationMessage(nil), o.messages...)
}

var _ Outbox = (*InMemoryOutbox)(nil)
