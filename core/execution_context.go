package core

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/hupe1980/skillmesh/logging"
)

// TraceEntry is one append-only record in an execution trace.
type TraceEntry struct {
	Time    time.Time `json:"time"`
	Step    string    `json:"step"`
	Message string    `json:"message"`
}

// ExecutionContext carries the per-call execution scope handed to a skill
// implementation. It is exclusively owned by one Execute call and never
// shared across calls. It aggregates:
//   - The ambient cancellation Context
//   - Identifiers (CorrelationID, Skill)
//   - Inputs and the artifact directory for the correlation
//   - The persisted turn, prior state and a read-only facts snapshot
//   - An optional cooperative deadline with polling helpers
//   - An append-only trace log
//
// Nothing in an ExecutionContext survives the call; resumption relies only on
// what the executor persists.
type ExecutionContext struct {
	Context       context.Context
	CorrelationID string
	Skill         string
	Inputs        map[string]any
	ArtifactDir   string
	Iteration     int
	Turn          int
	PriorState    TaskState

	facts    map[string]map[string]any
	trace    []TraceEntry
	deadline time.Time
	started  time.Time

	*loggerAdapter
}

// NewExecutionContext constructs an ExecutionContext. A zero timeout means no
// deadline.
func NewExecutionContext(
	ctx context.Context,
	correlationID, skill string,
	inputs map[string]any,
	artifactDir string,
	timeout time.Duration,
	logger logging.Logger,
) *ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	ec := &ExecutionContext{
		Context:       ctx,
		CorrelationID: correlationID,
		Skill:         skill,
		Inputs:        maps.Clone(inputs),
		ArtifactDir:   artifactDir,
		facts:         map[string]map[string]any{},
		started:       now,
		loggerAdapter: newLoggerAdapter(logger),
	}
	if ec.Inputs == nil {
		ec.Inputs = map[string]any{}
	}
	if timeout > 0 {
		// time.Now carries a monotonic reading, so Remaining and Expired are
		// immune to wall clock jumps.
		ec.deadline = now.Add(timeout)
	}
	return ec
}

// Input returns the named input and whether it was supplied.
func (ec *ExecutionContext) Input(name string) (any, bool) {
	v, ok := ec.Inputs[name]
	return v, ok
}

// StringInput returns the named input if it is a string.
func (ec *ExecutionContext) StringInput(name string) string {
	s, _ := ec.Inputs[name].(string)
	return s
}

// SetFacts installs the persisted facts snapshot. Called by the executor.
func (ec *ExecutionContext) SetFacts(facts []PocketFact) {
	for _, f := range facts {
		bucket, ok := ec.facts[f.Bucket]
		if !ok {
			bucket = map[string]any{}
			ec.facts[f.Bucket] = bucket
		}
		bucket[f.Key] = f.Value
	}
}

// Fact returns a persisted fact from an earlier turn.
func (ec *ExecutionContext) Fact(bucket, key string) (any, bool) {
	b, ok := ec.facts[bucket]
	if !ok {
		return nil, false
	}
	v, ok := b[key]
	return v, ok
}

// FactBucket returns a copy of all facts in a bucket.
func (ec *ExecutionContext) FactBucket(bucket string) map[string]any {
	return maps.Clone(ec.facts[bucket])
}

// HasDeadline reports whether a cooperative deadline is set.
func (ec *ExecutionContext) HasDeadline() bool { return !ec.deadline.IsZero() }

// Deadline returns the cooperative deadline (zero when unset).
func (ec *ExecutionContext) Deadline() time.Time { return ec.deadline }

// Remaining returns the time left before the deadline. Without a deadline it
// returns -1.
func (ec *ExecutionContext) Remaining() time.Duration {
	if ec.deadline.IsZero() {
		return -1
	}
	return time.Until(ec.deadline)
}

// Expired reports whether the deadline has passed.
func (ec *ExecutionContext) Expired() bool {
	return !ec.deadline.IsZero() && !time.Now().Before(ec.deadline)
}

// CheckDeadline is the polling helper. It returns ErrDeadlineExceeded once the
// deadline passed or the ambient context is done. Implementations must call it
// at safe points; the executor never interrupts a running implementation.
func (ec *ExecutionContext) CheckDeadline() error {
	if ec.Expired() {
		return fmt.Errorf("skill %s: %w", ec.Skill, ErrDeadlineExceeded)
	}
	if err := ec.Context.Err(); err != nil {
		return fmt.Errorf("skill %s: %w: %v", ec.Skill, ErrDeadlineExceeded, err)
	}
	return nil
}

// Elapsed returns the time since the context was created.
func (ec *ExecutionContext) Elapsed() time.Duration { return time.Since(ec.started) }

// Trace appends a step record to the trace.
func (ec *ExecutionContext) Trace(step, msg string) {
	ec.trace = append(ec.trace, TraceEntry{Time: time.Now().UTC(), Step: step, Message: msg})
}

// Log appends an implementation message to the trace and forwards it to the
// logger at debug level.
func (ec *ExecutionContext) Log(msg string, args ...any) {
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf("%s %v", msg, args)
	}
	ec.Trace("implementation", text)
	ec.LogDebug(msg, append([]any{"skill", ec.Skill, "correlation_id", ec.CorrelationID}, args...)...)
}

// TraceLog returns a copy of the trace.
func (ec *ExecutionContext) TraceLog() []TraceEntry {
	out := make([]TraceEntry, len(ec.trace))
	copy(out, ec.trace)
	return out
}
