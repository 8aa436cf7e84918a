// Package storetest is a conformance suite shared by every core.StateStore
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skillmesh/core"
)

// Factory creates an empty store with the given event and fact bucket caps.
type Factory func(t *testing.T, eventCap, factCap int) core.StateStore

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t, 10, 10)) })
	t.Run("CASOneWinner", func(t *testing.T) { testCASOneWinner(t, newStore(t, 10, 10)) })
	t.Run("CASStaleVersion", func(t *testing.T) { testCASStaleVersion(t, newStore(t, 10, 10)) })
	t.Run("ResumeTokens", func(t *testing.T) { testResumeTokens(t, newStore(t, 10, 10)) })
	t.Run("EventDedup", func(t *testing.T) { testEventDedup(t, newStore(t, 10, 10)) })
	t.Run("EventTrim", func(t *testing.T) { testEventTrim(t, newStore(t, 3, 10)) })
	t.Run("FactUpsertAndEvict", func(t *testing.T) { testFacts(t, newStore(t, 10, 2)) })
	t.Run("Steps", func(t *testing.T) { testSteps(t, newStore(t, 10, 10)) })
}

func testCreateAndGet(t *testing.T, s core.StateStore) {
	ctx := context.Background()

	_, err := s.GetContextState(ctx, "c-1")
	require.ErrorIs(t, err, core.ErrNotFound)

	created, err := s.CreateContextState(ctx, core.ContextState{
		CorrelationID: "c-1",
		Skill:         "fetch",
		Turn:          1,
		TaskState:     core.TaskInputRequired,
		PendingInput:  map[string]any{"question": "which branch?"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetContextState(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Skill)
	assert.Equal(t, core.TaskInputRequired, got.TaskState)
	assert.Equal(t, "which branch?", got.PendingInput["question"])
	assert.True(t, got.Resumable())

	_, err = s.CreateContextState(ctx, core.ContextState{CorrelationID: "c-1", TaskState: core.TaskCompleted})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

func testCASOneWinner(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	base, err := s.CreateContextState(ctx, core.ContextState{CorrelationID: "c-cas", Turn: 1, TaskState: core.TaskPaused})
	require.NoError(t, err)

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := *base
			next.Turn = 2
			next.PendingInput = map[string]any{"writer": i}
			_, err := s.CompareAndSwapContextState(ctx, next, base.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, core.ErrVersionConflict):
				conflict++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflict)

	got, err := s.GetContextState(ctx, "c-cas")
	require.NoError(t, err)
	assert.Equal(t, base.Version+1, got.Version)
}

func testCASStaleVersion(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	v1, err := s.CreateContextState(ctx, core.ContextState{CorrelationID: "c-stale", Turn: 1, TaskState: core.TaskPaused})
	require.NoError(t, err)

	v2in := *v1
	v2in.Turn = 2
	v2, err := s.CompareAndSwapContextState(ctx, v2in, v1.Version)
	require.NoError(t, err)
	assert.Equal(t, v1.CreatedAt.Unix(), v2.CreatedAt.Unix())

	stale := *v1
	stale.Turn = 99
	_, err = s.CompareAndSwapContextState(ctx, stale, v1.Version)
	require.ErrorIs(t, err, core.ErrVersionConflict)

	got, err := s.GetContextState(ctx, "c-stale")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Turn)
	assert.Equal(t, v2.ResumeToken, got.ResumeToken)

	_, err = s.CompareAndSwapContextState(ctx, core.ContextState{CorrelationID: "missing"}, 1)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testResumeTokens(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	v1, err := s.CreateContextState(ctx, core.ContextState{CorrelationID: "c-tok", Turn: 1, TaskState: core.TaskInputRequired})
	require.NoError(t, err)
	require.NotEmpty(t, v1.ResumeToken)
	require.NoError(t, s.ValidateResumeToken(ctx, "c-tok", v1.ResumeToken))

	next := *v1
	next.Turn = 2
	v2, err := s.CompareAndSwapContextState(ctx, next, v1.Version)
	require.NoError(t, err)
	require.NotEmpty(t, v2.ResumeToken)
	assert.NotEqual(t, v1.ResumeToken, v2.ResumeToken)

	assert.ErrorIs(t, s.ValidateResumeToken(ctx, "c-tok", v1.ResumeToken), core.ErrStaleResumeToken)
	assert.ErrorIs(t, s.ValidateResumeToken(ctx, "c-tok", ""), core.ErrStaleResumeToken)
	assert.NoError(t, s.ValidateResumeToken(ctx, "c-tok", v2.ResumeToken))

	done := *v2
	done.Turn = 3
	done.TaskState = core.TaskCompleted
	v3, err := s.CompareAndSwapContextState(ctx, done, v2.Version)
	require.NoError(t, err)
	assert.Empty(t, v3.ResumeToken)
	assert.ErrorIs(t, s.ValidateResumeToken(ctx, "c-tok", v2.ResumeToken), core.ErrStaleResumeToken)

	assert.ErrorIs(t, s.ValidateResumeToken(ctx, "nobody", "x"), core.ErrNotFound)
}

func testEventDedup(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	ev := core.ConversationEvent{CorrelationID: "c-ev", MessageID: "m-1", Skill: "s", Turn: 1, State: core.TaskPaused, Payload: map[string]any{"n": 1}}

	added, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, added)

	events, err := s.ListEvents(ctx, "c-ev")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m-1", events[0].MessageID)
	assert.EqualValues(t, 1, events[0].Payload["n"])

	_, err = s.AppendEvent(ctx, core.ConversationEvent{CorrelationID: "c-ev"})
	assert.Error(t, err)
}

func testEventTrim(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.AppendEvent(ctx, core.ConversationEvent{CorrelationID: "c-trim", MessageID: fmt.Sprintf("m-%d", i), Turn: i})
		require.NoError(t, err)
	}
	events, err := s.ListEvents(ctx, "c-trim")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "m-3", events[0].MessageID)
	assert.Equal(t, "m-5", events[2].MessageID)

	// a trimmed message id is still known
	added, err := s.AppendEvent(ctx, core.ConversationEvent{CorrelationID: "c-trim", MessageID: "m-1"})
	require.NoError(t, err)
	assert.False(t, added)
}

func testFacts(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	require.NoError(t, s.UpsertFact(ctx, "c-f", core.PocketFact{Bucket: "b", Key: "k1", Value: "v1"}))
	require.NoError(t, s.UpsertFact(ctx, "c-f", core.PocketFact{Bucket: "b", Key: "k2", Value: "v2"}))
	// rewriting k1 makes k2 the least recently written
	require.NoError(t, s.UpsertFact(ctx, "c-f", core.PocketFact{Bucket: "b", Key: "k1", Value: "v1b"}))
	require.NoError(t, s.UpsertFact(ctx, "c-f", core.PocketFact{Bucket: "b", Key: "k3", Value: "v3"}))
	require.NoError(t, s.UpsertFact(ctx, "c-f", core.PocketFact{Bucket: "other", Key: "x", Value: 1.5}))

	facts, err := s.ListFacts(ctx, "c-f", "b")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "k1", facts[0].Key)
	assert.Equal(t, "v1b", facts[0].Value)
	assert.Equal(t, "k3", facts[1].Key)

	all, err := s.AllFacts(ctx, "c-f")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	empty, err := s.ListFacts(ctx, "c-f", "none")
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.Error(t, s.UpsertFact(ctx, "c-f", core.PocketFact{Key: "k"}))
}

func testSteps(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	n, err := s.Steps(ctx, "c-steps")
	require.NoError(t, err)
	assert.Zero(t, n)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementSteps(ctx, "c-steps")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err = s.Steps(ctx, "c-steps")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}
