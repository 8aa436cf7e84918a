package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/engine"
	"github.com/hupe1980/skillmesh/logging"
)

// InputsBucket is the fact bucket the adapter keeps a conversation's inputs
// in. Resume restores them from the state store, never from process memory.
const InputsBucket = "adapter.inputs"

// DefaultConverseTurns bounds Converse when no turn limit is configured.
const DefaultConverseTurns = 10

var (
	// ErrNothingToResume is returned by Resume for a correlation id without a
	// paused interaction.
	ErrNothingToResume = errors.New("no paused interaction to resume")

	// ErrTurnLimit is returned by Converse when the turn limit is reached
	// before the interaction ended.
	ErrTurnLimit = errors.New("conversation turn limit reached")
)

// AnswerFunc supplies the inputs for the next turn of a paused interaction.
// It receives the non-terminal result the skill paused with.
type AnswerFunc func(ctx context.Context, res *core.ExecutionResult) (map[string]any, error)

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	// MaxTurns caps Converse. It does not replace the contract's own turn cap.
	MaxTurns int
	Logger   logging.Logger
	NewID    func() string
}

// Adapter turns one-shot executor calls into a multi-turn, resumable
// conversation. Everything a later turn needs is persisted in the executor's
// state store, so Start and Resume may run in different processes.
type Adapter struct {
	exec  *engine.Executor
	store core.StateStore
	opts  AdapterOptions
}

// NewAdapter creates an adapter on top of exec.
func NewAdapter(exec *engine.Executor, optFns ...func(o *AdapterOptions)) *Adapter {
	opts := AdapterOptions{
		MaxTurns: DefaultConverseTurns,
		Logger:   logging.NoOpLogger{},
		NewID:    uuid.NewString,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{
		exec:  exec,
		store: exec.StateStore(),
		opts:  opts,
	}
}

// Start begins a new interaction with a fresh correlation id. Inputs are
// persisted only once the executor stored the first turn.
func (a *Adapter) Start(ctx context.Context, skill string, inputs map[string]any) (*core.ExecutionResult, error) {
	correlationID := a.opts.NewID()
	a.opts.Logger.Debug("interaction started", "skill", skill, "correlation_id", correlationID)

	res := a.exec.Execute(ctx, skill, maps.Clone(inputs), correlationID)
	if _, err := a.store.GetContextState(ctx, correlationID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return res, nil
		}
		return res, fmt.Errorf("loading context state: %w", err)
	}
	if err := a.saveInputs(ctx, correlationID, inputs); err != nil {
		return res, err
	}
	return res, nil
}

// Resume continues the paused interaction identified by correlationID. The
// token must be the resume token of the latest turn. Inputs from earlier
// turns are restored from the state store and overlaid with inputs.
func (a *Adapter) Resume(ctx context.Context, correlationID, token string, inputs map[string]any) (*core.ExecutionResult, error) {
	cs, err := a.store.GetContextState(ctx, correlationID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", correlationID, ErrNothingToResume)
		}
		return nil, fmt.Errorf("loading context state: %w", err)
	}
	if !cs.Resumable() {
		return nil, fmt.Errorf("%s is %s: %w", correlationID, cs.TaskState, ErrNothingToResume)
	}

	merged, err := a.Inputs(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	maps.Copy(merged, inputs)

	// New inputs are persisted only when the executor committed the turn. A
	// rejected turn (stale token, invalid inputs) leaves the state untouched.
	res := a.exec.Execute(ctx, cs.Skill, merged, correlationID, engine.WithResumeToken(token))
	after, err := a.store.GetContextState(ctx, correlationID)
	if err != nil {
		return res, fmt.Errorf("loading context state: %w", err)
	}
	if after.Version != cs.Version {
		if err := a.saveInputs(ctx, correlationID, inputs); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Converse starts skill and drives it until the interaction ends. Each time
// the skill pauses, answer supplies the inputs for the next turn. It returns
// the terminal result, or the last result with ErrTurnLimit.
func (a *Adapter) Converse(ctx context.Context, skill string, inputs map[string]any, answer AnswerFunc) (*core.ExecutionResult, error) {
	res, err := a.Start(ctx, skill, inputs)
	if err != nil {
		return nil, err
	}

	for turns := 1; !res.Terminal; turns++ {
		if turns >= a.opts.MaxTurns {
			return res, fmt.Errorf("%s after %d turns: %w", res.CorrelationID, turns, ErrTurnLimit)
		}
		next, err := answer(ctx, res)
		if err != nil {
			return res, fmt.Errorf("answering turn %d: %w", res.Turn, err)
		}
		res, err = a.Resume(ctx, res.CorrelationID, res.ResumeToken, next)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// Inputs returns the accumulated inputs of an interaction.
func (a *Adapter) Inputs(ctx context.Context, correlationID string) (map[string]any, error) {
	facts, err := a.store.ListFacts(ctx, correlationID, InputsBucket)
	if err != nil {
		return nil, fmt.Errorf("restoring inputs: %w", err)
	}
	out := make(map[string]any, len(facts))
	for _, f := range facts {
		out[f.Key] = f.Value
	}
	return out, nil
}

func (a *Adapter) saveInputs(ctx context.Context, correlationID string, inputs map[string]any) error {
	for k, v := range inputs {
		if err := a.store.UpsertFact(ctx, correlationID, core.PocketFact{Bucket: InputsBucket, Key: k, Value: v}); err != nil {
			return fmt.Errorf("persisting input %q: %w", k, err)
		}
	}
	return nil
}
