package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/gate"
	"github.com/hupe1980/skillmesh/idempotency"
	"github.com/hupe1980/skillmesh/logging"
	"github.com/hupe1980/skillmesh/state"
)

// tracerName is the instrumentation scope of executor spans.
const tracerName = "github.com/hupe1980/skillmesh/engine"

// Implementation is the boundary between the executor and skill code.
//
// An implementation receives only the ExecutionContext and returns an
// Outcome. It must poll ec.CheckDeadline at safe points; the executor never
// interrupts a running implementation.
type Implementation interface {
	Run(ec *core.ExecutionContext) (core.Outcome, error)
}

// ImplementationFunc adapts a function to the Implementation interface.
type ImplementationFunc func(ec *core.ExecutionContext) (core.Outcome, error)

// Run calls f(ec).
func (f ImplementationFunc) Run(ec *core.ExecutionContext) (core.Outcome, error) { return f(ec) }

// Options configures an Executor.
//
// Nil stores default to in-memory implementations, so a zero Options is a
// working single-process setup. Multi-worker deployments plug in a shared
// StateStore and IdempotencyStore (for example state/sqlite).
type Options struct {
	// StateStore persists context state, events, facts and step counters.
	StateStore core.StateStore

	// IdempotencyStore dedupes side-effecting runs.
	IdempotencyStore core.IdempotencyStore

	// Artifacts is the root under which per-correlation artifact
	// directories are created.
	Artifacts *artifact.Root

	// Outbox receives delegations. Without an outbox DELEGATING degrades
	// to BLOCKED.
	Outbox Outbox

	// MaxSteps lowers the per-correlation step budget. It is clamped to
	// core.HardStepCap.
	MaxSteps int

	// Scope and Grounding are the pre-flight gates for write-capable
	// skills.
	Scope     *gate.ScopeGate
	Grounding *gate.GroundingGate

	// PostGates run on terminal success. Nil selects DefaultPostGates.
	PostGates func(c *contract.Contract) gate.Chain

	// Advisor validates AI-originated output for mixed and advisor mode
	// skills.
	Advisor gate.Gate

	// Callbacks receive lifecycle notifications.
	Callbacks *CallbackManager

	// TracerProvider supplies the executor tracer. Defaults to the global
	// provider.
	TracerProvider trace.TracerProvider

	// Logger receives structured executor logs.
	Logger logging.Logger

	// NewID generates correlation and message ids.
	NewID func() string

	// Now is the executor clock used for persisted timestamps.
	Now func() time.Time
}

// Executor runs skills under their contracts.
//
// Execute is safe for concurrent use. Calls for different correlation ids are
// independent; turns of one correlation id must be ordered by the caller and
// a concurrent turn loses the compare-and-swap instead of overwriting.
type Executor struct {
	registry *contract.Registry
	opts     Options
	budget   core.StepBudget
	tracer   trace.Tracer

	mu    sync.RWMutex
	impls map[string]Implementation
}

// New creates an Executor over registry.
//
// Example:
//
//	exec := engine.New(registry, func(o *engine.Options) {
//	    o.StateStore = store
//	    o.Artifacts = artifact.NewRoot("./artifacts")
//	})
//	exec.Register("fetch_page", engine.ImplementationFunc(fetchPage))
func New(registry *contract.Registry, optFns ...func(o *Options)) *Executor {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.StateStore == nil {
		opts.StateStore = state.NewInMemoryStore()
	}
	if opts.IdempotencyStore == nil {
		opts.IdempotencyStore = idempotency.NewInMemoryStore()
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewRoot("artifacts")
	}
	if opts.Scope == nil {
		opts.Scope = gate.NewScopeGate()
	}
	if opts.Grounding == nil {
		opts.Grounding = gate.NewGroundingGate()
	}
	if opts.PostGates == nil {
		opts.PostGates = DefaultPostGates(opts.Scope)
	}
	if opts.Advisor == nil {
		opts.Advisor = gate.NewAdvisorValidator(opts.Scope)
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Executor{
		registry: registry,
		opts:     opts,
		budget:   core.NewStepBudget(opts.MaxSteps),
		tracer:   opts.TracerProvider.Tracer(tracerName),
		impls:    make(map[string]Implementation),
	}
}

// DefaultPostGates returns the post-gate chain used on terminal success:
// artifact completeness, execution safety, evidence when the contract
// declares an output schema and scope for write-capable skills.
func DefaultPostGates(scope *gate.ScopeGate) func(c *contract.Contract) gate.Chain {
	return func(c *contract.Contract) gate.Chain {
		chain := gate.Chain{gate.NewCompletenessGate(), gate.NewExecutionSafetyGate()}
		if len(c.OutputSchema) > 0 {
			chain = append(chain, gate.NewEvidenceGate())
		}
		if c.AutonomyLevel.CanMutate() {
			chain = append(chain, scope)
		}
		return chain
	}
}

// Register binds an implementation to a skill name, replacing any previous
// binding.
func (e *Executor) Register(skill string, impl Implementation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.impls[skill] = impl
}

// Unregister removes a binding. Afterwards the skill runs as a stub.
func (e *Executor) Unregister(skill string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.impls, skill)
}

// Implementation returns the registered implementation for skill.
func (e *Executor) Implementation(skill string) (Implementation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	impl, ok := e.impls[skill]
	return impl, ok
}

// Registry returns the contract registry.
func (e *Executor) Registry() *contract.Registry { return e.registry }

// StateStore returns the configured state store.
func (e *Executor) StateStore() core.StateStore { return e.opts.StateStore }

// IdempotencyStore returns the configured idempotency store.
func (e *Executor) IdempotencyStore() core.IdempotencyStore { return e.opts.IdempotencyStore }

// Artifacts returns the artifact root.
func (e *Executor) Artifacts() *artifact.Root { return e.opts.Artifacts }

// Callbacks returns the callback manager.
func (e *Executor) Callbacks() *CallbackManager { return e.opts.Callbacks }

// MaxSteps returns the effective step budget.
func (e *Executor) MaxSteps() int { return e.budget.Max() }

// ExecuteOptions are per-call options.
type ExecuteOptions struct {
	// ResumeToken continues a paused multi-turn interaction.
	ResumeToken string
	// MessageID dedupes the conversation event of this turn.
	MessageID string
}

// WithResumeToken supplies the token issued by the previous turn.
func WithResumeToken(token string) func(o *ExecuteOptions) {
	return func(o *ExecuteOptions) { o.ResumeToken = token }
}

// WithMessageID sets the conversation event id for this turn. Resubmitting
// the same id does not append a second event.
func WithMessageID(id string) func(o *ExecuteOptions) {
	return func(o *ExecuteOptions) { o.MessageID = id }
}

func (e *Executor) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("Executor(skills=%d, max_steps=%d)", len(e.impls), e.budget.Max())
}
