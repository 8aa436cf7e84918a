// Package skillmesh provides a high-level façade over the contract registry,
// the skill executor and the interaction layers built on top of it. Most
// applications interact with this package by:
//  1. Creating a SkillMesh via New() or NewFromConfig()
//  2. Registering skill implementations (plain functions or advisor skills)
//  3. Executing skills once (Execute), as conversations (Start, Resume,
//     Converse) or as bounded repair loops (FixLoop)
//
// All defaults are safe for local development and testing: contracts are read
// from ./contracts, state lives in memory and artifacts go to ./artifacts.
// Multi-worker deployments select the sqlite backend so every worker shares
// turn state, step budgets and idempotency records.
package skillmesh

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/skillmesh/agent"
	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/config"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/engine"
	"github.com/hupe1980/skillmesh/gate"
	"github.com/hupe1980/skillmesh/idempotency"
	"github.com/hupe1980/skillmesh/logging"
	"github.com/hupe1980/skillmesh/model"
	"github.com/hupe1980/skillmesh/model/anthropic"
	"github.com/hupe1980/skillmesh/model/openai"
	"github.com/hupe1980/skillmesh/state"
	"github.com/hupe1980/skillmesh/state/sqlite"
)

// Options configures the SkillMesh instance.
type Options struct {
	// Source supplies contracts. Defaults to a DirSource over ./contracts.
	Source contract.Source

	// Stores (defaults to in-memory implementations if not provided)
	StateStore       core.StateStore
	IdempotencyStore core.IdempotencyStore

	// ArtifactRoot is the base directory for per-correlation artifacts.
	ArtifactRoot string

	// RepoRoot enables working-tree diffs for the scope gate and path checks
	// for the grounding gate.
	RepoRoot string
	// ScopeDeny extends the built-in scope deny list.
	ScopeDeny []string

	// MaxSteps lowers the per-correlation step budget.
	MaxSteps int
	// MaxFixIterations lowers the fix loop cap.
	MaxFixIterations int

	// Outbox enables DELEGATING. Nil degrades delegations to BLOCKED.
	Outbox engine.Outbox

	// Advisor backs RegisterAdvisor.
	Advisor model.Model

	TracerProvider trace.TracerProvider

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// SkillMesh is the high-level façade aggregating the executor and its
// interaction layers.
type SkillMesh struct {
	opts     Options
	registry *contract.Registry
	exec     *engine.Executor
	adapter  *agent.Adapter
	closers  []func() error
}

// New creates a new SkillMesh instance with optional overrides. Any unset
// store is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *SkillMesh {
	opts := Options{
		Source:           contract.NewDirSource("contracts"),
		StateStore:       state.NewInMemoryStore(),
		IdempotencyStore: idempotency.NewInMemoryStore(),
		ArtifactRoot:     "artifacts",
		Logger:           logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	registry := contract.NewRegistry(opts.Source, func(o *contract.RegistryOptions) {
		o.Logger = opts.Logger
	})

	scope := gate.NewScopeGate(func(o *gate.ScopeOptions) {
		o.ExtraDeny = opts.ScopeDeny
		if opts.RepoRoot != "" {
			o.Changes = gate.GitChangeLister{Dir: opts.RepoRoot}
		}
	})
	grounding := gate.NewGroundingGate(func(o *gate.GroundingOptions) {
		o.RepoRoot = opts.RepoRoot
	})

	exec := engine.New(registry, func(o *engine.Options) {
		o.StateStore = opts.StateStore
		o.IdempotencyStore = opts.IdempotencyStore
		o.Artifacts = artifact.NewRoot(opts.ArtifactRoot)
		o.Outbox = opts.Outbox
		o.MaxSteps = opts.MaxSteps
		o.Scope = scope
		o.Grounding = grounding
		o.Advisor = gate.NewAdvisorValidator(scope)
		o.TracerProvider = opts.TracerProvider
		o.Logger = opts.Logger
	})

	return &SkillMesh{
		opts:     opts,
		registry: registry,
		exec:     exec,
		adapter: agent.NewAdapter(exec, func(o *agent.AdapterOptions) {
			o.Logger = opts.Logger
		}),
	}
}

// NewFromConfig wires a SkillMesh from environment configuration. The caller
// must Close it to release the sqlite backend.
func NewFromConfig(cfg config.Config, optFns ...func(o *Options)) (*SkillMesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeOpts := func(o *state.Options) {
		o.EventCap = cfg.EventCap
		o.FactBucketCap = cfg.FactCap
	}

	var (
		stateStore core.StateStore
		idemStore  core.IdempotencyStore
		closers    []func() error
	)
	switch cfg.StateBackend {
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLitePath, storeOpts)
		if err != nil {
			return nil, fmt.Errorf("open state backend: %w", err)
		}
		stateStore, idemStore = db, db
		closers = append(closers, db.Close)
	default:
		stateStore = state.NewInMemoryStore(storeOpts)
		idemStore = idempotency.NewInMemoryStore()
	}

	advisor := advisorFromConfig(cfg)

	m := New(append([]func(o *Options){func(o *Options) {
		o.Source = contract.NewDirSource(cfg.ContractDir)
		o.StateStore = stateStore
		o.IdempotencyStore = idemStore
		o.ArtifactRoot = cfg.ArtifactRoot
		o.RepoRoot = cfg.RepoRoot
		o.ScopeDeny = cfg.ScopeDeny
		o.MaxSteps = cfg.MaxSteps
		o.MaxFixIterations = cfg.MaxFixIterations
		o.Advisor = advisor
		o.Logger = cfg.Logger().WithComponent("skillmesh")
	}}, optFns...)...)
	m.closers = closers
	return m, nil
}

func advisorFromConfig(cfg config.Config) model.Model {
	switch cfg.AdvisorProvider {
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.AdvisorModel != "" {
				o.Model = cfg.AdvisorModel
			}
			o.BaseURL = cfg.AdvisorBaseURL
		})
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if cfg.AdvisorModel != "" {
				o.Model = cfg.AdvisorModel
			}
			o.BaseURL = cfg.AdvisorBaseURL
		})
	default:
		return nil
	}
}

// ErrNoAdvisor is returned by RegisterAdvisor without a configured model.
var ErrNoAdvisor = errors.New("no advisor model configured")

// Register adds a skill implementation.
func (m *SkillMesh) Register(skill string, impl engine.Implementation) { m.exec.Register(skill, impl) }

// RegisterAdvisor registers an AdvisorSkill for skill backed by the
// configured advisor model.
func (m *SkillMesh) RegisterAdvisor(skill string, optFns ...func(o *agent.AdvisorSkillOptions)) error {
	if m.opts.Advisor == nil {
		return ErrNoAdvisor
	}
	m.exec.Register(skill, agent.NewAdvisorSkill(skill, m.opts.Advisor, optFns...))
	return nil
}

// Execute runs skill once. See engine.Executor.Execute.
func (m *SkillMesh) Execute(
	ctx context.Context,
	skill string,
	inputs map[string]any,
	correlationID string,
	optFns ...func(o *engine.ExecuteOptions),
) *core.ExecutionResult {
	return m.exec.Execute(ctx, skill, inputs, correlationID, optFns...)
}

// Start begins a multi-turn interaction with a fresh correlation id.
func (m *SkillMesh) Start(ctx context.Context, skill string, inputs map[string]any) (*core.ExecutionResult, error) {
	return m.adapter.Start(ctx, skill, inputs)
}

// Resume continues a paused interaction.
func (m *SkillMesh) Resume(ctx context.Context, correlationID, token string, inputs map[string]any) (*core.ExecutionResult, error) {
	return m.adapter.Resume(ctx, correlationID, token, inputs)
}

// Converse drives skill until the interaction ends, asking answer for the
// inputs of every further turn.
func (m *SkillMesh) Converse(ctx context.Context, skill string, inputs map[string]any, answer agent.AnswerFunc) (*core.ExecutionResult, error) {
	return m.adapter.Converse(ctx, skill, inputs, answer)
}

// FixLoop returns a bounded fix loop over two registered skills.
func (m *SkillMesh) FixLoop(fixSkill, validateSkill string, optFns ...func(o *agent.FixLoopOptions)) *agent.FixLoop {
	return agent.NewFixLoop(m.exec, fixSkill, validateSkill, append([]func(o *agent.FixLoopOptions){func(o *agent.FixLoopOptions) {
		o.MaxIterations = m.opts.MaxFixIterations
		o.Logger = m.opts.Logger
	}}, optFns...)...)
}

// Executor exposes the underlying executor.
func (m *SkillMesh) Executor() *engine.Executor { return m.exec }

// Registry exposes the contract registry.
func (m *SkillMesh) Registry() *contract.Registry { return m.registry }

// Close releases backends opened by NewFromConfig.
func (m *SkillMesh) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
