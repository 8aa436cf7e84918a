package testutil

import (
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
)

// ContractBuilder helps construct contracts with fluent chaining for tests.
// Example:
//
//	c := NewContractBuilder("fetch").Autonomy(contract.AutonomyRead).RequireInputs("url").Build()
type ContractBuilder struct {
	c contract.Contract
}

// NewContractBuilder creates a read-only contract named name at version 1.0.0.
func NewContractBuilder(name string) *ContractBuilder {
	return &ContractBuilder{c: contract.Contract{
		Name:          name,
		Version:       "1.0.0",
		AutonomyLevel: contract.AutonomyRead,
		Retry:         contract.Retry{Policy: contract.RetryNone},
	}}
}

// Autonomy sets the autonomy level (chainable).
func (b *ContractBuilder) Autonomy(a contract.AutonomyLevel) *ContractBuilder {
	b.c.AutonomyLevel = a
	return b
}

// Timeout sets the timeout in seconds (chainable).
func (b *ContractBuilder) Timeout(seconds float64) *ContractBuilder {
	b.c.TimeoutSeconds = seconds
	return b
}

// Retry sets a safe_idempotent retry policy (chainable).
func (b *ContractBuilder) Retry(maxAttempts int, backoffSeconds float64) *ContractBuilder {
	b.c.Retry = contract.Retry{Policy: contract.RetrySafeIdempotent, MaxAttempts: maxAttempts, BackoffSeconds: backoffSeconds}
	return b
}

// Idempotent requires idempotency with the given key spec (chainable).
func (b *ContractBuilder) Idempotent(keySpec string) *ContractBuilder {
	b.c.Idempotency = contract.Idempotency{Required: true, KeySpec: keySpec}
	return b
}

// MaxFixIterations sets the fix-loop bound (chainable).
func (b *ContractBuilder) MaxFixIterations(n int) *ContractBuilder {
	b.c.MaxFixIterations = n
	return b
}

// RequireInputs declares required string inputs (chainable).
func (b *ContractBuilder) RequireInputs(names ...string) *ContractBuilder {
	props := map[string]any{}
	for _, n := range names {
		props[n] = map[string]any{"type": "string"}
	}
	b.c.InputSchema = map[string]any{"type": "object", "required": names, "properties": props}
	return b
}

// OutputFields declares output schema properties (chainable).
func (b *ContractBuilder) OutputFields(names ...string) *ContractBuilder {
	props := map[string]any{}
	for _, n := range names {
		props[n] = map[string]any{}
	}
	b.c.OutputSchema = map[string]any{"type": "object", "properties": props}
	return b
}

// Artifacts sets the required artifact list (chainable).
func (b *ContractBuilder) Artifacts(names ...string) *ContractBuilder {
	b.c.Artifacts = names
	return b
}

// MultiTurn declares multi-turn behaviour (chainable).
func (b *ContractBuilder) MultiTurn(maxTurns int, persistence contract.Persistence, states ...core.TaskState) *ContractBuilder {
	b.c.MultiTurn = &contract.MultiTurn{
		AllowedIntermediateStates: states,
		MaxTurns:                  maxTurns,
		Resumable:                 true,
		Persistence:               persistence,
	}
	return b
}

// InputRequestSchema sets the schema the input request payload must satisfy.
// Requires MultiTurn to be called first (chainable).
func (b *ContractBuilder) InputRequestSchema(required ...string) *ContractBuilder {
	if b.c.MultiTurn != nil {
		b.c.MultiTurn.InputRequestSchema = map[string]any{"required": required}
	}
	return b
}

// Constraints sets the execution constraints (chainable).
func (b *ContractBuilder) Constraints(ec contract.ExecutionConstraints) *ContractBuilder {
	b.c.ExecutionConstraints = &ec
	return b
}

// Build returns a copy of the contract.
func (b *ContractBuilder) Build() *contract.Contract {
	c := b.c
	return &c
}

// YAML renders the contract as a YAML document.
func (b *ContractBuilder) YAML() []byte {
	data, err := yaml.Marshal(b.c)
	if err != nil {
		panic(err)
	}
	return data
}

// Registry returns a registry holding the given contracts in the given mode.
func Registry(mode contract.Mode, builders ...*ContractBuilder) *contract.Registry {
	src := contract.NewMapSource()
	for _, b := range builders {
		src.Put(b.c.Name, b.YAML()).PutMode(b.c.Name, mode)
	}
	return contract.NewRegistry(src)
}
