package contract

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/skillmesh/core"
)

// AutonomyLevel is the ceiling of what a skill may do to its environment.
type AutonomyLevel string

const (
	AutonomyRead      AutonomyLevel = "read"
	AutonomySuggest   AutonomyLevel = "suggest"
	AutonomyImplement AutonomyLevel = "implement"
	AutonomyCommit    AutonomyLevel = "commit"
)

var autonomyRank = map[AutonomyLevel]int{
	AutonomyRead:      0,
	AutonomySuggest:   1,
	AutonomyImplement: 2,
	AutonomyCommit:    3,
}

// CanMutate reports whether the level allows writing to the working tree.
func (a AutonomyLevel) CanMutate() bool {
	return autonomyRank[a] >= autonomyRank[AutonomyImplement]
}

// UnmarshalYAML converts the case-insensitive string form and rejects unknown levels.
func (a *AutonomyLevel) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	lvl := AutonomyLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := autonomyRank[lvl]; !ok {
		return fmt.Errorf("line %d: unknown autonomy_level %q", node.Line, s)
	}
	*a = lvl
	return nil
}

// RetryPolicy controls whether execution faults may be retried.
type RetryPolicy string

const (
	RetryNone           RetryPolicy = "none"
	RetrySafeIdempotent RetryPolicy = "safe_idempotent"
)

// UnmarshalYAML converts the string form and rejects unknown policies.
func (p *RetryPolicy) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	switch v := RetryPolicy(strings.ToLower(strings.TrimSpace(s))); v {
	case RetryNone, RetrySafeIdempotent:
		*p = v
		return nil
	case "":
		*p = RetryNone
		return nil
	default:
		return fmt.Errorf("line %d: unknown retry policy %q", node.Line, s)
	}
}

// Persistence is the durability level of multi-turn state.
type Persistence string

const (
	PersistenceNone       Persistence = "none"
	PersistenceBestEffort Persistence = "best_effort"
	// PersistenceStrict requires the caller to present the resume token on
	// every continuation turn.
	PersistenceStrict Persistence = "strict"
)

// UnmarshalYAML converts the string form and rejects unknown levels.
func (p *Persistence) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	switch v := Persistence(strings.ToLower(strings.TrimSpace(s))); v {
	case PersistenceNone, PersistenceBestEffort, PersistenceStrict:
		*p = v
		return nil
	default:
		return fmt.Errorf("line %d: unknown persistence %q", node.Line, s)
	}
}

// Retry is the retry section of a contract.
type Retry struct {
	Policy         RetryPolicy `yaml:"policy"`
	MaxAttempts    int         `yaml:"max_attempts,omitempty"`
	BackoffSeconds float64     `yaml:"backoff_seconds,omitempty"`
}

// Backoff returns the initial backoff interval.
func (r Retry) Backoff() time.Duration {
	return time.Duration(r.BackoffSeconds * float64(time.Second))
}

// Idempotency is the idempotency section of a contract.
type Idempotency struct {
	Required bool `yaml:"required,omitempty"`
	// KeySpec is a "+" separated list of terms, e.g. "correlation_id + url".
	KeySpec string `yaml:"key_spec,omitempty"`
}

// ExecutionConstraints toggles individual execution safety rules. Rules are
// enforced unless explicitly set to false.
type ExecutionConstraints struct {
	ForbidAsync            *bool `yaml:"forbid_async,omitempty"`
	RequireJoinedWork      *bool `yaml:"require_joined_work,omitempty"`
	RequireNetworkTimeouts *bool `yaml:"require_network_timeouts,omitempty"`
}

func enabled(b *bool) bool { return b == nil || *b }

// AsyncForbidden reports whether async-style control flow is rejected.
func (e *ExecutionConstraints) AsyncForbidden() bool {
	return e == nil || enabled(e.ForbidAsync)
}

// JoinRequired reports whether unjoined background work is rejected.
func (e *ExecutionConstraints) JoinRequired() bool {
	return e == nil || enabled(e.RequireJoinedWork)
}

// TimeoutsRequired reports whether network calls without timeout are rejected.
func (e *ExecutionConstraints) TimeoutsRequired() bool {
	return e == nil || enabled(e.RequireNetworkTimeouts)
}

// MultiTurn declares which intermediate states a skill may pause in.
type MultiTurn struct {
	AllowedIntermediateStates []core.TaskState `yaml:"allowed_intermediate_states,omitempty"`
	MaxTurns                  int              `yaml:"max_turns,omitempty"`
	Resumable                 bool             `yaml:"resumable,omitempty"`
	Persistence               Persistence      `yaml:"persistence,omitempty"`
	InputRequestSchema        map[string]any   `yaml:"input_request_schema,omitempty"`
}

// Allows reports whether state is a declared intermediate state.
func (m *MultiTurn) Allows(state core.TaskState) bool {
	if m == nil {
		return false
	}
	for _, s := range m.AllowedIntermediateStates {
		if s == state {
			return true
		}
	}
	return false
}

// Contract is the declarative description of one skill.
type Contract struct {
	Name                 string                `yaml:"name"`
	Version              string                `yaml:"version"`
	Description          string                `yaml:"description,omitempty"`
	AutonomyLevel        AutonomyLevel         `yaml:"autonomy_level"`
	SideEffects          []string              `yaml:"side_effects,omitempty"`
	TimeoutSeconds       float64               `yaml:"timeout_seconds,omitempty"`
	Retry                Retry                 `yaml:"retry,omitempty"`
	Idempotency          Idempotency           `yaml:"idempotency,omitempty"`
	MaxFixIterations     int                   `yaml:"max_fix_iterations,omitempty"`
	InputSchema          map[string]any        `yaml:"input_schema,omitempty"`
	OutputSchema         map[string]any        `yaml:"output_schema,omitempty"`
	Artifacts            []string              `yaml:"artifacts,omitempty"`
	FailureModes         []string              `yaml:"failure_modes,omitempty"`
	DependsOn            []string              `yaml:"depends_on,omitempty"`
	ExecutionConstraints *ExecutionConstraints `yaml:"execution_constraints,omitempty"`
	MultiTurn            *MultiTurn            `yaml:"multi_turn,omitempty"`
}

// Timeout returns the cooperative deadline duration; zero means none.
func (c *Contract) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// IsMultiTurn reports whether the contract declares multi-turn behaviour.
func (c *Contract) IsMultiTurn() bool {
	return c.MultiTurn != nil && len(c.MultiTurn.AllowedIntermediateStates) > 0
}

// RetryAllowed reports whether execution faults may be retried. Retrying is
// only safe when the policy says so and the run is idempotent.
func (c *Contract) RetryAllowed() bool {
	return c.Retry.Policy == RetrySafeIdempotent && c.Idempotency.Required && c.Retry.MaxAttempts > 1
}

// RequiredInputs returns the required input field names.
func (c *Contract) RequiredInputs() []string {
	return requiredFields(c.InputSchema)
}

// Mode is the execution mode of a skill.
type Mode string

const (
	// ModeAuto runs deterministic code only.
	ModeAuto Mode = "auto"
	// ModeMixed runs code that may embed AI-originated output.
	ModeMixed Mode = "mixed"
	// ModeAdvisor runs an advisor model whose output is always validated.
	ModeAdvisor Mode = "advisor"
)

// NeedsAdvisorValidation reports whether outputs must pass the advisor validator.
func (m Mode) NeedsAdvisorValidation() bool {
	return m != ModeAuto
}

// ParseMode converts a string to a Mode. Unknown values map to ModeAdvisor.
func ParseMode(s string) Mode {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeMixed:
		return m
	default:
		return ModeAdvisor
	}
}
