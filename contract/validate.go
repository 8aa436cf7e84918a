package contract

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/hupe1980/skillmesh/internal/util"
)

// Issue is a single problem found while loading or validating a contract.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// ValidationError collects every issue found in a contract source.
type ValidationError struct {
	Skill  string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "contract validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, it := range e.Issues {
		parts[i] = it.String()
	}
	return fmt.Sprintf("contract %q invalid: %s", e.Skill, strings.Join(parts, "; "))
}

// Validate checks the semantic rules of a parsed contract and returns a
// *ValidationError listing every problem, or nil.
func Validate(c *Contract) error {
	var issues []Issue
	add := func(field, format string, args ...any) {
		issues = append(issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Name) == "" {
		add("name", "is required")
	}
	if c.Version == "" {
		add("version", "is required")
	} else if !semver.IsValid(canonicalVersion(c.Version)) {
		add("version", "%q is not a semantic version", c.Version)
	}
	if c.AutonomyLevel == "" {
		add("autonomy_level", "is required")
	}
	if c.TimeoutSeconds < 0 {
		add("timeout_seconds", "must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		add("retry.max_attempts", "must not be negative")
	}
	if c.Retry.Policy == RetrySafeIdempotent && c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "must be at least 1 for policy %s", RetrySafeIdempotent)
	}
	if c.Retry.BackoffSeconds < 0 {
		add("retry.backoff_seconds", "must not be negative")
	}
	if c.Idempotency.Required && strings.TrimSpace(c.Idempotency.KeySpec) == "" {
		add("idempotency.key_spec", "is required when idempotency.required is true")
	}
	if c.MaxFixIterations < 0 {
		add("max_fix_iterations", "must not be negative")
	}
	if c.MultiTurn != nil {
		mt := c.MultiTurn
		for _, s := range mt.AllowedIntermediateStates {
			switch {
			case !s.IsValid():
				add("multi_turn.allowed_intermediate_states", "unknown state %q", s)
			case s.IsTerminal():
				add("multi_turn.allowed_intermediate_states", "%s is terminal", s)
			}
		}
		if mt.MaxTurns < 0 {
			add("multi_turn.max_turns", "must not be negative")
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Skill: c.Name, Issues: issues}
}

// canonicalVersion accepts versions with or without the leading "v".
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func requiredFields(schema map[string]any) []string {
	return util.RequiredFields(schema)
}
