package gate

import (
	"context"
	"fmt"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/core"
)

// CompletenessGate checks that every artifact a run must leave behind exists.
type CompletenessGate struct{}

// NewCompletenessGate returns a CompletenessGate.
func NewCompletenessGate() *CompletenessGate { return &CompletenessGate{} }

// Name implements Gate.
func (g *CompletenessGate) Name() string { return NameCompleteness }

// Check implements Gate. Required are the contract's artifact list, the scope
// file and diff for mutation-capable skills, and the escalation report for
// escalated runs.
func (g *CompletenessGate) Check(_ context.Context, in Input) core.GateResult {
	required := RequiredArtifacts(in)
	var missing []string
	for _, name := range required {
		if !in.Dir.Exists(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return core.Fail(NameCompleteness, fmt.Sprintf("%d required artifact(s) missing", len(missing)), map[string]any{"missing": missing})
	}
	return core.Pass(NameCompleteness, fmt.Sprintf("%d required artifact(s) present", len(required)))
}

// RequiredArtifacts lists the artifacts a run described by in must produce.
func RequiredArtifacts(in Input) []string {
	var required []string
	if in.Contract != nil {
		required = append(required, in.Contract.Artifacts...)
		if in.Contract.AutonomyLevel.CanMutate() {
			required = append(required, artifact.ScopeFile, artifact.DiffFile)
		}
	}
	if in.Escalated {
		required = append(required, artifact.EscalationReport)
	}
	return required
}
