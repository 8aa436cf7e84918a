package gate

import (
	"context"
	"fmt"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
)

// Gate names. They double as the stem of the failure artifact.
const (
	NameEvidence     = "evidence"
	NameScope        = "scope"
	NameGrounding    = "grounding"
	NameSafety       = "execution_safety"
	NameCompleteness = "artifact_completeness"
	NameAdvisor      = "advisor_output"
	NameInputRequest = "input_request"
)

// Input is everything a gate may look at.
type Input struct {
	Dir      artifact.Dir
	Contract *contract.Contract
	// State is the persisted context state; nil on a first turn before it
	// has been written.
	State *core.ContextState
	// Inputs and Outputs of the current turn. Outputs is nil for pre-flight gates.
	Inputs  map[string]any
	Outputs map[string]any
	// Escalated marks a run that ended in ESCALATED.
	Escalated bool
}

// Gate checks one pre- or postcondition.
type Gate interface {
	Name() string
	// Check must not panic; all failures are expressed via the result.
	Check(ctx context.Context, in Input) core.GateResult
}

// Func adapts a function to the Gate interface.
type Func struct {
	GateName string
	Fn       func(ctx context.Context, in Input) core.GateResult
}

// Name implements Gate.
func (f Func) Name() string { return f.GateName }

// Check implements Gate.
func (f Func) Check(ctx context.Context, in Input) core.GateResult { return f.Fn(ctx, in) }

// Run executes g, converting a panic into a failed result.
func Run(ctx context.Context, g Gate, in Input) (res core.GateResult) {
	defer func() {
		if r := recover(); r != nil {
			res = core.Fail(g.Name(), fmt.Sprintf("gate panicked: %v", r), nil)
		}
	}()
	res = g.Check(ctx, in)
	if res.Gate == "" {
		res.Gate = g.Name()
	}
	return res
}

// Chain runs gates in order and stops at the first failure.
type Chain []Gate

// Run returns the results of the gates that ran and whether all of them passed.
func (c Chain) Run(ctx context.Context, in Input) ([]core.GateResult, bool) {
	results := make([]core.GateResult, 0, len(c))
	for _, g := range c {
		res := Run(ctx, g, in)
		results = append(results, res)
		if !res.Passed {
			return results, false
		}
	}
	return results, true
}

// WriteFailure persists a failed gate result as <gate>_failure.json and
// returns the artifact name.
func WriteFailure(dir artifact.Dir, res core.GateResult) (string, error) {
	name := artifact.FailureReport(res.Gate)
	if err := dir.SaveJSON(name, res); err != nil {
		return "", err
	}
	return name, nil
}
