package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/engine"
	"github.com/hupe1980/skillmesh/internal/testutil"
)

func fixLoopHarness(t *testing.T, fix *testutil.ContractBuilder) *harness {
	t.Helper()
	if fix == nil {
		fix = testutil.NewContractBuilder("fix")
	}
	return newHarness(t, contract.ModeAuto, fix, testutil.NewContractBuilder("validate"))
}

func TestFixLoop_NeverConvergingEscalatesAfterHardCap(t *testing.T) {
	h := fixLoopHarness(t, nil)

	var histories []int
	h.exec.Register("fix", engine.ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		history, _ := ec.Inputs[InputHistory].([]Attempt)
		histories = append(histories, len(history))
		return core.Outputs(map[string]any{"patch": ec.Inputs[InputIteration]}), nil
	}))
	validations := 0
	h.exec.Register("validate", engine.ImplementationFunc(func(*core.ExecutionContext) (core.Outcome, error) {
		validations++
		return core.Outputs(map[string]any{OutputErrors: []string{"test still failing"}}), nil
	}))

	res := NewFixLoop(h.exec, "fix", "validate").Run(context.Background(), map[string]any{"target": "pkg"}, "fl-1")

	assert.Equal(t, core.StatusEscalated, res.Status)
	assert.False(t, res.Succeeded())
	assert.Equal(t, HardMaxFixIterations, res.Iterations)
	assert.Len(t, res.Attempts, HardMaxFixIterations)
	assert.Equal(t, HardMaxFixIterations, validations)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, histories)
	assert.Equal(t, []string{"test still failing"}, res.RemainingErrors)
	assert.Nil(t, res.Outputs)
	assert.Contains(t, res.Reason, "no convergence")

	for i, a := range res.Attempts {
		assert.Equal(t, i+1, a.Iteration)
		assert.Equal(t, core.StatusSuccess, a.FixStatus)
		assert.Equal(t, []string{"test still failing"}, a.Errors)
	}

	dir, err := h.root.For("fix", "fl-1")
	require.NoError(t, err)
	var report FixResult
	require.NoError(t, dir.ReadJSON(artifact.FixLoopEscalation, &report))
	assert.Equal(t, core.StatusEscalated, report.Status)
	assert.Len(t, report.Attempts, HardMaxFixIterations)
}

func TestFixLoop_ConvergesWithIterationCount(t *testing.T) {
	h := fixLoopHarness(t, nil)

	h.exec.Register("fix", engine.ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		return core.Outputs(map[string]any{"patch": ec.Inputs[InputIteration]}), nil
	}))
	h.exec.Register("validate", engine.ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		if ec.Inputs["patch"] == 3 {
			return core.Outputs(map[string]any{OutputErrors: []string{}}), nil
		}
		return core.Outputs(map[string]any{OutputErrors: []any{"lint: unused variable"}}), nil
	}))

	res := NewFixLoop(h.exec, "fix", "validate").Run(context.Background(), nil, "fl-2")

	assert.Equal(t, core.StatusSuccess, res.Status)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.Attempts, 3)
	assert.Empty(t, res.RemainingErrors)
	assert.Equal(t, 3, res.Outputs["patch"])
	assert.Equal(t, []string{"lint: unused variable"}, res.Attempts[0].Errors)
}

func TestFixLoop_FixErrorsAreFedBack(t *testing.T) {
	h := fixLoopHarness(t, nil)

	var seen [][]string
	h.exec.Register("fix", engine.ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		errs, _ := ec.Inputs[InputErrors].([]string)
		seen = append(seen, errs)
		return core.Outputs(map[string]any{"patch": "p"}), nil
	}))
	h.exec.Register("validate", engine.ImplementationFunc(func(*core.ExecutionContext) (core.Outcome, error) {
		return core.Outputs(map[string]any{OutputErrors: "compile error"}), nil
	}))

	res := NewFixLoop(h.exec, "fix", "validate", func(o *FixLoopOptions) { o.MaxIterations = 2 }).
		Run(context.Background(), nil, "fl-3")

	assert.Equal(t, core.StatusEscalated, res.Status)
	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	assert.Equal(t, []string{"compile error"}, seen[1])
}

func TestFixLoop_FailingFixCountsAsAttempt(t *testing.T) {
	h := fixLoopHarness(t, nil)

	h.exec.Register("fix", engine.ImplementationFunc(func(*core.ExecutionContext) (core.Outcome, error) {
		return nil, errors.New("patch does not apply")
	}))
	validations := 0
	h.exec.Register("validate", engine.ImplementationFunc(func(*core.ExecutionContext) (core.Outcome, error) {
		validations++
		return core.Outputs(nil), nil
	}))

	res := NewFixLoop(h.exec, "fix", "validate", func(o *FixLoopOptions) { o.MaxIterations = 2 }).
		Run(context.Background(), nil, "fl-4")

	assert.Equal(t, core.StatusEscalated, res.Status)
	assert.Equal(t, 0, validations)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, core.StatusFailed, res.Attempts[0].FixStatus)
	require.NotEmpty(t, res.RemainingErrors)
	assert.Contains(t, res.RemainingErrors[0], "fix: ")
	assert.Contains(t, res.RemainingErrors[0], "patch does not apply")
}

func TestFixLoop_MaxIterationsOnlyLowers(t *testing.T) {
	tests := []struct {
		name     string
		opt      int
		contract int
		want     int
	}{
		{name: "default", want: HardMaxFixIterations},
		{name: "option lowers", opt: 2, want: 2},
		{name: "option cannot raise", opt: 50, want: HardMaxFixIterations},
		{name: "contract lowers", contract: 3, want: 3},
		{name: "contract cannot raise", contract: 9, want: HardMaxFixIterations},
		{name: "lowest wins", opt: 4, contract: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := fixLoopHarness(t, testutil.NewContractBuilder("fix").MaxFixIterations(tt.contract))
			l := NewFixLoop(h.exec, "fix", "validate", func(o *FixLoopOptions) { o.MaxIterations = tt.opt })
			assert.Equal(t, tt.want, l.MaxIterations())
		})
	}
}

func TestFixLoop_CanceledContextEscalates(t *testing.T) {
	h := fixLoopHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewFixLoop(h.exec, "fix", "validate").Run(ctx, nil, "fl-5")

	assert.Equal(t, core.StatusEscalated, res.Status)
	assert.Empty(t, res.Attempts)
	assert.Contains(t, res.Reason, "canceled")
}

func TestFixLoop_StepBudgetEscalation(t *testing.T) {
	h := fixLoopHarness(t, nil)
	h.exec.Register("validate", engine.ImplementationFunc(func(*core.ExecutionContext) (core.Outcome, error) {
		return core.Outputs(map[string]any{OutputErrors: []string{"nope"}}), nil
	}))

	for i := 0; i < core.HardStepCap-1; i++ {
		_, err := h.store.IncrementSteps(context.Background(), "fl-6")
		require.NoError(t, err)
	}

	res := NewFixLoop(h.exec, "fix", "validate").Run(context.Background(), nil, "fl-6")

	assert.Equal(t, core.StatusEscalated, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "validate skill escalated", res.Reason)
}
