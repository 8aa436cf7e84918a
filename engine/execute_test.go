package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/gate"
	"github.com/hupe1980/skillmesh/idempotency"
	"github.com/hupe1980/skillmesh/internal/testutil"
	"github.com/hupe1980/skillmesh/logging"
	"github.com/hupe1980/skillmesh/state"
)

type fixture struct {
	exec  *Executor
	store *state.InMemoryStore
	idem  *idempotency.InMemoryStore
	root  *artifact.Root
}

func newFixture(t *testing.T, mode contract.Mode, builders []*testutil.ContractBuilder, optFns ...func(o *Options)) *fixture {
	t.Helper()
	f := &fixture{
		store: state.NewInMemoryStore(),
		idem:  idempotency.NewInMemoryStore(),
		root:  artifact.NewRoot(t.TempDir()),
	}
	opts := append([]func(o *Options){func(o *Options) {
		o.StateStore = f.store
		o.IdempotencyStore = f.idem
		o.Artifacts = f.root
	}}, optFns...)
	f.exec = New(testutil.Registry(mode, builders...), opts...)
	return f
}

func (f *fixture) dir(t *testing.T, skill, corr string) artifact.Dir {
	t.Helper()
	d, err := f.root.For(skill, corr)
	require.NoError(t, err)
	return d
}

func (f *fixture) events(t *testing.T, corr string) []core.ConversationEvent {
	t.Helper()
	evs, err := f.store.ListEvents(context.Background(), corr)
	require.NoError(t, err)
	return evs
}

func builders(b ...*testutil.ContractBuilder) []*testutil.ContractBuilder { return b }

func TestExecute_ReadSkillWithoutImplementationReturnsStub(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(
		testutil.NewContractBuilder("summarize").RequireInputs("text"),
	))

	res := f.exec.Execute(context.Background(), "summarize", map[string]any{"text": "hello"}, "c-1")

	assert.Equal(t, core.StatusSuccess, res.Status)
	assert.True(t, res.Terminal)
	assert.Equal(t, map[string]any{"stub": true}, res.Outputs)
	assert.Equal(t, 1, res.Turn)
	assert.Empty(t, res.ResumeToken)
	require.NotNil(t, res.AgentState)
	assert.Equal(t, core.TaskCompleted, *res.AgentState)
	assert.Contains(t, res.Artifacts, artifact.LearningCapture)

	cs, err := f.store.GetContextState(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, cs.TaskState)
	assert.Len(t, f.events(t, "c-1"), 1)

	var lc LearningCapture
	require.NoError(t, f.dir(t, "summarize", "c-1").ReadJSON(artifact.LearningCapture, &lc))
	assert.True(t, lc.Stub)
	assert.Equal(t, "1.0.0", lc.Version)
}

func TestExecute_GeneratesCorrelationID(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("noop")))

	res := f.exec.Execute(context.Background(), "noop", nil, "")
	assert.NotEmpty(t, res.CorrelationID)
	assert.True(t, res.Succeeded())
}

func TestExecute_ValidationFailuresDoNotTouchState(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(
		testutil.NewContractBuilder("summarize").RequireInputs("text"),
	))

	t.Run("missing input", func(t *testing.T) {
		res := f.exec.Execute(context.Background(), "summarize", map[string]any{}, "c-missing")
		assert.Equal(t, core.StatusFailed, res.Status)
		assert.True(t, res.Terminal)
		require.NotEmpty(t, res.Errors)
		assert.Contains(t, res.Errors[0], "text")

		_, err := f.store.GetContextState(context.Background(), "c-missing")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})

	t.Run("unknown skill", func(t *testing.T) {
		res := f.exec.Execute(context.Background(), "nope", nil, "c-unknown")
		assert.Equal(t, core.StatusFailed, res.Status)
		assert.True(t, res.Terminal)
	})
}

func TestExecute_StepCapEscalatesBeforeExceeding(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("ping")),
		func(o *Options) { o.MaxSteps = 3 })
	f.exec.Register("ping", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		calls.Add(1)
		return core.Outputs(map[string]any{"pong": true}), nil
	}))

	for i := 0; i < 3; i++ {
		res := f.exec.Execute(context.Background(), "ping", nil, "c-steps")
		require.True(t, res.Succeeded(), "step %d: %v", i+1, res.Errors)
		assert.Equal(t, 1, res.Turn)
	}

	res := f.exec.Execute(context.Background(), "ping", nil, "c-steps")
	assert.Equal(t, core.StatusEscalated, res.Status)
	assert.True(t, res.Terminal)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, res.Artifacts, artifact.EscalationReport)

	var report EscalationReport
	require.NoError(t, f.dir(t, "ping", "c-steps").ReadJSON(artifact.EscalationReport, &report))
	assert.Equal(t, 4, report.Step)
	assert.Equal(t, 3, report.MaxSteps)
	assert.NotEmpty(t, report.Errors)
}

func TestNew_StepBudgetCannotExceedHardCap(t *testing.T) {
	exec := New(testutil.Registry(contract.ModeAuto), func(o *Options) { o.MaxSteps = 500 })
	assert.Equal(t, core.HardStepCap, exec.MaxSteps())
}

func TestExecute_IdempotencyKeyedByCorrelationAndURL(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, contract.ModeAuto, builders(
		testutil.NewContractBuilder("fetch").RequireInputs("url").Idempotent("correlation_id + url"),
	))
	f.exec.Register("fetch", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		calls.Add(1)
		if ec.StringInput("url") == "https://bad.example" {
			return nil, errors.New("connection refused")
		}
		return core.Outputs(map[string]any{"body": "ok"}), nil
	}))
	ctx := context.Background()

	first := f.exec.Execute(ctx, "fetch", map[string]any{"url": "https://a.example"}, "c-1")
	require.True(t, first.Succeeded())
	assert.False(t, first.Skipped())

	again := f.exec.Execute(ctx, "fetch", map[string]any{"url": "https://a.example"}, "c-1")
	assert.True(t, again.Succeeded())
	assert.True(t, again.Skipped())
	assert.Equal(t, "c-1", again.Outputs["original_correlation_id"])
	assert.Equal(t, int32(1), calls.Load())

	other := f.exec.Execute(ctx, "fetch", map[string]any{"url": "https://b.example"}, "c-1")
	assert.False(t, other.Skipped())
	otherCorr := f.exec.Execute(ctx, "fetch", map[string]any{"url": "https://a.example"}, "c-2")
	assert.False(t, otherCorr.Skipped())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, f.idem.Len())

	// A failed run is never marked, so the same key runs again.
	for i := 0; i < 2; i++ {
		res := f.exec.Execute(ctx, "fetch", map[string]any{"url": "https://bad.example"}, "c-3")
		assert.Equal(t, core.StatusFailed, res.Status)
	}
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, 3, f.idem.Len())
}

func interviewImpl(ec *core.ExecutionContext) (core.Outcome, error) {
	answer := ec.StringInput("answer")
	if answer == "" {
		return core.AgentOutcome{Response: core.AgentResponse{
			State:        core.TaskInputRequired,
			Message:      "need a name",
			InputRequest: map[string]any{"question": "What is your name?"},
			Facts:        []core.PocketFact{{Bucket: "interview", Key: "asked", Value: true}},
		}}, nil
	}
	asked, _ := ec.Fact("interview", "asked")
	return core.Done(map[string]any{
		"greeting":    "hello " + answer,
		"asked":       asked,
		"turn":        ec.Turn,
		"prior_state": string(ec.PriorState),
	}), nil
}

func interviewContract(p contract.Persistence, maxTurns int) *testutil.ContractBuilder {
	return testutil.NewContractBuilder("interview").
		MultiTurn(maxTurns, p, core.TaskInputRequired).
		InputRequestSchema("question")
}

func TestExecute_InputRequiredThenResumeCompletes(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(interviewContract(contract.PersistenceBestEffort, 5)))
	f.exec.Register("interview", ImplementationFunc(interviewImpl))
	ctx := context.Background()

	first := f.exec.Execute(ctx, "interview", nil, "c-int")
	assert.Equal(t, core.StatusPending, first.Status)
	assert.False(t, first.Terminal)
	assert.True(t, first.NeedsInput())
	assert.NotEmpty(t, first.ResumeToken)
	assert.Equal(t, "What is your name?", first.InputRequest["question"])

	cs, err := f.store.GetContextState(ctx, "c-int")
	require.NoError(t, err)
	assert.Equal(t, core.TaskInputRequired, cs.TaskState)
	assert.Equal(t, first.InputRequest, cs.PendingInput)

	second := f.exec.Execute(ctx, "interview", map[string]any{"answer": "ada"}, "c-int", WithResumeToken(first.ResumeToken))
	require.True(t, second.Succeeded(), "errors: %v", second.Errors)
	assert.Equal(t, "hello ada", second.Outputs["greeting"])
	assert.Equal(t, true, second.Outputs["asked"])
	assert.Equal(t, 2, second.Outputs["turn"])
	assert.Equal(t, string(core.TaskInputRequired), second.Outputs["prior_state"])
	assert.Empty(t, second.ResumeToken)
	assert.Equal(t, 2, second.Turn)

	cs, err = f.store.GetContextState(ctx, "c-int")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, cs.TaskState)
	assert.Equal(t, 2, cs.Turn)
	assert.Len(t, f.events(t, "c-int"), 2)
}

func TestExecute_IdempotencyMarksOnlyTerminalTurns(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, contract.ModeAuto, builders(
		interviewContract(contract.PersistenceBestEffort, 5).Idempotent("correlation_id"),
	))
	f.exec.Register("interview", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		if calls.Add(1) < 3 {
			return core.NeedInput("more", map[string]any{"question": "again?"}), nil
		}
		return core.Done(map[string]any{"answers": ec.Turn}), nil
	}))
	ctx := context.Background()

	first := f.exec.Execute(ctx, "interview", nil, "c-idem")
	assert.Equal(t, core.StatusPending, first.Status)
	assert.Equal(t, 0, f.idem.Len())

	second := f.exec.Execute(ctx, "interview", nil, "c-idem", WithResumeToken(first.ResumeToken))
	assert.Equal(t, core.StatusPending, second.Status)
	assert.False(t, second.Skipped())
	assert.Equal(t, 0, f.idem.Len())

	third := f.exec.Execute(ctx, "interview", nil, "c-idem", WithResumeToken(second.ResumeToken))
	require.True(t, third.Succeeded(), "errors: %v", third.Errors)
	assert.False(t, third.Skipped())
	assert.Equal(t, 1, f.idem.Len())

	fourth := f.exec.Execute(ctx, "interview", nil, "c-idem")
	assert.True(t, fourth.Succeeded())
	assert.True(t, fourth.Skipped())
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_StaleResumeTokenBlocksWithoutMutation(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(interviewContract(contract.PersistenceBestEffort, 5)))
	f.exec.Register("interview", ImplementationFunc(interviewImpl))
	ctx := context.Background()

	first := f.exec.Execute(ctx, "interview", nil, "c-stale")
	require.NotEmpty(t, first.ResumeToken)
	before, err := f.store.GetContextState(ctx, "c-stale")
	require.NoError(t, err)

	res := f.exec.Execute(ctx, "interview", map[string]any{"answer": "ada"}, "c-stale", WithResumeToken("not-the-token"))
	assert.Equal(t, core.StatusBlocked, res.Status)
	assert.True(t, res.Terminal)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], core.ErrStaleResumeToken.Error())

	after, err := f.store.GetContextState(ctx, "c-stale")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.ResumeToken, after.ResumeToken)
	assert.Equal(t, core.TaskInputRequired, after.TaskState)
	assert.Len(t, f.events(t, "c-stale"), 1)

	ok := f.exec.Execute(ctx, "interview", map[string]any{"answer": "ada"}, "c-stale", WithResumeToken(first.ResumeToken))
	assert.True(t, ok.Succeeded())

	// The consumed token is stale once the interaction completed.
	replay := f.exec.Execute(ctx, "interview", map[string]any{"answer": "ada"}, "c-stale", WithResumeToken(first.ResumeToken))
	assert.Equal(t, core.StatusBlocked, replay.Status)
}

func TestExecute_StrictPersistenceRequiresToken(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(interviewContract(contract.PersistenceStrict, 5)))
	f.exec.Register("interview", ImplementationFunc(interviewImpl))
	ctx := context.Background()

	first := f.exec.Execute(ctx, "interview", nil, "c-strict")
	require.False(t, first.Terminal)

	res := f.exec.Execute(ctx, "interview", map[string]any{"answer": "ada"}, "c-strict")
	assert.Equal(t, core.StatusBlocked, res.Status)

	cs, err := f.store.GetContextState(ctx, "c-strict")
	require.NoError(t, err)
	assert.Equal(t, core.TaskInputRequired, cs.TaskState)
}

func TestExecute_TurnCapEscalates(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(interviewContract(contract.PersistenceBestEffort, 2)))
	f.exec.Register("interview", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		return core.NeedInput("still waiting", map[string]any{"question": "again?"}), nil
	}))
	ctx := context.Background()

	first := f.exec.Execute(ctx, "interview", nil, "c-turns")
	require.False(t, first.Terminal)

	second := f.exec.Execute(ctx, "interview", nil, "c-turns", WithResumeToken(first.ResumeToken))
	assert.Equal(t, core.StatusEscalated, second.Status)
	assert.True(t, second.Terminal)
	assert.Empty(t, second.ResumeToken)
	assert.Contains(t, second.Artifacts, artifact.EscalationReport)

	cs, err := f.store.GetContextState(ctx, "c-turns")
	require.NoError(t, err)
	assert.Equal(t, core.TaskEscalated, cs.TaskState)
}

func TestExecute_NonTerminalChecks(t *testing.T) {
	tests := []struct {
		name     string
		contract *testutil.ContractBuilder
		response core.AgentResponse
		outbox   Outbox
		want     core.Status
		terminal bool
	}{
		{
			name:     "state not in allow-list",
			contract: interviewContract(contract.PersistenceBestEffort, 5),
			response: core.AgentResponse{State: core.TaskPaused},
			want:     core.StatusBlocked,
			terminal: true,
		},
		{
			name:     "input request violates schema",
			contract: interviewContract(contract.PersistenceBestEffort, 5),
			response: core.AgentResponse{State: core.TaskInputRequired, InputRequest: map[string]any{"hint": "x"}},
			want:     core.StatusFailed,
			terminal: true,
		},
		{
			name: "delegation without outbox",
			contract: testutil.NewContractBuilder("interview").
				MultiTurn(5, contract.PersistenceBestEffort, core.TaskDelegating),
			response: core.AgentResponse{State: core.TaskDelegating, Delegation: &core.Delegation{Target: "reviewer"}},
			want:     core.StatusBlocked,
			terminal: true,
		},
		{
			name: "delegation with outbox",
			contract: testutil.NewContractBuilder("interview").
				MultiTurn(5, contract.PersistenceBestEffort, core.TaskDelegating),
			response: core.AgentResponse{State: core.TaskDelegating, Delegation: &core.Delegation{Target: "reviewer"}},
			outbox:   NewInMemoryOutbox(),
			want:     core.StatusPending,
			terminal: false,
		},
		{
			name:     "unknown state",
			contract: interviewContract(contract.PersistenceBestEffort, 5),
			response: core.AgentResponse{State: core.TaskState("DANCING")},
			want:     core.StatusFailed,
			terminal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, contract.ModeAuto, builders(tt.contract), func(o *Options) { o.Outbox = tt.outbox })
			f.exec.Register("interview", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
				return core.AgentOutcome{Response: tt.response}, nil
			}))

			res := f.exec.Execute(context.Background(), "interview", nil, "c-nt")
			assert.Equal(t, tt.want, res.Status, "errors: %v", res.Errors)
			assert.Equal(t, tt.terminal, res.Terminal)

			if ob, ok := tt.outbox.(*InMemoryOutbox); ok {
				msgs := ob.Messages()
				require.Len(t, msgs, 1)
				assert.Equal(t, "reviewer", msgs[0].Delegation.Target)
				assert.Equal(t, "c-nt", msgs[0].CorrelationID)
				assert.NotEmpty(t, res.ResumeToken)
			}
		})
	}
}

func TestExecute_CooperativeDeadline(t *testing.T) {
	t.Run("polling implementation times out", func(t *testing.T) {
		var calls atomic.Int32
		f := newFixture(t, contract.ModeAuto, builders(
			testutil.NewContractBuilder("slow").Timeout(0.01).Idempotent("correlation_id").Retry(3, 0),
		))
		f.exec.Register("slow", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			calls.Add(1)
			time.Sleep(30 * time.Millisecond)
			if err := ec.CheckDeadline(); err != nil {
				return nil, err
			}
			return core.Outputs(nil), nil
		}))

		res := f.exec.Execute(context.Background(), "slow", nil, "c-timeout")
		assert.Equal(t, core.StatusTimeout, res.Status)
		assert.True(t, res.Terminal)
		assert.Equal(t, int32(1), calls.Load(), "timeouts are never retried")
		assert.Equal(t, 0, f.idem.Len())
	})

	t.Run("non-polling implementation keeps its result", func(t *testing.T) {
		f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("slow").Timeout(0.01)))
		f.exec.Register("slow", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			time.Sleep(30 * time.Millisecond)
			return core.Outputs(map[string]any{"done": true}), nil
		}))

		res := f.exec.Execute(context.Background(), "slow", nil, "c-overrun")
		require.True(t, res.Succeeded())
		assert.Equal(t, true, res.Outputs["done"])

		var overrun bool
		for _, e := range res.Trace {
			if e.Step == "deadline" {
				overrun = true
			}
		}
		assert.True(t, overrun, "overrun is recorded in the trace")
	})
}

func TestExecute_RetryOnlyUnderSafeIdempotentPolicy(t *testing.T) {
	flaky := func(failures int32, calls *atomic.Int32) Implementation {
		return ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			if n := calls.Add(1); n <= failures {
				return nil, fmt.Errorf("transient failure %d", n)
			}
			return core.Outputs(map[string]any{"attempt": ec.Iteration}), nil
		})
	}

	t.Run("retried", func(t *testing.T) {
		var calls atomic.Int32
		f := newFixture(t, contract.ModeAuto, builders(
			testutil.NewContractBuilder("flaky").Idempotent("correlation_id").Retry(3, 0.001),
		))
		f.exec.Register("flaky", flaky(2, &calls))

		res := f.exec.Execute(context.Background(), "flaky", nil, "c-retry")
		require.True(t, res.Succeeded(), "errors: %v", res.Errors)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, 3, res.Outputs["attempt"])
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		var calls atomic.Int32
		f := newFixture(t, contract.ModeAuto, builders(
			testutil.NewContractBuilder("flaky").Idempotent("correlation_id").Retry(2, 0.001),
		))
		f.exec.Register("flaky", flaky(5, &calls))

		res := f.exec.Execute(context.Background(), "flaky", nil, "c-retry")
		assert.Equal(t, core.StatusFailed, res.Status)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("not idempotent", func(t *testing.T) {
		var calls atomic.Int32
		f := newFixture(t, contract.ModeAuto, builders(
			testutil.NewContractBuilder("flaky").Retry(3, 0.001),
		))
		f.exec.Register("flaky", flaky(1, &calls))

		res := f.exec.Execute(context.Background(), "flaky", nil, "c-retry")
		assert.Equal(t, core.StatusFailed, res.Status)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestExecute_AdvisorValidation(t *testing.T) {
	unsafe := "package main\n\nfunc work() {}\n\nfunc run() {\n\tgo work()\n}\n"
	safe := "package main\n\nfunc add(a, b int) int { return a + b }\n"

	t.Run("unsafe code blocks in advisor mode", func(t *testing.T) {
		f := newFixture(t, contract.ModeAdvisor, builders(testutil.NewContractBuilder("codegen")))
		f.exec.Register("codegen", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			return core.Outputs(map[string]any{"code": unsafe, "language": "go"}), nil
		}))

		res := f.exec.Execute(context.Background(), "codegen", nil, "c-adv")
		assert.Equal(t, core.StatusBlocked, res.Status)
		assert.True(t, res.Terminal)
		assert.Empty(t, res.Outputs)
		assert.Contains(t, res.Artifacts, artifact.FailureReport(gate.NameAdvisor))
	})

	t.Run("safe code passes", func(t *testing.T) {
		f := newFixture(t, contract.ModeMixed, builders(testutil.NewContractBuilder("codegen")))
		f.exec.Register("codegen", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			return core.Outputs(map[string]any{"code": safe, "language": "go"}), nil
		}))

		res := f.exec.Execute(context.Background(), "codegen", nil, "c-adv")
		assert.True(t, res.Succeeded(), "errors: %v", res.Errors)
	})

	t.Run("auto mode skips the validator", func(t *testing.T) {
		// The post-gate safety scan still catches generated code.
		f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("codegen")))
		f.exec.Register("codegen", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			return core.Outputs(map[string]any{"code": unsafe, "language": "go"}), nil
		}))

		res := f.exec.Execute(context.Background(), "codegen", nil, "c-adv")
		assert.Equal(t, core.StatusBlocked, res.Status)
		assert.Contains(t, res.Artifacts, artifact.FailureReport(gate.NameSafety))
	})
}

func TestExecute_WriteSkillPreflightGates(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, contract.ModeAuto, builders(
		testutil.NewContractBuilder("patch").Autonomy(contract.AutonomyImplement),
	))
	f.exec.Register("patch", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		calls.Add(1)
		d, err := artifact.Open(ec.ArtifactDir)
		if err != nil {
			return nil, err
		}
		if err := d.Save(artifact.DiffFile, []byte("--- a/pkg/a.go\n+++ b/pkg/a.go\n")); err != nil {
			return nil, err
		}
		return core.Outputs(map[string]any{"files": []string{"pkg/a.go"}}), nil
	}))
	ctx := context.Background()
	dir := f.dir(t, "patch", "c-write")

	res := f.exec.Execute(ctx, "patch", nil, "c-write")
	assert.Equal(t, core.StatusBlocked, res.Status)
	assert.Contains(t, res.Artifacts, artifact.FailureReport(gate.NameGrounding))

	testutil.WriteGrounding(t, dir)
	res = f.exec.Execute(ctx, "patch", nil, "c-write")
	assert.Equal(t, core.StatusBlocked, res.Status)
	assert.Contains(t, res.Artifacts, artifact.FailureReport(gate.NameScope))
	assert.Equal(t, int32(0), calls.Load())

	testutil.WriteScope(t, dir, []string{"pkg/**"}, nil, 5)
	res = f.exec.Execute(ctx, "patch", nil, "c-write")
	require.True(t, res.Succeeded(), "errors: %v", res.Errors)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_PostGateFailureBlocks(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(
		testutil.NewContractBuilder("report").Artifacts("report.md").Idempotent("correlation_id"),
	))
	f.exec.Register("report", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		return core.Outputs(map[string]any{"ok": true}), nil
	}))

	res := f.exec.Execute(context.Background(), "report", nil, "c-post")
	assert.Equal(t, core.StatusBlocked, res.Status)
	assert.Contains(t, res.Artifacts, artifact.FailureReport(gate.NameCompleteness))
	assert.NotContains(t, res.Artifacts, artifact.LearningCapture)
	assert.Equal(t, 0, f.idem.Len(), "blocked runs are not marked")
}

func TestExecute_ImplementationFaults(t *testing.T) {
	t.Run("panic", func(t *testing.T) {
		f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("boom")))
		f.exec.Register("boom", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			panic("kaboom")
		}))

		res := f.exec.Execute(context.Background(), "boom", nil, "c-panic")
		assert.Equal(t, core.StatusFailed, res.Status)
		assert.True(t, res.Terminal)
		require.NotEmpty(t, res.Errors)
		assert.Contains(t, res.Errors[0], "kaboom")

		cs, err := f.store.GetContextState(context.Background(), "c-panic")
		require.NoError(t, err)
		assert.Equal(t, core.TaskFailed, cs.TaskState)
	})

	t.Run("nil outcome", func(t *testing.T) {
		f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("empty")))
		f.exec.Register("empty", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			return nil, nil
		}))

		res := f.exec.Execute(context.Background(), "empty", nil, "c-nil")
		assert.Equal(t, core.StatusFailed, res.Status)
	})

	t.Run("reported escalation writes report", func(t *testing.T) {
		f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("esc")))
		f.exec.Register("esc", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
			return core.AgentOutcome{Response: core.AgentResponse{State: core.TaskEscalated, Errors: []string{"needs a human"}}}, nil
		}))

		res := f.exec.Execute(context.Background(), "esc", nil, "c-esc")
		assert.Equal(t, core.StatusEscalated, res.Status)
		assert.Contains(t, res.Artifacts, artifact.EscalationReport)
	})
}

func TestExecute_ConcurrentTurnLosesCompareAndSwap(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(interviewContract(contract.PersistenceBestEffort, 5)))
	ctx := context.Background()
	f.exec.Register("interview", ImplementationFunc(func(ec *core.ExecutionContext) (core.Outcome, error) {
		if ec.Turn == 1 {
			return core.NeedInput("name?", map[string]any{"question": "name?"}), nil
		}
		// Another worker advances the state while this turn runs.
		cs, err := f.store.GetContextState(ctx, ec.CorrelationID)
		if err != nil {
			return nil, err
		}
		if _, err := f.store.CompareAndSwapContextState(ctx, *cs, cs.Version); err != nil {
			return nil, err
		}
		return core.Done(map[string]any{"ok": true}), nil
	}))

	first := f.exec.Execute(ctx, "interview", nil, "c-cas")
	require.False(t, first.Terminal)

	res := f.exec.Execute(ctx, "interview", nil, "c-cas", WithResumeToken(first.ResumeToken))
	assert.Equal(t, core.StatusBlocked, res.Status)
	assert.Empty(t, res.Outputs)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[len(res.Errors)-1], "concurrent turn")

	cs, err := f.store.GetContextState(ctx, "c-cas")
	require.NoError(t, err)
	assert.Equal(t, core.TaskInputRequired, cs.TaskState, "the winner's state is kept")
}

func TestExecute_MessageIDDedupesEvents(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("noop")))

	f.exec.Execute(context.Background(), "noop", nil, "c-msg", WithMessageID("m-1"))
	f.exec.Execute(context.Background(), "noop", nil, "c-msg", WithMessageID("m-1"))
	f.exec.Execute(context.Background(), "noop", nil, "c-msg", WithMessageID("m-2"))

	assert.Len(t, f.events(t, "c-msg"), 2)
}

func TestExecute_Callbacks(t *testing.T) {
	f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("noop")))
	var after *core.ExecutionResult
	var logged []string
	f.exec.Callbacks().RegisterCallback(NewFunctionCallback(CallbackBeforeExecute, func(ctx context.Context, cc *CallbackContext) error {
		if cc.Inputs["deny"] == true {
			return errors.New("denied by policy")
		}
		return nil
	}))
	f.exec.Callbacks().RegisterCallback(NewFunctionCallback(CallbackAfterExecute, func(ctx context.Context, cc *CallbackContext) error {
		after = cc.Result
		return nil
	}))
	f.exec.Callbacks().RegisterCallback(NewLoggingCallback(CallbackAfterExecute, func(m string) { logged = append(logged, m) }))

	res := f.exec.Execute(context.Background(), "noop", map[string]any{"deny": true}, "c-cb")
	assert.Equal(t, core.StatusBlocked, res.Status)
	assert.Same(t, res, after)
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "status=BLOCKED")

	res = f.exec.Execute(context.Background(), "noop", nil, "c-cb")
	assert.True(t, res.Succeeded())
}

func TestExecute_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("noop")),
		func(o *Options) { o.TracerProvider = tp })

	f.exec.Execute(context.Background(), "noop", nil, "c-span")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "skill.execute", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "noop", attrs["skill.name"])
	assert.Equal(t, "c-span", attrs["skill.correlation_id"])
	assert.Equal(t, "SUCCESS", attrs["skill.status"])
	assert.Equal(t, "true", attrs["skill.terminal"])
}

func TestExecute_ExecutorPanicIsLoggedWithStack(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json", Output: &buf})
	f := newFixture(t, contract.ModeAuto, builders(testutil.NewContractBuilder("noop")),
		func(o *Options) { o.Logger = logger })
	f.exec.Callbacks().RegisterCallback(NewFunctionCallback(CallbackBeforeExecute, func(context.Context, *CallbackContext) error {
		panic("policy hook crashed")
	}))

	res := f.exec.Execute(context.Background(), "noop", nil, "c-guard")
	assert.Equal(t, core.StatusFailed, res.Status)
	assert.True(t, res.Terminal)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "policy hook crashed")
	assert.Contains(t, buf.String(), `"msg":"executor panic"`)
	assert.Contains(t, buf.String(), "stack_trace")
}
