package agent

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/engine"
	"github.com/hupe1980/skillmesh/logging"
)

// HardMaxFixIterations bounds every fix loop. Configuration can lower it but
// never raise it.
const HardMaxFixIterations = 5

// Input keys the fix skill receives on every iteration.
const (
	InputIteration = "fix_iteration"
	InputErrors    = "fix_errors"
	InputHistory   = "fix_history"
)

// OutputErrors is the output key a validate skill reports remaining errors
// under. A validate run that did not succeed counts its result errors
// instead.
const OutputErrors = "errors"

// FixLoopOptions configures a FixLoop.
type FixLoopOptions struct {
	// MaxIterations lowers the iteration cap. Zero keeps the cap; values above
	// HardMaxFixIterations are ignored.
	MaxIterations int
	// Interval waits between iterations.
	Interval time.Duration
	Logger   logging.Logger
}

// Attempt records one fix/validate iteration.
type Attempt struct {
	Iteration   int            `json:"iteration"`
	FixStatus   core.Status    `json:"fix_status"`
	FixOutputs  map[string]any `json:"fix_outputs,omitempty"`
	FixErrors   []string       `json:"fix_errors,omitempty"`
	Errors      []string       `json:"errors"`
	CompletedAt time.Time      `json:"completed_at"`
}

// FixResult is the outcome of a fix loop. It is always terminal.
type FixResult struct {
	CorrelationID   string         `json:"correlation_id"`
	Status          core.Status    `json:"status"`
	Iterations      int            `json:"iterations"`
	MaxIterations   int            `json:"max_iterations"`
	Attempts        []Attempt      `json:"attempts"`
	RemainingErrors []string       `json:"remaining_errors,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// Succeeded reports whether the loop converged.
func (r *FixResult) Succeeded() bool { return r != nil && r.Status == core.StatusSuccess }

// FixLoop pairs a fix skill with a validate skill and repeats them until the
// validator reports no errors or the iteration cap is reached.
//
// Each iteration runs the fix skill with the original inputs plus the current
// errors and the accumulated attempt history, then runs the validate skill
// with the original inputs merged with the fix outputs. Both calls go through
// the executor so every gate and the step budget apply.
//
// Exhausting the cap is not an error: Run returns ESCALATED with the full
// attempt history and writes fix_loop_escalation.json for the fix skill.
type FixLoop struct {
	exec     *engine.Executor
	fix      string
	validate string
	opts     FixLoopOptions
}

// NewFixLoop constructs a fix loop over two registered skills.
func NewFixLoop(exec *engine.Executor, fixSkill, validateSkill string, optFns ...func(o *FixLoopOptions)) *FixLoop {
	opts := FixLoopOptions{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FixLoop{
		exec:     exec,
		fix:      fixSkill,
		validate: validateSkill,
		opts:     opts,
	}
}

// MaxIterations returns the effective cap: the hard maximum lowered by the
// options and by the fix contract's max_fix_iterations.
func (l *FixLoop) MaxIterations() int {
	n := HardMaxFixIterations
	if m := l.opts.MaxIterations; m > 0 && m < n {
		n = m
	}
	if c, err := l.exec.Registry().Get(l.fix); err == nil && c.MaxFixIterations > 0 && c.MaxFixIterations < n {
		n = c.MaxFixIterations
	}
	return n
}

// Run executes the loop for correlationID. An empty correlationID uses a
// generated one.
func (l *FixLoop) Run(ctx context.Context, inputs map[string]any, correlationID string) *FixResult {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	max := l.MaxIterations()
	res := &FixResult{
		CorrelationID: correlationID,
		MaxIterations: max,
	}

	var errs []string
	for i := 1; i <= max; i++ {
		if err := ctx.Err(); err != nil {
			return l.escalate(res, errs, fmt.Sprintf("canceled at iteration %d: %v", i, err))
		}

		l.opts.Logger.Debug("fix loop iteration", "iteration", i, "fix", l.fix, "correlation_id", correlationID)

		fixIn := maps.Clone(inputs)
		if fixIn == nil {
			fixIn = map[string]any{}
		}
		fixIn[InputIteration] = i
		fixIn[InputErrors] = errs
		fixIn[InputHistory] = res.Attempts

		fixRes := l.exec.Execute(ctx, l.fix, fixIn, correlationID)
		attempt := Attempt{
			Iteration:  i,
			FixStatus:  fixRes.Status,
			FixOutputs: fixRes.Outputs,
			FixErrors:  fixRes.Errors,
		}
		res.Iterations = i

		switch {
		case fixRes.Status == core.StatusEscalated:
			attempt.Errors = fixRes.Errors
			attempt.CompletedAt = time.Now().UTC()
			res.Attempts = append(res.Attempts, attempt)
			return l.escalate(res, fixRes.Errors, "fix skill escalated")
		case !fixRes.Succeeded():
			attempt.Errors = prefixed(l.fix, fixRes)
		default:
			valIn := maps.Clone(inputs)
			if valIn == nil {
				valIn = map[string]any{}
			}
			maps.Copy(valIn, fixRes.Outputs)
			valIn[InputIteration] = i

			valRes := l.exec.Execute(ctx, l.validate, valIn, correlationID)
			if valRes.Status == core.StatusEscalated {
				attempt.Errors = valRes.Errors
				attempt.CompletedAt = time.Now().UTC()
				res.Attempts = append(res.Attempts, attempt)
				return l.escalate(res, valRes.Errors, "validate skill escalated")
			}
			attempt.Errors = validationErrors(l.validate, valRes)
		}
		attempt.CompletedAt = time.Now().UTC()
		res.Attempts = append(res.Attempts, attempt)
		errs = attempt.Errors

		if len(errs) == 0 {
			res.Status = core.StatusSuccess
			res.Outputs = fixRes.Outputs
			l.opts.Logger.Info("fix loop converged", "fix", l.fix, "correlation_id", correlationID, "iterations", i)
			return res
		}

		if l.opts.Interval > 0 && i < max {
			select {
			case <-ctx.Done():
				return l.escalate(res, errs, fmt.Sprintf("canceled after iteration %d: %v", i, ctx.Err()))
			case <-time.After(l.opts.Interval):
			}
		}
	}

	return l.escalate(res, errs, fmt.Sprintf("no convergence after %d iterations", max))
}

func (l *FixLoop) escalate(res *FixResult, remaining []string, reason string) *FixResult {
	res.Status = core.StatusEscalated
	res.RemainingErrors = remaining
	res.Reason = reason
	res.Outputs = nil

	l.opts.Logger.Warn("fix loop escalated",
		"fix", l.fix,
		"correlation_id", res.CorrelationID,
		"iterations", res.Iterations,
		"reason", reason,
		"remaining_errors", len(remaining),
	)

	if dir, err := l.exec.Artifacts().For(l.fix, res.CorrelationID); err == nil {
		if err := dir.SaveJSON(artifact.FixLoopEscalation, res); err != nil {
			l.opts.Logger.Error("writing fix loop escalation", "error", err)
		}
	}
	return res
}

// validationErrors extracts the remaining errors from a validate run.
func validationErrors(skill string, res *core.ExecutionResult) []string {
	if !res.Succeeded() {
		return prefixed(skill, res)
	}
	return stringList(res.Outputs[OutputErrors])
}

func prefixed(skill string, res *core.ExecutionResult) []string {
	if len(res.Errors) == 0 {
		return []string{fmt.Sprintf("%s: %s", skill, res.Status)}
	}
	out := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, fmt.Sprintf("%s: %s", skill, e))
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}
