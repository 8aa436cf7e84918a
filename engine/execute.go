package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/gate"
	"github.com/hupe1980/skillmesh/idempotency"
	"github.com/hupe1980/skillmesh/internal/util"
)

// DefaultFactBucket receives facts returned without a bucket name.
const DefaultFactBucket = "default"

// executionLogger is implemented by loggers with skill-aware helpers.
type executionLogger interface {
	LogSkillExecution(skill, status string, terminal bool, dur time.Duration, errs []string)
	LogGate(gate string, passed bool, message string)
}

// stackLogger is implemented by loggers that attach a stack trace to errors.
type stackLogger interface {
	ErrorWithStack(err error, msg string)
}

// Execute runs skill once for correlationID and always returns a result.
//
// The call follows a fixed sequence: step budget, contract and mode lookup,
// resume token check, idempotency check, input validation, pre-flight gates
// for write-capable skills, the implementation under its cooperative
// deadline, outcome normalization, advisor validation, multi-turn checks,
// post-gates and finally persistence. Every failure is expressed in the
// result; a panic anywhere inside is recovered into a terminal FAILED result.
//
// An empty correlationID starts a new interaction with a generated id.
func (e *Executor) Execute(
	ctx context.Context,
	skill string,
	inputs map[string]any,
	correlationID string,
	optFns ...func(o *ExecuteOptions),
) *core.ExecutionResult {
	var xo ExecuteOptions
	for _, fn := range optFns {
		fn(&xo)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if correlationID == "" {
		correlationID = e.opts.NewID()
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	ctx, span := e.tracer.Start(ctx, "skill.execute", trace.WithAttributes(
		attribute.String("skill.name", skill),
		attribute.String("skill.correlation_id", correlationID),
	))
	defer span.End()

	r := &run{
		e:      e,
		ctx:    ctx,
		xo:     xo,
		skill:  skill,
		corrID: correlationID,
		inputs: inputs,
		start:  time.Now(),
		res: &core.ExecutionResult{
			CorrelationID: correlationID,
			Skill:         skill,
			Outputs:       map[string]any{},
		},
	}

	r.guard(r.execute)
	r.guard(r.finalize)

	res := r.res
	res.Duration = time.Since(r.start)
	res.Trace = r.trace

	span.SetAttributes(
		attribute.String("skill.status", string(res.Status)),
		attribute.Bool("skill.terminal", res.Terminal),
		attribute.Int("skill.turn", res.Turn),
		attribute.Int("skill.step", r.steps),
	)
	switch res.Status {
	case core.StatusFailed, core.StatusTimeout:
		span.SetStatus(codes.Error, firstOr(res.Errors, string(res.Status)))
	case core.StatusBlocked, core.StatusEscalated:
		span.AddEvent("skill.stopped", trace.WithAttributes(attribute.String("reason", firstOr(res.Errors, ""))))
	}

	r.logExecution()
	r.callback(CallbackAfterExecute, nil)
	return res
}

// run carries the working state of one Execute call.
type run struct {
	e      *Executor
	ctx    context.Context
	xo     ExecuteOptions
	skill  string
	corrID string
	inputs map[string]any
	start  time.Time

	contract *contract.Contract
	mode     contract.Mode
	dir      artifact.Dir
	hasDir   bool
	prior    *core.ContextState
	turn     int
	steps    int
	attempts int
	idemKey  string

	response *core.AgentResponse
	state    core.TaskState
	gates    []core.GateResult
	trace    []core.TraceEntry

	// persist is set once the call may write context state. Budget
	// exhaustion, unknown contracts, stale tokens, idempotent skips and
	// input validation failures leave the store untouched.
	persist bool
	skipped bool
	stub    bool

	res *core.ExecutionResult
}

// guard runs fn and converts a panic into a terminal FAILED result.
func (r *run) guard(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			if l, ok := r.e.opts.Logger.(stackLogger); ok {
				l.ErrorWithStack(fmt.Errorf("executor panic: %v", p), "executor panic")
			} else {
				r.e.opts.Logger.Error("executor panic",
					"skill", r.skill,
					"correlation_id", r.corrID,
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()),
				)
			}
			r.finish(core.StatusFailed, fmt.Sprintf("executor panic: %v", p))
		}
	}()
	fn()
}

func (r *run) execute() {
	if !r.checkBudget() {
		return
	}

	c, err := r.e.registry.Get(r.skill)
	if err != nil {
		r.finish(core.StatusFailed, fmt.Sprintf("contract: %v", err))
		return
	}
	r.contract = c
	r.mode = r.e.registry.Mode(r.skill)
	r.note("contract", fmt.Sprintf("%s@%s mode=%s autonomy=%s", c.Name, c.Version, r.mode, c.AutonomyLevel))

	dir, err := r.e.opts.Artifacts.For(r.skill, r.corrID)
	if err != nil {
		r.finish(core.StatusFailed, fmt.Sprintf("artifact dir: %v", err))
		return
	}
	r.dir, r.hasDir = dir, true

	if !r.loadState() {
		return
	}
	if !r.checkIdempotency() {
		return
	}

	if err := util.ValidateParameters(r.inputs, c.InputSchema); err != nil {
		r.finish(core.StatusFailed, fmt.Sprintf("input validation: %v", err))
		return
	}
	r.persist = true

	if err := r.callback(CallbackBeforeExecute, nil); err != nil {
		r.finish(core.StatusBlocked, err.Error())
		return
	}

	if c.AutonomyLevel.CanMutate() {
		if !r.runGates(gate.Chain{r.e.opts.Grounding, r.e.opts.Scope}) {
			return
		}
	}

	impl, ok := r.e.Implementation(r.skill)
	if !ok {
		r.stub = true
		r.note("implementation", "no implementation registered, returning stub")
		r.setOutcome(core.StatusSuccess, true, map[string]any{"stub": true})
		return
	}

	outcome, err := r.invoke(impl)
	if err != nil {
		if errors.Is(err, core.ErrDeadlineExceeded) {
			r.finish(core.StatusTimeout, err.Error())
		} else {
			r.finish(core.StatusFailed, fmt.Sprintf("implementation: %v", err))
		}
		return
	}

	if !r.normalize(outcome) {
		return
	}

	if r.mode.NeedsAdvisorValidation() && !r.isFailure() {
		if !r.runGates(gate.Chain{r.e.opts.Advisor}) {
			return
		}
	}

	if !r.res.Terminal {
		r.continueInteraction()
		return
	}
	if r.res.Status != core.StatusSuccess {
		return
	}

	r.runGates(r.e.opts.PostGates(c))
}

// checkBudget increments the step counter and escalates once it passes the
// cap. The refused step never executes.
func (r *run) checkBudget() bool {
	steps, err := r.e.opts.StateStore.IncrementSteps(r.ctx, r.corrID)
	if err != nil {
		r.finish(core.StatusFailed, fmt.Sprintf("step counter: %v", err))
		return false
	}
	r.steps = steps
	r.note("budget", fmt.Sprintf("step %d of %d", steps, r.e.budget.Max()))
	if err := r.e.budget.Check(steps); err != nil {
		if dir, derr := r.e.opts.Artifacts.For(r.skill, r.corrID); derr == nil {
			r.dir, r.hasDir = dir, true
		}
		r.finish(core.StatusEscalated, err.Error())
		return false
	}
	return true
}

// loadState reads the persisted context state and validates the resume
// token. Token problems block without mutating anything.
func (r *run) loadState() bool {
	prior, err := r.e.opts.StateStore.GetContextState(r.ctx, r.corrID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		r.finish(core.StatusFailed, fmt.Sprintf("loading context state: %v", err))
		return false
	}

	token := r.xo.ResumeToken
	if !prior.Resumable() {
		if token != "" {
			r.finish(core.StatusBlocked, fmt.Sprintf("no paused interaction for %s: %v", r.corrID, core.ErrStaleResumeToken))
			return false
		}
		r.prior = prior
		r.turn = 1
		return true
	}

	if prior.Skill != r.skill {
		r.finish(core.StatusBlocked, fmt.Sprintf("correlation id %s is paused in skill %s", r.corrID, prior.Skill))
		return false
	}
	if token == "" && r.contract.MultiTurn != nil && r.contract.MultiTurn.Persistence == contract.PersistenceStrict {
		r.finish(core.StatusBlocked, "resume token required by strict persistence")
		return false
	}
	if token != "" {
		if err := r.e.opts.StateStore.ValidateResumeToken(r.ctx, r.corrID, token); err != nil {
			r.finish(core.StatusBlocked, fmt.Sprintf("resume: %v", err))
			return false
		}
	}

	r.prior = prior
	r.turn = prior.Turn + 1
	r.note("resume", fmt.Sprintf("continuing turn %d from %s", r.turn, prior.TaskState))
	return true
}

// checkIdempotency short-circuits a run whose key was already completed.
func (r *run) checkIdempotency() bool {
	if !r.contract.Idempotency.Required {
		return true
	}
	key, err := idempotency.ResolveKey(r.contract.Idempotency.KeySpec, r.corrID, r.skill, r.inputs)
	if err != nil {
		r.finish(core.StatusFailed, fmt.Sprintf("idempotency key: %v", err))
		return false
	}
	r.idemKey = key

	rec, done, err := r.e.opts.IdempotencyStore.CheckOnly(r.ctx, key)
	if err != nil {
		r.finish(core.StatusFailed, fmt.Sprintf("idempotency check: %v", err))
		return false
	}
	if !done {
		return true
	}

	r.skipped = true
	r.note("idempotency", fmt.Sprintf("key %s already completed by %s", key, rec.CorrelationID))
	r.setOutcome(core.StatusSuccess, true, map[string]any{
		"skipped":                 true,
		"idempotency_key":         key,
		"original_correlation_id": rec.CorrelationID,
		"completed_at":            rec.CompletedAt.UTC().Format(time.RFC3339Nano),
	})
	return false
}

// invoke runs the implementation, retrying execution faults when the
// contract allows it.
func (r *run) invoke(impl Implementation) (core.Outcome, error) {
	ec := core.NewExecutionContext(r.ctx, r.corrID, r.skill, r.inputs, r.dir.Path(), r.contract.Timeout(), r.e.opts.Logger)
	ec.Turn = r.turn
	if r.prior != nil {
		ec.PriorState = r.prior.TaskState
	}
	facts, err := r.e.opts.StateStore.AllFacts(r.ctx, r.corrID)
	if err != nil {
		return nil, fmt.Errorf("loading facts: %w", err)
	}
	ec.SetFacts(facts)

	op := func() (core.Outcome, error) {
		r.attempts++
		ec.Iteration = r.attempts
		if r.attempts > 1 {
			ec.Trace("retry", fmt.Sprintf("attempt %d", r.attempts))
		}
		out, err := callImplementation(impl, ec)
		if err != nil && (errors.Is(err, core.ErrDeadlineExceeded) || ec.Expired()) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	var outcome core.Outcome
	if r.contract.RetryAllowed() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.contract.Retry.Backoff()
		outcome, err = backoff.Retry(r.ctx, op,
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(r.contract.Retry.MaxAttempts)),
			backoff.WithNotify(func(err error, next time.Duration) {
				r.e.opts.Logger.Warn("retrying skill", "skill", r.skill, "correlation_id", r.corrID, "error", err, "backoff", next)
			}),
		)
	} else {
		outcome, err = op()
	}
	r.trace = append(r.trace, ec.TraceLog()...)

	if err == nil && ec.Expired() {
		msg := fmt.Sprintf("implementation overran its deadline by %s; result kept", -ec.Remaining())
		r.note("deadline", msg)
		r.e.opts.Logger.Warn("deadline overrun", "skill", r.skill, "correlation_id", r.corrID, "timeout", r.contract.Timeout())
	}
	return outcome, err
}

// callImplementation converts a panic in skill code into an error.
func callImplementation(impl Implementation, ec *core.ExecutionContext) (out core.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("implementation panic: %v", p)
		}
	}()
	return impl.Run(ec)
}

// normalize converts the outcome into status, terminal flag and outputs. The
// terminal flag is decided here and nowhere else.
func (r *run) normalize(outcome core.Outcome) bool {
	switch o := outcome.(type) {
	case core.OneShotOutcome:
		r.setOutcome(core.StatusSuccess, true, o.Outputs)
	case *core.OneShotOutcome:
		return r.normalize(*o)
	case core.AgentOutcome:
		resp := o.Response
		if !resp.State.IsValid() {
			r.finish(core.StatusFailed, fmt.Sprintf("implementation returned unknown state %q", resp.State))
			return false
		}
		r.response = &resp
		r.state = resp.State
		r.setOutcome(resp.State.Status(), resp.State.IsTerminal(), resp.Outputs)
		r.res.Errors = append(r.res.Errors, resp.Errors...)
		if resp.Message != "" {
			r.note("agent", resp.Message)
		}
	case *core.AgentOutcome:
		return r.normalize(*o)
	default:
		r.finish(core.StatusFailed, fmt.Sprintf("implementation returned unsupported outcome %T", outcome))
		return false
	}
	return true
}

// continueInteraction checks a non-terminal state against the contract.
func (r *run) continueInteraction() {
	mt := r.contract.MultiTurn
	if mt == nil || !mt.Allows(r.state) {
		r.finish(core.StatusBlocked, fmt.Sprintf("state %s is not allowed by contract %s", r.state, r.skill))
		return
	}
	if r.state.RequiresOutbox() && r.e.opts.Outbox == nil {
		r.finish(core.StatusBlocked, "delegation requires an outbox")
		return
	}
	if mt.MaxTurns > 0 && r.turn >= mt.MaxTurns {
		r.finish(core.StatusEscalated, fmt.Sprintf("turn limit %d reached in state %s", mt.MaxTurns, r.state))
		return
	}

	switch r.state {
	case core.TaskInputRequired:
		if err := util.ValidateParameters(r.response.InputRequest, mt.InputRequestSchema); err != nil {
			r.finish(core.StatusFailed, fmt.Sprintf("input request: %v", err))
			return
		}
		r.res.InputRequest = r.response.InputRequest
	case core.TaskDelegating:
		if r.response.Delegation == nil {
			r.finish(core.StatusFailed, "delegating without a delegation")
			return
		}
		msg := DelegationMessage{
			CorrelationID: r.corrID,
			Skill:         r.skill,
			Turn:          r.turn,
			Delegation:    *r.response.Delegation,
			CreatedAt:     r.e.opts.Now().UTC(),
		}
		if err := r.e.opts.Outbox.Send(r.ctx, msg); err != nil {
			r.finish(core.StatusFailed, fmt.Sprintf("outbox: %v", err))
			return
		}
		r.note("delegation", "sent to "+msg.Delegation.Target)
	}
}

// runGates runs chain and blocks the run on the first failure.
func (r *run) runGates(chain gate.Chain) bool {
	in := gate.Input{
		Dir:       r.dir,
		Contract:  r.contract,
		State:     r.prior,
		Inputs:    r.inputs,
		Outputs:   r.res.Outputs,
		Escalated: r.res.Status == core.StatusEscalated,
	}
	results, ok := chain.Run(r.ctx, in)
	for _, res := range results {
		r.gates = append(r.gates, res)
		r.note("gate", fmt.Sprintf("%s passed=%t: %s", res.Gate, res.Passed, res.Message))
		if l, ok := r.e.opts.Logger.(executionLogger); ok {
			l.LogGate(res.Gate, res.Passed, res.Message)
		}
	}
	if ok {
		return true
	}

	failed := results[len(results)-1]
	if _, err := gate.WriteFailure(r.dir, failed); err != nil {
		r.e.opts.Logger.Warn("writing gate failure artifact", "gate", failed.Gate, "error", err)
	}
	r.callback(CallbackOnGateFailure, &failed)
	r.finish(core.StatusBlocked, fmt.Sprintf("gate %s: %s", failed.Gate, failed.Message))
	// Outputs that did not pass a gate are withheld.
	r.res.Outputs = map[string]any{}
	return false
}

// finalize persists the turn and writes completion artifacts.
func (r *run) finalize() {
	r.res.Turn = r.turn
	if r.persist {
		r.persistTurn()
	}

	if r.res.Terminal && r.res.Status == core.StatusSuccess && !r.skipped {
		r.complete()
	}
	if r.res.Status == core.StatusEscalated {
		r.writeEscalation()
		r.callback(CallbackOnEscalation, nil)
	}

	if r.res.Terminal {
		r.res.ResumeToken = ""
	}
	ts := r.taskState()
	r.res.AgentState = &ts
	if r.hasDir {
		if names, err := r.dir.List(); err == nil {
			r.res.Artifacts = names
		}
	}
}

// persistTurn writes context state via compare-and-swap, appends the
// conversation event and upserts returned facts. A lost swap blocks the
// call; the winner's state stays untouched.
func (r *run) persistTurn() {
	ts := r.taskState()
	cs := core.ContextState{
		CorrelationID: r.corrID,
		Skill:         r.skill,
		Turn:          r.turn,
		TaskState:     ts,
	}
	if ts == core.TaskInputRequired {
		cs.PendingInput = r.res.InputRequest
	}

	var (
		stored *core.ContextState
		err    error
	)
	if r.prior == nil {
		stored, err = r.e.opts.StateStore.CreateContextState(r.ctx, cs)
	} else {
		stored, err = r.e.opts.StateStore.CompareAndSwapContextState(r.ctx, cs, r.prior.Version)
	}
	if err != nil {
		r.res.Outputs = map[string]any{}
		r.res.InputRequest = nil
		if errors.Is(err, core.ErrVersionConflict) || errors.Is(err, core.ErrAlreadyExists) {
			r.finish(core.StatusBlocked, fmt.Sprintf("concurrent turn: %v", err))
		} else {
			r.finish(core.StatusFailed, fmt.Sprintf("persisting context state: %v", err))
		}
		return
	}
	if !stored.TaskState.IsTerminal() {
		r.res.ResumeToken = stored.ResumeToken
	}

	msgID := r.xo.MessageID
	if msgID == "" {
		msgID = r.e.opts.NewID()
	}
	ev := core.ConversationEvent{
		CorrelationID: r.corrID,
		MessageID:     msgID,
		Skill:         r.skill,
		Turn:          r.turn,
		State:         ts,
		Payload:       r.eventPayload(),
		CreatedAt:     r.e.opts.Now().UTC(),
	}
	if appended, err := r.e.opts.StateStore.AppendEvent(r.ctx, ev); err != nil {
		r.e.opts.Logger.Warn("appending conversation event", "correlation_id", r.corrID, "error", err)
	} else if !appended {
		r.note("event", "duplicate message id "+msgID)
	}

	if r.response != nil {
		for _, f := range r.response.Facts {
			if f.Bucket == "" {
				f.Bucket = DefaultFactBucket
			}
			if err := r.e.opts.StateStore.UpsertFact(r.ctx, r.corrID, f); err != nil {
				r.e.opts.Logger.Warn("upserting fact", "correlation_id", r.corrID, "bucket", f.Bucket, "key", f.Key, "error", err)
			}
		}
	}
}

// complete marks the idempotency key and writes the learning capture. Only
// called for terminal success.
func (r *run) complete() {
	if r.idemKey != "" {
		rec := core.IdempotencyRecord{
			Key:           r.idemKey,
			CorrelationID: r.corrID,
			Skill:         r.skill,
			Status:        r.res.Status,
			CompletedAt:   r.e.opts.Now().UTC(),
		}
		if err := r.e.opts.IdempotencyStore.MarkCompleted(r.ctx, rec); err != nil {
			r.e.opts.Logger.Warn("marking idempotency key", "key", r.idemKey, "error", err)
		}
	}
	if r.hasDir {
		if err := r.dir.SaveJSON(artifact.LearningCapture, r.learningCapture()); err != nil {
			r.e.opts.Logger.Warn("writing learning capture", "correlation_id", r.corrID, "error", err)
		}
	}
}

func (r *run) writeEscalation() {
	if !r.hasDir {
		return
	}
	if err := r.dir.SaveJSON(artifact.EscalationReport, r.escalationReport()); err != nil {
		r.e.opts.Logger.Warn("writing escalation report", "correlation_id", r.corrID, "error", err)
	}
}

// setOutcome records a status decided by the run. Outputs are copied so the
// implementation cannot mutate the result afterwards.
func (r *run) setOutcome(status core.Status, terminal bool, outputs map[string]any) {
	r.res.Status = status
	r.res.Terminal = terminal
	r.res.Outputs = make(map[string]any, len(outputs))
	for k, v := range outputs {
		r.res.Outputs[k] = v
	}
}

// finish ends the run with a terminal status and records why.
func (r *run) finish(status core.Status, msg string) {
	r.res.Status = status
	r.res.Terminal = true
	r.state = ""
	if msg != "" {
		r.res.Errors = append(r.res.Errors, msg)
		r.note("finish", fmt.Sprintf("%s: %s", status, msg))
	}
}

func (r *run) isFailure() bool {
	return r.res.Terminal && r.res.Status != core.StatusSuccess
}

// taskState is the protocol state persisted for this turn.
func (r *run) taskState() core.TaskState {
	if !r.res.Terminal && r.state != "" {
		return r.state
	}
	switch r.res.Status {
	case core.StatusSuccess:
		return core.TaskCompleted
	case core.StatusBlocked:
		return core.TaskBlocked
	case core.StatusEscalated:
		return core.TaskEscalated
	case core.StatusTimeout:
		return core.TaskTimeout
	default:
		return core.TaskFailed
	}
}

func (r *run) eventPayload() map[string]any {
	p := map[string]any{
		"status":   string(r.res.Status),
		"terminal": r.res.Terminal,
		"outputs":  sortedKeys(r.res.Outputs),
	}
	if len(r.res.Errors) > 0 {
		p["errors"] = append([]string(nil), r.res.Errors...)
	}
	if r.response != nil && r.response.Message != "" {
		p["message"] = r.response.Message
	}
	if r.res.InputRequest != nil {
		p["input_request"] = r.res.InputRequest
	}
	return p
}

// note appends an executor step to the trace.
func (r *run) note(step, msg string) {
	r.trace = append(r.trace, core.TraceEntry{Time: time.Now().UTC(), Step: step, Message: msg})
}

// callback runs the callbacks of type t. Only BeforeExecute errors are
// returned to the caller; the others are logged.
func (r *run) callback(t CallbackType, gr *core.GateResult) error {
	cc := &CallbackContext{
		CorrelationID: r.corrID,
		Skill:         r.skill,
		Contract:      r.contract,
		Inputs:        r.inputs,
		Gate:          gr,
		Metadata:      map[string]any{},
	}
	if t == CallbackAfterExecute || t == CallbackOnEscalation {
		cc.Result = r.res
	}
	err := r.e.opts.Callbacks.ExecuteCallbacks(r.ctx, t, cc)
	if err != nil && t != CallbackBeforeExecute {
		r.e.opts.Logger.Warn("callback failed", "type", string(t), "skill", r.skill, "error", err)
		return nil
	}
	return err
}

func (r *run) logExecution() {
	res := r.res
	if l, ok := r.e.opts.Logger.(executionLogger); ok {
		l.LogSkillExecution(r.skill, string(res.Status), res.Terminal, res.Duration, res.Errors)
		return
	}
	args := []any{
		"skill", r.skill,
		"correlation_id", r.corrID,
		"status", string(res.Status),
		"terminal", res.Terminal,
		"turn", res.Turn,
		"duration", res.Duration,
	}
	if len(res.Errors) > 0 {
		r.e.opts.Logger.Warn("skill execution finished", append(args, "errors", res.Errors)...)
		return
	}
	r.e.opts.Logger.Info("skill execution finished", args...)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstOr(s []string, def string) string {
	if len(s) > 0 {
		return s[0]
	}
	return def
}
