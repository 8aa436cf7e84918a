// Package engine implements the skill executor of skillmesh.
//
// The Executor runs one skill call under its contract and always returns an
// ExecutionResult carrying an authoritative terminal flag. Each call follows
// the same sequence:
//
//  1. Step budget: the per-correlation step counter lives in the StateStore;
//     a call past the cap escalates without running.
//  2. Contract and execution mode lookup through the contract.Registry.
//  3. Resume token check against a paused context state. A stale token
//     blocks without mutating anything.
//  4. Idempotency check. A key completed earlier short-circuits the call as
//     a skipped success.
//  5. Required input validation.
//  6. Grounding then scope gates for implement and commit skills.
//  7. The implementation under a cooperative deadline. A missing
//     implementation returns a stub success.
//  8. Outcome normalization. The terminal flag is decided here once.
//  9. The advisor output validator for mixed and advisor mode skills.
//  10. Multi-turn checks for non-terminal states: the contract allow-list,
//     an outbox for delegation, the turn cap and the input request schema.
//  11. Post-gates on terminal success.
//  12. Persistence via compare-and-swap, the conversation event and returned
//     facts, then the idempotency mark and learning capture on terminal
//     success or the escalation report on escalation.
//
// # Deadlines
//
// Deadlines are cooperative. The implementation polls
// ExecutionContext.CheckDeadline at safe points and returns its error, which
// the executor maps to TIMEOUT. An implementation that never polls runs to
// completion; its result is kept and the overrun is recorded in the trace and
// logged as a warning.
//
// # Retry
//
// Execution faults are retried with exponential backoff only when the
// contract's retry policy is safe_idempotent and idempotency is required.
// Timeouts and gate failures are never retried.
//
// # Usage
//
//	exec := engine.New(registry, func(o *engine.Options) {
//	    o.StateStore = store
//	    o.Artifacts = artifact.NewRoot("./artifacts")
//	})
//	exec.Register("fetch_page", engine.ImplementationFunc(fetchPage))
//
//	res := exec.Execute(ctx, "fetch_page", map[string]any{"url": u}, "")
//	if res.Terminal && res.Status != core.StatusSuccess {
//	    return fmt.Errorf("fetch_page: %v", res.Errors)
//	}
//
// # Callbacks
//
// A CallbackManager receives lifecycle notifications (before execute, after
// execute, gate failure, escalation). Only a BeforeExecute callback can veto
// a call; it then ends BLOCKED.
package engine
