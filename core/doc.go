// Package core provides the foundational domain types and interfaces shared by
// the skillmesh executor, gates, stores and skill implementations. It defines:
//
//   - The agent protocol (TaskState and its static terminality, AgentResponse)
//   - The closed Outcome union returned by implementations (OneShotOutcome | AgentOutcome)
//   - ExecutionContext, the per-call scope with a cooperative deadline
//   - ExecutionResult with its authoritative terminal flag
//   - GateResult values
//   - StateStore and IdempotencyStore interfaces plus their record types
//   - The hard step budget
//
// Concrete persistence and orchestration live in other packages so that
// implementations only depend on these small interfaces.
package core
