// Package gate implements the pre- and postcondition gates of the executor.
//
// A gate inspects the artifact directory, the contract and the persisted
// context state and returns a core.GateResult. Gates never panic and never
// return control-flow errors: every failure, including unreadable or
// malformed artifacts, is expressed as a failed result. Only the executor
// decides what a failed gate means for the execution status.
//
// Gates provided:
//
//   - Evidence: every output field is traced to documentation, source
//     inspection or a rationalized assumption; at most 30% assumptions.
//   - Scope: a scope file bounds which paths a write-capable skill may touch.
//   - Grounding: a manifest names the contract, loaders, reference
//     implementations and the test command.
//   - ExecutionSafety: a static scan of generated code.
//   - Completeness: required artifacts are present.
//   - Advisor: the single checkpoint for AI-originated output.
package gate
