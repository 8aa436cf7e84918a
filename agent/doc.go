// Package agent contains the interaction layers built on top of the skill
// executor. The package focuses on three concerns:
//
//  1. Bounded repair (FixLoop): a fix skill and a validate skill repeated
//     until no errors remain or a hard iteration cap is hit
//  2. Multi-turn conversations (Adapter): Start, Resume and Converse over
//     the executor's persisted turn state
//  3. Model-backed skills (AdvisorSkill): generated code or schemas from a
//     model.Model, always passed through the advisor output validator
//
// Design principles:
//   - Nothing lives in process memory between turns; inputs and history are
//     persisted in the state store or passed through inputs
//   - Every call goes through engine.Executor, so gates and budgets apply
//   - Escalation is a result, never an error
package agent
