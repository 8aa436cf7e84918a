// Package idempotency resolves idempotency keys from contract key specs and
// provides an in-process core.IdempotencyStore.
//
// A key spec is a "+" separated list of terms such as "correlation_id + url".
// The built-in terms correlation_id and skill resolve to the execution's
// identifiers; every other term is a dot separated path into the inputs.
// The resolved key always includes the skill name so two skills sharing a
// correlation id never collide.
//
// The durable multi-worker implementation lives in state/sqlite.
package idempotency
