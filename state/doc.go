// Package state houses the in-process implementation of core.StateStore.
// The interface itself lives in the core package so the executor and agents
// never depend on a concrete backend.
//
// The durable, multi-worker backend lives in state/sqlite. Both implement the
// same contract: compare-and-swap updates guarded by a version counter,
// resume-token issuance, message-id deduplication and bounded event logs and
// fact buckets. Only the wiring layer decides which one to instantiate.
package state
