// Package logging provides a minimal logging interface and adapters for skillmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the executor, gates and stores use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - SkillMeshLogger with correlation-scoped helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	exec := engine.New(registry, func(o *engine.Options) { o.Logger = logger })
package logging
