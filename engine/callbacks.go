package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
)

// CallbackType defines the lifecycle points where callbacks run.
//
// Callbacks hook into the execution sequence without modifying it:
//   - BeforeExecute: after the contract loaded and inputs validated, before
//     pre-flight gates; an error vetoes the run with BLOCKED
//   - AfterExecute: once the result is final and persisted
//   - OnGateFailure: whenever a gate fails
//   - OnEscalation: whenever a run ends ESCALATED
//
// Only BeforeExecute can influence the outcome. Errors returned at the other
// points are logged and otherwise ignored.
type CallbackType string

const (
	// CallbackBeforeExecute runs before pre-flight gates.
	CallbackBeforeExecute CallbackType = "before_execute"

	// CallbackAfterExecute runs after the result was persisted.
	CallbackAfterExecute CallbackType = "after_execute"

	// CallbackOnGateFailure runs for every failed gate.
	CallbackOnGateFailure CallbackType = "on_gate_failure"

	// CallbackOnEscalation runs when a run escalates.
	CallbackOnEscalation CallbackType = "on_escalation"
)

// CallbackContext provides the information a callback may inspect.
type CallbackContext struct {
	// CallbackType indicates which lifecycle point triggered the callback.
	CallbackType CallbackType

	CorrelationID string
	Skill         string

	// Contract is nil when the contract could not be loaded.
	Contract *contract.Contract

	// Inputs are the call inputs. Callbacks must not modify them.
	Inputs map[string]any

	// Result is set for AfterExecute and OnEscalation.
	Result *core.ExecutionResult

	// Gate is set for OnGateFailure.
	Gate *core.GateResult

	// Metadata provides extensible storage shared by callbacks of one call.
	Metadata map[string]any
}

// Callback defines the interface for execution lifecycle hooks.
//
// Implementations should be fast (they run synchronously inside Execute) and
// must not panic.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := engine.NewFunctionCallback(
//	    engine.CallbackAfterExecute,
//	    func(ctx context.Context, cc *engine.CallbackContext) error {
//	        log.Printf("%s %s", cc.Skill, cc.Result.Status)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks per lifecycle point.
//
// Callbacks run in registration order; the first error stops the remaining
// callbacks of that type. Registration and execution are safe for concurrent
// use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
//
// Example:
//
//	exec.Callbacks().RegisterCallback(auditCallback)
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs all callbacks registered for callbackType and returns
// the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return fmt.Errorf("%s callback: %w", callbackType, err)
		}
	}

	return nil
}

// LoggingCallback forwards lifecycle events to a logging function.
//
// Example:
//
//	cb := engine.NewLoggingCallback(engine.CallbackOnGateFailure, func(m string) {
//	    log.Printf("[EXECUTOR] %s", m)
//	})
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute formats the callback context and passes it to the logger.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	msg := fmt.Sprintf("callback=%s skill=%s correlation_id=%s", cc.CallbackType, cc.Skill, cc.CorrelationID)
	if cc.Gate != nil {
		msg += fmt.Sprintf(" gate=%s message=%q", cc.Gate.Gate, cc.Gate.Message)
	}
	if cc.Result != nil {
		msg += fmt.Sprintf(" status=%s terminal=%t", cc.Result.Status, cc.Result.Terminal)
	}
	c.logger(msg)
	return nil
}
