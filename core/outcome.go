package core

// Outcome is what a skill implementation returns for one call. Concrete
// outcome types implement the unexported isOutcome marker enabling a closed
// set, so the executor handles every variant exhaustively.
type Outcome interface{ isOutcome() }

// OneShotOutcome is a plain output map. It always completes the call: the
// executor treats it as terminal success.
type OneShotOutcome struct {
	Outputs map[string]any
}

// isOutcome implements the Outcome interface for OneShotOutcome.
func (OneShotOutcome) isOutcome() {}

// AgentOutcome wraps a protocol response carrying an explicit TaskState.
type AgentOutcome struct {
	Response AgentResponse
}

// isOutcome implements the Outcome interface for AgentOutcome.
func (AgentOutcome) isOutcome() {}

// AgentResponse is the protocol envelope shared by the executor and
// multi-turn implementations.
type AgentResponse struct {
	State   TaskState      `json:"state"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Message string         `json:"message,omitempty"`
	Errors  []string       `json:"errors,omitempty"`

	// InputRequest describes what the caller must supply next. It is
	// validated against the contract's input request schema.
	InputRequest map[string]any `json:"input_request,omitempty"`

	// Facts are upserted into the state store so a later turn can continue
	// from them.
	Facts []PocketFact `json:"facts,omitempty"`

	// Delegation is handed to the outbox when State is DELEGATING.
	Delegation *Delegation `json:"delegation,omitempty"`
}

// Delegation describes work handed to an external party.
type Delegation struct {
	Target  string         `json:"target"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Done is a helper returning a terminal COMPLETED outcome.
func Done(outputs map[string]any) Outcome {
	return AgentOutcome{Response: AgentResponse{State: TaskCompleted, Outputs: outputs}}
}

// NeedInput is a helper returning an INPUT_REQUIRED outcome.
func NeedInput(message string, request map[string]any) Outcome {
	return AgentOutcome{Response: AgentResponse{State: TaskInputRequired, Message: message, InputRequest: request}}
}

// Outputs returns a one-shot outcome for the given outputs.
func Outputs(outputs map[string]any) Outcome { return OneShotOutcome{Outputs: outputs} }
