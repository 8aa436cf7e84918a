package core

// GateResult is the pure value produced by a gate. A gate never panics and
// never returns a control-flow error: every failure is expressed here and the
// executor alone decides the resulting status.
type GateResult struct {
	Gate    string         `json:"gate"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Pass builds a passing result.
func Pass(gate, msg string) GateResult {
	return GateResult{Gate: gate, Passed: true, Message: msg}
}

// Fail builds a failing result with optional details.
func Fail(gate, msg string, details map[string]any) GateResult {
	return GateResult{Gate: gate, Passed: false, Message: msg, Details: details}
}
