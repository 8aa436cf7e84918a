package core

import "fmt"

// TaskState is the protocol state returned by a multi-turn skill
// implementation for one turn.
type TaskState string

const (
	TaskCompleted     TaskState = "COMPLETED"
	TaskFailed        TaskState = "FAILED"
	TaskBlocked       TaskState = "BLOCKED"
	TaskEscalated     TaskState = "ESCALATED"
	TaskTimeout       TaskState = "TIMEOUT"
	TaskInputRequired TaskState = "INPUT_REQUIRED"
	TaskPaused        TaskState = "PAUSED"
	TaskDelegating    TaskState = "DELEGATING"
	TaskInProgress    TaskState = "IN_PROGRESS"
)

// terminalStates is computed once; terminality is a static property of the
// state and never depends on the call that produced it.
var terminalStates = map[TaskState]bool{
	TaskCompleted:     true,
	TaskFailed:        true,
	TaskBlocked:       true,
	TaskEscalated:     true,
	TaskTimeout:       true,
	TaskInputRequired: false,
	TaskPaused:        false,
	TaskDelegating:    false,
	TaskInProgress:    false,
}

// AllTaskStates lists every protocol state in declaration order.
var AllTaskStates = []TaskState{
	TaskCompleted, TaskFailed, TaskBlocked, TaskEscalated, TaskTimeout,
	TaskInputRequired, TaskPaused, TaskDelegating, TaskInProgress,
}

// IsValid reports whether s is a known protocol state.
func (s TaskState) IsValid() bool {
	_, ok := terminalStates[s]
	return ok
}

// IsTerminal reports whether no further turns are expected after s.
func (s TaskState) IsTerminal() bool { return terminalStates[s] }

// RequiresOutbox reports whether the state needs an external delegation
// capability. DELEGATING is the only such state.
func (s TaskState) RequiresOutbox() bool { return s == TaskDelegating }

// String returns the wire form of the state.
func (s TaskState) String() string { return string(s) }

// ParseTaskState converts a wire string into a TaskState.
func ParseTaskState(v string) (TaskState, error) {
	s := TaskState(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown task state %q", v)
	}
	return s, nil
}

// Status maps the protocol state onto the executor status vocabulary.
func (s TaskState) Status() Status {
	switch s {
	case TaskCompleted:
		return StatusSuccess
	case TaskFailed:
		return StatusFailed
	case TaskBlocked:
		return StatusBlocked
	case TaskEscalated:
		return StatusEscalated
	case TaskTimeout:
		return StatusTimeout
	default:
		return StatusPending
	}
}
