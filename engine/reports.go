package engine

import (
	"time"

	"github.com/hupe1980/skillmesh/core"
)

// LearningCapture is written as learning_capture.json after a terminal
// success. It records what a later review needs to reuse the run.
type LearningCapture struct {
	Skill         string            `json:"skill"`
	Version       string            `json:"version"`
	CorrelationID string            `json:"correlation_id"`
	Mode          string            `json:"mode"`
	Turn          int               `json:"turn"`
	Step          int               `json:"step"`
	Attempts      int               `json:"attempts"`
	Stub          bool              `json:"stub,omitempty"`
	Outputs       []string          `json:"outputs"`
	Gates         []core.GateResult `json:"gates,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	CompletedAt   time.Time         `json:"completed_at"`
}

// EscalationReport is written as escalation_report.json whenever a run
// escalates. It carries the complete error history of the call.
type EscalationReport struct {
	Skill         string            `json:"skill"`
	CorrelationID string            `json:"correlation_id"`
	Reason        string            `json:"reason"`
	Turn          int               `json:"turn"`
	Step          int               `json:"step"`
	MaxSteps      int               `json:"max_steps"`
	Errors        []string          `json:"errors"`
	Gates         []core.GateResult `json:"gates,omitempty"`
	Trace         []core.TraceEntry `json:"trace"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (r *run) learningCapture() LearningCapture {
	lc := LearningCapture{
		Skill:         r.skill,
		CorrelationID: r.corrID,
		Mode:          string(r.mode),
		Turn:          r.turn,
		Step:          r.steps,
		Attempts:      r.attempts,
		Stub:          r.stub,
		Outputs:       sortedKeys(r.res.Outputs),
		Gates:         r.gates,
		DurationMS:    time.Since(r.start).Milliseconds(),
		CompletedAt:   r.e.opts.Now().UTC(),
	}
	if r.contract != nil {
		lc.Version = r.contract.Version
	}
	return lc
}

func (r *run) escalationReport() EscalationReport {
	return EscalationReport{
		Skill:         r.skill,
		CorrelationID: r.corrID,
		Reason:        lastOr(r.res.Errors, "escalated by implementation"),
		Turn:          r.turn,
		Step:          r.steps,
		MaxSteps:      r.e.budget.Max(),
		Errors:        append([]string{}, r.res.Errors...),
		Gates:         r.gates,
		Trace:         append([]core.TraceEntry{}, r.trace...),
		CreatedAt:     r.e.opts.Now().UTC(),
	}
}

func lastOr(s []string, def string) string {
	if len(s) > 0 {
		return s[len(s)-1]
	}
	return def
}
