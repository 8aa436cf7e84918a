package core

import "fmt"

// HardStepCap is the fixed upper bound on executor steps per correlation id.
// Configuration may lower the budget but never raise it above this value.
const HardStepCap = 20

// StepBudget enforces the maximum number of executor steps per correlation.
// The counter itself lives in the StateStore so the budget holds across
// worker processes; StepBudget only decides.
type StepBudget struct {
	max int
}

// NewStepBudget creates a budget with the given maximum. Values <= 0 or above
// HardStepCap are clamped to HardStepCap.
func NewStepBudget(max int) StepBudget {
	if max <= 0 || max > HardStepCap {
		max = HardStepCap
	}
	return StepBudget{max: max}
}

// Max returns the effective cap.
func (b StepBudget) Max() int { return b.max }

// Check returns an error when step (1-based, already incremented) exceeds
// the cap. The step that would exceed the cap is refused, so execution never
// happens past it.
func (b StepBudget) Check(step int) error {
	if step > b.max {
		return fmt.Errorf("step budget exhausted: step %d exceeds cap %d", step, b.max)
	}
	return nil
}

// Remaining returns how many steps are left after step.
func (b StepBudget) Remaining(step int) int {
	if r := b.max - step; r > 0 {
		return r
	}
	return 0
}
