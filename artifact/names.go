package artifact

// Well known artifact file names.
const (
	EvidenceMap       = "evidence_map.json"
	ScopeFile         = "scope.json"
	GroundingManifest = "grounding.json"
	DiffFile          = "changes.diff"
	EscalationReport  = "escalation_report.json"
	LearningCapture   = "learning_capture.json"
	FixLoopEscalation = "fix_loop_escalation.json"
)

// FailureReport returns the artifact name a failing gate writes its report to.
func FailureReport(gate string) string {
	return gate + "_failure.json"
}
