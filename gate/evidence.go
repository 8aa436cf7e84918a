package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/core"
)

// EvidenceKind classifies how an output field was established.
type EvidenceKind string

const (
	EvidenceDoc        EvidenceKind = "doc"
	EvidenceSource     EvidenceKind = "source"
	EvidenceAssumption EvidenceKind = "assumption"
)

// MaxAssumptionPercent is the highest share of assumption entries that still passes.
const MaxAssumptionPercent = 30

// EvidenceEntry traces one output field.
type EvidenceEntry struct {
	Kind EvidenceKind `json:"kind"`
	// Reference points at the document or source location for doc and source entries.
	Reference string `json:"reference,omitempty"`
	// Rationale is required for assumptions.
	Rationale string `json:"rationale,omitempty"`
}

// EvidenceMap is the content of evidence_map.json: output field to evidence.
type EvidenceMap struct {
	Fields map[string]EvidenceEntry `json:"fields"`
}

// AssumptionRatioExceeded reports whether assumptions exceed the allowed
// share of total. Integer arithmetic keeps the 30% boundary exact.
func AssumptionRatioExceeded(assumptions, total int) bool {
	if total == 0 {
		return false
	}
	return assumptions*100 > total*MaxAssumptionPercent
}

// EvidenceGate requires an evidence map that traces every output field.
type EvidenceGate struct{}

// NewEvidenceGate returns an EvidenceGate.
func NewEvidenceGate() *EvidenceGate { return &EvidenceGate{} }

// Name implements Gate.
func (g *EvidenceGate) Name() string { return NameEvidence }

// Check implements Gate.
func (g *EvidenceGate) Check(_ context.Context, in Input) core.GateResult {
	var em EvidenceMap
	if err := in.Dir.ReadJSON(artifact.EvidenceMap, &em); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return core.Fail(NameEvidence, "evidence map missing", map[string]any{"artifact": artifact.EvidenceMap})
		}
		return core.Fail(NameEvidence, fmt.Sprintf("evidence map unreadable: %v", err), nil)
	}
	return CheckEvidence(em, expectedFields(in))
}

// CheckEvidence validates em against the expected output fields.
func CheckEvidence(em EvidenceMap, expected []string) core.GateResult {
	if len(em.Fields) == 0 {
		return core.Fail(NameEvidence, "evidence map is empty", nil)
	}

	var untraced, invalid []string
	for _, f := range expected {
		if _, ok := em.Fields[f]; !ok {
			untraced = append(untraced, f)
		}
	}

	assumptions := 0
	for field, e := range em.Fields {
		switch e.Kind {
		case EvidenceDoc, EvidenceSource:
			if strings.TrimSpace(e.Reference) == "" {
				invalid = append(invalid, field+": missing reference")
			}
		case EvidenceAssumption:
			assumptions++
			if strings.TrimSpace(e.Rationale) == "" {
				invalid = append(invalid, field+": assumption without rationale")
			}
		default:
			invalid = append(invalid, fmt.Sprintf("%s: unknown kind %q", field, e.Kind))
		}
	}
	sort.Strings(untraced)
	sort.Strings(invalid)

	total := len(em.Fields)
	details := map[string]any{
		"total":       total,
		"assumptions": assumptions,
	}
	switch {
	case len(untraced) > 0:
		details["untraced"] = untraced
		return core.Fail(NameEvidence, fmt.Sprintf("%d output field(s) without evidence", len(untraced)), details)
	case len(invalid) > 0:
		details["invalid"] = invalid
		return core.Fail(NameEvidence, "malformed evidence entries", details)
	case AssumptionRatioExceeded(assumptions, total):
		return core.Fail(NameEvidence, fmt.Sprintf("assumptions %d/%d exceed %d%%", assumptions, total, MaxAssumptionPercent), details)
	}
	return core.Pass(NameEvidence, fmt.Sprintf("%d field(s) traced, %d assumption(s)", total, assumptions))
}

// expectedFields are the output schema properties, or the produced output
// keys when the contract declares no output schema.
func expectedFields(in Input) []string {
	var fields []string
	if in.Contract != nil {
		if props, ok := in.Contract.OutputSchema["properties"].(map[string]any); ok {
			for k := range props {
				fields = append(fields, k)
			}
		}
	}
	if len(fields) == 0 {
		for k := range in.Outputs {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}
