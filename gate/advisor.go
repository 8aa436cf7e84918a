package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/core"
)

// AdvisorValidator is the single checkpoint for AI-originated output. It
// checks generated code for syntax and safety, generated schemas for their
// evidence ratio, and touched files against the scope file.
type AdvisorValidator struct {
	scope *ScopeGate
}

// NewAdvisorValidator returns an AdvisorValidator. The scope gate supplies the
// deny list used for file-touch checks; nil uses a default ScopeGate.
func NewAdvisorValidator(scope *ScopeGate) *AdvisorValidator {
	if scope == nil {
		scope = NewScopeGate()
	}
	return &AdvisorValidator{scope: scope}
}

// Name implements Gate.
func (v *AdvisorValidator) Name() string { return NameAdvisor }

// Check implements Gate.
func (v *AdvisorValidator) Check(_ context.Context, in Input) core.GateResult {
	problems := map[string]any{}

	if findings := ScanSources(CollectSources(in), RulesFor(in.Contract)); len(findings) > 0 {
		problems["code"] = findingStrings(findings)
	}
	if msg := v.checkSchema(in); msg != "" {
		problems["schema"] = msg
	}
	if msg := v.checkFiles(in); msg != "" {
		problems["files"] = msg
	}

	if len(problems) == 0 {
		return core.Pass(NameAdvisor, "advisor output accepted")
	}
	keys := make([]string, 0, len(problems))
	for k := range problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return core.Fail(NameAdvisor, fmt.Sprintf("advisor output rejected: %v", keys), problems)
}

func (v *AdvisorValidator) checkSchema(in Input) string {
	raw, ok := in.Outputs["schema"]
	if !ok {
		return ""
	}
	if s, ok := raw.(string); ok && !json.Valid([]byte(s)) {
		return "schema is not valid JSON"
	}

	em, ok := evidenceFromOutputs(in.Outputs["evidence"])
	if !ok {
		if err := in.Dir.ReadJSON(artifact.EvidenceMap, &em); err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				return "schema without evidence"
			}
			return fmt.Sprintf("evidence map unreadable: %v", err)
		}
	}
	if res := CheckEvidence(em, nil); !res.Passed {
		return res.Message
	}
	return ""
}

func (v *AdvisorValidator) checkFiles(in Input) string {
	touched := append(stringSlice(in.Outputs["files"]), stringSlice(in.Outputs["files_changed"])...)
	if len(touched) == 0 {
		return ""
	}
	var scope Scope
	if err := in.Dir.ReadJSON(artifact.ScopeFile, &scope); err != nil {
		return "files touched without a scope file"
	}
	if res := v.scope.CheckPaths(scope, touched); !res.Passed {
		return res.Message
	}
	return ""
}

// evidenceFromOutputs accepts an inline evidence map either as field to kind
// string or as field to entry object. The string form carries no reference
// or rationale, so CheckEvidence rejects it unless an object supplies them.
func evidenceFromOutputs(v any) (EvidenceMap, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return EvidenceMap{}, false
	}
	em := EvidenceMap{Fields: make(map[string]EvidenceEntry, len(m))}
	for field, raw := range m {
		switch e := raw.(type) {
		case string:
			em.Fields[field] = EvidenceEntry{Kind: EvidenceKind(e)}
		case map[string]any:
			kind, _ := e["kind"].(string)
			ref, _ := e["reference"].(string)
			why, _ := e["rationale"].(string)
			em.Fields[field] = EvidenceEntry{Kind: EvidenceKind(kind), Reference: ref, Rationale: why}
		}
	}
	return em, true
}
