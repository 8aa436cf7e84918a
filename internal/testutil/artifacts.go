package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skillmesh/artifact"
)

// ArtifactDir opens a fresh artifact directory below t.TempDir().
func ArtifactDir(t testing.TB) artifact.Dir {
	t.Helper()
	d, err := artifact.Open(t.TempDir())
	require.NoError(t, err)
	return d
}

// WriteJSON saves v as the named artifact.
func WriteJSON(t testing.TB, d artifact.Dir, name string, v any) {
	t.Helper()
	require.NoError(t, d.SaveJSON(name, v))
}

// WriteEvidence writes an evidence map from field to kind. Doc and source
// entries get a reference, assumptions get a rationale.
func WriteEvidence(t testing.TB, d artifact.Dir, fields map[string]string) {
	t.Helper()
	entries := map[string]any{}
	for f, kind := range fields {
		entries[f] = map[string]any{"kind": kind, "reference": "ref/" + f, "rationale": "because " + f}
	}
	WriteJSON(t, d, artifact.EvidenceMap, map[string]any{"fields": entries})
}

// WriteScope writes a scope file.
func WriteScope(t testing.TB, d artifact.Dir, allowed, forbidden []string, maxFiles int, paths ...string) {
	t.Helper()
	WriteJSON(t, d, artifact.ScopeFile, map[string]any{
		"allowed":   allowed,
		"forbidden": forbidden,
		"max_files": maxFiles,
		"paths":     paths,
	})
}

// WriteGrounding writes a complete grounding manifest.
func WriteGrounding(t testing.TB, d artifact.Dir) {
	t.Helper()
	WriteJSON(t, d, artifact.GroundingManifest, map[string]any{
		"contract_path":   "contracts/skill.yaml",
		"loader_paths":    []string{"contract/parse.go"},
		"reference_paths": []string{"gate/scope.go"},
		"test_command":    "go test ./...",
	})
}
