package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/internal/testutil"
)

func TestRun_RecoversPanic(t *testing.T) {
	g := Func{GateName: "boom", Fn: func(context.Context, Input) core.GateResult { panic("kaboom") }}

	res := Run(context.Background(), g, Input{})
	assert.False(t, res.Passed)
	assert.Equal(t, "boom", res.Gate)
	assert.Contains(t, res.Message, "kaboom")
}

func TestChain_StopsAtFirstFailure(t *testing.T) {
	calls := 0
	pass := Func{GateName: "a", Fn: func(context.Context, Input) core.GateResult { calls++; return core.Pass("a", "") }}
	fail := Func{GateName: "b", Fn: func(context.Context, Input) core.GateResult { calls++; return core.Fail("b", "no", nil) }}

	results, ok := Chain{pass, fail, pass}.Run(context.Background(), Input{})
	assert.False(t, ok)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, calls)
}

func TestWriteFailure(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	name, err := WriteFailure(dir, core.Fail(NameScope, "scope file missing", map[string]any{"artifact": "scope.json"}))
	require.NoError(t, err)
	assert.Equal(t, "scope_failure.json", name)

	var got core.GateResult
	require.NoError(t, dir.ReadJSON(name, &got))
	assert.Equal(t, "scope file missing", got.Message)
}

func TestGroundingGate(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	g := NewGroundingGate()

	res := g.Check(context.Background(), Input{Dir: dir})
	assert.False(t, res.Passed)

	testutil.WriteJSON(t, dir, artifact.GroundingManifest, map[string]any{"contract_path": "c.yaml"})
	res = g.Check(context.Background(), Input{Dir: dir})
	require.False(t, res.Passed)
	assert.Equal(t, []string{"loader_paths", "reference_paths", "test_command"}, res.Details["missing"])

	testutil.WriteGrounding(t, dir)
	res = g.Check(context.Background(), Input{Dir: dir})
	assert.True(t, res.Passed, res.Message)
}

func TestGroundingGate_PathsMustExist(t *testing.T) {
	repo := t.TempDir()
	dir := testutil.ArtifactDir(t)
	testutil.WriteGrounding(t, dir)
	g := NewGroundingGate(func(o *GroundingOptions) { o.RepoRoot = repo })

	res := g.Check(context.Background(), Input{Dir: dir})
	require.False(t, res.Passed)
	assert.Len(t, res.Details["absent"], 3)

	for _, p := range []string{"contracts/skill.yaml", "contract/parse.go", "gate/scope.go"} {
		full := filepath.Join(repo, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, nil, 0o644))
	}
	res = g.Check(context.Background(), Input{Dir: dir})
	assert.True(t, res.Passed, res.Message)
}

func TestCompletenessGate(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	c := testutil.NewContractBuilder("s").Autonomy(contract.AutonomyImplement).Artifacts("report").Build()
	g := NewCompletenessGate()

	res := g.Check(context.Background(), Input{Dir: dir, Contract: c, Escalated: true})
	require.False(t, res.Passed)
	assert.Equal(t, []string{"report", artifact.ScopeFile, artifact.DiffFile, artifact.EscalationReport}, res.Details["missing"])

	require.NoError(t, dir.Save("report.md", nil))
	require.NoError(t, dir.Save(artifact.ScopeFile, []byte("{}")))
	require.NoError(t, dir.Save(artifact.DiffFile, nil))
	require.NoError(t, dir.Save(artifact.EscalationReport, []byte("{}")))
	res = g.Check(context.Background(), Input{Dir: dir, Contract: c, Escalated: true})
	assert.True(t, res.Passed, res.Message)
}

func TestAdvisorValidator(t *testing.T) {
	v := NewAdvisorValidator(nil)
	ctx := context.Background()

	t.Run("clean output passes", func(t *testing.T) {
		res := v.Check(ctx, Input{Dir: testutil.ArtifactDir(t), Outputs: map[string]any{"code": safeGo}})
		assert.True(t, res.Passed, res.Message)
	})

	t.Run("unsafe code blocked", func(t *testing.T) {
		res := v.Check(ctx, Input{Dir: testutil.ArtifactDir(t), Outputs: map[string]any{"code": unsafeGo}})
		require.False(t, res.Passed)
		assert.Contains(t, res.Details, "code")
	})

	t.Run("schema with too many assumptions blocked", func(t *testing.T) {
		out := map[string]any{
			"schema":   `{"type":"object"}`,
			"evidence": map[string]any{"a": "doc", "b": "assumption"},
		}
		res := v.Check(ctx, Input{Dir: testutil.ArtifactDir(t), Outputs: out})
		require.False(t, res.Passed)
		assert.Contains(t, res.Details, "schema")
	})

	t.Run("bare assumption without rationale blocked", func(t *testing.T) {
		out := map[string]any{
			"schema": `{"type":"object"}`,
			"evidence": map[string]any{
				"a": map[string]any{"kind": "doc", "reference": "README.md"},
				"b": map[string]any{"kind": "doc", "reference": "README.md"},
				"c": map[string]any{"kind": "source", "reference": "api.go"},
				"d": map[string]any{"kind": "source", "reference": "api.go"},
				"e": "assumption",
			},
		}
		res := v.Check(ctx, Input{Dir: testutil.ArtifactDir(t), Outputs: out})
		require.False(t, res.Passed)
		assert.Contains(t, res.Details["schema"], "malformed evidence entries")

		out["evidence"].(map[string]any)["e"] = map[string]any{"kind": "assumption", "rationale": "defaults to UTC"}
		res = v.Check(ctx, Input{Dir: testutil.ArtifactDir(t), Outputs: out})
		assert.True(t, res.Passed, res.Message)
	})

	t.Run("bare doc kind without reference blocked", func(t *testing.T) {
		out := map[string]any{
			"schema":   `{"type":"object"}`,
			"evidence": map[string]any{"a": "doc"},
		}
		res := v.Check(ctx, Input{Dir: testutil.ArtifactDir(t), Outputs: out})
		assert.False(t, res.Passed)
	})

	t.Run("invalid schema json blocked", func(t *testing.T) {
		res := v.Check(ctx, Input{Dir: testutil.ArtifactDir(t), Outputs: map[string]any{"schema": "{"}})
		assert.False(t, res.Passed)
	})

	t.Run("files outside scope blocked", func(t *testing.T) {
		dir := testutil.ArtifactDir(t)
		out := map[string]any{"files_changed": []string{"src/a.go", "go.mod"}}

		res := v.Check(ctx, Input{Dir: dir, Outputs: out})
		require.False(t, res.Passed)
		assert.Equal(t, "files touched without a scope file", res.Details["files"])

		testutil.WriteScope(t, dir, []string{"src/**"}, nil, 0)
		res = v.Check(ctx, Input{Dir: dir, Outputs: out})
		require.False(t, res.Passed)

		out["files_changed"] = []string{"src/a.go"}
		res = v.Check(ctx, Input{Dir: dir, Outputs: out})
		assert.True(t, res.Passed, res.Message)
	})
}
