package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/internal/testutil"
)

func evidenceFields(total, assumptions int) map[string]string {
	fields := map[string]string{}
	for i := 0; i < total; i++ {
		kind := "doc"
		if i < assumptions {
			kind = "assumption"
		}
		fields[string(rune('a'+i/26))+string(rune('a'+i%26))] = kind
	}
	return fields
}

func TestAssumptionRatioExceeded_Boundary(t *testing.T) {
	assert.False(t, AssumptionRatioExceeded(30, 100))
	assert.True(t, AssumptionRatioExceeded(31, 100))
	assert.False(t, AssumptionRatioExceeded(3, 10))
	assert.True(t, AssumptionRatioExceeded(1, 3))
	assert.False(t, AssumptionRatioExceeded(0, 0))
}

func TestEvidenceGate_ThirtyPercentPasses(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	testutil.WriteEvidence(t, dir, evidenceFields(100, 30))

	res := NewEvidenceGate().Check(context.Background(), Input{Dir: dir})
	assert.True(t, res.Passed, res.Message)
}

func TestEvidenceGate_ThirtyOnePercentFails(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	testutil.WriteEvidence(t, dir, evidenceFields(100, 31))

	res := NewEvidenceGate().Check(context.Background(), Input{Dir: dir})
	assert.False(t, res.Passed)
	assert.Equal(t, 31, res.Details["assumptions"])
}

func TestEvidenceGate_MissingMap(t *testing.T) {
	res := NewEvidenceGate().Check(context.Background(), Input{Dir: testutil.ArtifactDir(t)})
	assert.False(t, res.Passed)
	assert.Equal(t, NameEvidence, res.Gate)
}

func TestEvidenceGate_UntracedOutputField(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	testutil.WriteEvidence(t, dir, map[string]string{"title": "doc"})
	c := testutil.NewContractBuilder("s").OutputFields("title", "summary").Build()

	res := NewEvidenceGate().Check(context.Background(), Input{Dir: dir, Contract: c})
	require.False(t, res.Passed)
	assert.Equal(t, []string{"summary"}, res.Details["untraced"])
}

func TestEvidenceGate_FallsBackToOutputs(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	testutil.WriteEvidence(t, dir, map[string]string{"title": "source"})

	res := NewEvidenceGate().Check(context.Background(), Input{Dir: dir, Outputs: map[string]any{"title": "x"}})
	assert.True(t, res.Passed)

	res = NewEvidenceGate().Check(context.Background(), Input{Dir: dir, Outputs: map[string]any{"other": "x"}})
	assert.False(t, res.Passed)
}

func TestCheckEvidence_MalformedEntries(t *testing.T) {
	res := CheckEvidence(EvidenceMap{Fields: map[string]EvidenceEntry{
		"a": {Kind: EvidenceDoc},
		"b": {Kind: EvidenceAssumption},
		"c": {Kind: "guess", Reference: "x"},
	}}, nil)
	require.False(t, res.Passed)
	assert.Len(t, res.Details["invalid"], 3)
}

func TestEvidenceGate_Unreadable(t *testing.T) {
	dir := testutil.ArtifactDir(t)
	require.NoError(t, dir.Save(artifact.EvidenceMap, []byte("{not json")))

	res := NewEvidenceGate().Check(context.Background(), Input{Dir: dir})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "unreadable")
}
