package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParameters_Required(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url":   map[string]any{"type": "string"},
			"depth": map[string]any{"type": "integer"},
		},
	}

	err := ValidateParameters(map[string]any{}, schema)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "url", verr.Field)

	assert.NoError(t, ValidateParameters(map[string]any{"url": "https://x", "depth": 2}, schema))
	assert.NoError(t, ValidateParameters(map[string]any{"url": "https://x", "depth": float64(2)}, schema))
}

func TestValidateParameters_TypeMismatch(t *testing.T) {
	schema := map[string]any{
		"required":   []string{"tags"},
		"properties": map[string]any{"tags": map[string]any{"type": "array"}},
	}

	assert.NoError(t, ValidateParameters(map[string]any{"tags": []string{"a"}}, schema))
	err := ValidateParameters(map[string]any{"tags": "a"}, schema)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tags", verr.Field)
}

func TestValidateParameters_EmptySchema(t *testing.T) {
	assert.NoError(t, ValidateParameters(map[string]any{"any": 1}, nil))
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Fix {{.skill}} ({{default \"none\" .missing}})", map[string]any{"skill": "fetch"})
	require.NoError(t, err)
	assert.Equal(t, "Fix fetch (none)", out)

	out, err = RenderTemplate("plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}
