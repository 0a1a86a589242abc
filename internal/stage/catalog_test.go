package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const heraldCatalog = `
stages:
  - id: scribe
    estimate: {input_tokens: 1000, output_tokens: 1500, cost_per_run: 0.05}
    fields:
      - name: requirement_text
        required: true
  - id: forge
    estimate: {input_tokens: 3000, output_tokens: 5000, cost_per_run: 0.16}
    fields:
      - name: repo_path
        required: true
  - id: herald
    name: HERALD
    estimate: {input_tokens: 800, output_tokens: 400, cost_per_run: 0.02}
    fields:
      - name: git_provider
        default: github
        enum: [github, gitlab, custom]
      - name: labels
        kind: list
        default: [auto]
`

func TestDefaultCatalog(t *testing.T) {
	stages := DefaultCatalog()
	require.Len(t, stages, 5)

	assert.Equal(t, []string{"requirement_text"}, stages[0].RequiredFields())
	assert.Empty(t, stages[1].RequiredFields())
	assert.Equal(t, []string{"repo_path", "target_branch"}, stages[2].RequiredFields())
	assert.Equal(t, 2500, stages[0].Estimate.Tokens())

	f, ok := stages[1].Field("granularity")
	require.True(t, ok)
	assert.Equal(t, KindInt, f.Kind)
	assert.Equal(t, 3, f.Default)
	require.NotNil(t, f.Max)
	assert.Equal(t, 5, *f.Max)

	stages[0].Fields[0].Name = "mutated"
	assert.Equal(t, "requirement_text", DefaultCatalog()[0].Fields[0].Name, "callers get copies")
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(heraldCatalog), 0o644))

	stages, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, stages, 3)

	assert.Equal(t, "forge", stages[1].Name, "name defaults to id")
	assert.Equal(t, KindString, stages[0].Fields[0].Kind, "kind defaults to string")
	assert.Equal(t, []string{"auto"}, stages[2].Defaults()["labels"])

	e, err := NewEngine(stages)
	require.NoError(t, err)
	require.True(t, e.SetEnabled("scribe", true).OK)
	require.True(t, e.SetEnabled("forge", true).OK)
	require.True(t, e.SetEnabled("herald", true).OK)
	assert.Equal(t, 11700, e.Estimate().TotalTokens)

	herald, _ := e.BuildPayload("x", "").Stage("herald")
	assert.Equal(t, "github", herald.Config["git_provider"])
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading catalog file")
}

func TestParseCatalogErrors(t *testing.T) {
	tcs := map[string]struct {
		yaml string
		want string
	}{
		"empty":        {yaml: "stages: []", want: "at least one stage is required"},
		"missing id":   {yaml: "stages: [{name: x}]", want: "stages[0].id: is required"},
		"duplicate id": {yaml: "stages: [{id: a}, {id: a}]", want: `duplicate stage ID "a"`},
		"bad kind":     {yaml: "stages: [{id: a, fields: [{name: f, kind: float}]}]", want: `unrecognized kind "float"`},
		"bad default":  {yaml: "stages: [{id: a, fields: [{name: f, kind: int, default: x, min: 1}]}]", want: "expected an integer"},
		"dup field":    {yaml: "stages: [{id: a, fields: [{name: f}, {name: f}]}]", want: `duplicate field "f"`},
		"bad yaml":     {yaml: "stages: [", want: "parsing catalog YAML"},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tc.yaml))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}
