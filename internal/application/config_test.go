package application

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const fullConfigYAML = `
version: "1.2.0"
metadata:
  name: "nh-house-2022"
  description: "2022 map, seven band allocation"
  tags: ["house", "nh"]
  labels:
    chamber: "house"
years: [2016, 2018, 2020]
current_map: "2022 plan"
units:
  - id: normalize
    type: normalize
    parameters:
      drop_zero_votes: true
  - id: remap
    type: remap
  - id: aggregate
    type: aggregate
  - id: allocate
    type: allocate
    parameters:
      policy: seven_band
  - id: baseline
    type: baseline
    parameters:
      comparison: all_candidates
  - id: pvi
    type: pvi
    parameters:
      environment_sensitive: true
graph:
  pipelines:
    - id: prepare
      units: [normalize, remap, aggregate]
  layers:
    - id: tally
      units: [allocate, baseline]
      max_concurrency: 2
  edges:
    - from: prepare
      to: tally
    - from: tally
      to: pvi
`

func newTestValidator(t *testing.T) *validator.Validate {
	t.Helper()
	v := validator.New()
	require.NoError(t, RegisterGraphValidators(v))
	return v
}

func TestEngineConfig_UnmarshalYAML(t *testing.T) {
	var cfg EngineConfig
	require.NoError(t, yaml.Unmarshal([]byte(fullConfigYAML), &cfg))

	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "nh-house-2022", cfg.Metadata.Name)
	assert.Equal(t, []int{2016, 2018, 2020}, cfg.Years)
	assert.Equal(t, "2022 plan", cfg.CurrentMap)
	require.Len(t, cfg.Units, 6)
	assert.Equal(t, StageAllocate, cfg.Units[3].Type)

	params, err := decodeParameters(cfg.Units[3].Parameters)
	require.NoError(t, err)
	assert.Equal(t, "seven_band", params["policy"])

	empty, err := decodeParameters(cfg.Units[1].Parameters)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.Len(t, cfg.Graph.Layers, 1)
	assert.Equal(t, 2, cfg.Graph.Layers[0].MaxConcurrency)
	assert.Equal(t, EdgeConfig{From: "tally", To: "pvi"}, cfg.Graph.Edges[1])

	u, ok := cfg.Unit("pvi")
	require.True(t, ok)
	assert.Equal(t, StagePvi, u.Type)
	_, ok = cfg.Unit("nope")
	assert.False(t, ok)

	assert.NoError(t, newTestValidator(t).Struct(&cfg))
}

func TestEngineConfig_Validation(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name   string
		mutate func(c *EngineConfig)
		field  string
	}{
		{"bad semver", func(c *EngineConfig) { c.Version = "1.0" }, "Version"},
		{"leading zero semver", func(c *EngineConfig) { c.Version = "01.0.0" }, "Version"},
		{"missing name", func(c *EngineConfig) { c.Metadata.Name = "" }, "Name"},
		{"unknown stage", func(c *EngineConfig) { c.Units[0].Type = "score_judge" }, "Type"},
		{"non alphanumeric id", func(c *EngineConfig) { c.Units[0].ID = "bad-id" }, "ID"},
		{"duplicate years", func(c *EngineConfig) { c.Years = []int{2020, 2020} }, "Years"},
		{"implausible year", func(c *EngineConfig) { c.Years = []int{20} }, "Years[0]"},
		{"single unit layer", func(c *EngineConfig) { c.Graph.Layers[0].Units = []string{"allocate"} }, "Units"},
		{"no units", func(c *EngineConfig) { c.Units = nil }, "Units"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			tt.mutate(cfg)
			err := v.Struct(cfg)
			require.Error(t, err)
			var verrs validator.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tt.field, verrs[0].Field())
		})
	}
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	require.NoError(t, newTestValidator(t).Struct(cfg))

	require.Len(t, cfg.Units, len(StageTypes))
	for i, stage := range StageTypes {
		assert.Equal(t, stage, cfg.Units[i].ID)
		assert.Equal(t, stage, cfg.Units[i].Type)
	}
	assert.Equal(t, []string{StageNormalize, StageRemap, StageAggregate}, cfg.Graph.Pipelines[0].Units)
	assert.ElementsMatch(t, []string{StageAllocate, StageBaseline}, cfg.Graph.Layers[0].Units)

	// Each call returns an independent value.
	cfg.Units[0].ID = "changed"
	assert.Equal(t, StageNormalize, DefaultEngineConfig().Units[0].ID)
}

func TestValidateUnitParameters(t *testing.T) {
	node := func(t *testing.T, src string) yaml.Node {
		t.Helper()
		var doc yaml.Node
		require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
		return *doc.Content[0]
	}

	tests := []struct {
		name     string
		unitType string
		params   string
		wantErr  bool
	}{
		{"allocate preset", StageAllocate, "policy: full_sweep", false},
		{"allocate custom bands", StageAllocate, `
policy: custom
bands:
  - {name: r, above: 0.5, party: R, mode: sweep, factor: 1}
  - {name: d, above: -1, party: D, mode: sweep, factor: 1}`, false},
		{"allocate custom without bands", StageAllocate, "policy: custom", true},
		{"allocate unknown policy", StageAllocate, "policy: dhondt", true},
		{"aggregate typo", StageAggregate, "max_concurency: 4", true},
		{"baseline comparison", StageBaseline, "comparison: all_candidates", false},
		{"pvi negative close lean", StagePvi, "close_lean: -2", true},
		{"normalize bad regex", StageNormalize, "extra_rules: [{pattern: '(', replacement: x}]", true},
		{"remap current map", StageRemap, "current_map: plan", false},
		{"unknown type", "score_judge", "x: 1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUnitParameters(tt.unitType, node(t, tt.params))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.NoError(t, ValidateUnitParameters(StagePvi, yaml.Node{}), "absent parameters use defaults")
}
