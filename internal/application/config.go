package application

import (
	"gopkg.in/yaml.v3"
)

// Stage type names accepted in UnitConfig.Type.
const (
	StageNormalize = "normalize"
	StageRemap     = "remap"
	StageAggregate = "aggregate"
	StageBaseline  = "baseline"
	StageAllocate  = "allocate"
	StagePvi       = "pvi"
)

// StageTypes lists the stage types in their natural execution order.
var StageTypes = []string{StageNormalize, StageRemap, StageAggregate, StageAllocate, StageBaseline, StagePvi}

// EngineConfig defines a complete redistricting run: which stages exist,
// how they are parameterized, and how they are wired together.
// It is the primary configuration entry point for the engine.
type EngineConfig struct {
	// Version specifies the configuration schema version using semantic
	// versioning to ensure compatibility across releases.
	Version string `yaml:"version" validate:"required,semver"`
	// Metadata contains descriptive information about the run
	// configuration including name, tags, and labels.
	Metadata Metadata `yaml:"metadata" validate:"required"`
	// Years restricts the run to the listed election years. When empty the
	// years present in the vote records are used.
	Years []int `yaml:"years,omitempty" validate:"omitempty,unique,dive,min=1700,max=2200"`
	// CurrentMap names the target map in the district table. It is passed
	// to every remap stage that does not set its own current_map.
	CurrentMap string `yaml:"current_map,omitempty" validate:"omitempty,max=255"`
	// Units defines the stages of the run, each with its own parameters.
	Units []UnitConfig `yaml:"units" validate:"required,min=1,dive"`
	// Graph specifies the execution topology that determines how stages
	// are connected and the order in which they execute.
	Graph GraphTopology `yaml:"graph" validate:"required"`
}

// Metadata provides descriptive information about a run configuration.
type Metadata struct {
	// Name identifies the configuration in logs, spans, and run reports.
	Name string `yaml:"name" validate:"required,min=1,max=255"`
	// Description explains what the configuration is used for.
	Description string `yaml:"description,omitempty" validate:"max=1000"`
	// Tags are categorical labels for grouping configurations.
	Tags []string `yaml:"tags,omitempty" validate:"max=20,dive,min=1,max=50"`
	// Labels are arbitrary key-value pairs for external systems.
	Labels map[string]string `yaml:"labels,omitempty" validate:"max=50"`
}

// UnitConfig defines a single stage of the run.
type UnitConfig struct {
	// ID is the unique identifier for this stage within the graph
	// and must be alphanumeric for safe referencing in topologies.
	ID string `yaml:"id" validate:"required,alphanum,min=1,max=100"`
	// Type selects the stage implementation and therefore which
	// parameters are accepted.
	Type string `yaml:"type" validate:"required,stagetype"`
	// Parameters contains stage-specific configuration as flexible YAML
	// that is validated by decoding it into the stage's own config struct.
	Parameters yaml.Node `yaml:"parameters,omitempty"`
}

// GraphTopology specifies how stages are grouped and ordered.
type GraphTopology struct {
	// Pipelines define sequential chains where each stage's output
	// feeds the next.
	Pipelines []PipelineConfig `yaml:"pipelines" validate:"dive"`
	// Layers define groups of independent stages that run concurrently.
	Layers []LayerConfig `yaml:"layers" validate:"dive"`
	// Edges specify ordering between units, pipelines, and layers.
	Edges []EdgeConfig `yaml:"edges" validate:"dive"`
}

// PipelineConfig defines a sequential chain of stages.
type PipelineConfig struct {
	// ID is the unique identifier for this pipeline within the graph.
	ID string `yaml:"id" validate:"required,alphanum,min=1,max=100"`
	// Units lists the stage IDs in execution order.
	Units []string `yaml:"units" validate:"required,min=1,dive,alphanum"`
}

// LayerConfig defines a group of stages that execute in parallel on the
// same input state.
type LayerConfig struct {
	// ID is the unique identifier for this layer within the graph.
	ID string `yaml:"id" validate:"required,alphanum,min=1,max=100"`
	// Units lists the stage IDs that run in parallel; at least two are
	// required.
	Units []string `yaml:"units" validate:"required,min=2,dive,alphanum"`
	// MaxConcurrency bounds the stages running at once. Zero means no
	// bound beyond the CPU default.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" validate:"min=0,max=64"`
}

// EdgeConfig orders two graph nodes: To starts only after From finishes.
type EdgeConfig struct {
	// From identifies the node that must complete first.
	From string `yaml:"from" validate:"required,alphanum"`
	// To identifies the node that waits for From.
	To string `yaml:"to" validate:"required,alphanum"`
}

// DefaultEngineConfig returns the standard run: normalize, remap, and
// aggregate in a pipeline, allocation and baseline in a parallel layer,
// then PVI. Every stage uses its default parameters.
func DefaultEngineConfig() *EngineConfig {
	units := make([]UnitConfig, 0, len(StageTypes))
	for _, t := range StageTypes {
		units = append(units, UnitConfig{ID: t, Type: t})
	}
	return &EngineConfig{
		Version:  "1.0.0",
		Metadata: Metadata{Name: "default", Description: "standard redistricting run"},
		Units:    units,
		Graph: GraphTopology{
			Pipelines: []PipelineConfig{
				{ID: "prepare", Units: []string{StageNormalize, StageRemap, StageAggregate}},
			},
			Layers: []LayerConfig{
				{ID: "tally", Units: []string{StageAllocate, StageBaseline}},
			},
			Edges: []EdgeConfig{
				{From: "prepare", To: "tally"},
				{From: "tally", To: StagePvi},
			},
		},
	}
}

// Unit returns the stage with the given ID.
func (c *EngineConfig) Unit(id string) (UnitConfig, bool) {
	for _, u := range c.Units {
		if u.ID == id {
			return u, true
		}
	}
	return UnitConfig{}, false
}
