package application

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// Plan is a validated engine configuration together with its compiled
// execution graph.
// WARNING: Plans are cached and shared. Callers MUST NOT call AddNode or
// AddEdge on Graph.
type Plan struct {
	Config EngineConfig
	Graph  *Graph
	// Hash is the SHA-256 of the normalized configuration.
	Hash string
}

// GraphLoader parses, validates, and compiles engine configurations,
// caching compiled plans by the SHA-256 of the normalized configuration.
type GraphLoader struct {
	validator    *validator.Validate
	unitRegistry ports.UnitRegistry
	// cache maps config hash -> compiled plan.
	cache   map[string]*Plan
	cacheMu sync.RWMutex
	// sf prevents duplicate compilation when several goroutines load the
	// same configuration at once.
	sf singleflight.Group
}

// NewGraphLoader creates a loader that builds stages from unitRegistry.
func NewGraphLoader(unitRegistry ports.UnitRegistry) (*GraphLoader, error) {
	if unitRegistry == nil {
		return nil, fmt.Errorf("unit registry is required")
	}
	v := validator.New()
	if err := RegisterGraphValidators(v); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	return &GraphLoader{
		validator:    v,
		unitRegistry: unitRegistry,
		cache:        make(map[string]*Plan),
	}, nil
}

// LoadFromFile loads and compiles a configuration file.
func (gl *GraphLoader) LoadFromFile(ctx context.Context, path string) (*Plan, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, ports.NewConfigError(path, fmt.Errorf("failed to read file: %w", err))
	}
	return gl.load(ctx, data)
}

// LoadFromReader loads and compiles a configuration from r.
func (gl *GraphLoader) LoadFromReader(ctx context.Context, r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return gl.load(ctx, data)
}

// LoadConfig compiles an in-memory configuration such as the one returned
// by DefaultEngineConfig.
func (gl *GraphLoader) LoadConfig(ctx context.Context, config *EngineConfig) (*Plan, error) {
	if config == nil {
		return nil, ports.NewConfigError("config", ports.ErrConfigNotFound)
	}
	return gl.compile(ctx, config)
}

func (gl *GraphLoader) load(ctx context.Context, data []byte) (*Plan, error) {
	config, err := gl.parseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return gl.compile(ctx, config)
}

// compile hashes the normalized configuration and returns the cached plan
// or builds a new one under singleflight.
func (gl *GraphLoader) compile(ctx context.Context, config *EngineConfig) (*Plan, error) {
	hash, err := gl.calculateConfigHash(config)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}

	v, err, _ := gl.sf.Do(hash, func() (any, error) {
		if plan, ok := gl.getCachedPlan(hash); ok {
			return plan, nil
		}
		if err := gl.validateConfig(config); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
		}
		graph, err := gl.buildGraph(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to build graph: %w", err)
		}
		plan := &Plan{Config: *config, Graph: graph, Hash: hash}
		gl.cachePlan(hash, plan)
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan), nil
}

func (gl *GraphLoader) parseYAML(data []byte) (*EngineConfig, error) {
	return ParseConfig(bytes.NewReader(data))
}

// ParseConfig decodes a YAML configuration without validating or
// compiling it, so callers can adjust it before LoadConfig. Decoding is
// strict: misspelled keys are reported instead of silently ignored.
func ParseConfig(r io.Reader) (*EngineConfig, error) {
	var config EngineConfig
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("YAML decode failed: %w", err)
	}
	return &config, nil
}

// validateConfig runs struct tag validation followed by semantic checks.
func (gl *GraphLoader) validateConfig(config *EngineConfig) error {
	if err := gl.validator.Struct(config); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}
	if err := gl.validateSemantics(config); err != nil {
		return fmt.Errorf("semantic validation failed: %w", err)
	}
	return nil
}

// validateSemantics checks what struct tags cannot: IDs unique across
// units, pipelines, and layers; references resolve; each unit placed at
// most once; and every stage's parameters decode into its config.
func (gl *GraphLoader) validateSemantics(config *EngineConfig) error {
	allNodeIDs := make(map[string]string) // ID -> node kind, for messages.
	unitIDs := make(map[string]struct{})

	for _, unit := range config.Units {
		if kind, exists := allNodeIDs[unit.ID]; exists {
			return fmt.Errorf("duplicate ID %q: already used by %s", unit.ID, kind)
		}
		allNodeIDs[unit.ID] = "unit"
		unitIDs[unit.ID] = struct{}{}

		if err := ValidateUnitParameters(unit.Type, unit.Parameters); err != nil {
			return fmt.Errorf("unit %s parameter validation failed: %w", unit.ID, err)
		}
	}

	placed := make(map[string]string) // unit ID -> container ID.
	place := func(container, kind string, members []string) error {
		if k, exists := allNodeIDs[container]; exists {
			return fmt.Errorf("duplicate ID %q: already used by %s", container, k)
		}
		allNodeIDs[container] = kind
		for _, unitID := range members {
			if _, exists := unitIDs[unitID]; !exists {
				return fmt.Errorf("%s %s references non-existent unit: %s", kind, container, unitID)
			}
			if other, dup := placed[unitID]; dup {
				return fmt.Errorf("unit %s is placed in both %s and %s", unitID, other, container)
			}
			placed[unitID] = container
		}
		return nil
	}
	for _, p := range config.Graph.Pipelines {
		if err := place(p.ID, "pipeline", p.Units); err != nil {
			return err
		}
	}
	for _, l := range config.Graph.Layers {
		if err := place(l.ID, "layer", l.Units); err != nil {
			return err
		}
	}

	for _, edge := range config.Graph.Edges {
		for _, end := range []string{edge.From, edge.To} {
			if _, exists := allNodeIDs[end]; !exists {
				return fmt.Errorf("edge %s->%s references non-existent node: %s", edge.From, edge.To, end)
			}
			if container, inside := placed[end]; inside {
				return fmt.Errorf("edge %s->%s targets unit %s inside %s; use the container ID", edge.From, edge.To, end, container)
			}
		}
	}
	return nil
}

// buildGraph creates the units through the registry, groups them into
// pipelines and layers, and adds the edges.
func (gl *GraphLoader) buildGraph(ctx context.Context, config *EngineConfig) (*Graph, error) {
	graph := NewGraph()

	adapters := make(map[string]*UnitAdapter, len(config.Units))
	for _, unitConfig := range config.Units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unit, err := gl.createUnit(config, unitConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create unit %s: %w", unitConfig.ID, err)
		}
		adapters[unitConfig.ID] = NewUnitAdapter(unit, unitConfig.ID, unitConfig.Type)
	}

	placed := make(map[string]struct{})
	for _, pc := range config.Graph.Pipelines {
		pipeline := NewPipeline(pc.ID)
		for _, unitID := range pc.Units {
			if err := pipeline.Add(adapters[unitID]); err != nil {
				return nil, fmt.Errorf("failed to add unit to pipeline: %w", err)
			}
			placed[unitID] = struct{}{}
		}
		if err := graph.AddNode(pipeline); err != nil {
			return nil, fmt.Errorf("failed to add pipeline to graph: %w", err)
		}
	}

	for _, lc := range config.Graph.Layers {
		layer := NewLayer(lc.ID)
		if lc.MaxConcurrency > 0 {
			layer.SetConcurrencyLimit(lc.MaxConcurrency)
		}
		for _, unitID := range lc.Units {
			if err := layer.Add(adapters[unitID]); err != nil {
				return nil, fmt.Errorf("failed to add unit to layer: %w", err)
			}
			placed[unitID] = struct{}{}
		}
		if err := graph.AddNode(layer); err != nil {
			return nil, fmt.Errorf("failed to add layer to graph: %w", err)
		}
	}

	// Standalone units become graph nodes of their own, in config order.
	for _, unitConfig := range config.Units {
		if _, isPlaced := placed[unitConfig.ID]; isPlaced {
			continue
		}
		if err := graph.AddNode(adapters[unitConfig.ID]); err != nil {
			return nil, fmt.Errorf("failed to add unit to graph: %w", err)
		}
	}

	for _, edge := range config.Graph.Edges {
		if err := graph.AddEdge(edge.From, edge.To); err != nil {
			return nil, fmt.Errorf("failed to add edge: %w", err)
		}
	}
	return graph, nil
}

// createUnit decodes a unit's parameters, applies the run-level
// current_map to remap stages that do not set one, and builds the unit.
func (gl *GraphLoader) createUnit(config *EngineConfig, unitConfig UnitConfig) (ports.Unit, error) {
	params, err := decodeParameters(unitConfig.Parameters)
	if err != nil {
		return nil, err
	}
	if unitConfig.Type == StageRemap && config.CurrentMap != "" {
		if _, set := params["current_map"]; !set {
			params["current_map"] = config.CurrentMap
		}
	}
	unit, err := gl.unitRegistry.CreateUnit(unitConfig.Type, unitConfig.ID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create unit: %w", err)
	}
	return unit, nil
}

// calculateConfigHash hashes the re-encoded configuration so formatting
// and comment differences in the source do not defeat the cache.
func (gl *GraphLoader) calculateConfigHash(config *EngineConfig) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(config); err != nil {
		return "", fmt.Errorf("failed to encode config for hashing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("failed to encode config for hashing: %w", err)
	}
	hash := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(hash[:]), nil
}

func (gl *GraphLoader) getCachedPlan(hash string) (*Plan, bool) {
	gl.cacheMu.RLock()
	defer gl.cacheMu.RUnlock()
	plan, ok := gl.cache[hash]
	return plan, ok
}

func (gl *GraphLoader) cachePlan(hash string, plan *Plan) {
	gl.cacheMu.Lock()
	defer gl.cacheMu.Unlock()
	gl.cache[hash] = plan
}

// ClearCache drops every cached plan.
func (gl *GraphLoader) ClearCache() {
	gl.cacheMu.Lock()
	defer gl.cacheMu.Unlock()
	gl.cache = make(map[string]*Plan)
}

// CacheSize returns the number of cached plans.
func (gl *GraphLoader) CacheSize() int {
	gl.cacheMu.RLock()
	defer gl.cacheMu.RUnlock()
	return len(gl.cache)
}
