package application

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// Verify interface compliance at compile time.
var _ ports.UnitRegistry = (*DefaultUnitRegistry)(nil)

// UnitMiddleware wraps a freshly built unit, for example to add metrics
// or tracing around Execute. It receives the stage type of the unit.
type UnitMiddleware func(unitType string, unit ports.Unit) ports.Unit

// DefaultUnitRegistry implements the UnitRegistry interface, building
// stage units by type name. The logger is injected into every built-in
// stage and any registered middleware wraps each unit it creates.
type DefaultUnitRegistry struct {
	// factories maps unit type strings to their factory functions.
	factories map[string]ports.UnitFactory
	// middleware is applied in order to every created unit.
	middleware []UnitMiddleware
	// mu protects concurrent access to the factories map.
	mu sync.RWMutex
	// logger is the logger handed to built-in stages.
	logger *logging.Logger
}

// NewDefaultUnitRegistry creates a registry with the six built-in stage
// types registered.
func NewDefaultUnitRegistry(logger *logging.Logger, middleware ...UnitMiddleware) *DefaultUnitRegistry {
	if logger == nil {
		logger = logging.Nop()
	}
	registry := &DefaultUnitRegistry{
		factories:  make(map[string]ports.UnitFactory),
		middleware: middleware,
		logger:     logger,
	}
	registry.registerBuiltinFactories()
	return registry
}

// registerBuiltinFactories registers the standard stage types.
func (r *DefaultUnitRegistry) registerBuiltinFactories() {
	// Capture the logger so factories do not race with later changes.
	logger := r.logger
	for unitType, build := range stageBuilders {
		r.factories[unitType] = func(id string, config map[string]any) (ports.Unit, error) {
			return build(id, config, logger.With("unit", id, "stage", unitType))
		}
	}
}

// CreateUnit creates a new unit instance based on the provided type,
// identifier, and configuration, validates it, and applies middleware.
func (r *DefaultUnitRegistry) CreateUnit(
	unitType string,
	id string,
	config map[string]any,
) (ports.Unit, error) {
	r.mu.RLock()
	factory, exists := r.factories[unitType]
	middleware := slices.Clone(r.middleware)
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported unit type: %s", unitType)
	}
	if id == "" {
		return nil, fmt.Errorf("unit ID cannot be empty")
	}
	if config == nil {
		config = make(map[string]any)
	}

	unit, err := factory(id, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create unit %s of type %s: %w", id, unitType, err)
	}
	if err := unit.Validate(); err != nil {
		return nil, fmt.Errorf("unit %s of type %s is invalid: %w", id, unitType, err)
	}

	for _, wrap := range middleware {
		unit = wrap(unitType, unit)
	}
	return unit, nil
}

// RegisterUnitFactory registers a new factory function for a specific unit
// type, replacing any existing one. Custom stages can be added this way.
func (r *DefaultUnitRegistry) RegisterUnitFactory(
	unitType string,
	factory ports.UnitFactory,
) error {
	if unitType == "" {
		return fmt.Errorf("unit type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory function cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[unitType] = factory
	return nil
}

// Use appends middleware applied to units created from now on.
func (r *DefaultUnitRegistry) Use(middleware ...UnitMiddleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.middleware = append(r.middleware, middleware...)
}

// GetSupportedTypes returns all registered unit types, sorted.
func (r *DefaultUnitRegistry) GetSupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.factories))
}
