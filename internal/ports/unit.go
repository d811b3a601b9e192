// Package ports defines the core interfaces that form the contract between
// the domain/application layers and the infrastructure layer.
// These interfaces enable dependency inversion and make the system testable.
package ports

import (
	"context"

	"github.com/ahrav/go-redistrict/internal/domain"
)

// Unit represents one stage of the redistricting pipeline.
// Each Unit reads the tables produced by earlier stages from the State and
// writes its own outputs under new keys. Units hold only configuration, so
// a single instance may run concurrently on different states.
type Unit interface {
	// Name returns a unique identifier for this unit.
	// The name is used for logging, debugging, and configuration.
	Name() string

	// Execute performs the unit's transformation on the provided State.
	// It returns a new State containing the results of the transformation.
	// The original State should not be modified (immutability principle).
	// Any errors during execution should be returned rather than panicking.
	//
	// The context parameter allows for cancellation and deadline propagation.
	// Units should respect context cancellation and return promptly.
	//
	// Example:
	//
	//	newState, err := unit.Execute(ctx, state)
	//	if err != nil {
	//	    return nil, fmt.Errorf("unit %s failed: %w", unit.Name(), err)
	//	}
	Execute(ctx context.Context, state domain.State) (domain.State, error)

	// Validate checks that the unit's parameters are usable.
	// It is called by the registry right after construction.
	Validate() error
}

// UnitFactory builds a configured Unit from its ID and decoded YAML
// parameters.
type UnitFactory func(id string, config map[string]any) (Unit, error)

// UnitRegistry creates units by type name.
type UnitRegistry interface {
	// CreateUnit builds a unit of the given type.
	// It returns an error for unknown types or invalid parameters.
	CreateUnit(unitType string, id string, config map[string]any) (Unit, error)

	// RegisterUnitFactory adds or replaces the factory for a type.
	RegisterUnitFactory(unitType string, factory UnitFactory) error

	// GetSupportedTypes lists the registered type names.
	GetSupportedTypes() []string
}
