package application

import (
	"context"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// UnitAdapter lets a stage unit take part in pipelines, layers, and graphs
// by implementing ports.Executable.
type UnitAdapter struct {
	unit     ports.Unit
	id       string
	unitType string
}

// NewUnitAdapter wraps unit under the graph node ID id.
func NewUnitAdapter(unit ports.Unit, id, unitType string) *UnitAdapter {
	return &UnitAdapter{
		unit:     unit,
		id:       id,
		unitType: unitType,
	}
}

// Execute runs the wrapped stage unchanged.
func (ua *UnitAdapter) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	return ua.unit.Execute(ctx, state)
}

// ID returns the graph node ID.
func (ua *UnitAdapter) ID() string { return ua.id }

// Type returns the stage type of the wrapped unit.
func (ua *UnitAdapter) Type() string { return ua.unitType }

// Unit returns the wrapped unit.
func (ua *UnitAdapter) Unit() ports.Unit { return ua.unit }
