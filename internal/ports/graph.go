package ports

import (
	"context"

	"github.com/ahrav/go-redistrict/internal/domain"
)

// MergeStrategy folds the states produced by the members of a Layer back
// into one. baseState is the state the layer received; states holds one
// entry per member, in member order. Merge must be deterministic and must
// return a fresh state without touching its inputs.
type MergeStrategy interface {
	Merge(baseState domain.State, states []domain.State) (domain.State, error)
}

// Executable is anything the stage plan can run: a single stage, a
// sequence of stages, or a group of independent stages.
type Executable interface {
	// Execute reads the tables it needs from state and returns a state
	// extended with its own outputs. The input is shared with sibling
	// executables and is never mutated; use domain.With to extend it.
	Execute(ctx context.Context, state domain.State) (domain.State, error)

	// ID is stable for the lifetime of the executable and unique within
	// its graph.
	ID() string
}

// Pipeline runs its members one after another, each seeing the previous
// member's output. Normalize, remap and aggregate form a pipeline.
type Pipeline interface {
	Executable

	// Add appends a stage. It fails on a nil executable or a duplicate ID.
	Add(exec Executable) error

	// Executables lists the members in run order. Callers must not modify
	// the returned slice.
	Executables() []Executable
}

// Layer runs its members concurrently against the same input state.
// Allocation and baseline form a layer since both only read aggregates.
type Layer interface {
	Executable

	// Add registers a member. It fails on a nil executable or a duplicate ID.
	Add(exec Executable) error

	// Executables lists the members. Callers must not modify the returned
	// slice.
	Executables() []Executable

	// SetMergeStrategy replaces the default merge, which unions the keys
	// each member wrote and rejects a key written twice with different
	// values. Call it before Execute.
	SetMergeStrategy(strategy MergeStrategy)
}

// Graph orders executables by dependency. An edge is a barrier: the PVI
// stage starts only once allocation and baseline have finished for every
// year.
type Graph interface {
	// AddNode fails when the ID is already taken.
	AddNode(exec Executable) error

	// AddEdge makes targetID wait for sourceID. It fails on unknown IDs,
	// duplicate edges, and edges that would close a cycle.
	AddEdge(sourceID, targetID string) error

	// TopologicalSort returns the nodes with every dependency ahead of its
	// dependents, breaking ties by ID.
	TopologicalSort() ([]Executable, error)

	HasCycle() bool

	// Execute threads the state through every node in topological order.
	Execute(ctx context.Context, state domain.State) (domain.State, error)

	// GetNode returns the stored executable itself. Treat it as read-only;
	// it may be running concurrently.
	GetNode(id string) (Executable, bool)
}
