package application

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

var (
	_ ports.Pipeline      = (*Pipeline)(nil)
	_ ports.Layer         = (*Layer)(nil)
	_ ports.Graph         = (*Graph)(nil)
	_ ports.MergeStrategy = KeyUnionMerge{}
)

// ErrMergeConflict is returned when two executables of a layer write
// different values under the same state key.
var ErrMergeConflict = errors.New("merge conflict")

// Pipeline runs executables in strict order, feeding each one the state
// produced by the one before it.
type Pipeline struct {
	id          string
	executables []ports.Executable
	// idSet tracks executable IDs for O(1) duplicate detection.
	idSet map[string]struct{}
	mu    sync.RWMutex
}

// NewPipeline creates an empty pipeline.
func NewPipeline(id string) *Pipeline {
	return &Pipeline{
		id:          id,
		executables: make([]ports.Executable, 0),
		idSet:       make(map[string]struct{}),
	}
}

// Execute runs every executable in order. It stops at the first error,
// naming the failing executable, and checks for cancellation between
// steps.
func (p *Pipeline) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	p.mu.RLock()
	executables := slices.Clone(p.executables)
	p.mu.RUnlock()

	current := state
	for _, exec := range executables {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		next, err := exec.Execute(ctx, current)
		if err != nil {
			return current, fmt.Errorf("pipeline %s: execution failed at %s: %w", p.id, exec.ID(), err)
		}
		current = next
	}
	return current, nil
}

// ID returns the pipeline's identifier.
func (p *Pipeline) ID() string { return p.id }

// Add appends exec to the pipeline. IDs must be unique within it.
func (p *Pipeline) Add(exec ports.Executable) error {
	if exec == nil {
		return fmt.Errorf("cannot add nil executable to pipeline")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	execID := exec.ID()
	if _, exists := p.idSet[execID]; exists {
		return fmt.Errorf("executable with ID %s already exists in pipeline", execID)
	}
	p.executables = append(p.executables, exec)
	p.idSet[execID] = struct{}{}
	return nil
}

// Executables returns a copy of the ordered executables.
func (p *Pipeline) Executables() []ports.Executable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.executables)
}

// Layer runs independent executables concurrently on the same input state
// and merges their outputs.
type Layer struct {
	id            string
	executables   []ports.Executable
	idSet         map[string]struct{}
	mergeStrategy ports.MergeStrategy
	// concurrencyLimit defaults to runtime.NumCPU() * 2 when not positive.
	concurrencyLimit int
	mu               sync.RWMutex
}

// NewLayer creates an empty layer using the key-union merge.
func NewLayer(id string) *Layer {
	return &Layer{
		id:               id,
		executables:      make([]ports.Executable, 0),
		idSet:            make(map[string]struct{}),
		concurrencyLimit: runtime.NumCPU() * 2,
	}
}

// Execute runs all executables on a bounded errgroup. Each writes only its
// own result slot, so outputs are merged in the order executables were
// added regardless of completion order. Every failure is reported, not
// just the first.
func (l *Layer) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	l.mu.RLock()
	executables := slices.Clone(l.executables)
	limit := l.concurrencyLimit
	strategy := l.mergeStrategy
	l.mu.RUnlock()

	if len(executables) == 0 {
		return state, nil
	}
	if limit <= 0 {
		limit = runtime.NumCPU() * 2
	}
	if strategy == nil {
		strategy = KeyUnionMerge{}
	}

	states := make([]domain.State, len(executables))
	errs := make([]error, len(executables))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, exec := range executables {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := exec.Execute(ctx, state)
			if err != nil {
				errs[i] = fmt.Errorf("executable %s: %w", exec.ID(), err)
				return nil
			}
			states[i] = out
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return state, err
	}
	if err := errors.Join(errs...); err != nil {
		failed := 0
		for _, e := range errs {
			if e != nil {
				failed++
			}
		}
		return state, fmt.Errorf("layer %s failed with %d errors: %w", l.id, failed, err)
	}

	merged, err := strategy.Merge(state, states)
	if err != nil {
		return state, fmt.Errorf("layer %s: merge failed: %w", l.id, err)
	}
	return merged, nil
}

// ID returns the layer's identifier.
func (l *Layer) ID() string { return l.id }

// Add includes exec in the layer. IDs must be unique within it.
func (l *Layer) Add(exec ports.Executable) error {
	if exec == nil {
		return fmt.Errorf("cannot add nil executable to layer")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	execID := exec.ID()
	if _, exists := l.idSet[execID]; exists {
		return fmt.Errorf("executable with ID %s already exists in layer", execID)
	}
	l.executables = append(l.executables, exec)
	l.idSet[execID] = struct{}{}
	return nil
}

// Executables returns a copy of the layer's executables.
func (l *Layer) Executables() []ports.Executable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.executables)
}

// SetMergeStrategy replaces the key-union merge.
func (l *Layer) SetMergeStrategy(strategy ports.MergeStrategy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mergeStrategy = strategy
}

// SetConcurrencyLimit bounds the executables running at once.
func (l *Layer) SetConcurrencyLimit(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrencyLimit = limit
}

// KeyUnionMerge combines layer outputs by taking every key each output
// added or changed relative to the base state. Two outputs writing the
// same key must agree on its value.
type KeyUnionMerge struct{}

// Merge implements ports.MergeStrategy.
func (KeyUnionMerge) Merge(base domain.State, states []domain.State) (domain.State, error) {
	updates := make(map[string]any)
	for _, st := range states {
		for _, key := range st.Diff(base) {
			val, _ := st.GetRaw(key)
			if prev, seen := updates[key]; seen {
				if !reflect.DeepEqual(prev, val) {
					return base, fmt.Errorf("%w: key %s written with different values", ErrMergeConflict, key)
				}
				continue
			}
			updates[key] = val
		}
	}
	if len(updates) == 0 {
		return base, nil
	}
	return base.WithMultiple(updates), nil
}

// Graph orders executables by dependency edges and runs them one after
// another, threading state through each.
type Graph struct {
	nodes map[string]ports.Executable
	// edges is the adjacency list: node ID -> target IDs.
	edges map[string][]string
	// edgeSet holds "source->target" for duplicate detection.
	edgeSet  map[string]struct{}
	inDegree map[string]int
	mu       sync.RWMutex
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]ports.Executable),
		edges:    make(map[string][]string),
		edgeSet:  make(map[string]struct{}),
		inDegree: make(map[string]int),
	}
}

// AddNode registers exec as a node. IDs must be unique in the graph.
func (g *Graph) AddNode(exec ports.Executable) error {
	if exec == nil {
		return fmt.Errorf("cannot add nil executable to graph")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := exec.ID()
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("node with ID %s already exists in graph", id)
	}
	g.nodes[id] = exec
	g.edges[id] = make([]string, 0)
	g.inDegree[id] = 0
	return nil
}

// AddEdge makes targetID wait for sourceID. An edge that would close a
// cycle is rolled back and reported.
func (g *Graph) AddEdge(sourceID, targetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[sourceID]; !exists {
		return fmt.Errorf("source node %s does not exist", sourceID)
	}
	if _, exists := g.nodes[targetID]; !exists {
		return fmt.Errorf("target node %s does not exist", targetID)
	}

	edgeKey := sourceID + "->" + targetID
	if _, exists := g.edgeSet[edgeKey]; exists {
		return fmt.Errorf("edge from %s to %s already exists", sourceID, targetID)
	}

	g.edges[sourceID] = append(g.edges[sourceID], targetID)
	g.edgeSet[edgeKey] = struct{}{}
	g.inDegree[targetID]++

	if g.hasCycleUnsafe() {
		g.edges[sourceID] = g.edges[sourceID][:len(g.edges[sourceID])-1]
		delete(g.edgeSet, edgeKey)
		g.inDegree[targetID]--
		return fmt.Errorf("adding edge from %s to %s would create a cycle", sourceID, targetID)
	}
	return nil
}

// TopologicalSort returns the nodes so that every dependency comes before
// its dependents. Among nodes that are ready at the same time, IDs are
// taken in lexical order so the result is deterministic.
func (g *Graph) TopologicalSort() ([]ports.Executable, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.inDegree))
	var ready []string
	for id, degree := range g.inDegree {
		inDegree[id] = degree
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]ports.Executable, 0, len(g.nodes))
	for len(ready) > 0 {
		slices.Sort(ready)
		nodeID := ready[0]
		ready = ready[1:]
		result = append(result, g.nodes[nodeID])

		for _, neighbor := range g.edges[nodeID] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, fmt.Errorf("graph contains a cycle")
	}
	return result, nil
}

// Execute runs every node in topological order. A node starts only after
// all the nodes it depends on have finished.
func (g *Graph) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return state, err
	}

	current := state
	for _, exec := range order {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		next, err := exec.Execute(ctx, current)
		if err != nil {
			return current, fmt.Errorf("graph node %s: %w", exec.ID(), err)
		}
		current = next
	}
	return current, nil
}

// HasCycle reports whether the graph contains a cycle.
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleUnsafe()
}

// hasCycleUnsafe runs a three-color DFS. The caller must hold g.mu.
func (g *Graph) hasCycleUnsafe() bool {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.nodes))

	var dfs func(nodeID string) bool
	dfs = func(nodeID string) bool {
		colors[nodeID] = gray
		for _, neighbor := range g.edges[nodeID] {
			switch colors[neighbor] {
			case gray:
				return true
			case white:
				if dfs(neighbor) {
					return true
				}
			}
		}
		colors[nodeID] = black
		return false
	}

	for id := range g.nodes {
		if colors[id] == white && dfs(id) {
			return true
		}
	}
	return false
}

// GetNode returns the node with the given ID.
func (g *Graph) GetNode(id string) (ports.Executable, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	exec, exists := g.nodes[id]
	return exec, exists
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
