// Package domain contains pure, dependency-free domain models and types
// for the redistricting engine.
package domain

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"
)

// Key represents a type-safe generic key for accessing values in State.
// The type parameter T ensures compile-time type safety when getting and
// setting values, eliminating the need for runtime type assertions.
type Key[T any] struct{ name string }

// NewKey creates a new Key with the specified name and type.
// This function is provided for creating keys outside of the domain package.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the string identifier of the key.
func (k Key[T]) Name() string { return k.name }

// Predefined state keys used by the pipeline stages.
// Each stage reads the keys produced by the stages before it and writes
// its own outputs under new keys; no stage overwrites another's output.
var (
	// KeyVoteRecords stores the raw vote records as supplied by ingestion.
	KeyVoteRecords = Key[[]VoteRecord]{"input.vote_records"}

	// KeyDistrictRows stores the raw district map rows for every map
	// (historical years and the current map).
	KeyDistrictRows = Key[[]DistrictRow]{"input.district_rows"}

	// KeyWinners stores the authoritative winners table.
	KeyWinners = Key[[]WinnerRecord]{"input.winners"}

	// KeyYears stores the election years in scope, ascending.
	KeyYears = Key[[]int]{"input.years"}

	// KeyNormalizedRecords stores vote records with canonical town names
	// and summary rows removed.
	KeyNormalizedRecords = Key[[]VoteRecord]{"normalize.records"}

	// KeyNormalizedDistrictRows stores district rows with canonical towns.
	KeyNormalizedDistrictRows = Key[[]DistrictRow]{"normalize.district_rows"}

	// KeyCurrentMap stores the target district map.
	KeyCurrentMap = Key[DistrictMap]{"remap.current_map"}

	// KeyHistoricalMaps stores each year's own district map keyed by year.
	KeyHistoricalMaps = Key[map[int]DistrictMap]{"remap.historical_maps"}

	// KeyClassifications stores the exact-match/changed classification of
	// current districts against each historical year.
	KeyClassifications = Key[map[int]Classification]{"remap.classifications"}

	// KeyCurrentAggregates stores per-year aggregates on the current map.
	KeyCurrentAggregates = Key[map[int]map[DistrictKey]DistrictAggregate]{"aggregate.current"}

	// KeyHistoricalAggregates stores per-year aggregates on that year's own map.
	KeyHistoricalAggregates = Key[map[int]map[DistrictKey]DistrictAggregate]{"aggregate.historical"}

	// KeyAllocations stores per-year seat allocations on the current map.
	KeyAllocations = Key[map[int]map[DistrictKey]SeatAllocation]{"allocate.allocations"}

	// KeyAllocationFailures stores hard per district/year failures.
	KeyAllocationFailures = Key[[]AllocationFailure]{"allocate.failures"}

	// KeyBaselines stores the statewide contested-only baseline per year.
	KeyBaselines = Key[map[int]YearBaseline]{"baseline.baselines"}

	// KeyPviRecords stores the final PVI records sorted by district key.
	KeyPviRecords = Key[[]PviRecord]{"pvi.records"}

	// KeyDiagnostics stores soft diagnostics accumulated by the stages.
	KeyDiagnostics = Key[Diagnostics]{"diagnostics"}

	// Execution context keys for tracking metadata across graph traversal.

	// KeyRunID stores the unique identifier of this engine run.
	KeyRunID = Key[string]{"execution.run_id"}

	// KeyConfigName stores the name of the engine configuration in use.
	KeyConfigName = Key[string]{"execution.config_name"}

	// KeyStartedAt stores when the run began.
	KeyStartedAt = Key[time.Time]{"execution.started_at"}
)

// deepCopyValue creates a deep copy of a value to ensure true immutability.
// It handles slices, maps, and other reference types that would otherwise
// allow external modification of State data. Nil slices and maps stay nil.
func deepCopyValue(value any) any {
	if value == nil {
		return nil
	}

	// time.Time is immutable and can be returned directly.
	if val, ok := value.(time.Time); ok {
		return val
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v.Interface()
		}
		newSlice := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			newSlice.Index(i).Set(copyInto(v.Index(i)))
		}
		return newSlice.Interface()

	case reflect.Map:
		if v.IsNil() {
			return v.Interface()
		}
		newMap := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			newMap.SetMapIndex(copyInto(iter.Key()), copyInto(iter.Value()))
		}
		return newMap.Interface()

	case reflect.Ptr:
		if v.IsNil() {
			return v.Interface()
		}
		newPtr := reflect.New(v.Elem().Type())
		newPtr.Elem().Set(copyInto(v.Elem()))
		return newPtr.Interface()

	case reflect.Struct:
		// Unexported fields cannot be set through reflection; stored domain
		// types only use exported fields.
		newStruct := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if newStruct.Field(i).CanSet() {
				newStruct.Field(i).Set(copyInto(v.Field(i)))
			}
		}
		return newStruct.Interface()

	default:
		return value
	}
}

// copyInto deep copies v and returns a value assignable to v's static type.
// Interface-typed slots holding nil are returned as their zero value.
func copyInto(v reflect.Value) reflect.Value {
	if v.Kind() == reflect.Interface && v.IsNil() {
		return reflect.Zero(v.Type())
	}
	copied := reflect.ValueOf(deepCopyValue(v.Interface()))
	if !copied.IsValid() {
		return reflect.Zero(v.Type())
	}
	if copied.Type() != v.Type() && copied.Type().ConvertibleTo(v.Type()) {
		return copied.Convert(v.Type())
	}
	return copied
}

// State represents an immutable collection of pipeline data that flows
// through the stages. It uses copy-on-write semantics to ensure
// thread-safety and prevent unintended mutations. State is the primary
// data structure for passing tables between Units.
type State struct {
	// data holds the key-value pairs that make up the state.
	// It is unexported to maintain immutability guarantees.
	data map[string]any
}

// NewState creates a new empty State.
// The returned State is ready to use and can be safely shared across
// goroutines.
func NewState() State {
	return State{
		data: make(map[string]any),
	}
}

// Get retrieves a value from the State with compile-time type safety.
// It returns the value and a boolean indicating whether the key exists
// and contains a value of the correct type. The returned value is a deep
// copy to maintain immutability.
//
// Example:
//
//	records, ok := Get(state, KeyVoteRecords)
//	if !ok {
//	    // handle missing value
//	}
func Get[T any](s State, key Key[T]) (T, bool) {
	var zero T
	value, exists := s.data[key.name]
	if !exists {
		return zero, false
	}

	copied := deepCopyValue(value)
	val, ok := copied.(T)
	return val, ok
}

// MustGet is like Get but returns a StateError when the key is missing or
// holds a value of a different type.
func MustGet[T any](s State, key Key[T]) (T, error) {
	var zero T
	value, exists := s.data[key.name]
	if !exists {
		return zero, NewStateError(key.name, "Get", ErrKeyNotFound)
	}
	val, ok := deepCopyValue(value).(T)
	if !ok {
		return zero, NewStateError(key.name, "Get", ErrTypeMismatch)
	}
	return val, nil
}

// GetRaw is a method version of Get that uses a string key.
// For type safety, use the generic Get function instead.
func (s State) GetRaw(keyName string) (any, bool) {
	value, exists := s.data[keyName]
	if !exists {
		return nil, false
	}
	return deepCopyValue(value), true
}

// With creates a new State with the specified key-value pair added or
// updated. It implements copy-on-write semantics, returning a new State
// instance while leaving the original unchanged.
//
// Example:
//
//	newState := With(state, KeyYears, []int{2016, 2018})
func With[T any](s State, key Key[T], value T) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	newData[key.name] = deepCopyValue(value)
	return State{data: newData}
}

// WithRaw is a method version of With that uses a string key and allows
// chaining. For type safety, use the generic With function instead.
func (s State) WithRaw(keyName string, value any) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	newData[keyName] = deepCopyValue(value)
	return State{data: newData}
}

// WithMultiple creates a new State with multiple key-value pairs added
// or updated. It performs a single clone operation.
func (s State) WithMultiple(updates map[string]any) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	for k, v := range updates {
		newData[k] = deepCopyValue(v)
	}
	return State{data: newData}
}

// Has reports whether the key is present.
func (s State) Has(keyName string) bool {
	_, ok := s.data[keyName]
	return ok
}

// Diff returns, sorted, the keys of s that are absent from base or hold a
// value that differs from base's. Values are compared without copying.
func (s State) Diff(base State) []string {
	var keys []string
	for k, v := range s.data {
		old, ok := base.data[k]
		if !ok || !reflect.DeepEqual(old, v) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Keys returns all keys present in the State.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// String returns a string representation of the State for debugging purposes.
func (s State) String() string {
	return fmt.Sprintf("State%v", s.Keys())
}

// ExecutionContext contains metadata about the current engine run that
// flows through the State. It gives middleware consistent access to run
// identity for logs, spans, and metric labels.
type ExecutionContext struct {
	// RunID is the unique identifier for this run.
	RunID string

	// ConfigName is the metadata name of the engine configuration.
	ConfigName string

	// StartedAt is when the run began.
	StartedAt time.Time
}

// WithExecutionContext creates a new State with execution context metadata.
func (s State) WithExecutionContext(ctx ExecutionContext) State {
	updates := map[string]any{
		KeyRunID.name:      ctx.RunID,
		KeyConfigName.name: ctx.ConfigName,
		KeyStartedAt.name:  ctx.StartedAt,
	}
	return s.WithMultiple(updates)
}

// GetExecutionContext extracts execution context metadata from the State.
// It returns false unless every field is present.
func (s State) GetExecutionContext() (ExecutionContext, bool) {
	runID, ok1 := Get(s, KeyRunID)
	name, ok2 := Get(s, KeyConfigName)
	started, ok3 := Get(s, KeyStartedAt)

	if !ok1 || !ok2 || !ok3 {
		return ExecutionContext{}, false
	}

	return ExecutionContext{
		RunID:      runID,
		ConfigName: name,
		StartedAt:  started,
	}, true
}
