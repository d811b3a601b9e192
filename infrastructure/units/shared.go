// Package units provides the pipeline stages that implement the ports.Unit
// interface for the redistricting engine, together with the pure
// algorithms each stage is built on.
package units

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-redistrict/internal/domain"
)

// Default configuration values shared by the stages.
const (
	// DefaultMaxConcurrency bounds the number of district or year shards
	// computed at once.
	DefaultMaxConcurrency = 8

	// DefaultCoverageThreshold is the found-town ratio below which an
	// aggregate is reported as low coverage.
	DefaultCoverageThreshold = 0.5
)

// Common errors returned by the stage units.
var (
	// ErrEmptyUnitName is returned when attempting to create a unit with an empty name.
	ErrEmptyUnitName = errors.New("unit name cannot be empty")

	// ErrMissingInput is returned when a stage's input key is absent from state.
	ErrMissingInput = errors.New("required input not found in state")

	// ErrNoYears is returned when no election years are in scope.
	ErrNoYears = errors.New("no election years in scope")
)

// Package-level validator instance for configuration validation.
// Uses go-playground/validator v10 for struct tag-based validation.
var validate = validator.New()

// decodeConfig overlays a parameter map onto cfg, which should already
// hold the defaults. Unknown fields are rejected.
func decodeConfig(config map[string]any, cfg any) error {
	if len(config) == 0 {
		return nil
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config (check for typos): %w", err)
	}
	return nil
}

// missing builds the error for an absent state key.
func missing(unit string, key string) error {
	return fmt.Errorf("unit %s: %w: %s", unit, ErrMissingInput, key)
}

// shardResult pairs a shard's key with its output.
type shardResult[K comparable, V any] struct {
	key K
	val V
}

// runShards computes fn for every key on a bounded errgroup. Each shard
// writes only to its own slot; results are merged after Wait so the
// computation path takes no locks. No further shards are submitted once
// ctx is done.
func runShards[K comparable, V any](
	ctx context.Context,
	limit int,
	keys []K,
	fn func(ctx context.Context, key K) (V, error),
) (map[K]V, error) {
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	slots := make([]shardResult[K, V], len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, key := range keys {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			v, err := fn(gctx, key)
			if err != nil {
				return err
			}
			slots[i] = shardResult[K, V]{key: key, val: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[K]V, len(keys))
	for _, s := range slots {
		out[s.key] = s.val
	}
	return out, nil
}

// sortedYears returns the keys of a year-indexed map in ascending order.
func sortedYears[V any](m map[int]V) []int {
	return slices.Sorted(maps.Keys(m))
}

// appendDiagnostics merges extra into the diagnostics already in state.
func appendDiagnostics(state domain.State, extra domain.Diagnostics) domain.State {
	current, _ := domain.Get(state, domain.KeyDiagnostics)
	return domain.With(state, domain.KeyDiagnostics, current.Merge(extra))
}
