package units

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

var (
	_ ports.Unit = (*NormalizeUnit)(nil)

	// foldCaser builds a Unicode case folder. A cases.Caser keeps state
	// and is not safe for concurrent use, so callers take a fresh one.
	foldCaser = cases.Fold
)

// RewriteRule is one ordered regular-expression rewrite applied to a
// case-folded town name.
type RewriteRule struct {
	Pattern     string `yaml:"pattern" json:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// builtinRules unify ward notations ("wd 3", "ward3", "w. 3", "ward #3")
// into "ward 3". They run after punctuation stripping.
var builtinRules = []RewriteRule{
	{Pattern: `\bwd\s*(\d+)\b`, Replacement: "ward $1"},
	{Pattern: `\bw\s+(\d+)\b`, Replacement: "ward $1"},
	{Pattern: `\bward\s*(\d+)\b`, Replacement: "ward $1"},
}

// pseudoTownPatterns match summary rows that are not towns.
var pseudoTownPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(court ordered )?recount( total)?$`),
	regexp.MustCompile(`^district total$`),
	regexp.MustCompile(`^unlabeled_row_\d+$`),
	regexp.MustCompile(`^total$`),
}

var (
	strayPunct = strings.NewReplacer("*", " ", "#", " ", ".", " ", ",", " ")
	spaceRun   = regexp.MustCompile(`\s+`)
)

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// TownNormalizer canonicalizes town and ward names so records from
// different years join on a common identity. It is pure and safe for
// concurrent use.
type TownNormalizer struct {
	rules []compiledRule
}

// NewTownNormalizer compiles the built-in rule table followed by extra.
func NewTownNormalizer(extra []RewriteRule) (*TownNormalizer, error) {
	all := append(append([]RewriteRule{}, builtinRules...), extra...)
	rules := make([]compiledRule, 0, len(all))
	for i, r := range all {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d %q: %w", i, r.Pattern, err)
		}
		rules = append(rules, compiledRule{re: re, replacement: r.Replacement})
	}
	return &TownNormalizer{rules: rules}, nil
}

// Normalize returns the canonical form of a town name. Formats no rule
// recognizes pass through folded and trimmed.
func (n *TownNormalizer) Normalize(town string) string {
	s := foldCaser().String(town)
	s = strayPunct.Replace(s)
	s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
	for _, r := range n.rules {
		s = r.re.ReplaceAllString(s, r.replacement)
	}
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// IsPseudoTown reports whether a raw town value is a summary row such as
// "District Total" or "Recount".
func IsPseudoTown(raw string) bool {
	s := strings.TrimSpace(foldCaser().String(strings.Trim(raw, " *")))
	if s == "" {
		return true
	}
	for _, re := range pseudoTownPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Suggest returns the known town most similar to town when its
// Levenshtein similarity reaches threshold. It is used only for
// diagnostics; records are never rematched.
func Suggest(town string, known []string, threshold float64) string {
	best, bestSim := "", 0.0
	for _, k := range known {
		if sim := similarity(town, k); sim > bestSim {
			best, bestSim = k, sim
		}
	}
	if bestSim < threshold || best == town {
		return ""
	}
	return best
}

// similarity returns 1 - distance/maxRunes, in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	sim := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
	return max(sim, 0)
}

// NormalizeConfig defines the configuration parameters for the NormalizeUnit.
// All fields are validated during unit creation, and every ExtraRules
// pattern must compile as a regular expression.
type NormalizeConfig struct {
	// ExtraRules are applied after the built-in ward rules, in order. Each
	// Pattern is matched against the case-folded, punctuation-stripped name
	// and replaced with Replacement, which may use $1-style groups.
	//
	// Default: none.
	ExtraRules []RewriteRule `yaml:"extra_rules" json:"extra_rules" validate:"dive"`

	// DropPseudoTowns removes summary rows such as "District Total" or
	// "Recount". Without it those rows surface later as unmatched towns.
	//
	// Default: true.
	DropPseudoTowns bool `yaml:"drop_pseudo_towns" json:"drop_pseudo_towns"`

	// DropZeroVotes removes rows with no votes.
	//
	// Default: false.
	DropZeroVotes bool `yaml:"drop_zero_votes" json:"drop_zero_votes"`
}

// DefaultNormalizeConfig returns the standard normalization settings.
func DefaultNormalizeConfig() NormalizeConfig {
	return NormalizeConfig{DropPseudoTowns: true}
}

// NormalizeUnit canonicalizes the town names of every vote record and
// drops summary rows. District map towns go through the same normalizer so
// both sides of the town join agree.
//
// Concurrency: the unit holds only its compiled rules and may run
// concurrently on different states.
//
// Error Conditions:
//   - Returns ErrMissingInput when KeyVoteRecords is absent
//
// Example:
//
//	unit, err := NewNormalizeUnit("normalize", NormalizeConfig{
//	    DropPseudoTowns: true,
//	    ExtraRules:      []RewriteRule{{Pattern: `^mt\b`, Replacement: "mount"}},
//	}, logger)
type NormalizeUnit struct {
	name       string
	config     NormalizeConfig
	normalizer *TownNormalizer
	logger     *logging.Logger
	tracer     trace.Tracer
}

// NewNormalizeUnit creates a NormalizeUnit with the given configuration.
func NewNormalizeUnit(name string, config NormalizeConfig, logger *logging.Logger) (*NormalizeUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	n, err := NewTownNormalizer(config.ExtraRules)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &NormalizeUnit{
		name:       name,
		config:     config,
		normalizer: n,
		logger:     logger,
		tracer:     otel.Tracer("normalize-unit"),
	}, nil
}

// Name returns the unique identifier for this unit instance.
func (u *NormalizeUnit) Name() string { return u.name }

// Normalizer exposes the compiled normalizer so later stages apply the
// same rules to district map towns.
func (u *NormalizeUnit) Normalizer() *TownNormalizer { return u.normalizer }

// Execute reads KeyVoteRecords and writes KeyNormalizedRecords.
func (u *NormalizeUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	_, span := u.tracer.Start(ctx, "NormalizeUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "normalize"),
			attribute.String("unit.id", u.name),
		),
	)
	defer span.End()
	start := time.Now()

	records, ok := domain.Get(state, domain.KeyVoteRecords)
	if !ok {
		err := missing(u.name, domain.KeyVoteRecords.Name())
		span.RecordError(err)
		return state, err
	}

	out := make([]domain.VoteRecord, 0, len(records))
	dropped := 0
	for _, r := range records {
		if u.config.DropPseudoTowns && IsPseudoTown(r.Town) {
			dropped++
			continue
		}
		if u.config.DropZeroVotes && r.Votes == 0 {
			dropped++
			continue
		}
		r.Town = u.normalizer.Normalize(r.Town)
		r.County = strings.TrimSpace(r.County)
		r.District = strings.TrimSpace(r.District)
		out = append(out, r)
	}

	rows, _ := domain.Get(state, domain.KeyDistrictRows)
	for i := range rows {
		towns := make([]string, 0, len(rows[i].Towns))
		for _, t := range rows[i].Towns {
			if c := u.normalizer.Normalize(t); c != "" {
				towns = append(towns, c)
			}
		}
		rows[i].Towns = towns
		rows[i].Key.County = strings.TrimSpace(rows[i].Key.County)
		rows[i].Key.Number = strings.TrimSpace(rows[i].Key.Number)
	}

	span.SetAttributes(
		attribute.Int("records.in", len(records)),
		attribute.Int("records.out", len(out)),
		attribute.Int("records.dropped", dropped),
		attribute.Int("district_rows", len(rows)),
		attribute.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	u.logger.Debug("normalized vote records", "unit", u.name, "kept", len(out), "dropped", dropped)

	state = state.WithMultiple(map[string]any{
		domain.KeyNormalizedRecords.Name():      out,
		domain.KeyNormalizedDistrictRows.Name(): rows,
	})
	return appendDiagnostics(state, domain.Diagnostics{DroppedRows: dropped}), nil
}

// Validate checks if the unit is properly configured and ready for execution.
func (u *NormalizeUnit) Validate() error {
	if err := validate.Struct(u.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// NewNormalizeFromConfig creates a NormalizeUnit from a configuration map.
// This is the boundary adapter for YAML/JSON configuration.
func NewNormalizeFromConfig(id string, config map[string]any, logger *logging.Logger) (ports.Unit, error) {
	cfg := DefaultNormalizeConfig()
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return NewNormalizeUnit(id, cfg, logger)
}
