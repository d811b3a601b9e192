package units

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
)

func mustNormalizer(t testing.TB, extra ...RewriteRule) *TownNormalizer {
	t.Helper()
	n, err := NewTownNormalizer(extra)
	require.NoError(t, err)
	return n
}

func TestTownNormalizer_Normalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Manchester Ward 3", "manchester ward 3"},
		{"MANCHESTER WD 3", "manchester ward 3"},
		{"Manchester Wd. 3", "manchester ward 3"},
		{"Manchester ward#3", "manchester ward 3"},
		{"Manchester Ward3", "manchester ward 3"},
		{"Nashua W 5", "nashua ward 5"},
		{"  Hart's   Location ", "hart's location"},
		{"Concord*", "concord"},
		{"Wolfeboro", "wolfeboro"},
		{"", ""},
	}
	n := mustNormalizer(t)
	for _, tt := range tests {
		assert.Equal(t, tt.want, n.Normalize(tt.in), "input %q", tt.in)
	}
}

func TestTownNormalizer_ExtraRules(t *testing.T) {
	n := mustNormalizer(t, RewriteRule{Pattern: `^hart s location$`, Replacement: "hart's location"})
	assert.Equal(t, "hart's location", n.Normalize("Hart S Location"))

	_, err := NewTownNormalizer([]RewriteRule{{Pattern: `(`}})
	assert.Error(t, err)
}

func TestIsPseudoTown(t *testing.T) {
	for _, s := range []string{"District Total", "Recount", "Court Ordered Recount", "Recount Total",
		"unlabeled_row_12", "TOTAL", "", "** District Total **"} {
		assert.True(t, IsPseudoTown(s), "%q", s)
	}
	for _, s := range []string{"Dover", "Totals Pond", "Recount Hill"} {
		assert.False(t, IsPseudoTown(s), "%q", s)
	}
}

func TestSuggest(t *testing.T) {
	known := []string{"manchester ward 1", "nashua ward 2", "concord"}
	assert.Equal(t, "concord", Suggest("concrd", known, 0.8))
	assert.Equal(t, "", Suggest("portsmouth", known, 0.8))
	assert.Equal(t, "", Suggest("concord", known, 0.8), "an exact name is not a suggestion")
}

func FuzzTownNormalizer_Idempotent(f *testing.F) {
	for _, s := range []string{"Manchester Wd. 3", "ward#12", "w 4", "Hart's Location", "  ", "wd1wd2", "ẞtraße"} {
		f.Add(s)
	}
	n := mustNormalizer(f)
	f.Fuzz(func(t *testing.T, s string) {
		once := n.Normalize(s)
		assert.Equal(t, once, n.Normalize(once))
		assert.Equal(t, strings.TrimSpace(once), once)
	})
}

func TestNormalizeUnit_Execute(t *testing.T) {
	records := []domain.VoteRecord{
		{Year: 2020, County: " Hillsborough ", District: "1", Town: "Manchester Wd. 3", Candidate: "A", Party: domain.PartyR, Votes: 10},
		{Year: 2020, County: "Hillsborough", District: "1", Town: "District Total", Candidate: "A", Party: domain.PartyR, Votes: 10},
		{Year: 2020, County: "Hillsborough", District: "1", Town: "Bedford", Candidate: "B", Party: domain.PartyD, Votes: 0},
	}
	rows := []domain.DistrictRow{
		{Map: "current", Key: domain.DistrictKey{County: "Hillsborough", Number: "1"}, Seats: 2,
			Towns: []string{"Manchester Ward 3", "BEDFORD", " "}},
	}
	state := domain.With(domain.NewState(), domain.KeyVoteRecords, records)
	state = domain.With(state, domain.KeyDistrictRows, rows)

	t.Run("defaults", func(t *testing.T) {
		unit, err := NewNormalizeUnit("normalize", DefaultNormalizeConfig(), logging.Nop())
		require.NoError(t, err)

		out, err := unit.Execute(context.Background(), state)
		require.NoError(t, err)

		got, ok := domain.Get(out, domain.KeyNormalizedRecords)
		require.True(t, ok)
		require.Len(t, got, 2)
		assert.Equal(t, "manchester ward 3", got[0].Town)
		assert.Equal(t, "Hillsborough", got[0].County)

		gotRows, ok := domain.Get(out, domain.KeyNormalizedDistrictRows)
		require.True(t, ok)
		assert.Equal(t, []string{"manchester ward 3", "bedford"}, gotRows[0].Towns)

		diag, _ := domain.Get(out, domain.KeyDiagnostics)
		assert.Equal(t, 1, diag.DroppedRows)

		// The input keys are left untouched.
		raw, _ := domain.Get(out, domain.KeyDistrictRows)
		assert.Equal(t, "BEDFORD", raw[0].Towns[1])
	})

	t.Run("drop zero votes", func(t *testing.T) {
		cfg := DefaultNormalizeConfig()
		cfg.DropZeroVotes = true
		unit, err := NewNormalizeUnit("normalize", cfg, logging.Nop())
		require.NoError(t, err)

		out, err := unit.Execute(context.Background(), state)
		require.NoError(t, err)
		got, _ := domain.Get(out, domain.KeyNormalizedRecords)
		assert.Len(t, got, 1)
	})

	t.Run("idempotent", func(t *testing.T) {
		unit, err := NewNormalizeUnit("normalize", DefaultNormalizeConfig(), logging.Nop())
		require.NoError(t, err)

		first, err := unit.Execute(context.Background(), state)
		require.NoError(t, err)
		second, err := unit.Execute(context.Background(), state)
		require.NoError(t, err)

		a, _ := domain.Get(first, domain.KeyNormalizedRecords)
		b, _ := domain.Get(second, domain.KeyNormalizedRecords)
		assert.Equal(t, a, b)
	})

	t.Run("missing records", func(t *testing.T) {
		unit, err := NewNormalizeUnit("normalize", DefaultNormalizeConfig(), logging.Nop())
		require.NoError(t, err)
		_, err = unit.Execute(context.Background(), domain.NewState())
		assert.ErrorIs(t, err, ErrMissingInput)
	})
}

func TestNewNormalizeFromConfig(t *testing.T) {
	unit, err := NewNormalizeFromConfig("normalize", map[string]any{
		"extra_rules":     []map[string]any{{"pattern": "^st ", "replacement": "saint "}},
		"drop_zero_votes": true,
	}, logging.Nop())
	require.NoError(t, err)
	n := unit.(*NormalizeUnit).Normalizer()
	assert.Equal(t, "saint albans", n.Normalize("St. Albans"))

	_, err = NewNormalizeFromConfig("normalize", map[string]any{"extra_rules": []map[string]any{{"replacement": "x"}}}, logging.Nop())
	assert.Error(t, err)
}
