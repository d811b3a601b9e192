package tables

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
	"github.com/ahrav/go-redistrict/internal/testutils"
)

func TestReadVotes(t *testing.T) {
	src := "\ufeffYear, County ,District,Town,Candidate,Party,Votes,Source\n" +
		"2020,Coos,1,Berlin,Smith,Republican,1200,\n" +
		"2020,Coos,1,Berlin,Jones,dem,800,Recount\n" +
		",,,,,,,\n" +
		"2020,Coos,1,Gorham,Lee,LIB,12,court-ordered recount\n"

	got, err := ReadVotes(context.Background(), strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.VoteRecord{
		Year: 2020, County: "Coos", District: "1", Town: "Berlin",
		Candidate: "Smith", Party: domain.PartyR, Votes: 1200, Source: domain.SourceRegular,
	}, got[0])
	assert.Equal(t, domain.SourceRecount, got[1].Source)
	assert.Equal(t, domain.PartyD, got[1].Party)
	assert.Equal(t, domain.PartyOther, got[2].Party)
	assert.Equal(t, domain.SourceCourtOrderedRecount, got[2].Source)
}

func TestReadVotes_Errors(t *testing.T) {
	header := "year,county,district,town,candidate,party,votes\n"
	tests := []struct {
		name    string
		src     string
		wantRow int
	}{
		{"empty", "", 0},
		{"missing column", "year,county,district,town,candidate,party\n", 0},
		{"bad year", header + "20x0,Coos,1,Berlin,Smith,R,1\n", 1},
		{"negative votes", header + "2020,Coos,1,Berlin,Smith,R,1\n2020,Coos,1,Berlin,Jones,D,-5\n", 2},
		{"missing county", header + "2020,,1,Berlin,Smith,R,1\n", 1},
		{"unterminated quote", header + "2020,Coos,1,\"Berlin,Smith,R,1\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadVotes(context.Background(), strings.NewReader(tt.src))
			require.Error(t, err)
			assert.ErrorIs(t, err, ports.ErrMalformedRow)
			var te *ports.TableError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, TableVotes, te.Table)
			assert.Equal(t, tt.wantRow, te.Row)
		})
	}
}

func TestReadDistricts(t *testing.T) {
	src := "map,year,county,district,seat_count,town_list\n" +
		"2022 plan,,Coos,1,3,Berlin; Gorham ;;Milan\n" +
		"2012 plan,2020,Coos,1,2,Berlin\n"

	got, err := ReadDistricts(context.Background(), strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.DistrictRow{
		Map: "2022 plan", Year: 0, Key: domain.DistrictKey{County: "Coos", Number: "1"},
		Seats: 3, Towns: []string{"Berlin", "Gorham", "Milan"},
	}, got[0])
	assert.Equal(t, 2020, got[1].Year)

	_, err = ReadDistricts(context.Background(), strings.NewReader(
		"map,year,county,district,seat_count,town_list\nplan,,Coos,1,0,Berlin\n"))
	assert.ErrorIs(t, err, ports.ErrMalformedRow)
}

func TestReadWinners(t *testing.T) {
	src := "year,county,district,candidate,party\n2020,Coos,1,Smith,R\n"
	got, err := ReadWinners(context.Background(), strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []domain.WinnerRecord{
		{Year: 2020, Key: domain.DistrictKey{County: "Coos", Number: "1"}, Candidate: "Smith", Party: domain.PartyR},
	}, got)
}

func TestReadVotes_Cancelled(t *testing.T) {
	var b strings.Builder
	b.WriteString("year,county,district,town,candidate,party,votes\n")
	for range ctxCheckEvery + 1 {
		b.WriteString("2020,Coos,1,Berlin,Smith,R,1\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadVotes(ctx, strings.NewReader(b.String()))
	assert.ErrorIs(t, err, context.Canceled)
}

// writeVotesAndDistricts stores a generated election without a winners file.
func writeVotesAndDistricts(t *testing.T, dir string, e testutils.Election) {
	t.Helper()
	files := map[string]func(*os.File) error{
		TableVotes:     func(f *os.File) error { return WriteVotes(f, e.Votes) },
		TableDistricts: func(f *os.File) error { return WriteDistricts(f, e.Districts) },
	}
	for name, write := range files {
		f, err := os.Create(filepath.Join(dir, name+".csv"))
		require.NoError(t, err)
		require.NoError(t, write(f))
		require.NoError(t, f.Close())
	}
}

func TestCSVSource_GeneratedElection(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "in")
	e := testutils.GenerateElection(testutils.DefaultGeneratorConfig(), 4)
	require.NoError(t, WriteInputs(dir, e.Votes, e.Districts, e.Winners))

	src := NewCSVSource(dir)
	ctx := context.Background()

	votes, err := src.Votes(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Votes, votes)

	districts, err := src.Districts(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Districts, districts)

	winners, err := src.Winners(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Winners, winners)
}

func TestCSVSource_OptionalWinners(t *testing.T) {
	dir := t.TempDir()
	writeVotesAndDistricts(t, dir, testutils.GenerateElection(testutils.DefaultGeneratorConfig(), 4))

	src := NewCSVSource(dir)
	assert.Empty(t, src.WinnersPath)
	winners, err := src.Winners(context.Background())
	require.NoError(t, err)
	assert.Empty(t, winners)
}

func TestCSVSource_MissingTable(t *testing.T) {
	src := NewCSVSource(t.TempDir())
	_, err := src.Votes(context.Background())
	assert.ErrorIs(t, err, ports.ErrTableNotFound)
	var te *ports.TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TableVotes, te.Table)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVSink_Write(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	key := domain.DistrictKey{County: "Coos", Number: "3"}
	results := ports.Results{
		Aggregates: []domain.DistrictAggregate{{
			Key: key, Year: 2020, RVotes: 1200, DVotes: 800,
			Coverage: domain.Coverage{TownsTotal: 2, TownsFound: 1, MissingTowns: []string{"Milan"}},
		}},
		Allocations: []domain.SeatAllocation{
			{Key: key, Year: 2020, Seats: 3, RSeats: 2, DSeats: 1, Rule: domain.RuleBanded, Band: "lean_r", RShare: 0.6},
			{Key: key, Year: 2022, Seats: 3, Rule: domain.RuleFailed, Err: "seat count mismatch"},
		},
		Baselines: []domain.YearBaseline{{Year: 2020, Tilt: 20, RPct: 60, DPct: 40, ContestedDistricts: 1}},
		Pvi: []domain.PviRecord{{
			Key: key, Seats: 3, Lean: 7.31, Label: "R+7", ContestedYears: 2, IsCompetitive: true,
			CompetitiveReasons: []string{domain.ReasonCloseMargin, domain.ReasonVolatile},
			Ratings:            domain.Ratings{Neutral: "Likely R", DWave: "Lean R", RWave: "Safe R"},
			Years:              []domain.YearDetail{{Year: 2020, RVotes: 1200, DVotes: 800, Contested: true, Winner: domain.PartyR}},
		}},
	}

	require.NoError(t, NewCSVSink(dir).Write(context.Background(), results))

	aggs := readCSV(t, filepath.Join(dir, "aggregates.csv"))
	require.Len(t, aggs, 2)
	assert.Equal(t, aggregatesHeader, aggs[0])
	assert.Equal(t, []string{
		"2020", "Coos-3", "Coos", "3", "1200", "800", "0", "2000", "0", "0", "0.6000",
		"2", "1", "false", "Milan",
	}, aggs[1])

	allocs := readCSV(t, filepath.Join(dir, "allocations.csv"))
	require.Len(t, allocs, 3)
	check := len(allocationsHeader) - 2
	assert.Equal(t, "allocation_check", allocs[0][check])
	assert.Equal(t, "true", allocs[1][check])
	assert.Equal(t, "false", allocs[2][check])
	assert.Equal(t, "seat count mismatch", allocs[2][check+1])

	pvi := readCSV(t, filepath.Join(dir, "pvi.csv"))
	require.Len(t, pvi, 2)
	assert.Equal(t, []string{"district_key", "pvi_score", "pvi_label", "contested_years", "is_competitive"}, pvi[0][:5])
	assert.Equal(t, []string{"Coos-3", "7.3", "R+7", "2", "true"}, pvi[1][:5])

	years := readCSV(t, filepath.Join(dir, "pvi_years.csv"))
	require.Len(t, years, 2)
	assert.Equal(t, "R", years[1][10])

	baselines := readCSV(t, filepath.Join(dir, "baselines.csv"))
	assert.Equal(t, []string{"2020", "20.00", "60.00", "40.00", "1", "0", "0"}, baselines[1])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "temporary file %s left behind", e.Name())
	}
}

func TestCSVSink_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewCSVSink(t.TempDir()).Write(ctx, ports.Results{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteVotes_Header(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVotes(&buf, nil))
	assert.Equal(t, "year,county,district,town,candidate,party,votes,source\n", buf.String())
}
