package tables

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// TablePviYears holds the per-year breakdown behind each PVI record.
const TablePviYears = "pvi_years"

var (
	aggregatesHeader = []string{
		"year", "district_key", "county", "district",
		"r_votes", "d_votes", "other_votes", "total_votes",
		"r_candidates", "d_candidates", "r_share",
		"towns_total", "towns_found", "no_data", "missing_towns",
	}
	allocationsHeader = []string{
		"year", "district_key", "county", "district", "seats",
		"r_seats", "d_seats", "unallocated", "rule", "band", "r_share",
		"allocation_check", "error",
	}
	baselinesHeader = []string{
		"year", "tilt", "r_pct", "d_pct", "contested_districts",
		"compared_r_votes", "compared_d_votes",
	}
	pviHeader = []string{
		"district_key", "pvi_score", "pvi_label", "contested_years", "is_competitive",
		"county", "district", "seats", "elections_analyzed", "competitive_reasons",
		"low_confidence", "avg_swing", "max_swing", "is_crossover",
		"rating_neutral", "rating_d_wave", "rating_r_wave",
	}
	pviYearsHeader = []string{
		"district_key", "year", "r_votes", "d_votes", "other_votes",
		"r_pct", "margin", "contested", "expected_r_pct", "performance",
		"winner", "imputed", "imputed_r_pct",
	}
)

func itoa(n int) string     { return strconv.Itoa(n) }
func i64(n int64) string    { return strconv.FormatInt(n, 10) }
func ftoa(x float64) string { return strconv.FormatFloat(x, 'f', 4, 64) }
func pct(x float64) string  { return strconv.FormatFloat(x, 'f', 2, 64) }
func btoa(b bool) string    { return strconv.FormatBool(b) }

func keyCols(k domain.DistrictKey) []string {
	return []string{k.String(), k.County, k.Number}
}

// WriteAggregates writes the aggregates table.
func WriteAggregates(w io.Writer, rows []domain.DistrictAggregate) error {
	return writeTable(w, aggregatesHeader, len(rows), func(i int) []string {
		a := rows[i]
		out := append([]string{itoa(a.Year)}, keyCols(a.Key)...)
		return append(out,
			i64(a.RVotes), i64(a.DVotes), i64(a.OtherVotes), i64(a.TotalVotes()),
			itoa(a.RCandidates), itoa(a.DCandidates), ftoa(a.TwoPartyShare()),
			itoa(a.Coverage.TownsTotal), itoa(a.Coverage.TownsFound), btoa(a.Coverage.NoData),
			strings.Join(a.Coverage.MissingTowns, TownSeparator),
		)
	})
}

// WriteAllocations writes the allocations table. allocation_check is
// false for any row that does not conserve seats or carries an error.
func WriteAllocations(w io.Writer, rows []domain.SeatAllocation) error {
	return writeTable(w, allocationsHeader, len(rows), func(i int) []string {
		a := rows[i]
		out := append([]string{itoa(a.Year)}, keyCols(a.Key)...)
		return append(out,
			itoa(a.Seats), itoa(a.RSeats), itoa(a.DSeats), itoa(a.Unallocated),
			string(a.Rule), a.Band, ftoa(a.RShare), btoa(a.Check()), a.Err,
		)
	})
}

// WriteBaselines writes the baselines table.
func WriteBaselines(w io.Writer, rows []domain.YearBaseline) error {
	return writeTable(w, baselinesHeader, len(rows), func(i int) []string {
		b := rows[i]
		return []string{
			itoa(b.Year), pct(b.Tilt), pct(b.RPct), pct(b.DPct), itoa(b.ContestedDistricts),
			i64(b.ComparedRVotes), i64(b.ComparedDVotes),
		}
	})
}

// WritePvi writes the PVI table.
func WritePvi(w io.Writer, rows []domain.PviRecord) error {
	return writeTable(w, pviHeader, len(rows), func(i int) []string {
		r := rows[i]
		return []string{
			r.Key.String(), strconv.FormatFloat(r.Lean, 'f', 1, 64), r.Label,
			itoa(r.ContestedYears), btoa(r.IsCompetitive),
			r.Key.County, r.Key.Number, itoa(r.Seats), itoa(r.ElectionsAnalyzed),
			strings.Join(r.CompetitiveReasons, TownSeparator),
			btoa(r.LowConfidence), pct(r.AvgSwing), pct(r.MaxSwing), btoa(r.IsCrossover),
			r.Ratings.Neutral, r.Ratings.DWave, r.Ratings.RWave,
		}
	})
}

// WritePviYears writes one row per PVI record and year.
func WritePviYears(w io.Writer, rows []domain.PviRecord) error {
	type flat struct {
		key domain.DistrictKey
		d   domain.YearDetail
	}
	var all []flat
	for _, r := range rows {
		for _, d := range r.Years {
			all = append(all, flat{r.Key, d})
		}
	}
	return writeTable(w, pviYearsHeader, len(all), func(i int) []string {
		f := all[i]
		imputed := ""
		if f.d.Imputed {
			imputed = pct(f.d.ImputedRPct)
		}
		return []string{
			f.key.String(), itoa(f.d.Year), i64(f.d.RVotes), i64(f.d.DVotes), i64(f.d.OtherVotes),
			pct(f.d.RPct), pct(f.d.Margin), btoa(f.d.Contested), pct(f.d.ExpectedRPct),
			pct(f.d.Performance), string(f.d.Winner), btoa(f.d.Imputed), imputed,
		}
	})
}

// WriteVotes writes a votes table in the layout ReadVotes accepts.
func WriteVotes(w io.Writer, rows []domain.VoteRecord) error {
	return writeTable(w, append(slices.Clone(votesColumns), "source"), len(rows), func(i int) []string {
		r := rows[i]
		return []string{
			itoa(r.Year), r.County, r.District, r.Town, r.Candidate,
			string(r.Party), i64(r.Votes), string(r.Source),
		}
	})
}

// WriteDistricts writes a district map table in the layout ReadDistricts
// accepts. The current map is written with an empty year.
func WriteDistricts(w io.Writer, rows []domain.DistrictRow) error {
	header := []string{"map", "year", "county", "district", "seat_count", "town_list"}
	return writeTable(w, header, len(rows), func(i int) []string {
		r := rows[i]
		year := ""
		if r.Year != 0 {
			year = itoa(r.Year)
		}
		return []string{
			r.Map, year, r.Key.County, r.Key.Number, itoa(r.Seats),
			strings.Join(r.Towns, TownSeparator),
		}
	})
}

// WriteWinners writes a winners table in the layout ReadWinners accepts.
func WriteWinners(w io.Writer, rows []domain.WinnerRecord) error {
	return writeTable(w, winnersColumns, len(rows), func(i int) []string {
		r := rows[i]
		return []string{itoa(r.Year), r.Key.County, r.Key.Number, r.Candidate, string(r.Party)}
	})
}

func writeTable(w io.Writer, header []string, n int, record func(int) []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := range n {
		if err := cw.Write(record(i)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVSink writes the output tables as CSV files in Dir, one file per
// table named after it.
type CSVSink struct {
	Dir string
}

var _ ports.TableSink = (*CSVSink)(nil)

// NewCSVSink returns a sink writing into dir, created on first write.
func NewCSVSink(dir string) *CSVSink {
	return &CSVSink{Dir: dir}
}

// Write implements ports.TableSink. Each file is written to a temporary
// name and renamed into place.
func (s *CSVSink) Write(ctx context.Context, results ports.Results) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	writers := []struct {
		table string
		write func(io.Writer) error
	}{
		{TableAggregates, func(w io.Writer) error { return WriteAggregates(w, results.Aggregates) }},
		{TableAllocations, func(w io.Writer) error { return WriteAllocations(w, results.Allocations) }},
		{TableBaselines, func(w io.Writer) error { return WriteBaselines(w, results.Baselines) }},
		{TablePvi, func(w io.Writer) error { return WritePvi(w, results.Pvi) }},
		{TablePviYears, func(w io.Writer) error { return WritePviYears(w, results.Pvi) }},
	}
	for _, tw := range writers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeFile(tw.table, tw.write); err != nil {
			return ports.NewTableError(tw.table, 0, err)
		}
	}
	return nil
}

func (s *CSVSink) writeFile(table string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(s.Dir, "."+table+"-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.Dir, table+".csv"))
}

// WriteInputs writes the three input tables into dir under the file names
// NewCSVSource expects.
func WriteInputs(dir string, votes []domain.VoteRecord, districts []domain.DistrictRow, winners []domain.WinnerRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input directory: %w", err)
	}
	s := &CSVSink{Dir: dir}
	if err := s.writeFile(TableVotes, func(w io.Writer) error { return WriteVotes(w, votes) }); err != nil {
		return ports.NewTableError(TableVotes, 0, err)
	}
	if err := s.writeFile(TableDistricts, func(w io.Writer) error { return WriteDistricts(w, districts) }); err != nil {
		return ports.NewTableError(TableDistricts, 0, err)
	}
	if err := s.writeFile(TableWinners, func(w io.Writer) error { return WriteWinners(w, winners) }); err != nil {
		return ports.NewTableError(TableWinners, 0, err)
	}
	return nil
}
