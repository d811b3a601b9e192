// Package tables reads the engine's input tables from CSV files and writes
// its output tables back to CSV.
package tables

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// Table names used in errors and as output file stems.
const (
	TableVotes       = "votes"
	TableDistricts   = "districts"
	TableWinners     = "winners"
	TableAggregates  = "aggregates"
	TableAllocations = "allocations"
	TableBaselines   = "baselines"
	TablePvi         = "pvi"
)

// TownSeparator separates towns in the town_list column.
const TownSeparator = ";"

// ctxCheckEvery is how many rows are read between context checks.
const ctxCheckEvery = 1024

var (
	votesColumns     = []string{"year", "county", "district", "town", "candidate", "party", "votes"}
	districtsColumns = []string{"map", "county", "district", "seat_count", "town_list"}
	winnersColumns   = []string{"year", "county", "district", "candidate", "party"}
)

// row gives access to one record by lower-cased header name.
type row struct {
	record []string
	index  map[string]int
}

func (r row) get(col string) string {
	pos, ok := r.index[col]
	if !ok || pos >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[pos])
}

func (r row) int(col string) (int, error) {
	v := r.get(col)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: column %s: %q is not an integer", ports.ErrMalformedRow, col, v)
	}
	return n, nil
}

func (r row) required(col string) (string, error) {
	v := r.get(col)
	if v == "" {
		return "", fmt.Errorf("%w: column %s is empty", ports.ErrMalformedRow, col)
	}
	return v, nil
}

// readTable reads a header row, checks the required columns, and calls
// parse for every data row. Row numbers in errors are 1-based data rows.
func readTable(ctx context.Context, table string, r io.Reader, required []string, parse func(row) error) error {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return ports.NewTableError(table, 0, fmt.Errorf("%w: missing header", ports.ErrMalformedRow))
	}
	if err != nil {
		return ports.NewTableError(table, 0, fmt.Errorf("unable to read header: %w", err))
	}
	index := mapHeaders(header)
	if missing := missingHeaders(required, index); len(missing) > 0 {
		return ports.NewTableError(table, 0,
			fmt.Errorf("%w: missing required headers: %s", ports.ErrMalformedRow, strings.Join(missing, ", ")))
	}

	for n := 1; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return ports.NewTableError(table, n, fmt.Errorf("%w: %w", ports.ErrMalformedRow, err))
		}
		if isBlank(record) {
			continue
		}
		if err := parse(row{record: record, index: index}); err != nil {
			return ports.NewTableError(table, n, err)
		}
	}
}

func mapHeaders(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		// A UTF-8 BOM survives on the first header of spreadsheet exports.
		key = strings.TrimPrefix(key, "\ufeff")
		index[key] = i
	}
	return index
}

func missingHeaders(required []string, index map[string]int) []string {
	var missing []string
	for _, key := range required {
		if _, ok := index[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// ReadVotes parses a votes table:
// year,county,district,town,candidate,party,votes[,source].
func ReadVotes(ctx context.Context, r io.Reader) ([]domain.VoteRecord, error) {
	var out []domain.VoteRecord
	err := readTable(ctx, TableVotes, r, votesColumns, func(rw row) error {
		year, err := rw.int("year")
		if err != nil {
			return err
		}
		county, err := rw.required("county")
		if err != nil {
			return err
		}
		votes, err := strconv.ParseInt(rw.get("votes"), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: column votes: %q is not an integer", ports.ErrMalformedRow, rw.get("votes"))
		}
		if votes < 0 {
			return fmt.Errorf("%w: negative votes %d", ports.ErrMalformedRow, votes)
		}
		out = append(out, domain.VoteRecord{
			Year:      year,
			County:    county,
			District:  rw.get("district"),
			Town:      rw.get("town"),
			Candidate: rw.get("candidate"),
			Party:     domain.ParseParty(rw.get("party")),
			Votes:     votes,
			Source:    domain.ParseSource(rw.get("source")),
		})
		return nil
	})
	return out, err
}

// ReadDistricts parses a district map table:
// map,year,county,district,seat_count,town_list. An empty year marks the
// current map.
func ReadDistricts(ctx context.Context, r io.Reader) ([]domain.DistrictRow, error) {
	var out []domain.DistrictRow
	err := readTable(ctx, TableDistricts, r, districtsColumns, func(rw row) error {
		mapName, err := rw.required("map")
		if err != nil {
			return err
		}
		year := 0
		if rw.get("year") != "" {
			if year, err = rw.int("year"); err != nil {
				return err
			}
		}
		county, err := rw.required("county")
		if err != nil {
			return err
		}
		number, err := rw.required("district")
		if err != nil {
			return err
		}
		seats, err := rw.int("seat_count")
		if err != nil {
			return err
		}
		if seats < 1 {
			return fmt.Errorf("%w: seat_count must be positive, got %d", ports.ErrMalformedRow, seats)
		}
		out = append(out, domain.DistrictRow{
			Map:   mapName,
			Year:  year,
			Key:   domain.DistrictKey{County: county, Number: number},
			Seats: seats,
			Towns: splitTowns(rw.get("town_list")),
		})
		return nil
	})
	return out, err
}

// ReadWinners parses a winners table: year,county,district,candidate,party.
func ReadWinners(ctx context.Context, r io.Reader) ([]domain.WinnerRecord, error) {
	var out []domain.WinnerRecord
	err := readTable(ctx, TableWinners, r, winnersColumns, func(rw row) error {
		year, err := rw.int("year")
		if err != nil {
			return err
		}
		county, err := rw.required("county")
		if err != nil {
			return err
		}
		number, err := rw.required("district")
		if err != nil {
			return err
		}
		out = append(out, domain.WinnerRecord{
			Year:      year,
			Key:       domain.DistrictKey{County: county, Number: number},
			Candidate: rw.get("candidate"),
			Party:     domain.ParseParty(rw.get("party")),
		})
		return nil
	})
	return out, err
}

func splitTowns(list string) []string {
	var towns []string
	for _, t := range strings.Split(list, TownSeparator) {
		if t = strings.TrimSpace(t); t != "" {
			towns = append(towns, t)
		}
	}
	return towns
}
