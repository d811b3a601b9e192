package tables

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// CSVSource reads the three input tables from CSV files.
type CSVSource struct {
	VotesPath     string
	DistrictsPath string
	// WinnersPath may be empty; the winners table is then empty, which
	// disables exact-match copying.
	WinnersPath string
}

var _ ports.TableSource = (*CSVSource)(nil)

// NewCSVSource returns a source for the standard file names votes.csv,
// districts.csv and winners.csv under dir. A missing winners.csv is
// treated as an empty table.
func NewCSVSource(dir string) *CSVSource {
	src := &CSVSource{
		VotesPath:     filepath.Join(dir, TableVotes+".csv"),
		DistrictsPath: filepath.Join(dir, TableDistricts+".csv"),
	}
	winners := filepath.Join(dir, TableWinners+".csv")
	if _, err := os.Stat(winners); err == nil {
		src.WinnersPath = winners
	}
	return src
}

// Votes implements ports.TableSource.
func (s *CSVSource) Votes(ctx context.Context) ([]domain.VoteRecord, error) {
	var out []domain.VoteRecord
	err := withFile(TableVotes, s.VotesPath, func(r io.Reader) (err error) {
		out, err = ReadVotes(ctx, r)
		return err
	})
	return out, err
}

// Districts implements ports.TableSource.
func (s *CSVSource) Districts(ctx context.Context) ([]domain.DistrictRow, error) {
	var out []domain.DistrictRow
	err := withFile(TableDistricts, s.DistrictsPath, func(r io.Reader) (err error) {
		out, err = ReadDistricts(ctx, r)
		return err
	})
	return out, err
}

// Winners implements ports.TableSource.
func (s *CSVSource) Winners(ctx context.Context) ([]domain.WinnerRecord, error) {
	if s.WinnersPath == "" {
		return nil, ctx.Err()
	}
	var out []domain.WinnerRecord
	err := withFile(TableWinners, s.WinnersPath, func(r io.Reader) (err error) {
		out, err = ReadWinners(ctx, r)
		return err
	})
	return out, err
}

func withFile(table, path string, read func(io.Reader) error) error {
	if path == "" {
		return ports.NewTableError(table, 0, ports.ErrTableNotFound)
	}
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return ports.NewTableError(table, 0, fmt.Errorf("%w: %s", ports.ErrTableNotFound, path))
	}
	if err != nil {
		return ports.NewTableError(table, 0, fmt.Errorf("unable to open CSV: %w", err))
	}
	defer f.Close()
	return read(f)
}
