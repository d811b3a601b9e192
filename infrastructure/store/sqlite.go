// Package store persists the engine's output tables in SQLite through GORM.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// batchSize bounds the rows per INSERT statement.
const batchSize = 500

// SQLiteSink writes each run's output tables into one SQLite database.
// Rows are tagged with the run ID so successive runs accumulate side by
// side.
type SQLiteSink struct {
	db  *gorm.DB
	log *logging.Logger
}

var _ ports.TableSink = (*SQLiteSink)(nil)

// OpenSQLite opens or creates the database at dsn and migrates the output
// tables.
func OpenSQLite(dsn string, logger *logging.Logger) (*SQLiteSink, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.AutoMigrate(models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate output tables: %w", err)
	}
	return &SQLiteSink{db: db, log: logger.With("service", "SQLiteSink")}, nil
}

// DB exposes the underlying handle for queries over stored runs.
func (s *SQLiteSink) DB() *gorm.DB { return s.db }

// Close releases the database connection pool.
func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Write implements ports.TableSink. All four tables are written in one
// transaction. The run ID comes from ctx, or a fresh UUID when absent.
func (s *SQLiteSink) Write(ctx context.Context, results ports.Results) error {
	runID := ports.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rows := aggregateRows(runID, results.Aggregates); len(rows) > 0 {
			if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
				return ports.NewTableError("aggregates", 0, err)
			}
		}
		if rows := allocationRows(runID, results.Allocations); len(rows) > 0 {
			if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
				return ports.NewTableError("allocations", 0, err)
			}
		}
		if rows := baselineRows(runID, results.Baselines); len(rows) > 0 {
			if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
				return ports.NewTableError("baselines", 0, err)
			}
		}
		if rows := pviRows(runID, results.Pvi); len(rows) > 0 {
			if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
				return ports.NewTableError("pvi", 0, err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("storing output tables failed", "run_id", runID, "error", err)
		return err
	}

	s.log.Debug("stored output tables",
		"run_id", runID,
		"aggregates", len(results.Aggregates),
		"allocations", len(results.Allocations),
		"baselines", len(results.Baselines),
		"pvi", len(results.Pvi),
	)
	return nil
}

// RunIDs returns the distinct run IDs stored, oldest first.
func (s *SQLiteSink) RunIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Raw("SELECT run_id FROM allocations GROUP BY run_id ORDER BY MIN(id)").
		Scan(&ids).Error
	return ids, err
}
