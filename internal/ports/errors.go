package ports

import (
	"errors"
	"fmt"
)

// Common infrastructure errors that can occur at the engine boundary.
var (
	// ErrConfigNotFound indicates that required configuration is missing.
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrTableNotFound indicates that an input table could not be located.
	ErrTableNotFound = errors.New("table not found")

	// ErrMalformedRow indicates an input row that cannot be parsed.
	ErrMalformedRow = errors.New("malformed row")
)

// TableError represents an error reading or writing a table.
// It includes the table name and, for read errors, the offending row.
type TableError struct {
	// Table is the name of the table involved.
	Table string

	// Row is the 1-based data row number, or zero when not row specific.
	Row int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface for TableError.
func (e *TableError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("table error: table=%s, row=%d, err=%v", e.Table, e.Row, e.Err)
	}
	return fmt.Sprintf("table error: table=%s, err=%v", e.Table, e.Err)
}

// Unwrap returns the underlying error.
func (e *TableError) Unwrap() error { return e.Err }

// NewTableError creates a new TableError with the given details.
func NewTableError(table string, row int, err error) *TableError {
	return &TableError{
		Table: table,
		Row:   row,
		Err:   err,
	}
}

// MetricsError represents an error from metrics collection operations.
type MetricsError struct {
	// Metric is the name of the metric that was being collected when the
	// error occurred.
	Metric string

	// Operation is the name of the metrics operation that failed.
	Operation string

	// Err is the underlying error that caused the metrics operation to fail.
	Err error
}

// Error implements the error interface for MetricsError.
func (e *MetricsError) Error() string {
	return fmt.Sprintf("metrics error: operation=%s, metric=%s, err=%v", e.Operation, e.Metric, e.Err)
}

// Unwrap returns the underlying error.
func (e *MetricsError) Unwrap() error { return e.Err }

// NewMetricsError creates a new MetricsError with the given details.
func NewMetricsError(metric, operation string, err error) *MetricsError {
	return &MetricsError{
		Metric:    metric,
		Operation: operation,
		Err:       err,
	}
}

// ConfigError represents an error from configuration operations.
type ConfigError struct {
	// ConfigKey is the configuration key that was involved in the failed
	// operation.
	ConfigKey string

	// Err is the underlying error that caused the configuration operation
	// to fail.
	Err error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: key=%s, err=%v", e.ConfigKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a new ConfigError with the given details.
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{
		ConfigKey: key,
		Err:       err,
	}
}
