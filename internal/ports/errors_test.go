package ports

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestTableError tests the functionality of the TableError error type.
// It verifies that the error message is formatted correctly with and
// without a row number.
func TestTableError(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		row     int
		err     error
		wantMsg string
	}{
		{
			name:    "missing table",
			table:   "votes",
			err:     ErrTableNotFound,
			wantMsg: "table error: table=votes, err=table not found",
		},
		{
			name:    "bad row",
			table:   "districts",
			row:     7,
			err:     ErrMalformedRow,
			wantMsg: "table error: table=districts, row=7, err=malformed row",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTableError(tt.table, tt.row, tt.err)

			assert.Equal(t, tt.wantMsg, err.Error())
			assert.Equal(t, tt.table, err.Table)
			assert.True(t, errors.Is(err, tt.err))
		})
	}
}

// TestMetricsError tests the functionality of the MetricsError error type.
func TestMetricsError(t *testing.T) {
	err := NewMetricsError("stage_latency", "RecordHistogram", errors.New("registry closed"))

	assert.Equal(t, "metrics error: operation=RecordHistogram, metric=stage_latency, err=registry closed", err.Error())
	assert.Equal(t, "stage_latency", err.Metric)
	assert.Equal(t, "RecordHistogram", err.Operation)
}

// TestConfigError tests the functionality of the ConfigError error type.
func TestConfigError(t *testing.T) {
	err := NewConfigError("units[0].parameters", ErrConfigNotFound)

	assert.Equal(t, "config error: key=units[0].parameters, err=configuration not found", err.Error())
	assert.Equal(t, "units[0].parameters", err.ConfigKey)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

// TestErrorUnwrapping tests that all custom error types in the package support unwrapping.
func TestErrorUnwrapping(t *testing.T) {
	baseErr := errors.New("underlying error")

	errorList := []interface {
		error
		Unwrap() error
	}{
		NewTableError("votes", 1, baseErr),
		NewMetricsError("metric", "op", baseErr),
		NewConfigError("key", baseErr),
	}

	for _, err := range errorList {
		unwrapped := err.Unwrap()
		assert.Equal(t, baseErr, unwrapped, "%T should unwrap to base error", err)
		assert.True(t, errors.Is(err, baseErr), "%T should match base error with Is", err)
	}
}
