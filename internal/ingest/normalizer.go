package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tidewatch/internal/types"
)

// Canonical column names expected in raw rows. The batch source lowercases
// and trims header names before handing rows to the normalizer.
const (
	colDate      = "date"
	colValue     = "value"
	colDeviation = "deviation"
)

// decimalPlaces is the rounding applied to all stored values.
const decimalPlaces = 2

// Row is one raw record delivered by the batch source: free-form string
// fields keyed by canonical column name, plus the 1-based line it came from
// (for skip diagnostics).
type Row struct {
	Line   int
	Fields map[string]string
}

// RowError reports a single rejected row. Row-level errors never escalate:
// the row is skipped and the batch continues.
type RowError struct {
	Line   int
	Reason types.SkipReason
	Err    error
}

// Error implements the error interface.
func (e *RowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("row %d skipped (%s): %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("row %d skipped (%s)", e.Line, e.Reason)
}

// Unwrap returns the underlying error.
func (e *RowError) Unwrap() error { return e.Err }

// Normalizer turns raw rows into typed readings. It is stateless apart from
// its accepted date layouts and is safe for concurrent use.
type Normalizer struct {
	formats []string
}

// NewNormalizer creates a Normalizer accepting the given date layouts, tried
// in order. An empty list falls back to the canonical YYYY-MM-DD form.
func NewNormalizer(dateFormats []string) *Normalizer {
	if len(dateFormats) == 0 {
		dateFormats = []string{types.DateFormat}
	}
	return &Normalizer{formats: dateFormats}
}

// Normalize converts one raw row into a Reading. A malformed row yields a
// *RowError describing the skip reason; it is never fatal for the batch.
// Values and deviations are rounded to 2 dp on the way in so that every
// downstream computation sees the stored precision.
func (n *Normalizer) Normalize(row Row, batchID string) (types.Reading, *RowError) {
	dateStr := strings.TrimSpace(row.Fields[colDate])
	valueStr := strings.TrimSpace(row.Fields[colValue])
	devStr := strings.TrimSpace(row.Fields[colDeviation])

	if dateStr == "" || valueStr == "" || devStr == "" {
		return types.Reading{}, &RowError{Line: row.Line, Reason: types.SkipMissingField}
	}

	date, err := n.parseDate(dateStr)
	if err != nil {
		return types.Reading{}, &RowError{Line: row.Line, Reason: types.SkipUnparsableDate, Err: err}
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return types.Reading{}, &RowError{Line: row.Line, Reason: types.SkipUnparsableNumber, Err: fmt.Errorf("value %q: %w", valueStr, err)}
	}
	deviation, err := decimal.NewFromString(devStr)
	if err != nil {
		return types.Reading{}, &RowError{Line: row.Line, Reason: types.SkipUnparsableNumber, Err: fmt.Errorf("deviation %q: %w", devStr, err)}
	}

	return types.Reading{
		Date:          DateOnly(date),
		Value:         value.Round(decimalPlaces),
		Deviation:     deviation.Round(decimalPlaces),
		SourceBatchID: batchID,
	}, nil
}

// parseDate tries each accepted layout in order.
func (n *Normalizer) parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range n.formats {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("date %q matches none of %d accepted layouts: %w", s, len(n.formats), lastErr)
}
