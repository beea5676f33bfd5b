// Package types defines the shared domain model for the TideWatch platform:
// canonical readings, period aggregates, alert events, and the application
// error taxonomy. It is dependency-light by design so every other package can
// import it without cycles.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateFormat is the canonical wire format for reading dates.
const DateFormat = "2006-01-02"

// PeriodKey identifies one adjusted calendar-month bucket, e.g. "2017-03".
// The string form is the stable key scheme of the aggregate store; external
// consumers query by it directly, so it must never change shape.
type PeriodKey string

// NewPeriodKey builds a PeriodKey from a year and calendar month.
func NewPeriodKey(year int, month time.Month) PeriodKey {
	return PeriodKey(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// ParsePeriodKey parses a "YYYY-MM" string into a PeriodKey, validating that
// the month is in range.
func ParsePeriodKey(s string) (PeriodKey, error) {
	var year, month int
	if _, err := fmt.Sscanf(s, "%4d-%2d", &year, &month); err != nil {
		return "", fmt.Errorf("invalid period key %q: %w", s, err)
	}
	if month < 1 || month > 12 {
		return "", fmt.Errorf("invalid period key %q: month out of range", s)
	}
	if year < 1 {
		return "", fmt.Errorf("invalid period key %q: year out of range", s)
	}
	return NewPeriodKey(year, time.Month(month)), nil
}

// Date returns the year and month the key identifies. Behavior is undefined
// for keys not produced by NewPeriodKey or ParsePeriodKey.
func (k PeriodKey) Date() (int, time.Month) {
	var year, month int
	fmt.Sscanf(string(k), "%4d-%2d", &year, &month)
	return year, time.Month(month)
}

// Previous returns the key of the literal previous calendar month. This is
// always the predecessor of the period's own identity, independent of the
// day-of-month adjustment rule applied when resolving dates to periods.
func (k PeriodKey) Previous() PeriodKey {
	year, month := k.Date()
	if month == time.January {
		return NewPeriodKey(year-1, time.December)
	}
	return NewPeriodKey(year, month-1)
}

func (k PeriodKey) String() string { return string(k) }

// Reading is the canonical value for a single calendar date. Once merged into
// the reading store it is immutable except by full replacement under the same
// date key; readings are never deleted, only overwritten.
type Reading struct {
	// Date is the calendar date of the reading, truncated to midnight UTC.
	Date time.Time `json:"date"`
	// Value is the mean water temperature observed on Date, 2 dp.
	Value decimal.Decimal `json:"value"`
	// Deviation is the standard deviation observed on Date, 2 dp.
	Deviation decimal.Decimal `json:"deviation"`
	// SourceBatchID records which batch last wrote this date.
	SourceBatchID string `json:"source_batch_id"`
}

// PeriodAggregate is the derived summary for one period. Every field except
// DiffFromPrevious and LastUpdated is a pure function of the surviving
// canonical readings whose resolved period key matches; recomputing from that
// set must reproduce the stored record exactly.
type PeriodAggregate struct {
	PeriodKey    PeriodKey       `json:"period_key"`
	MaxValue     decimal.Decimal `json:"max_value"`
	MaxDeviation decimal.Decimal `json:"max_deviation"`
	MeanValue    decimal.Decimal `json:"mean_value"`
	RecordCount  int             `json:"record_count"`
	// DiffFromPrevious is MaxValue minus the previous period's MaxValue.
	// nil means no prior period is known; the absent state is deliberately
	// distinguishable from a zero difference and surfaces as JSON null.
	DiffFromPrevious *decimal.Decimal `json:"diff_from_previous"`
	LastUpdated      time.Time        `json:"last_updated"`
}

// AlertEvent is raised when a single reading's deviation exceeds the
// configured threshold. Events are ephemeral: they are handed to the
// notification pipeline and never persisted by the engine. Re-ingesting the
// same date in a later batch legitimately re-alerts.
type AlertEvent struct {
	ID        string          `json:"id"`
	Date      string          `json:"date"` // YYYY-MM-DD
	Value     decimal.Decimal `json:"value"`
	Deviation decimal.Decimal `json:"deviation"`
	Threshold decimal.Decimal `json:"threshold"`
	BatchID   string          `json:"batch_id"`
	RaisedAt  time.Time       `json:"raised_at"`
}

// SkipReason classifies why a raw row was rejected during normalization.
type SkipReason string

const (
	SkipMissingField     SkipReason = "missing_field"
	SkipUnparsableDate   SkipReason = "unparsable_date"
	SkipUnparsableNumber SkipReason = "unparsable_number"
)

// BatchReport summarizes the outcome of processing one batch. Row-level
// rejections and notification failures are counted here rather than escalated.
type BatchReport struct {
	BatchID               string             `json:"batch_id"`
	RowsTotal             int                `json:"rows_total"`
	RowsSkipped           int                `json:"rows_skipped"`
	SkippedByReason       map[SkipReason]int `json:"skipped_by_reason,omitempty"`
	UniqueDates           int                `json:"unique_dates"`
	DuplicatesOverwritten int                `json:"duplicates_overwritten"`
	PeriodsUpdated        int                `json:"periods_updated"`
	PeriodsFailed         int                `json:"periods_failed"`
	AlertsRaised          int                `json:"alerts_raised"`
}
