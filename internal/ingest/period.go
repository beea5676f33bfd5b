// Package ingest implements the TideWatch aggregation engine: normalization
// of raw batch rows into canonical readings, last-write-wins merging by date,
// period bucketing under the day-of-month adjustment rule, recompute-from-
// scratch period aggregation, cross-period differentials, and threshold alert
// evaluation.
package ingest

import (
	"fmt"
	"time"

	"tidewatch/internal/types"
)

// PeriodOf resolves a date to its period key under the adjustment rule: a
// date within the first adjustmentDays days of a calendar month belongs to
// the previous period (January rolls back to December of the previous year).
// adjustmentDays of 0 disables the rule. Pure function, no state.
func PeriodOf(date time.Time, adjustmentDays int) types.PeriodKey {
	year, month, day := date.Date()
	if adjustmentDays > 0 && day <= adjustmentDays {
		if month == time.January {
			return types.NewPeriodKey(year-1, time.December)
		}
		return types.NewPeriodKey(year, month-1)
	}
	return types.NewPeriodKey(year, month)
}

// PeriodWindow returns the inclusive date range [start, end] of the dates
// that resolve to key under the given adjustment threshold. The window is
// used for range scans of the canonical reading store: a period's members
// are the dates of its own month after day k, plus the first k days of the
// following month.
func PeriodWindow(key types.PeriodKey, adjustmentDays int) (start, end time.Time, err error) {
	if adjustmentDays < 0 || adjustmentDays > 27 {
		return time.Time{}, time.Time{}, fmt.Errorf("adjustment days %d out of range [0,27]", adjustmentDays)
	}
	year, month := key.Date()
	if month < time.January || month > time.December {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period key %q", key)
	}

	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	firstOfNext := firstOfMonth.AddDate(0, 1, 0)

	// Day k+1 of the period's own month through day k of the next month.
	// With k=0 this degenerates to the plain calendar month.
	start = firstOfMonth.AddDate(0, 0, adjustmentDays)
	end = firstOfNext.AddDate(0, 0, adjustmentDays-1)
	return start, end, nil
}

// DateOnly truncates t to midnight UTC, the canonical representation of a
// reading date.
func DateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
