package ingest

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tidewatch/internal/types"
)

// Exceeds reports whether a reading's deviation breaches the threshold.
// The comparison is strictly greater-than: a deviation exactly at the
// threshold does not alert.
func Exceeds(r types.Reading, threshold decimal.Decimal) bool {
	return r.Deviation.GreaterThan(threshold)
}

// BuildAlerts evaluates every surviving reading of a batch independently and
// returns one alert event per exceedance. Readings whose date was already
// present in the canonical store before this batch are evaluated on their new
// value, not suppressed; alerts are not deduplicated across batches.
func BuildAlerts(readings []types.Reading, threshold decimal.Decimal, batchID string, now time.Time) []types.AlertEvent {
	var events []types.AlertEvent
	for _, r := range readings {
		if !Exceeds(r, threshold) {
			continue
		}
		events = append(events, types.AlertEvent{
			ID:        uuid.NewString(),
			Date:      r.Date.Format(types.DateFormat),
			Value:     r.Value,
			Deviation: r.Deviation,
			Threshold: threshold,
			BatchID:   batchID,
			RaisedAt:  now.UTC(),
		})
	}
	return events
}
