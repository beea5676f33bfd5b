package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tidewatch/internal/types"
)

// ErrEmptyPeriod signals that a period has no surviving readings at recompute
// time. Handling is policy-driven (see config.EmptyPeriodPolicy); it is never
// escalated past the affected period.
var ErrEmptyPeriod = types.NewAppError(types.ErrCodeIngestEmptyPeriod, "period has no surviving readings", nil)

// Recompute derives the aggregate for key strictly from the full surviving
// set of canonical readings for that period. It is deliberately NOT
// incremental: overwrites can silently retire members of a period, which
// would make delta accumulators drift from the true set. Recomputing the
// aggregate at any later time from the same set reproduces it exactly,
// except for LastUpdated.
//
// DiffFromPrevious is left nil; the caller resolves it via ResolveDiff.
func Recompute(key types.PeriodKey, readings []types.Reading, now time.Time) (types.PeriodAggregate, error) {
	if len(readings) == 0 {
		return types.PeriodAggregate{}, fmt.Errorf("recompute %s: %w", key, ErrEmptyPeriod)
	}

	maxValue := readings[0].Value
	maxDeviation := readings[0].Deviation
	sum := decimal.Zero
	for _, r := range readings {
		if r.Value.GreaterThan(maxValue) {
			maxValue = r.Value
		}
		if r.Deviation.GreaterThan(maxDeviation) {
			maxDeviation = r.Deviation
		}
		sum = sum.Add(r.Value)
	}

	count := len(readings)
	mean := sum.Div(decimal.NewFromInt(int64(count))).Round(decimalPlaces)

	return types.PeriodAggregate{
		PeriodKey:    key,
		MaxValue:     maxValue,
		MaxDeviation: maxDeviation,
		MeanValue:    mean,
		RecordCount:  count,
		LastUpdated:  now.UTC(),
	}, nil
}

// AggregateGetter is the read side of the aggregate store consulted when the
// previous period was not recomputed in the current pass. A nil aggregate
// with nil error means the period has no persisted record.
type AggregateGetter interface {
	GetAggregate(ctx context.Context, key types.PeriodKey) (*types.PeriodAggregate, error)
}

// ResolveDiff computes the signed difference between maxValue and the
// previous period's max value. The previous period is the literal calendar
// predecessor of key, not re-derived through the adjustment rule.
//
// Resolution order: the in-pass cache of aggregates already recomputed
// earlier in the same batch (so a batch spanning consecutive periods diffs
// correctly even when the store has no prior data yet), then the durable
// aggregate store. When neither yields a value the diff is nil -- the
// documented "no prior data" policy -- never silently coerced to zero.
func ResolveDiff(
	ctx context.Context,
	key types.PeriodKey,
	maxValue decimal.Decimal,
	inPass map[types.PeriodKey]types.PeriodAggregate,
	store AggregateGetter,
) (*decimal.Decimal, error) {
	prevKey := key.Previous()

	var prevMax *decimal.Decimal
	if agg, ok := inPass[prevKey]; ok {
		prevMax = &agg.MaxValue
	} else {
		agg, err := store.GetAggregate(ctx, prevKey)
		if err != nil {
			return nil, fmt.Errorf("resolve diff for %s: lookup of previous period %s: %w", key, prevKey, err)
		}
		if agg != nil {
			prevMax = &agg.MaxValue
		}
	}

	if prevMax == nil {
		return nil, nil
	}
	diff := maxValue.Sub(*prevMax).Round(decimalPlaces)
	return &diff, nil
}
