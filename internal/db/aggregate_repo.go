package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tidewatch/internal/types"
)

// AggregateRepository provides data access for the period_aggregates table --
// the aggregate store. All writes are full-overwrite upserts keyed by period,
// so replaying the same upsert is a no-op and retries are safe.
//
// The period_key string scheme ("YYYY-MM") and the column names are read
// directly by the query API's consumers and must stay stable.
type AggregateRepository struct {
	db DBTX
}

// NewAggregateRepository creates an AggregateRepository backed by the given
// database connection (pool or transaction).
func NewAggregateRepository(db DBTX) *AggregateRepository {
	return &AggregateRepository{db: db}
}

const aggregateColumns = `period_key, max_value, max_deviation, mean_value,
	record_count, diff_from_previous, last_updated`

// Upsert fully overwrites the aggregate record for its period key.
func (r *AggregateRepository) Upsert(ctx context.Context, agg types.PeriodAggregate) error {
	diff := decimal.NullDecimal{}
	if agg.DiffFromPrevious != nil {
		diff = decimal.NullDecimal{Decimal: *agg.DiffFromPrevious, Valid: true}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO period_aggregates
		   (period_key, max_value, max_deviation, mean_value, record_count, diff_from_previous, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (period_key) DO UPDATE SET
		   max_value = EXCLUDED.max_value,
		   max_deviation = EXCLUDED.max_deviation,
		   mean_value = EXCLUDED.mean_value,
		   record_count = EXCLUDED.record_count,
		   diff_from_previous = EXCLUDED.diff_from_previous,
		   last_updated = EXCLUDED.last_updated`,
		agg.PeriodKey.String(), agg.MaxValue, agg.MaxDeviation, agg.MeanValue,
		agg.RecordCount, diff, agg.LastUpdated,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert period aggregate", err)
	}
	return nil
}

// Get returns the persisted aggregate for a period key, or nil if the period
// has no record.
func (r *AggregateRepository) Get(ctx context.Context, key types.PeriodKey) (*types.PeriodAggregate, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM period_aggregates WHERE period_key = $1`,
		key.String())

	agg, err := scanAggregate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get period aggregate", err)
	}
	return agg, nil
}

// Delete removes the aggregate record for a period key. Used only under the
// delete policy for emptied periods.
func (r *AggregateRepository) Delete(ctx context.Context, key types.PeriodKey) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM period_aggregates WHERE period_key = $1`, key.String()); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete period aggregate", err)
	}
	return nil
}

// ListPeriodKeys returns every period key with a persisted aggregate, in
// chronological order.
func (r *AggregateRepository) ListPeriodKeys(ctx context.Context) ([]types.PeriodKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT period_key FROM period_aggregates ORDER BY period_key`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list period keys", err)
	}
	defer rows.Close()

	var keys []types.PeriodKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan period key", err)
		}
		keys = append(keys, types.PeriodKey(key))
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate period keys", err)
	}
	return keys, nil
}

// scanAggregate scans a single period_aggregates row. The columns must match
// the order defined in aggregateColumns.
func scanAggregate(row pgx.Row) (*types.PeriodAggregate, error) {
	var agg types.PeriodAggregate
	var key string
	var diff decimal.NullDecimal

	err := row.Scan(
		&key,
		&agg.MaxValue,
		&agg.MaxDeviation,
		&agg.MeanValue,
		&agg.RecordCount,
		&diff,
		&agg.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	agg.PeriodKey = types.PeriodKey(key)
	if diff.Valid {
		d := diff.Decimal
		agg.DiffFromPrevious = &d
	}
	agg.LastUpdated = agg.LastUpdated.UTC()
	return &agg, nil
}
