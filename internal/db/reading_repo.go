package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tidewatch/internal/types"
)

// ReadingRepository provides data access for the readings table -- the
// canonical reading store. A merge for a date unconditionally replaces any
// existing row for that date regardless of which batch either value came
// from; the repository never deletes rows.
type ReadingRepository struct {
	db DBTX
}

// NewReadingRepository creates a ReadingRepository backed by the given
// database connection (pool or transaction).
func NewReadingRepository(db DBTX) *ReadingRepository {
	return &ReadingRepository{db: db}
}

const readingColumns = `reading_date, value, deviation, source_batch_id`

// Merge upserts the given readings in order. Ordering matters only between
// two merges for the same date, which the processor already collapses to the
// last occurrence before calling here; the per-statement upsert keeps the
// operation idempotent under retry.
func (r *ReadingRepository) Merge(ctx context.Context, readings []types.Reading) error {
	batch := &pgx.Batch{}
	for _, reading := range readings {
		batch.Queue(
			`INSERT INTO readings (reading_date, value, deviation, source_batch_id, merged_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (reading_date) DO UPDATE SET
			   value = EXCLUDED.value,
			   deviation = EXCLUDED.deviation,
			   source_batch_id = EXCLUDED.source_batch_id,
			   merged_at = now()`,
			reading.Date, reading.Value, reading.Deviation, reading.SourceBatchID,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range readings {
		if _, err := results.Exec(); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to merge readings", err)
		}
	}
	return nil
}

// Get returns the canonical reading for a date, or nil if the date has never
// been merged.
func (r *ReadingRepository) Get(ctx context.Context, date time.Time) (*types.Reading, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE reading_date = $1`, date)

	var reading types.Reading
	err := row.Scan(&reading.Date, &reading.Value, &reading.Deviation, &reading.SourceBatchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get reading", err)
	}
	reading.Date = reading.Date.UTC()
	return &reading, nil
}

// ListByDateRange returns all canonical readings dated within [start, end]
// inclusive. Order is irrelevant to the aggregator; rows come back in date
// order purely for log readability.
func (r *ReadingRepository) ListByDateRange(ctx context.Context, start, end time.Time) ([]types.Reading, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+readingColumns+` FROM readings
		 WHERE reading_date >= $1 AND reading_date <= $2
		 ORDER BY reading_date`, start, end)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list readings", err)
	}
	defer rows.Close()

	var readings []types.Reading
	for rows.Next() {
		var reading types.Reading
		if err := rows.Scan(&reading.Date, &reading.Value, &reading.Deviation, &reading.SourceBatchID); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reading", err)
		}
		reading.Date = reading.Date.UTC()
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate readings", err)
	}
	return readings, nil
}
