package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tidewatch/internal/ingest"
	"tidewatch/internal/types"
)

// Store ties the reading and aggregate repositories together under the
// per-period exclusive update discipline. It implements ingest.PeriodStore.
//
// Exclusivity is enforced with a transaction-scoped Postgres advisory lock
// keyed by the period. Two batches touching the same period serialize on the
// lock; batches touching disjoint periods proceed fully in parallel. The
// store offers no cross-key transactions beyond this, so the engine relies
// on the per-period unit alone.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store on top of an initialized connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// periodState exposes the repositories bound to one period's transaction.
type periodState struct {
	readings   *ReadingRepository
	aggregates *AggregateRepository
}

func (s *periodState) MergeReadings(ctx context.Context, readings []types.Reading) error {
	return s.readings.Merge(ctx, readings)
}

func (s *periodState) ListReadings(ctx context.Context, start, end time.Time) ([]types.Reading, error) {
	return s.readings.ListByDateRange(ctx, start, end)
}

func (s *periodState) GetAggregate(ctx context.Context, key types.PeriodKey) (*types.PeriodAggregate, error) {
	return s.aggregates.Get(ctx, key)
}

func (s *periodState) UpsertAggregate(ctx context.Context, agg types.PeriodAggregate) error {
	return s.aggregates.Upsert(ctx, agg)
}

func (s *periodState) DeleteAggregate(ctx context.Context, key types.PeriodKey) error {
	return s.aggregates.Delete(ctx, key)
}

// UpdatePeriod runs fn inside a transaction holding the period's advisory
// lock. The merge, recompute, diff, and upsert for the period therefore
// commit or roll back as a unit; a retry after failure replays the same
// idempotent writes.
func (s *Store) UpdatePeriod(ctx context.Context, key types.PeriodKey, fn func(ctx context.Context, ps ingest.PeriodState) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin period transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, periodLockKey(key)); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to acquire period lock for %s", key), err)
	}

	state := &periodState{
		readings:   NewReadingRepository(tx),
		aggregates: NewAggregateRepository(tx),
	}
	if err := fn(ctx, state); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to commit period update for %s", key), err)
	}
	return nil
}

// GetAggregate reads a persisted aggregate outside any period scope, for the
// query API.
func (s *Store) GetAggregate(ctx context.Context, key types.PeriodKey) (*types.PeriodAggregate, error) {
	return NewAggregateRepository(s.pool).Get(ctx, key)
}

// ListPeriodKeys lists all periods with persisted aggregates, for the query
// API.
func (s *Store) ListPeriodKeys(ctx context.Context) ([]types.PeriodKey, error) {
	return NewAggregateRepository(s.pool).ListPeriodKeys(ctx)
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// periodLockKey derives the advisory lock key for a period. FNV-1a over the
// namespaced key string, reinterpreted as a signed 64-bit integer as
// pg_advisory_xact_lock expects.
func periodLockKey(key types.PeriodKey) int64 {
	h := fnv.New64a()
	h.Write([]byte("period:" + key.String()))
	return int64(h.Sum64())
}
