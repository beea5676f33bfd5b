package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tidewatch/internal/config"
	"tidewatch/internal/types"
)

// PeriodState is the view of the stores available inside one period's
// exclusive update scope. All operations run in the same transaction, so the
// merge, recompute, diff, and upsert for a period commit or roll back as a
// unit.
type PeriodState interface {
	// MergeReadings unconditionally replaces any existing entry per date.
	MergeReadings(ctx context.Context, readings []types.Reading) error
	// ListReadings returns the canonical readings dated within [start, end].
	ListReadings(ctx context.Context, start, end time.Time) ([]types.Reading, error)
	// GetAggregate returns the persisted aggregate for key, or nil if absent.
	GetAggregate(ctx context.Context, key types.PeriodKey) (*types.PeriodAggregate, error)
	// UpsertAggregate fully overwrites the aggregate record for its key.
	UpsertAggregate(ctx context.Context, agg types.PeriodAggregate) error
	// DeleteAggregate removes the aggregate record for key.
	DeleteAggregate(ctx context.Context, key types.PeriodKey) error
}

// PeriodStore provides exclusive per-period update scopes over the canonical
// reading store and the aggregate store. Implementations must guarantee that
// two concurrent UpdatePeriod calls for the same key serialize, while calls
// for disjoint keys may proceed in parallel.
type PeriodStore interface {
	UpdatePeriod(ctx context.Context, key types.PeriodKey, fn func(ctx context.Context, ps PeriodState) error) error
}

// AlertPublisher hands alert events to the notification pipeline. Delivery
// failure must not fail the batch; the processor logs and moves on.
type AlertPublisher interface {
	PublishAlerts(ctx context.Context, events []types.AlertEvent) error
}

// MetricPublisher emits batch telemetry. Failures are logged, never fatal.
type MetricPublisher interface {
	PublishBatchStats(ctx context.Context, report types.BatchReport) error
}

// Processor is the canonical aggregation engine. One Processor handles one
// logical data source; batches are processed to completion one period at a
// time, with the per-period exclusive scope enforced by the PeriodStore.
type Processor struct {
	Normalizer *Normalizer
	Store      PeriodStore
	Alerts     AlertPublisher
	Metrics    MetricPublisher
	Log        *slog.Logger

	Threshold         decimal.Decimal
	AdjustmentDays    int
	EmptyPeriodPolicy config.EmptyPeriodPolicy

	// Now is the clock used for LastUpdated and alert timestamps.
	// Defaults to time.Now; overridable for tests.
	Now func() time.Time
}

// NewProcessor wires a Processor from the ingest configuration and its store
// and sink dependencies. Alerts and metrics may be nil, in which case the
// corresponding stage is skipped.
func NewProcessor(cfg config.IngestConfig, store PeriodStore, alerts AlertPublisher, metrics MetricPublisher, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		Normalizer:        NewNormalizer(cfg.DateFormats),
		Store:             store,
		Alerts:            alerts,
		Metrics:           metrics,
		Log:               log,
		Threshold:         cfg.DeviationThreshold,
		AdjustmentDays:    cfg.AdjustmentDays,
		EmptyPeriodPolicy: cfg.EmptyPeriodPolicy,
		Now:               time.Now,
	}
}

// ProcessBatch runs one batch through the full engine:
//
//  1. Normalize rows; malformed rows are counted and skipped, never fatal.
//     Zero valid rows fails the batch before any state is touched.
//  2. Dedup within the batch: later rows win for the same date (sequential
//     intra-batch precedence, "last occurrence wins").
//  3. Resolve the set of periods touched by the surviving readings and
//     process them in ascending order, so the in-pass aggregate cache always
//     holds a period before its successor asks for it.
//  4. Per period, inside its exclusive scope: merge readings into the
//     canonical store, recompute the aggregate from the full surviving set,
//     resolve the cross-period diff, and upsert. A failed period is isolated:
//     it is logged and counted, and the remaining periods still run. The
//     whole per-period unit is idempotent, so callers may safely retry.
//  5. Evaluate every surviving reading against the deviation threshold and
//     publish alert events; delivery failure is logged, not propagated.
//
// Replaying the same batch, or interleaving batches in any order, converges
// to the same persisted state.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string, rows []Row) (types.BatchReport, error) {
	report := types.BatchReport{
		BatchID:         batchID,
		RowsTotal:       len(rows),
		SkippedByReason: make(map[types.SkipReason]int),
	}

	// Step 1+2: normalize and dedup, preserving row order so the later
	// occurrence of a date wins.
	canonical := make(map[time.Time]types.Reading)
	var order []time.Time
	for _, row := range rows {
		reading, rowErr := p.Normalizer.Normalize(row, batchID)
		if rowErr != nil {
			report.RowsSkipped++
			report.SkippedByReason[rowErr.Reason]++
			p.Log.WarnContext(ctx, "row skipped",
				"batch_id", batchID,
				"line", rowErr.Line,
				"reason", string(rowErr.Reason),
				"error", rowErr.Err,
			)
			continue
		}
		if _, seen := canonical[reading.Date]; seen {
			report.DuplicatesOverwritten++
		} else {
			order = append(order, reading.Date)
		}
		canonical[reading.Date] = reading
	}

	if len(canonical) == 0 {
		return report, types.NewAppErrorWithDetails(
			types.ErrCodeIngestEmptyBatch,
			"batch contains no valid rows after normalization",
			nil,
			map[string]any{"batch_id": batchID, "rows_total": report.RowsTotal},
		)
	}
	report.UniqueDates = len(canonical)

	// Step 3: group the surviving readings by touched period.
	byPeriod := make(map[types.PeriodKey][]types.Reading)
	for _, date := range order {
		r := canonical[date]
		key := PeriodOf(r.Date, p.AdjustmentDays)
		byPeriod[key] = append(byPeriod[key], r)
	}
	keys := make([]types.PeriodKey, 0, len(byPeriod))
	for key := range byPeriod {
		keys = append(keys, key)
	}
	// "YYYY-MM" sorts chronologically as a string.
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	// Step 4: per-period exclusive update units.
	inPass := make(map[types.PeriodKey]types.PeriodAggregate, len(keys))
	var firstErr error
	for _, key := range keys {
		err := p.Store.UpdatePeriod(ctx, key, func(ctx context.Context, ps PeriodState) error {
			return p.updatePeriod(ctx, ps, key, byPeriod[key], inPass)
		})
		if err != nil {
			report.PeriodsFailed++
			if firstErr == nil {
				firstErr = err
			}
			p.Log.ErrorContext(ctx, "period update failed",
				"batch_id", batchID,
				"period", key.String(),
				"error", err,
			)
			continue
		}
		report.PeriodsUpdated++
	}

	// Step 5: alert evaluation over the surviving batch readings.
	surviving := make([]types.Reading, 0, len(order))
	for _, date := range order {
		surviving = append(surviving, canonical[date])
	}
	events := BuildAlerts(surviving, p.Threshold, batchID, p.Now())
	report.AlertsRaised = len(events)
	if len(events) > 0 && p.Alerts != nil {
		if err := p.Alerts.PublishAlerts(ctx, events); err != nil {
			// Notification delivery failure never fails the batch.
			p.Log.ErrorContext(ctx, "alert publication failed",
				"batch_id", batchID,
				"alerts", len(events),
				"error", err,
			)
		}
	}

	if p.Metrics != nil {
		if err := p.Metrics.PublishBatchStats(ctx, report); err != nil {
			p.Log.WarnContext(ctx, "metric publication failed",
				"batch_id", batchID,
				"error", err,
			)
		}
	}

	p.Log.InfoContext(ctx, "batch processed",
		"batch_id", batchID,
		"rows_total", report.RowsTotal,
		"rows_skipped", report.RowsSkipped,
		"unique_dates", report.UniqueDates,
		"duplicates_overwritten", report.DuplicatesOverwritten,
		"periods_updated", report.PeriodsUpdated,
		"periods_failed", report.PeriodsFailed,
		"alerts_raised", report.AlertsRaised,
	)

	return report, firstErr
}

// RecomputePeriod re-runs the aggregation unit for one period without merging
// any new readings. This is the maintenance path for PERIOD_ADJUSTMENT_DAYS
// reconfiguration: a shifted window is re-aggregated from whatever readings it
// now contains, and a period whose window lost every member is handled per
// the empty period policy. Batch processing never reaches the empty case
// because it always merges the period's own readings first.
func (p *Processor) RecomputePeriod(ctx context.Context, key types.PeriodKey) error {
	inPass := make(map[types.PeriodKey]types.PeriodAggregate, 1)
	return p.Store.UpdatePeriod(ctx, key, func(ctx context.Context, ps PeriodState) error {
		return p.updatePeriod(ctx, ps, key, nil, inPass)
	})
}

// updatePeriod is the atomic merge -> recompute -> diff -> upsert unit for a
// single period. It runs inside the period's exclusive scope. A nil readings
// slice recomputes from the stored window alone.
func (p *Processor) updatePeriod(
	ctx context.Context,
	ps PeriodState,
	key types.PeriodKey,
	readings []types.Reading,
	inPass map[types.PeriodKey]types.PeriodAggregate,
) error {
	if len(readings) > 0 {
		if err := ps.MergeReadings(ctx, readings); err != nil {
			return err
		}
	}

	start, end, err := PeriodWindow(key, p.AdjustmentDays)
	if err != nil {
		return err
	}
	set, err := ps.ListReadings(ctx, start, end)
	if err != nil {
		return err
	}

	agg, err := Recompute(key, set, p.Now())
	if err != nil {
		if errors.Is(err, ErrEmptyPeriod) {
			return p.handleEmptyPeriod(ctx, ps, key)
		}
		return err
	}

	agg.DiffFromPrevious, err = ResolveDiff(ctx, key, agg.MaxValue, inPass, ps)
	if err != nil {
		return err
	}

	if err := ps.UpsertAggregate(ctx, agg); err != nil {
		return err
	}
	inPass[key] = agg
	return nil
}

// handleEmptyPeriod applies the configured policy for a period whose window
// has no readings. Only RecomputePeriod can get here: batch updates merge the
// period's own readings before listing the window, so their recompute set is
// never empty.
func (p *Processor) handleEmptyPeriod(ctx context.Context, ps PeriodState, key types.PeriodKey) error {
	switch p.EmptyPeriodPolicy {
	case config.EmptyPeriodDelete:
		p.Log.WarnContext(ctx, "period empty, deleting stale aggregate", "period", key.String())
		return ps.DeleteAggregate(ctx, key)
	default:
		p.Log.WarnContext(ctx, "period empty, keeping previous aggregate", "period", key.String())
		return nil
	}
}
