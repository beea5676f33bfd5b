package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidewatch/internal/config"
	"tidewatch/internal/types"
)

// fakeStore is an in-memory PeriodStore with transactional semantics: a
// failed update rolls the period's writes back, mirroring the database
// implementation.
type fakeStore struct {
	readings map[time.Time]types.Reading
	aggs     map[types.PeriodKey]types.PeriodAggregate

	failPeriods map[types.PeriodKey]error
	updateOrder []types.PeriodKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		readings:    make(map[time.Time]types.Reading),
		aggs:        make(map[types.PeriodKey]types.PeriodAggregate),
		failPeriods: make(map[types.PeriodKey]error),
	}
}

func (f *fakeStore) UpdatePeriod(ctx context.Context, key types.PeriodKey, fn func(ctx context.Context, ps PeriodState) error) error {
	if err := f.failPeriods[key]; err != nil {
		return err
	}
	f.updateOrder = append(f.updateOrder, key)

	readingsSnap := maps.Clone(f.readings)
	aggsSnap := maps.Clone(f.aggs)
	if err := fn(ctx, (*fakeState)(f)); err != nil {
		f.readings = readingsSnap
		f.aggs = aggsSnap
		return err
	}
	return nil
}

type fakeState fakeStore

func (f *fakeState) MergeReadings(_ context.Context, readings []types.Reading) error {
	for _, r := range readings {
		f.readings[r.Date] = r
	}
	return nil
}

func (f *fakeState) ListReadings(_ context.Context, start, end time.Time) ([]types.Reading, error) {
	var out []types.Reading
	for d, r := range f.readings {
		if !d.Before(start) && !d.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeState) GetAggregate(_ context.Context, key types.PeriodKey) (*types.PeriodAggregate, error) {
	if agg, ok := f.aggs[key]; ok {
		return &agg, nil
	}
	return nil, nil
}

func (f *fakeState) UpsertAggregate(_ context.Context, agg types.PeriodAggregate) error {
	f.aggs[agg.PeriodKey] = agg
	return nil
}

func (f *fakeState) DeleteAggregate(_ context.Context, key types.PeriodKey) error {
	delete(f.aggs, key)
	return nil
}

// recordingSink captures published alert events.
type recordingSink struct {
	events []types.AlertEvent
	err    error
}

func (s *recordingSink) PublishAlerts(_ context.Context, events []types.AlertEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func testProcessor(store PeriodStore, sink AlertPublisher) *Processor {
	return testProcessorWith(store, sink, 3, config.EmptyPeriodKeep)
}

func testProcessorWith(store PeriodStore, sink AlertPublisher, adjustmentDays int, policy config.EmptyPeriodPolicy) *Processor {
	p := NewProcessor(config.IngestConfig{
		DeviationThreshold: dec("0.5"),
		AdjustmentDays:     adjustmentDays,
		DateFormats:        testFormats,
		EmptyPeriodPolicy:  policy,
	}, store, sink, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Now = func() time.Time { return time.Date(2017, time.May, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func TestProcessBatchOverwriteAcrossBatches(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	// First batch: two March readings.
	report, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "2017-03-22", "16.78", "0.287"),
		rawRow(3, "2017-03-30", "17.32", "0.403"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.UniqueDates)
	assert.Equal(t, 1, report.PeriodsUpdated)

	// Second batch replaces 2017-03-22. The period must show the surviving
	// set: count stays 2, the old value is gone, not appended.
	report, err = p.ProcessBatch(ctx, "b2", []Row{
		rawRow(2, "2017-03-22", "18.00", "0.350"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.PeriodsUpdated)

	agg := store.aggs["2017-03"]
	assert.Equal(t, "18", agg.MaxValue.String())
	assert.Equal(t, "17.66", agg.MeanValue.String())
	assert.Equal(t, 2, agg.RecordCount)
	assert.Equal(t, "0.4", agg.MaxDeviation.String())

	r := store.readings[date(2017, time.March, 22)]
	assert.Equal(t, "b2", r.SourceBatchID)
}

func TestProcessBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	rows := []Row{
		rawRow(2, "2017-03-22", "16.78", "0.287"),
		rawRow(3, "2017-04-10", "19.20", "0.30"),
	}

	_, err := p.ProcessBatch(ctx, "b1", rows)
	require.NoError(t, err)
	first := maps.Clone(store.aggs)

	_, err = p.ProcessBatch(ctx, "b1", rows)
	require.NoError(t, err)

	assert.Equal(t, first, store.aggs, "replaying the same batch must converge to identical records")
}

func TestProcessBatchLastBatchWinsRegardlessOfOrder(t *testing.T) {
	run := func(first, second string) string {
		ctx := context.Background()
		store := newFakeStore()
		p := testProcessor(store, nil)

		_, err := p.ProcessBatch(ctx, "b-"+first, []Row{rawRow(2, "2017-03-22", first, "0.1")})
		require.NoError(t, err)
		_, err = p.ProcessBatch(ctx, "b-"+second, []Row{rawRow(2, "2017-03-22", second, "0.1")})
		require.NoError(t, err)

		return store.readings[date(2017, time.March, 22)].Value.String()
	}

	// The survivor is whichever batch ran last, not the larger or smaller value.
	assert.Equal(t, "10.5", run("99.9", "10.5"))
	assert.Equal(t, "99.9", run("10.5", "99.9"))
}

func TestProcessBatchIntraBatchLastRowWins(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	report, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "2017-03-22", "16.78", "0.287"),
		rawRow(3, "2017-03-22", "18.00", "0.350"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.UniqueDates)
	assert.Equal(t, 1, report.DuplicatesOverwritten)
	assert.Equal(t, "18", store.readings[date(2017, time.March, 22)].Value.String())
	assert.Equal(t, 1, store.aggs["2017-03"].RecordCount)
}

func TestProcessBatchDiffFromPersistedStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.aggs["2017-03"] = types.PeriodAggregate{PeriodKey: "2017-03", MaxValue: dec("17.32")}
	p := testProcessor(store, nil)

	_, err := p.ProcessBatch(ctx, "b1", []Row{rawRow(2, "2017-04-10", "19.20", "0.30")})
	require.NoError(t, err)

	agg := store.aggs["2017-04"]
	require.NotNil(t, agg.DiffFromPrevious)
	assert.Equal(t, "1.88", agg.DiffFromPrevious.String())
}

func TestProcessBatchDiffAcrossPeriodsInSamePass(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	// One batch spanning two consecutive periods with nothing persisted yet.
	// Periods process in ascending order, so April finds March in-pass.
	_, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "2017-04-10", "19.20", "0.30"),
		rawRow(3, "2017-03-22", "17.32", "0.28"),
	})
	require.NoError(t, err)

	assert.Equal(t, []types.PeriodKey{"2017-03", "2017-04"}, store.updateOrder)

	march := store.aggs["2017-03"]
	assert.Nil(t, march.DiffFromPrevious, "no prior data for March must surface as absent")

	april := store.aggs["2017-04"]
	require.NotNil(t, april.DiffFromPrevious)
	assert.Equal(t, "1.88", april.DiffFromPrevious.String())
}

func TestProcessBatchAdjustedDatesShareAPeriod(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	// 2017-04-02 (day <= 3) belongs to 2017-03 alongside the March reading.
	_, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "2017-03-22", "16.78", "0.287"),
		rawRow(3, "2017-04-02", "17.10", "0.30"),
	})
	require.NoError(t, err)

	agg := store.aggs["2017-03"]
	assert.Equal(t, 2, agg.RecordCount)
	_, ok := store.aggs["2017-04"]
	assert.False(t, ok)
}

func TestProcessBatchEmptyBatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	report, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "garbage", "16.78", "0.287"),
		rawRow(3, "2017-03-22", "", "0.287"),
	})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeIngestEmptyBatch, appErr.Code)
	assert.Equal(t, 2, report.RowsSkipped)
	assert.Equal(t, 1, report.SkippedByReason[types.SkipUnparsableDate])
	assert.Equal(t, 1, report.SkippedByReason[types.SkipMissingField])
	assert.Empty(t, store.readings, "no partial state may be committed for an empty batch")
	assert.Empty(t, store.aggs)
}

func TestProcessBatchSkipsBadRowsAndContinues(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	report, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "garbage", "16.78", "0.287"),
		rawRow(3, "2017-03-22", "17.32", "0.403"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsSkipped)
	assert.Equal(t, 1, report.UniqueDates)
	assert.Equal(t, 1, store.aggs["2017-03"].RecordCount)
}

func TestProcessBatchPeriodFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.failPeriods["2017-03"] = errors.New("store unavailable")
	p := testProcessor(store, nil)

	report, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "2017-03-22", "17.32", "0.28"),
		rawRow(3, "2017-04-10", "19.20", "0.30"),
	})

	// The failed period escalates, but only for itself.
	require.Error(t, err)
	assert.Equal(t, 1, report.PeriodsFailed)
	assert.Equal(t, 1, report.PeriodsUpdated)

	_, marchStored := store.aggs["2017-03"]
	assert.False(t, marchStored)
	april, aprilStored := store.aggs["2017-04"]
	assert.True(t, aprilStored)
	assert.Nil(t, april.DiffFromPrevious, "failed March must not feed April's diff")
}

func TestProcessBatchAlerts(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sink := &recordingSink{}
	p := testProcessor(store, sink)

	report, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "2017-03-20", "16.10", "0.287"),
		rawRow(3, "2017-03-21", "16.40", "0.403"),
		rawRow(4, "2017-03-22", "16.90", "0.625"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.AlertsRaised)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "2017-03-22", sink.events[0].Date)
	assert.Equal(t, "b1", sink.events[0].BatchID)
}

func TestProcessBatchAlertDeliveryFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sink := &recordingSink{err: errors.New("queue unavailable")}
	p := testProcessor(store, sink)

	report, err := p.ProcessBatch(ctx, "b1", []Row{
		rawRow(2, "2017-03-22", "16.90", "0.625"),
	})
	require.NoError(t, err, "notification delivery failure must not fail the batch")
	assert.Equal(t, 1, report.AlertsRaised)
	assert.Equal(t, 1, report.PeriodsUpdated)
}

func TestRecomputePeriodEmptyWindowKeepPolicy(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.aggs["2017-03"] = types.PeriodAggregate{PeriodKey: "2017-03", MaxValue: dec("17.32"), RecordCount: 2}
	p := testProcessorWith(store, nil, 3, config.EmptyPeriodKeep)

	require.NoError(t, p.RecomputePeriod(ctx, "2017-03"))

	agg, ok := store.aggs["2017-03"]
	require.True(t, ok, "keep policy must leave the stale aggregate in place")
	assert.Equal(t, 2, agg.RecordCount)
}

func TestRecomputePeriodEmptyWindowDeletePolicy(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.aggs["2017-03"] = types.PeriodAggregate{PeriodKey: "2017-03", MaxValue: dec("17.32"), RecordCount: 2}
	p := testProcessorWith(store, nil, 3, config.EmptyPeriodDelete)

	require.NoError(t, p.RecomputePeriod(ctx, "2017-03"))

	_, ok := store.aggs["2017-03"]
	assert.False(t, ok, "delete policy must remove the stale aggregate")
}

func TestRecomputePeriodAfterAdjustmentChange(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	// Under k=3 a 2017-04-02 reading lands in 2017-03.
	_, err := testProcessorWith(store, nil, 3, config.EmptyPeriodDelete).
		ProcessBatch(ctx, "b1", []Row{rawRow(2, "2017-04-02", "17.10", "0.30")})
	require.NoError(t, err)
	require.Contains(t, store.aggs, types.PeriodKey("2017-03"))

	// After disabling the adjustment, the reading belongs to 2017-04: the
	// re-aggregated old period empties out and the new one picks it up.
	p := testProcessorWith(store, nil, 0, config.EmptyPeriodDelete)
	require.NoError(t, p.RecomputePeriod(ctx, "2017-03"))
	require.NoError(t, p.RecomputePeriod(ctx, "2017-04"))

	_, stale := store.aggs["2017-03"]
	assert.False(t, stale)
	april := store.aggs["2017-04"]
	assert.Equal(t, 1, april.RecordCount)
	assert.Equal(t, "17.1", april.MaxValue.String())
}

func TestRecomputePeriodDoesNotTouchReadings(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := testProcessor(store, nil)

	_, err := p.ProcessBatch(ctx, "b1", []Row{rawRow(2, "2017-03-22", "16.78", "0.287")})
	require.NoError(t, err)

	require.NoError(t, p.RecomputePeriod(ctx, "2017-03"))
	assert.Len(t, store.readings, 1)
	assert.Equal(t, "b1", store.readings[date(2017, time.March, 22)].SourceBatchID)
	assert.Equal(t, 1, store.aggs["2017-03"].RecordCount)
}

func TestProcessBatchReAlertsOnOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sink := &recordingSink{}
	p := testProcessor(store, sink)

	_, err := p.ProcessBatch(ctx, "b1", []Row{rawRow(2, "2017-03-22", "16.90", "0.625")})
	require.NoError(t, err)
	_, err = p.ProcessBatch(ctx, "b2", []Row{rawRow(2, "2017-03-22", "17.10", "0.700")})
	require.NoError(t, err)

	// Overwritten readings are evaluated on their new value, not suppressed,
	// and alerts are not deduplicated across batches.
	require.Len(t, sink.events, 2)
	assert.Equal(t, "0.7", sink.events[1].Deviation.String())
}
