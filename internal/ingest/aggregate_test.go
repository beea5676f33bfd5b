package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidewatch/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func reading(d time.Time, value, deviation string) types.Reading {
	return types.Reading{Date: d, Value: dec(value), Deviation: dec(deviation), SourceBatchID: "b"}
}

// stubGetter is an AggregateGetter backed by a map.
type stubGetter struct {
	aggs map[types.PeriodKey]types.PeriodAggregate
	err  error
}

func (s *stubGetter) GetAggregate(_ context.Context, key types.PeriodKey) (*types.PeriodAggregate, error) {
	if s.err != nil {
		return nil, s.err
	}
	if agg, ok := s.aggs[key]; ok {
		return &agg, nil
	}
	return nil, nil
}

func TestRecompute(t *testing.T) {
	now := time.Date(2017, time.April, 1, 12, 0, 0, 0, time.UTC)
	readings := []types.Reading{
		reading(date(2017, time.March, 22), "16.78", "0.287"),
		reading(date(2017, time.March, 30), "17.32", "0.403"),
		reading(date(2017, time.March, 25), "15.10", "0.62"),
	}

	agg, err := Recompute("2017-03", readings, now)
	require.NoError(t, err)

	assert.Equal(t, types.PeriodKey("2017-03"), agg.PeriodKey)
	assert.Equal(t, "17.32", agg.MaxValue.String())
	assert.Equal(t, "0.62", agg.MaxDeviation.String())
	assert.Equal(t, "16.4", agg.MeanValue.String()) // (16.78+17.32+15.10)/3 = 16.40
	assert.Equal(t, 3, agg.RecordCount)
	assert.Equal(t, now, agg.LastUpdated)
	assert.Nil(t, agg.DiffFromPrevious)
}

func TestRecomputeIsDeterministic(t *testing.T) {
	now := time.Date(2017, time.April, 1, 0, 0, 0, 0, time.UTC)
	readings := []types.Reading{
		reading(date(2017, time.March, 22), "18.00", "0.35"),
		reading(date(2017, time.March, 30), "17.32", "0.403"),
	}

	first, err := Recompute("2017-03", readings, now)
	require.NoError(t, err)
	second, err := Recompute("2017-03", readings, now)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "17.66", first.MeanValue.String())
}

func TestRecomputeEmptyPeriod(t *testing.T) {
	_, err := Recompute("2017-03", nil, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyPeriod))
}

func TestResolveDiffPrefersInPassCache(t *testing.T) {
	ctx := context.Background()

	// Store holds a stale value for the previous period; the in-pass cache
	// holds the one recomputed earlier in the same batch and must win.
	store := &stubGetter{aggs: map[types.PeriodKey]types.PeriodAggregate{
		"2017-03": {PeriodKey: "2017-03", MaxValue: dec("10.00")},
	}}
	inPass := map[types.PeriodKey]types.PeriodAggregate{
		"2017-03": {PeriodKey: "2017-03", MaxValue: dec("17.32")},
	}

	diff, err := ResolveDiff(ctx, "2017-04", dec("19.20"), inPass, store)
	require.NoError(t, err)
	require.NotNil(t, diff)
	assert.Equal(t, "1.88", diff.String())
}

func TestResolveDiffFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := &stubGetter{aggs: map[types.PeriodKey]types.PeriodAggregate{
		"2017-03": {PeriodKey: "2017-03", MaxValue: dec("17.32")},
	}}

	diff, err := ResolveDiff(ctx, "2017-04", dec("19.20"), nil, store)
	require.NoError(t, err)
	require.NotNil(t, diff)
	assert.Equal(t, "1.88", diff.String())
}

func TestResolveDiffNoPriorPeriod(t *testing.T) {
	diff, err := ResolveDiff(context.Background(), "2017-04", dec("19.20"), nil, &stubGetter{})
	require.NoError(t, err)
	assert.Nil(t, diff, "absent prior period must stay distinguishable, not become zero")
}

func TestResolveDiffStoreError(t *testing.T) {
	store := &stubGetter{err: errors.New("connection refused")}
	_, err := ResolveDiff(context.Background(), "2017-04", dec("19.20"), nil, store)
	assert.Error(t, err)
}

func TestResolveDiffNegative(t *testing.T) {
	store := &stubGetter{aggs: map[types.PeriodKey]types.PeriodAggregate{
		"2017-03": {PeriodKey: "2017-03", MaxValue: dec("20.00")},
	}}

	diff, err := ResolveDiff(context.Background(), "2017-04", dec("19.20"), nil, store)
	require.NoError(t, err)
	require.NotNil(t, diff)
	assert.Equal(t, "-0.8", diff.String())
}
