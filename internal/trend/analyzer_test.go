package trend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
	"occusense/occupancy/internal/store"
)

type fakeStore struct {
	rows  []store.AggregateRow
	calls int
}

func (f *fakeStore) Insert(context.Context, model.OccupancyReading) error { return nil }
func (f *fakeStore) Latest(context.Context, string) (model.OccupancyReading, error) {
	return model.OccupancyReading{}, occuerr.NotFound("none")
}
func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Aggregate(context.Context, string, model.TimeRange, time.Duration) ([]store.AggregateRow, error) {
	f.calls++
	return f.rows, nil
}

func hours(n int) time.Time {
	return time.Date(2026, 3, 1, n, 0, 0, 0, time.UTC)
}

func dayRange() model.TimeRange {
	return model.TimeRange{Start: hours(0), End: hours(23)}
}

func TestRejectsInvertedRange(t *testing.T) {
	a := New(&fakeStore{}, nil, nil, nil)
	_, err := a.GetTrends(context.Background(), "S1",
		model.TimeRange{Start: hours(5), End: hours(5)}, Options{})
	require.Error(t, err)
	assert.Equal(t, occuerr.CodeValidation, occuerr.CodeOf(err))
}

func TestRejectsUnknownInterval(t *testing.T) {
	a := New(&fakeStore{}, nil, nil, nil)
	_, err := a.GetTrends(context.Background(), "S1", dayRange(),
		Options{Interval: "fortnightly"})
	require.Error(t, err)
	assert.Equal(t, occuerr.CodeValidation, occuerr.CodeOf(err))
}

func TestSingleSampleBucket(t *testing.T) {
	fs := &fakeStore{rows: []store.AggregateRow{
		{BucketStart: hours(9), AverageUtilization: 42.0, PeakOccupancy: 21, SampleCount: 1},
	}}
	a := New(fs, nil, nil, nil)

	w, err := a.GetTrends(context.Background(), "S1", dayRange(), Options{})
	require.NoError(t, err)
	require.Len(t, w.Buckets, 1)
	assert.InDelta(t, 42.0, w.Buckets[0].AverageUtilization, 0.001,
		"single-sample bucket average must equal the sample")
	assert.Equal(t, 21, w.PeakOccupancy)
	assert.Equal(t, 1, w.SampleCount)
}

func TestPeakAndWeightedAverageAcrossBuckets(t *testing.T) {
	fs := &fakeStore{rows: []store.AggregateRow{
		{BucketStart: hours(9), AverageUtilization: 40, PeakOccupancy: 20, SampleCount: 10},
		{BucketStart: hours(10), AverageUtilization: 60, PeakOccupancy: 35, SampleCount: 30},
	}}
	a := New(fs, nil, nil, nil)

	w, err := a.GetTrends(context.Background(), "S1", dayRange(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 35, w.PeakOccupancy, "peak is the max across all buckets")
	assert.Equal(t, 40, w.SampleCount)
	// Weighted by samples: (40*10 + 60*30) / 40 = 55.
	assert.InDelta(t, 55.0, w.AverageUtilization, 0.001)
}

func TestDataQualityTiers(t *testing.T) {
	cases := []struct {
		name    string
		samples int
		want    model.DataQuality
	}{
		{"high at 50 avg", 100, model.QualityHigh},
		{"medium at 25 avg", 50, model.QualityMedium},
		{"low below 25 avg", 48, model.QualityLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{rows: []store.AggregateRow{
				{BucketStart: hours(9), SampleCount: tc.samples / 2},
				{BucketStart: hours(10), SampleCount: tc.samples - tc.samples/2},
			}}
			a := New(fs, nil, nil, nil)
			w, err := a.GetTrends(context.Background(), "S1", dayRange(), Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, w.DataQuality)
		})
	}
}

func TestEmptyRangeIsLowQuality(t *testing.T) {
	a := New(&fakeStore{}, nil, nil, nil)
	w, err := a.GetTrends(context.Background(), "S1", dayRange(), Options{})
	require.NoError(t, err)
	assert.Empty(t, w.Buckets)
	assert.Equal(t, model.QualityLow, w.DataQuality)
}

func TestAnomaliesDefaultToNoop(t *testing.T) {
	fs := &fakeStore{rows: []store.AggregateRow{
		{BucketStart: hours(9), AverageUtilization: 99, SampleCount: 60},
	}}
	a := New(fs, nil, nil, nil)

	w, err := a.GetTrends(context.Background(), "S1", dayRange(), Options{IncludeAnomalies: true})
	require.NoError(t, err)
	assert.NotNil(t, w.Anomalies)
	assert.Empty(t, w.Anomalies, "detection is a no-op extension point")
}

type spikeDetector struct{}

func (spikeDetector) Detect(buckets []model.TrendBucket) []model.Anomaly {
	var out []model.Anomaly
	for _, b := range buckets {
		if b.AverageUtilization > 90 {
			out = append(out, model.Anomaly{
				Timestamp:     b.BucketStart,
				ExpectedValue: 50,
				ActualValue:   b.AverageUtilization,
				Deviation:     b.AverageUtilization - 50,
				Severity:      "high",
			})
		}
	}
	return out
}

func TestPluggableDetector(t *testing.T) {
	fs := &fakeStore{rows: []store.AggregateRow{
		{BucketStart: hours(9), AverageUtilization: 95, SampleCount: 60},
		{BucketStart: hours(10), AverageUtilization: 40, SampleCount: 60},
	}}
	a := New(fs, spikeDetector{}, nil, nil)

	w, err := a.GetTrends(context.Background(), "S1", dayRange(), Options{IncludeAnomalies: true})
	require.NoError(t, err)
	require.Len(t, w.Anomalies, 1)
	assert.Equal(t, hours(9), w.Anomalies[0].Timestamp)
}

func TestSmoothingMovingAverage(t *testing.T) {
	fs := &fakeStore{rows: []store.AggregateRow{
		{BucketStart: hours(9), AverageUtilization: 0, SampleCount: 1},
		{BucketStart: hours(10), AverageUtilization: 100, SampleCount: 1},
		{BucketStart: hours(11), AverageUtilization: 50, SampleCount: 1},
	}}
	a := New(fs, nil, nil, nil)

	w, err := a.GetTrends(context.Background(), "S1", dayRange(), Options{Smoothing: true})
	require.NoError(t, err)
	require.Len(t, w.Buckets, 3)
	assert.InDelta(t, 0.0, w.Buckets[0].AverageUtilization, 0.001)
	assert.InDelta(t, 50.0, w.Buckets[1].AverageUtilization, 0.001)
	assert.InDelta(t, 50.0, w.Buckets[2].AverageUtilization, 0.001)
}

func TestTrendCacheSkipsRecompute(t *testing.T) {
	fs := &fakeStore{rows: []store.AggregateRow{
		{BucketStart: hours(9), AverageUtilization: 42, SampleCount: 5},
	}}
	a := New(fs, nil, NewMemoryCache(time.Minute), nil)
	ctx := context.Background()

	_, err := a.GetTrends(ctx, "S1", dayRange(), Options{})
	require.NoError(t, err)
	_, err = a.GetTrends(ctx, "S1", dayRange(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.calls, "second query must be served from the cache")
}
