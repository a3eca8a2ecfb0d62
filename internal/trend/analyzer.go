// Package trend computes windowed utilization analytics from stored
// bucket aggregates.
package trend

import (
	"context"
	"fmt"
	"log/slog"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
	"occusense/occupancy/internal/store"
)

// Data-quality thresholds: average samples per bucket.
const (
	highQualitySamples   = 50
	mediumQualitySamples = 25
)

// Options tunes one trend query.
type Options struct {
	Interval         model.BucketInterval
	IncludeAnomalies bool
	Smoothing        bool
	SmoothingWindow  int // moving-average width in buckets; default 3
}

// AnomalyDetector inspects the bucket series and reports deviations.
// The shipped detector is a no-op: the contract is fixed, the policy is a
// deployment decision.
type AnomalyDetector interface {
	Detect(buckets []model.TrendBucket) []model.Anomaly
}

// NoopDetector returns no anomalies.
type NoopDetector struct{}

func (NoopDetector) Detect([]model.TrendBucket) []model.Anomaly { return nil }

// Cache is the optional short-TTL tier in front of recomputation.
type Cache interface {
	Get(ctx context.Context, key string) (model.TrendWindow, bool)
	Set(ctx context.Context, key string, w model.TrendWindow)
}

// Analyzer answers trend queries against the occupancy store.
type Analyzer struct {
	store    store.OccupancyStore
	detector AnomalyDetector
	cache    Cache
	log      *slog.Logger
}

// New builds an analyzer. detector defaults to NoopDetector; cache may be
// nil to disable the short-TTL tier.
func New(s store.OccupancyStore, detector AnomalyDetector, c Cache, log *slog.Logger) *Analyzer {
	if detector == nil {
		detector = NoopDetector{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{
		store:    s,
		detector: detector,
		cache:    c,
		log:      log.With(slog.String("component", "trend_analyzer")),
	}
}

// GetTrends aggregates the space's readings over the range into fixed
// buckets and computes the window-level summary.
func (a *Analyzer) GetTrends(ctx context.Context, spaceID string, tr model.TimeRange, opts Options) (model.TrendWindow, error) {
	if spaceID == "" {
		return model.TrendWindow{}, occuerr.Validation("spaceId is required")
	}
	if !tr.End.After(tr.Start) {
		return model.TrendWindow{}, occuerr.Validation("timeRange.end must be after timeRange.start")
	}
	interval := opts.Interval
	if interval == "" {
		interval = model.IntervalHourly
	}
	if !interval.Valid() {
		return model.TrendWindow{}, occuerr.Validation("unknown bucket interval %q", interval)
	}

	key := cacheKey(spaceID, tr, interval, opts)
	if a.cache != nil {
		if w, ok := a.cache.Get(ctx, key); ok {
			return w, nil
		}
	}

	rows, err := a.store.Aggregate(ctx, spaceID, tr, interval.Duration())
	if err != nil {
		return model.TrendWindow{}, err
	}

	w := assemble(spaceID, tr, interval, rows)
	if opts.Smoothing {
		smooth(w.Buckets, opts.SmoothingWindow)
	}
	if opts.IncludeAnomalies {
		w.Anomalies = a.detector.Detect(w.Buckets)
	}
	if w.Anomalies == nil {
		w.Anomalies = []model.Anomaly{}
	}

	if a.cache != nil {
		a.cache.Set(ctx, key, w)
	}
	return w, nil
}

func assemble(spaceID string, tr model.TimeRange, interval model.BucketInterval, rows []store.AggregateRow) model.TrendWindow {
	w := model.TrendWindow{
		SpaceID:        spaceID,
		TimeRange:      tr,
		BucketInterval: interval,
		Buckets:        make([]model.TrendBucket, 0, len(rows)),
	}
	var utilSum float64
	for _, row := range rows {
		w.Buckets = append(w.Buckets, model.TrendBucket{
			BucketStart:        row.BucketStart,
			AverageUtilization: row.AverageUtilization,
			PeakOccupancy:      row.PeakOccupancy,
			SampleCount:        row.SampleCount,
		})
		utilSum += row.AverageUtilization * float64(row.SampleCount)
		if row.PeakOccupancy > w.PeakOccupancy {
			w.PeakOccupancy = row.PeakOccupancy
		}
		w.SampleCount += row.SampleCount
	}
	if w.SampleCount > 0 {
		w.AverageUtilization = utilSum / float64(w.SampleCount)
	}
	w.DataQuality = quality(len(w.Buckets), w.SampleCount)
	return w
}

// quality tiers the window by average samples per bucket.
func quality(buckets, samples int) model.DataQuality {
	if buckets == 0 {
		return model.QualityLow
	}
	avg := float64(samples) / float64(buckets)
	switch {
	case avg >= highQualitySamples:
		return model.QualityHigh
	case avg >= mediumQualitySamples:
		return model.QualityMedium
	default:
		return model.QualityLow
	}
}

// smooth applies an in-place trailing moving average over the bucket
// utilizations.
func smooth(buckets []model.TrendBucket, window int) {
	if window <= 1 {
		window = 3
	}
	if len(buckets) < 2 {
		return
	}
	raw := make([]float64, len(buckets))
	for i, b := range buckets {
		raw[i] = b.AverageUtilization
	}
	for i := range buckets {
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}
		var sum float64
		for j := lo; j <= i; j++ {
			sum += raw[j]
		}
		buckets[i].AverageUtilization = sum / float64(i-lo+1)
	}
}

func cacheKey(spaceID string, tr model.TimeRange, interval model.BucketInterval, opts Options) string {
	return fmt.Sprintf("trends:%s:%d:%d:%s:%t:%t",
		spaceID, tr.Start.Unix(), tr.End.Unix(), interval, opts.IncludeAnomalies, opts.Smoothing)
}
