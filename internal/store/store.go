// Package store defines the narrow persistence contract the occupancy
// subsystem consumes, its Postgres implementation, and the circuit-breaker
// decorator applied around every call.
package store

import (
	"context"
	"time"

	"occusense/occupancy/internal/model"
)

// AggregateRow is one time bucket returned by the store's bucketing query.
type AggregateRow struct {
	BucketStart        time.Time
	AverageUtilization float64
	PeakOccupancy      int
	SampleCount        int
}

// OccupancyStore is the time-series persistence contract. Readings are
// append-only; (spaceId, timestamp) is unique.
type OccupancyStore interface {
	// Insert persists one validated reading. Re-inserting the same
	// (spaceId, timestamp) pair is a no-op, keeping ingestion idempotent.
	Insert(ctx context.Context, r model.OccupancyReading) error

	// Latest returns the most recent reading for a space, or a NotFound
	// coded error when the space has no readings yet.
	Latest(ctx context.Context, spaceID string) (model.OccupancyReading, error)

	// Aggregate returns one row per fixed-width time bucket covering the
	// range, ordered by bucket start ascending. Empty buckets are omitted.
	Aggregate(ctx context.Context, spaceID string, tr model.TimeRange, bucket time.Duration) ([]AggregateRow, error)

	// Ping verifies connectivity for the health surface.
	Ping(ctx context.Context) error
}
