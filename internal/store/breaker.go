package store

import (
	"context"
	"errors"
	"time"

	"occusense/occupancy/internal/circuitbreaker"
	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/observability"
	"occusense/occupancy/internal/occuerr"
)

// BreakerStore decorates an OccupancyStore with the circuit breaker and
// call metrics. While the breaker is open, calls fail fast with a
// degraded-mode coded error instead of queueing against a dead database.
type BreakerStore struct {
	inner   OccupancyStore
	breaker *circuitbreaker.Breaker
	metrics *observability.Metrics
}

// WithBreaker wraps the store.
func WithBreaker(inner OccupancyStore, breaker *circuitbreaker.Breaker, metrics *observability.Metrics) *BreakerStore {
	return &BreakerStore{inner: inner, breaker: breaker, metrics: metrics}
}

func (s *BreakerStore) run(ctx context.Context, op func(ctx context.Context) error) error {
	start := time.Now()
	err := s.breaker.Execute(ctx, op)
	s.metrics.StoreRequest(time.Since(start), err == nil)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return occuerr.Wrap(occuerr.CodeInternal, "occupancy store unavailable (degraded mode)", err)
	}
	return err
}

func (s *BreakerStore) Insert(ctx context.Context, r model.OccupancyReading) error {
	return s.run(ctx, func(ctx context.Context) error {
		return s.inner.Insert(ctx, r)
	})
}

func (s *BreakerStore) Latest(ctx context.Context, spaceID string) (model.OccupancyReading, error) {
	var out model.OccupancyReading
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.Latest(ctx, spaceID)
		// A missing space is an answer, not a store fault; don't trip
		// the breaker for it.
		if err != nil && occuerr.Is(err, occuerr.CodeNotFound) {
			out = model.OccupancyReading{}
			return nil
		}
		return err
	})
	if err != nil {
		return model.OccupancyReading{}, err
	}
	if out.SpaceID == "" {
		return model.OccupancyReading{}, occuerr.NotFound("no occupancy data for space %q", spaceID)
	}
	return out, nil
}

func (s *BreakerStore) Aggregate(ctx context.Context, spaceID string, tr model.TimeRange, bucket time.Duration) ([]AggregateRow, error) {
	var rows []AggregateRow
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.inner.Aggregate(ctx, spaceID, tr, bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		return s.inner.Ping(ctx)
	})
}

// BreakerState exposes the wrapped breaker state for the health surface.
func (s *BreakerStore) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}
