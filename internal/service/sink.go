package service

import (
	"context"

	"occusense/occupancy/internal/cache"
	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/store"
)

// PersistSink is the batch coordinator's write path: a direct store
// insert (so per-item failures surface in the batch result) plus a cache
// fill. Last-write-wins in the cache keeps historical replay from
// clobbering fresher data. Batch writes deliberately skip the real-time
// fan-out: replayed history is not a live update.
type PersistSink struct {
	Store store.OccupancyStore
	Cache *cache.OccupancyCache
}

// Persist writes one validated reading.
func (s PersistSink) Persist(ctx context.Context, r model.OccupancyReading) error {
	if err := s.Store.Insert(ctx, r); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Put(r)
	}
	return nil
}
