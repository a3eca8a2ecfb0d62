// Package service implements the occupancy query operations behind the
// uniform {success, data, error} envelope, gluing the cache, store,
// pipeline, batch coordinator, and fan-out together.
package service

import (
	"context"
	"log/slog"
	"time"

	"occusense/occupancy/internal/batch"
	"occusense/occupancy/internal/cache"
	"occusense/occupancy/internal/gateway"
	"occusense/occupancy/internal/ingest"
	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
	"occusense/occupancy/internal/store"
	"occusense/occupancy/internal/trend"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the uniform result envelope for every query operation.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: &ErrorBody{
		Code:    string(occuerr.CodeOf(err)),
		Message: occuerr.MessageOf(err),
	}}
}

// UpdateOptions tunes a single manual/system update.
type UpdateOptions struct {
	Source          model.DataSource
	RequireMetadata bool
	ValidateSensor  bool // pre-check the sourcing sensor's health before ingesting
}

// BatchOptions tunes a bulk update.
type BatchOptions struct {
	MaxConcurrent   int
	ContinueOnError bool
	ValidateAll     bool // reject the whole batch when any reading fails validation
	Source          model.DataSource
}

// ConnectionCounter exposes the fan-out's live connection count to the
// health surface.
type ConnectionCounter interface {
	ActiveConnections() int
}

// SensorGateway is the broker-facing surface the service consults for
// sensor and session health.
type SensorGateway interface {
	Health() gateway.Status
	SensorStale(sensorID string) bool
}

// Service answers occupancy queries.
type Service struct {
	log      *slog.Logger
	cache    *cache.OccupancyCache
	store    store.OccupancyStore
	pipeline *ingest.Pipeline
	analyzer *trend.Analyzer
	batch    *batch.Coordinator
	gateway  SensorGateway
	conns    ConnectionCounter
	started  time.Time
}

// New wires the service. gateway and conns may be nil in tests.
func New(
	c *cache.OccupancyCache,
	s store.OccupancyStore,
	p *ingest.Pipeline,
	a *trend.Analyzer,
	b *batch.Coordinator,
	g SensorGateway,
	conns ConnectionCounter,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:      log.With(slog.String("component", "occupancy_service")),
		cache:    c,
		store:    s,
		pipeline: p,
		analyzer: a,
		batch:    b,
		gateway:  g,
		conns:    conns,
		started:  time.Now(),
	}
}

// GetCurrentOccupancy serves the current state for one space: cache hit
// within the staleness bound, otherwise store lookup with a cache fill.
func (s *Service) GetCurrentOccupancy(ctx context.Context, spaceID string) Response {
	if spaceID == "" {
		return fail(occuerr.Validation("spaceId is required"))
	}
	if r, hit := s.cache.GetCurrent(spaceID); hit {
		return ok(r)
	}
	r, err := s.store.Latest(ctx, spaceID)
	if err != nil {
		return fail(err)
	}
	s.cache.Put(r)
	return ok(r)
}

// GetOccupancyTrends serves windowed aggregates for one space.
func (s *Service) GetOccupancyTrends(ctx context.Context, spaceID string, tr model.TimeRange, opts trend.Options) Response {
	w, err := s.analyzer.GetTrends(ctx, spaceID, tr, opts)
	if err != nil {
		return fail(err)
	}
	return ok(w)
}

// UpdateOccupancyData ingests one manual or system reading through the
// full pipeline: validation, then bus publication to the cache, store,
// and fan-out subscribers.
func (s *Service) UpdateOccupancyData(ctx context.Context, raw model.RawReading, opts UpdateOptions) Response {
	source := opts.Source
	if source == "" {
		source = model.SourceManual
	}
	if opts.RequireMetadata && raw.Metadata("") == nil {
		return fail(occuerr.Validation("sensorMetadata is required for this update"))
	}
	if opts.ValidateSensor {
		meta := raw.Metadata("")
		if meta == nil || meta.SensorID == "" {
			return fail(occuerr.Validation("sensor validation requires sensorMetadata.sensorId"))
		}
		if s.gateway != nil && s.gateway.SensorStale(meta.SensorID) {
			return fail(occuerr.Sensor("sensor %q failed health check: silent beyond threshold", meta.SensorID))
		}
	}
	r, err := s.pipeline.Ingest(raw, source)
	if err != nil {
		return fail(err)
	}
	return ok(r)
}

// BatchUpdateOccupancy runs the bounded-concurrency bulk path.
func (s *Service) BatchUpdateOccupancy(ctx context.Context, raws []model.RawReading, opts BatchOptions) Response {
	if len(raws) == 0 {
		return fail(occuerr.Validation("batch must contain at least one reading"))
	}
	result := s.batch.Run(ctx, raws, batch.Options{
		MaxConcurrent:   opts.MaxConcurrent,
		ContinueOnError: opts.ContinueOnError,
		ValidateAll:     opts.ValidateAll,
		Source:          opts.Source,
	})
	return ok(result)
}
