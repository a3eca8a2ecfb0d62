// Package ingest validates and normalizes raw occupancy payloads into
// canonical readings and publishes accepted ones to the update bus.
package ingest

import (
	"log/slog"
	"time"

	"occusense/occupancy/internal/bus"
	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/observability"
	"occusense/occupancy/internal/occuerr"
)

// Rejection reason labels, used for logs and metrics.
const (
	ReasonBadSpaceID   = "bad_space_id"
	ReasonBadTimestamp = "bad_timestamp"
	ReasonBadCapacity  = "bad_capacity"
	ReasonBadCount     = "bad_occupant_count"
	ReasonBadSource    = "bad_source"
	ReasonNoMetadata   = "missing_sensor_metadata"
)

// Pipeline turns raw payloads into validated readings.
type Pipeline struct {
	log     *slog.Logger
	bus     *bus.UpdateBus
	metrics *observability.Metrics
	now     func() time.Time
}

// New builds the pipeline. The bus may be nil in validation-only contexts
// (the batch coordinator persists through its own path).
func New(b *bus.UpdateBus, log *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:     log.With(slog.String("component", "ingestion")),
		bus:     b,
		metrics: metrics,
		now:     time.Now,
	}
}

// Validate normalizes a raw payload into a canonical reading or rejects it
// with a coded reason. The utilization rate is always recomputed from the
// two counts; a client-submitted value is ignored. Sensor-sourced readings
// must carry sensor metadata.
func (p *Pipeline) Validate(raw model.RawReading, source model.DataSource) (model.OccupancyReading, error) {
	if !source.Valid() {
		return reject(p, ReasonBadSource, "unknown data source %q", source)
	}

	spaceID, err := model.ToString(raw.SpaceID)
	if err != nil || spaceID == "" {
		return reject(p, ReasonBadSpaceID, "invalid spaceId: %v", err)
	}

	ts, err := model.ToTime(raw.Timestamp)
	if err != nil || ts.IsZero() {
		return reject(p, ReasonBadTimestamp, "invalid timestamp: %v", err)
	}

	capacity, err := model.ToInt(raw.Capacity)
	if err != nil {
		return reject(p, ReasonBadCapacity, "invalid capacity: %v", err)
	}
	if capacity <= 0 {
		return reject(p, ReasonBadCapacity, "capacity must be > 0, got %d", capacity)
	}

	count, err := model.ToInt(raw.OccupantCount)
	if err != nil {
		return reject(p, ReasonBadCount, "invalid occupancyCount: %v", err)
	}
	if count < 0 {
		return reject(p, ReasonBadCount, "occupancyCount must be >= 0, got %d", count)
	}

	meta := raw.Metadata("")
	if source == model.SourceSensor && meta == nil {
		return reject(p, ReasonNoMetadata, "sensor reading for space %q lacks sensor metadata", spaceID)
	}

	r := model.OccupancyReading{
		SpaceID:         spaceID,
		Timestamp:       ts,
		OccupantCount:   count,
		Capacity:        capacity,
		UtilizationRate: model.Utilization(count, capacity),
		SensorMetadata:  meta,
		DataSource:      source,
		IsValidated:     true,
	}
	return r, nil
}

// Ingest validates and, on success, publishes the reading to the bus.
// Rejections are logged and returned to the caller; they never reach the
// bus, the cache, or the store.
func (p *Pipeline) Ingest(raw model.RawReading, source model.DataSource) (model.OccupancyReading, error) {
	r, err := p.Validate(raw, source)
	if err != nil {
		return model.OccupancyReading{}, err
	}
	p.metrics.ReadingAccepted(string(source))
	if p.bus != nil {
		p.bus.Publish(r)
	}
	return r, nil
}

func reject(p *Pipeline, reason, format string, args ...any) (model.OccupancyReading, error) {
	err := occuerr.Validation(format, args...)
	p.metrics.ReadingRejected(reason)
	p.log.Warn("reading_rejected", slog.String("reason", reason), slog.String("detail", err.Message))
	return model.OccupancyReading{}, err
}
