package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
)

// Schema for reference; migrations live with the deployment tooling.
//
//	CREATE TABLE occupancy_readings (
//	    id               BIGSERIAL PRIMARY KEY,
//	    space_id         TEXT        NOT NULL,
//	    ts               TIMESTAMPTZ NOT NULL,
//	    occupant_count   INTEGER     NOT NULL CHECK (occupant_count >= 0),
//	    capacity         INTEGER     NOT NULL CHECK (capacity > 0),
//	    utilization_rate DOUBLE PRECISION NOT NULL,
//	    is_valid         BOOLEAN     NOT NULL DEFAULT TRUE,
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (space_id, ts)
//	);
//	CREATE INDEX idx_occupancy_readings_space_ts ON occupancy_readings (space_id, ts DESC);

const (
	insertSQL = `INSERT INTO occupancy_readings
		(space_id, ts, occupant_count, capacity, utilization_rate, is_valid)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (space_id, ts) DO NOTHING`

	latestSQL = `SELECT space_id, ts, occupant_count, capacity, utilization_rate, is_valid
		FROM occupancy_readings
		WHERE space_id = $1
		ORDER BY ts DESC
		LIMIT 1`

	aggregateSQL = `SELECT date_bin($4, ts, $2) AS bucket_start,
		       AVG(utilization_rate)  AS avg_utilization,
		       MAX(occupant_count)    AS peak_occupancy,
		       COUNT(*)               AS sample_count
		FROM occupancy_readings
		WHERE space_id = $1 AND ts >= $2 AND ts < $3 AND is_valid
		GROUP BY bucket_start
		ORDER BY bucket_start`
)

// PostgresStore persists readings in a Postgres time-series table through
// a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates and validates the connection pool.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Insert appends one reading; duplicate (spaceId, ts) rows are ignored.
func (s *PostgresStore) Insert(ctx context.Context, r model.OccupancyReading) error {
	_, err := s.pool.Exec(ctx, insertSQL,
		r.SpaceID, r.Timestamp.UTC(), r.OccupantCount, r.Capacity, r.UtilizationRate, r.IsValidated)
	if err != nil {
		return fmt.Errorf("insert reading for %s: %w", r.SpaceID, err)
	}
	return nil
}

// Latest fetches the newest reading for a space.
func (s *PostgresStore) Latest(ctx context.Context, spaceID string) (model.OccupancyReading, error) {
	var r model.OccupancyReading
	err := s.pool.QueryRow(ctx, latestSQL, spaceID).Scan(
		&r.SpaceID, &r.Timestamp, &r.OccupantCount, &r.Capacity, &r.UtilizationRate, &r.IsValidated)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OccupancyReading{}, occuerr.NotFound("no occupancy data for space %q", spaceID)
	}
	if err != nil {
		return model.OccupancyReading{}, fmt.Errorf("latest reading for %s: %w", spaceID, err)
	}
	r.DataSource = model.SourceSystem
	return r, nil
}

// Aggregate computes per-bucket average utilization, peak occupancy, and
// sample counts with date_bin anchored at the range start.
func (s *PostgresStore) Aggregate(ctx context.Context, spaceID string, tr model.TimeRange, bucket time.Duration) ([]AggregateRow, error) {
	rows, err := s.pool.Query(ctx, aggregateSQL,
		spaceID, tr.Start.UTC(), tr.End.UTC(), bucket)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", spaceID, err)
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var a AggregateRow
		if err := rows.Scan(&a.BucketStart, &a.AverageUtilization, &a.PeakOccupancy, &a.SampleCount); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate rows: %w", err)
	}
	return out, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
