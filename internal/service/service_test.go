package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occusense/occupancy/internal/batch"
	"occusense/occupancy/internal/bus"
	"occusense/occupancy/internal/cache"
	"occusense/occupancy/internal/gateway"
	"occusense/occupancy/internal/ingest"
	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
	"occusense/occupancy/internal/store"
	"occusense/occupancy/internal/trend"
)

type fakeStore struct {
	mu          sync.Mutex
	latest      map[string]model.OccupancyReading
	latestCalls int
	pingErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{latest: make(map[string]model.OccupancyReading)}
}

func (f *fakeStore) Insert(_ context.Context, r model.OccupancyReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.latest[r.SpaceID]; !ok || r.Newer(cur) {
		f.latest[r.SpaceID] = r
	}
	return nil
}

func (f *fakeStore) Latest(_ context.Context, spaceID string) (model.OccupancyReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	r, ok := f.latest[spaceID]
	if !ok {
		return model.OccupancyReading{}, occuerr.NotFound("no occupancy data for space %q", spaceID)
	}
	return r, nil
}

func (f *fakeStore) Aggregate(context.Context, string, model.TimeRange, time.Duration) ([]store.AggregateRow, error) {
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

type discardSink struct{}

func (discardSink) Persist(context.Context, model.OccupancyReading) error { return nil }

type fakeGateway struct {
	status gateway.Status
	stale  map[string]bool
}

func (f *fakeGateway) Health() gateway.Status           { return f.status }
func (f *fakeGateway) SensorStale(sensorID string) bool { return f.stale[sensorID] }

func newTestService(t *testing.T, st store.OccupancyStore, gw SensorGateway) *Service {
	t.Helper()
	c := cache.New(30*time.Second, nil)
	b := bus.New(16, nil, nil)
	t.Cleanup(b.Close)
	p := ingest.New(b, nil, nil)
	a := trend.New(st, nil, nil, nil)
	coord := batch.New(p, discardSink{}, nil)
	return New(c, st, p, a, coord, gw, nil, nil)
}

func TestGetCurrentOccupancyFillsCache(t *testing.T) {
	st := newFakeStore()
	st.latest["room-1"] = model.OccupancyReading{
		SpaceID:         "room-1",
		Timestamp:       time.Now(),
		OccupantCount:   12,
		Capacity:        40,
		UtilizationRate: 30,
		DataSource:      model.SourceSensor,
		IsValidated:     true,
	}
	svc := newTestService(t, st, nil)

	resp := svc.GetCurrentOccupancy(context.Background(), "room-1")
	require.True(t, resp.Success)
	assert.Equal(t, 1, st.latestCalls)

	// Second read is served from the cache fill, not the store.
	resp = svc.GetCurrentOccupancy(context.Background(), "room-1")
	require.True(t, resp.Success)
	assert.Equal(t, 1, st.latestCalls)

	got, ok := resp.Data.(model.OccupancyReading)
	require.True(t, ok)
	assert.Equal(t, 12, got.OccupantCount)
}

func TestGetCurrentOccupancyUnknownSpace(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	resp := svc.GetCurrentOccupancy(context.Background(), "nowhere")

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(occuerr.CodeNotFound), resp.Error.Code)
}

func TestGetCurrentOccupancyRequiresSpaceID(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	resp := svc.GetCurrentOccupancy(context.Background(), "")

	require.False(t, resp.Success)
	assert.Equal(t, string(occuerr.CodeValidation), resp.Error.Code)
}

func TestUpdateOccupancyDataDefaultsToManual(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	resp := svc.UpdateOccupancyData(context.Background(), model.RawReading{
		SpaceID:       "room-2",
		Timestamp:     time.Now().Format(time.RFC3339),
		OccupantCount: float64(5),
		Capacity:      float64(10),
	}, UpdateOptions{})

	require.True(t, resp.Success)
	r, ok := resp.Data.(model.OccupancyReading)
	require.True(t, ok)
	assert.Equal(t, model.SourceManual, r.DataSource)
	assert.True(t, r.IsValidated)
	assert.InDelta(t, 50.0, r.UtilizationRate, 0.001)
}

func TestUpdateOccupancyDataRequireMetadata(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	resp := svc.UpdateOccupancyData(context.Background(), model.RawReading{
		SpaceID:       "room-2",
		Timestamp:     time.Now().Format(time.RFC3339),
		OccupantCount: float64(5),
		Capacity:      float64(10),
	}, UpdateOptions{RequireMetadata: true})

	require.False(t, resp.Success)
	assert.Equal(t, string(occuerr.CodeValidation), resp.Error.Code)
}

func TestUpdateOccupancyDataValidateSensorRejectsStale(t *testing.T) {
	gw := &fakeGateway{stale: map[string]bool{"occ-7": true}}
	svc := newTestService(t, newFakeStore(), gw)

	resp := svc.UpdateOccupancyData(context.Background(), model.RawReading{
		SpaceID:        "room-2",
		Timestamp:      time.Now().Format(time.RFC3339),
		OccupantCount:  float64(5),
		Capacity:       float64(10),
		SensorMetadata: &model.SensorMetadata{SensorID: "occ-7"},
	}, UpdateOptions{Source: model.SourceSensor, ValidateSensor: true})

	require.False(t, resp.Success)
	assert.Equal(t, string(occuerr.CodeSensor), resp.Error.Code)
}

func TestUpdateOccupancyDataValidateSensorAcceptsHealthy(t *testing.T) {
	gw := &fakeGateway{stale: map[string]bool{"occ-7": true}}
	svc := newTestService(t, newFakeStore(), gw)

	resp := svc.UpdateOccupancyData(context.Background(), model.RawReading{
		SpaceID:        "room-2",
		Timestamp:      time.Now().Format(time.RFC3339),
		OccupantCount:  float64(5),
		Capacity:       float64(10),
		SensorMetadata: &model.SensorMetadata{SensorID: "occ-8"},
	}, UpdateOptions{Source: model.SourceSensor, ValidateSensor: true})

	require.True(t, resp.Success)
}

func TestUpdateOccupancyDataValidateSensorNeedsSensorID(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeGateway{})

	resp := svc.UpdateOccupancyData(context.Background(), model.RawReading{
		SpaceID:       "room-2",
		Timestamp:     time.Now().Format(time.RFC3339),
		OccupantCount: float64(5),
		Capacity:      float64(10),
	}, UpdateOptions{ValidateSensor: true})

	require.False(t, resp.Success)
	assert.Equal(t, string(occuerr.CodeValidation), resp.Error.Code)
}

func TestUpdateOccupancyDataRejectsInvalid(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	resp := svc.UpdateOccupancyData(context.Background(), model.RawReading{
		SpaceID:       "room-2",
		Timestamp:     time.Now().Format(time.RFC3339),
		OccupantCount: float64(5),
		Capacity:      float64(0),
	}, UpdateOptions{})

	require.False(t, resp.Success)
	assert.Equal(t, string(occuerr.CodeValidation), resp.Error.Code)
}

func TestBatchUpdateRejectsEmptyBatch(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	resp := svc.BatchUpdateOccupancy(context.Background(), nil, BatchOptions{})

	require.False(t, resp.Success)
	assert.Equal(t, string(occuerr.CodeValidation), resp.Error.Code)
}

func TestBatchUpdateReportsResult(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	raws := []model.RawReading{
		{SpaceID: "a", Timestamp: time.Now().Format(time.RFC3339), OccupantCount: float64(1), Capacity: float64(10)},
		{SpaceID: "b", Timestamp: time.Now().Format(time.RFC3339), OccupantCount: float64(2), Capacity: float64(0)},
	}
	resp := svc.BatchUpdateOccupancy(context.Background(), raws, BatchOptions{ContinueOnError: true})

	require.True(t, resp.Success)
	result, ok := resp.Data.(batch.Result)
	require.True(t, ok)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
}

func TestHealthCheckHealthy(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)

	res := svc.HealthCheck(context.Background())

	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "up", res.Details.Database)
	assert.Equal(t, "up", res.Details.Cache)
	assert.Equal(t, "up", res.Details.Dependencies)
}

func TestHealthCheckDegradedOnDatabase(t *testing.T) {
	st := newFakeStore()
	st.pingErr = occuerr.Internal("connection refused", nil)
	svc := newTestService(t, st, nil)

	res := svc.HealthCheck(context.Background())

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "down", res.Details.Database)
}

func TestHealthCheckDegradedOnGateway(t *testing.T) {
	// A freshly built gateway has no broker session yet.
	gw := gateway.New(gateway.Config{}, nil, nil, nil)
	svc := newTestService(t, newFakeStore(), gw)

	res := svc.HealthCheck(context.Background())

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "broker-reconnecting", res.Details.Dependencies)
}

func TestHealthCheckUnhealthyWhenBothDown(t *testing.T) {
	st := newFakeStore()
	st.pingErr = occuerr.Internal("connection refused", nil)
	gw := gateway.New(gateway.Config{}, nil, nil, nil)
	svc := newTestService(t, st, gw)

	res := svc.HealthCheck(context.Background())

	assert.Equal(t, StatusUnhealthy, res.Status)
}
