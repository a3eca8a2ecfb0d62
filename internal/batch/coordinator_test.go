package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occusense/occupancy/internal/ingest"
	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
)

type memorySink struct {
	mu       sync.Mutex
	stored   []model.OccupancyReading
	failFor  map[string]error
	inFlight int
	peak     int
}

func newMemorySink() *memorySink {
	return &memorySink{failFor: make(map[string]error)}
}

func (s *memorySink) Persist(_ context.Context, r model.OccupancyReading) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(time.Millisecond) // widen the overlap window

	s.mu.Lock()
	err, failing := s.failFor[r.SpaceID]
	if !failing {
		s.stored = append(s.stored, r)
	}
	s.inFlight--
	s.mu.Unlock()
	if failing {
		return err
	}
	return nil
}

func raw(spaceID string, count, capacity int) model.RawReading {
	return model.RawReading{
		SpaceID:       spaceID,
		Timestamp:     "2026-03-01T09:00:00Z",
		OccupantCount: float64(count),
		Capacity:      float64(capacity),
	}
}

func coordinator(sink Sink) *Coordinator {
	return New(ingest.New(nil, nil, nil), sink, nil)
}

func TestContinueOnErrorCollectsAllFailures(t *testing.T) {
	sink := newMemorySink()
	c := coordinator(sink)

	raws := []model.RawReading{
		raw("S1", 10, 50),
		raw("S2", 0, 0), // invalid capacity
		raw("S3", 20, 50),
		raw("S4", -5, 50), // invalid count
		raw("S5", 30, 50),
		raw("S6", 40, 50),
		raw("S7", 50, 50),
	}
	result := c.Run(context.Background(), raws, Options{MaxConcurrent: 3, ContinueOnError: true})

	assert.Equal(t, 5, result.SuccessCount)
	assert.Equal(t, 2, result.FailureCount)
	assert.False(t, result.Stopped)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, 3, result.Errors[1].Index)
	assert.Equal(t, string(occuerr.CodeValidation), result.Errors[0].Code)
	assert.Len(t, sink.stored, 5)
}

func TestStopOnFirstFailingChunk(t *testing.T) {
	sink := newMemorySink()
	c := coordinator(sink)

	raws := []model.RawReading{
		raw("S1", 10, 50),
		raw("S2", 10, 50),
		raw("S3", 0, 0), // invalid — third chunk with MaxConcurrent=1
		raw("S4", 10, 50),
		raw("S5", 10, 50),
	}
	result := c.Run(context.Background(), raws, Options{MaxConcurrent: 1, ContinueOnError: false})

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.True(t, result.Stopped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 2, result.Errors[0].Index)
	assert.Len(t, sink.stored, 2, "chunks after the failure must not run")
}

func TestPersistFailuresAggregated(t *testing.T) {
	sink := newMemorySink()
	sink.failFor["S2"] = occuerr.Internal("disk full", nil)
	c := coordinator(sink)

	raws := []model.RawReading{
		raw("S1", 10, 50),
		raw("S2", 10, 50),
		raw("S3", 10, 50),
	}
	result := c.Run(context.Background(), raws, Options{MaxConcurrent: 3, ContinueOnError: true})

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "S2", result.Errors[0].SpaceID)
	assert.Equal(t, string(occuerr.CodeInternal), result.Errors[0].Code)
}

func TestConcurrencyBoundedByChunkSize(t *testing.T) {
	sink := newMemorySink()
	c := coordinator(sink)

	var raws []model.RawReading
	for i := 0; i < 40; i++ {
		raws = append(raws, raw("S1", i, 100))
	}
	result := c.Run(context.Background(), raws, Options{MaxConcurrent: 4, ContinueOnError: true})

	assert.Equal(t, 40, result.SuccessCount)
	assert.LessOrEqual(t, sink.peak, 4, "in-flight writes must respect maxConcurrent")
}

func TestValidateAllRejectsWholeBatch(t *testing.T) {
	sink := newMemorySink()
	c := coordinator(sink)

	raws := []model.RawReading{
		raw("S1", 10, 50),
		raw("S2", 0, 0), // invalid capacity
		raw("S3", 20, 50),
		raw("S4", -5, 50), // invalid count
	}
	result := c.Run(context.Background(), raws, Options{MaxConcurrent: 4, ContinueOnError: true, ValidateAll: true})

	assert.Zero(t, result.SuccessCount)
	assert.Equal(t, 2, result.FailureCount)
	assert.True(t, result.Stopped)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, 3, result.Errors[1].Index)
	assert.Empty(t, sink.stored, "a rejected batch must persist nothing")
}

func TestValidateAllPassesCleanBatch(t *testing.T) {
	sink := newMemorySink()
	c := coordinator(sink)

	raws := []model.RawReading{
		raw("S1", 10, 50),
		raw("S2", 20, 50),
		raw("S3", 30, 50),
	}
	result := c.Run(context.Background(), raws, Options{MaxConcurrent: 2, ValidateAll: true})

	assert.Equal(t, 3, result.SuccessCount)
	assert.Zero(t, result.FailureCount)
	assert.False(t, result.Stopped)
	assert.Len(t, sink.stored, 3)
}

func TestEmptyBatch(t *testing.T) {
	c := coordinator(newMemorySink())
	result := c.Run(context.Background(), nil, Options{})
	assert.Zero(t, result.SuccessCount)
	assert.Zero(t, result.FailureCount)
	assert.Empty(t, result.Errors)
}
