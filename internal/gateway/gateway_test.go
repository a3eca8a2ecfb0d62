package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occusense/occupancy/internal/occuerr"
)

func TestSensorFromTopic(t *testing.T) {
	cases := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"sensors/sensor-1/data", "sensor-1", true},
		{"sensors/room-b.motion/data", "room-b.motion", true},
		{"sensors//data", "", false},
		{"sensors/sensor-1/query", "", false},
		{"devices/sensor-1/data", "", false},
		{"sensors/sensor-1/data/extra", "", false},
		{"sensors", "", false},
	}
	for _, tc := range cases {
		got, ok := sensorFromTopic(tc.topic)
		assert.Equal(t, tc.wantOK, ok, tc.topic)
		assert.Equal(t, tc.want, got, tc.topic)
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()

	assert.Equal(t, 10, c.MaxReconnects)
	assert.Equal(t, time.Second, c.BackoffBase)
	assert.Equal(t, 30*time.Second, c.BackoffMax)
	assert.Equal(t, 30*time.Second, c.HealthEvery)
	assert.Equal(t, 5*time.Second, c.QueryTimeout)

	// Explicit values survive.
	c = Config{MaxReconnects: 3, QueryTimeout: time.Second}
	c.defaults()
	assert.Equal(t, 3, c.MaxReconnects)
	assert.Equal(t, time.Second, c.QueryTimeout)
}

func TestQuerySensorsNotConnected(t *testing.T) {
	g := New(Config{}, nil, nil, nil)

	results, failures := g.QuerySensors(context.Background(), []string{"s1", "s2"})

	assert.Empty(t, results)
	require.Len(t, failures, 2)
	for _, err := range failures {
		assert.True(t, occuerr.Is(err, occuerr.CodeNotConnected))
	}
}

func TestQuerySensorsStaleFailsImmediately(t *testing.T) {
	g := New(Config{}, nil, nil, nil)
	g.setConnected(true)
	g.touch("s1")
	g.mu.Lock()
	g.stale["s1"] = true
	g.mu.Unlock()

	start := time.Now()
	results, failures := g.QuerySensors(context.Background(), []string{"s1"})

	assert.Empty(t, results)
	require.Contains(t, failures, "s1")
	assert.True(t, occuerr.Is(failures["s1"], occuerr.CodeSensor))
	// A stale sensor is rejected before any broker round trip.
	assert.Less(t, time.Since(start), time.Second)
}

func TestHealthSnapshot(t *testing.T) {
	g := New(Config{}, nil, nil, nil)
	g.setConnected(true)
	g.touch("s1")
	g.touch("s2")
	g.mu.Lock()
	g.stale["s2"] = true
	g.mu.Unlock()

	st := g.Health()

	assert.True(t, st.Connected)
	assert.Empty(t, st.FatalError)
	assert.Len(t, st.Sensors, 2)
	assert.Equal(t, []string{"s2"}, st.StaleSensors)
}

func TestSweepStaleFlagsSilentSensors(t *testing.T) {
	g := New(Config{HealthEvery: time.Second}, nil, nil, nil)
	now := time.Now()
	g.mu.Lock()
	g.lastSeen["quiet"] = now.Add(-3 * time.Second)
	g.lastSeen["chatty"] = now.Add(-time.Second)
	g.lastSeen["edge"] = now.Add(-2 * time.Second)
	g.mu.Unlock()

	g.sweepStale(now)

	// Silence beyond twice the health interval flags the sensor; the
	// bound is strict, and each sensor is judged independently.
	assert.True(t, g.SensorStale("quiet"))
	assert.False(t, g.SensorStale("chatty"))
	assert.False(t, g.SensorStale("edge"))
}

func TestSweepStaleRecoversOnContact(t *testing.T) {
	g := New(Config{HealthEvery: time.Second}, nil, nil, nil)
	g.mu.Lock()
	g.lastSeen["s1"] = time.Now().Add(-5 * time.Second)
	g.mu.Unlock()

	g.sweepStale(time.Now())
	require.True(t, g.SensorStale("s1"))

	g.touch("s1")
	g.sweepStale(time.Now())
	assert.False(t, g.SensorStale("s1"))
}

func TestConnectRetriesUnreachableBrokerToFatal(t *testing.T) {
	g := New(Config{
		BrokerURL:     "tcp://127.0.0.1:1",
		ClientID:      "gateway-test",
		MaxReconnects: 2,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
		HealthEvery:   time.Hour,
	}, nil, nil, nil)

	// An unreachable broker at startup is not fatal to Connect; retries
	// continue in the background until the cap is exhausted.
	require.NoError(t, g.Connect(context.Background()))
	assert.False(t, g.Connected())

	require.Eventually(t, func() bool {
		return g.Health().FatalError != ""
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, g.Disconnect())
}

func TestReconnectClearsFatalError(t *testing.T) {
	g := New(Config{}, nil, nil, nil)
	g.mu.Lock()
	g.fatalErr = occuerr.Connection(occuerr.CodeConnection, "broker unreachable after 10 reconnect attempts", nil)
	g.mu.Unlock()

	assert.NotEmpty(t, g.Health().FatalError)

	g.setConnected(true)
	assert.Empty(t, g.Health().FatalError)
}
