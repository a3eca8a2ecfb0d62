// Package gateway maintains the MQTT session to the sensor broker,
// normalizes per-sensor payloads into the ingestion pipeline, tracks
// sensor liveness, and serves one-shot sensor queries over the same
// transport.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/observability"
	"occusense/occupancy/internal/occuerr"
)

const (
	dataTopicFilter  = "sensors/+/data"
	queryTopicFmt    = "sensors/%s/query"
	responseTopicFmt = "sensors/%s/response"
)

// Config holds the gateway tunables.
type Config struct {
	BrokerURL     string
	ClientID      string
	Username      string
	Password      string
	MaxReconnects int           // bounded retry cap; exceeding it is fatal to health
	BackoffBase   time.Duration // first retry delay, doubled per attempt
	BackoffMax    time.Duration
	HealthEvery   time.Duration // broker ping + silent-sensor sweep interval
	QueryTimeout  time.Duration // per-sensor request/response budget
}

func (c *Config) defaults() {
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HealthEvery <= 0 {
		c.HealthEvery = 30 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
}

// Ingestor is the pipeline handoff for raw sensor payloads.
type Ingestor interface {
	Ingest(raw model.RawReading, source model.DataSource) (model.OccupancyReading, error)
}

// SensorHealth is one sensor's liveness snapshot.
type SensorHealth struct {
	SensorID string    `json:"sensorId"`
	LastSeen time.Time `json:"lastSeen"`
	Stale    bool      `json:"stale"`
}

// Status is the gateway's contribution to the health surface.
type Status struct {
	Connected    bool           `json:"connected"`
	FatalError   string         `json:"fatalError,omitempty"`
	StaleSensors []string       `json:"staleSensors,omitempty"`
	Sensors      []SensorHealth `json:"sensors,omitempty"`
}

// Gateway is the sensor-broker session.
type Gateway struct {
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
	ingest  Ingestor

	client mqtt.Client

	mu        sync.Mutex
	connected bool
	fatalErr  error
	lastSeen  map[string]time.Time
	stale     map[string]bool
	pending   map[string]chan model.RawReading // sensorID -> in-flight query response

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a disconnected gateway.
func New(cfg Config, ingest Ingestor, log *slog.Logger, metrics *observability.Metrics) *Gateway {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cfg:      cfg,
		log:      log.With(slog.String("component", "sensor_gateway")),
		metrics:  metrics,
		ingest:   ingest,
		lastSeen: make(map[string]time.Time),
		stale:    make(map[string]bool),
		pending:  make(map[string]chan model.RawReading),
		stop:     make(chan struct{}),
	}
}

// Connect opens the broker session, subscribes to the per-sensor data
// topics, and starts the health ticker. Both an unreachable broker at
// startup and a dropped session enter the same bounded-backoff retry
// loop; exhausting the cap surfaces as a fatal health error rather than
// retrying forever. Connect itself only errors when ctx is cancelled.
func (g *Gateway) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(g.cfg.BrokerURL).
		SetClientID(g.cfg.ClientID).
		SetUsername(g.cfg.Username).
		SetPassword(g.cfg.Password).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			g.log.Warn("broker_connection_lost", slog.Any("err", err))
			g.setConnected(false)
			g.wg.Add(1)
			go g.reconnectLoop()
		})

	g.client = mqtt.NewClient(opts)

	g.wg.Add(1)
	go g.healthLoop()

	err := g.connectOnce(ctx)
	if err == nil {
		err = g.subscribeData()
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		g.log.Warn("initial_connect_failed_retrying", slog.Any("err", err))
		g.wg.Add(1)
		go g.reconnectLoop()
		return nil
	}

	g.log.Info("gateway_connected", slog.String("broker", g.cfg.BrokerURL))
	return nil
}

func (g *Gateway) connectOnce(ctx context.Context) error {
	token := g.client.Connect()
	if !waitToken(ctx, token) {
		return occuerr.Connection(occuerr.CodeConnection, "broker connect cancelled", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return occuerr.Connection(occuerr.CodeConnection, "broker connect failed", err)
	}
	g.setConnected(true)
	return nil
}

func (g *Gateway) subscribeData() error {
	token := g.client.Subscribe(dataTopicFilter, 1, g.handleData)
	token.Wait()
	if err := token.Error(); err != nil {
		return occuerr.Connection(occuerr.CodeConnection, "subscribe to sensor data failed", err)
	}
	return nil
}

// reconnectLoop retries with doubling backoff up to the configured cap.
// Exhausting the cap records a fatal connectivity error for the health
// surface rather than retrying forever.
func (g *Gateway) reconnectLoop() {
	defer g.wg.Done()
	delay := g.cfg.BackoffBase
	for attempt := 1; attempt <= g.cfg.MaxReconnects; attempt++ {
		select {
		case <-g.stop:
			return
		case <-time.After(delay):
		}
		g.metrics.BrokerReconnect()
		g.log.Info("broker_reconnect_attempt", slog.Int("attempt", attempt))

		token := g.client.Connect()
		token.Wait()
		if token.Error() == nil {
			if err := g.subscribeData(); err != nil {
				g.log.Error("resubscribe_failed", slog.Any("err", err))
			} else {
				g.setConnected(true)
				g.log.Info("broker_reconnected", slog.Int("attempt", attempt))
				return
			}
		} else {
			g.log.Warn("broker_reconnect_failed",
				slog.Int("attempt", attempt), slog.Any("err", token.Error()))
		}

		delay *= 2
		if delay > g.cfg.BackoffMax {
			delay = g.cfg.BackoffMax
		}
	}

	err := occuerr.Connection(occuerr.CodeConnection,
		fmt.Sprintf("broker unreachable after %d reconnect attempts", g.cfg.MaxReconnects), nil)
	g.mu.Lock()
	g.fatalErr = err
	g.mu.Unlock()
	g.log.Error("broker_reconnect_exhausted", slog.Int("attempts", g.cfg.MaxReconnects))
}

// handleData is the inbound path for sensors/{sensorId}/data messages.
func (g *Gateway) handleData(_ mqtt.Client, msg mqtt.Message) {
	sensorID, ok := sensorFromTopic(msg.Topic())
	if !ok {
		g.log.Warn("unroutable_topic", slog.String("topic", msg.Topic()))
		return
	}
	g.touch(sensorID)

	raw, err := model.DecodeRawReading(msg.Payload())
	if err != nil {
		g.log.Warn("bad_sensor_payload", slog.String("sensorId", sensorID), slog.Any("err", err))
		return
	}
	raw.SensorMetadata = raw.Metadata(sensorID)

	if _, err := g.ingest.Ingest(raw, model.SourceSensor); err != nil {
		// Already logged and counted by the pipeline.
		return
	}
}

// QuerySensors performs a one-shot request/response per sensor over the
// broker. Each sensor has an independent timeout; one silent sensor never
// blocks its siblings. Sensors currently flagged stale fail immediately
// with a sensor health error.
func (g *Gateway) QuerySensors(ctx context.Context, sensorIDs []string) (map[string]model.RawReading, map[string]error) {
	results := make(map[string]model.RawReading, len(sensorIDs))
	failures := make(map[string]error)

	if !g.Connected() {
		for _, id := range sensorIDs {
			failures[id] = occuerr.Connection(occuerr.CodeNotConnected, "sensor broker not connected", nil)
		}
		return results, failures
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, id := range sensorIDs {
		if g.SensorStale(id) {
			failures[id] = occuerr.Sensor("sensor %q failed health check: silent beyond threshold", id)
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			raw, err := g.querySensor(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[id] = err
				return
			}
			results[id] = raw
		}(id)
	}
	wg.Wait()
	return results, failures
}

func (g *Gateway) querySensor(ctx context.Context, sensorID string) (model.RawReading, error) {
	respCh := make(chan model.RawReading, 1)

	g.mu.Lock()
	if _, busy := g.pending[sensorID]; busy {
		g.mu.Unlock()
		return model.RawReading{}, occuerr.Sensor("query already in flight for sensor %q", sensorID)
	}
	g.pending[sensorID] = respCh
	g.mu.Unlock()
	defer g.clearPending(sensorID)

	respTopic := fmt.Sprintf(responseTopicFmt, sensorID)
	token := g.client.Subscribe(respTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		raw, err := model.DecodeRawReading(msg.Payload())
		if err != nil {
			g.log.Warn("bad_query_response", slog.String("sensorId", sensorID), slog.Any("err", err))
			return
		}
		select {
		case respCh <- raw:
		default:
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return model.RawReading{}, occuerr.Connection(occuerr.CodeConnection, "subscribe for sensor response failed", err)
	}
	defer g.client.Unsubscribe(respTopic)

	pub := g.client.Publish(fmt.Sprintf(queryTopicFmt, sensorID), 1, false, []byte(`{"request":"current"}`))
	pub.Wait()
	if err := pub.Error(); err != nil {
		return model.RawReading{}, occuerr.Connection(occuerr.CodeConnection, "publish sensor query failed", err)
	}

	select {
	case raw := <-respCh:
		g.touch(sensorID)
		return raw, nil
	case <-time.After(g.cfg.QueryTimeout):
		return model.RawReading{}, occuerr.Sensor("sensor %q did not respond within %s", sensorID, g.cfg.QueryTimeout)
	case <-ctx.Done():
		return model.RawReading{}, occuerr.Wrap(occuerr.CodeDisconnect, "sensor query cancelled", ctx.Err())
	case <-g.stop:
		return model.RawReading{}, occuerr.Connection(occuerr.CodeDisconnect, "gateway disconnecting", nil)
	}
}

// healthLoop pings the broker every interval and flags sensors silent for
// more than twice the interval as stale. Stale sensors are logged, never
// fatal.
func (g *Gateway) healthLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.HealthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}

		if !g.client.IsConnectionOpen() {
			g.setConnected(false)
		}
		g.sweepStale(time.Now())
	}
}

// sweepStale flags sensors silent for more than twice the health interval
// as stale. Each sensor is judged on its own last-seen time; one silent
// sensor never affects its siblings.
func (g *Gateway) sweepStale(now time.Time) {
	threshold := 2 * g.cfg.HealthEvery
	staleCount := 0
	g.mu.Lock()
	for id, seen := range g.lastSeen {
		wasStale := g.stale[id]
		isStale := now.Sub(seen) > threshold
		g.stale[id] = isStale
		if isStale {
			staleCount++
			if !wasStale {
				g.log.Warn("sensor_stale",
					slog.String("sensorId", id),
					slog.Duration("silentFor", now.Sub(seen)))
			}
		} else if wasStale {
			g.log.Info("sensor_recovered", slog.String("sensorId", id))
		}
	}
	g.mu.Unlock()
	g.metrics.SetStaleSensors(staleCount)
}

// Disconnect drains in-flight work, cancels pending sensor queries, and
// closes the broker session cleanly.
func (g *Gateway) Disconnect() error {
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()

	if g.client != nil && g.client.IsConnected() {
		token := g.client.Unsubscribe(dataTopicFilter)
		token.Wait()
		if err := token.Error(); err != nil {
			g.log.Warn("unsubscribe_failed", slog.Any("err", err))
		}
		g.client.Disconnect(250)
	}
	g.setConnected(false)
	g.log.Info("gateway_disconnected")
	return nil
}

// Health reports the gateway snapshot for the health-check surface.
func (g *Gateway) Health() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{Connected: g.connected}
	if g.fatalErr != nil {
		st.FatalError = g.fatalErr.Error()
	}
	for id, seen := range g.lastSeen {
		h := SensorHealth{SensorID: id, LastSeen: seen, Stale: g.stale[id]}
		st.Sensors = append(st.Sensors, h)
		if h.Stale {
			st.StaleSensors = append(st.StaleSensors, id)
		}
	}
	return st
}

// Connected reports whether the broker session is live.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Gateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	if v {
		g.fatalErr = nil
	}
	g.mu.Unlock()
}

func (g *Gateway) touch(sensorID string) {
	g.mu.Lock()
	g.lastSeen[sensorID] = time.Now()
	g.mu.Unlock()
}

// SensorStale reports whether the sensor is currently flagged stale by
// the health sweep.
func (g *Gateway) SensorStale(sensorID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stale[sensorID]
}

func (g *Gateway) clearPending(sensorID string) {
	g.mu.Lock()
	delete(g.pending, sensorID)
	g.mu.Unlock()
}

func sensorFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[2] != "data" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func waitToken(ctx context.Context, token mqtt.Token) bool {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
