// Package realtime manages per-space subscriptions, debounces bursty
// updates, and emits coalesced readings to the external transport. The
// fanout owns all subscription state; the transport only moves bytes.
package realtime

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/observability"
	"occusense/occupancy/internal/occuerr"
)

// Room-scoped event names on the wire.
const (
	EventSubscribed   = "occupancy.subscribed"
	EventUnsubscribed = "occupancy.unsubscribed"
	EventUpdate       = "occupancy.update"
	EventError        = "system.error"
)

// Transport is the external real-time layer the fanout emits through.
type Transport interface {
	// Emit sends one event to one connection. An error counts against
	// the connection but never affects other subscribers.
	Emit(connectionID, event string, payload any) error
	// CloseConnection force-disconnects a client that exceeded the error
	// threshold.
	CloseConnection(connectionID string)
}

// ErrorPayload is the body of a system.error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Config tunes the fanout.
type Config struct {
	DebounceWindow  time.Duration // coalescing window per space
	RatePoints      int           // emits allowed per RateDuration per connection
	RateDuration    time.Duration
	RateBlock       time.Duration // penalty after a violation
	MaxClientErrors int           // force-disconnect threshold
	IdleTimeout     time.Duration // connections silent this long get evicted
	SweepEvery      time.Duration // idle sweep cadence
}

func (c *Config) defaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 100 * time.Millisecond
	}
	if c.RatePoints <= 0 {
		c.RatePoints = 100
	}
	if c.RateDuration <= 0 {
		c.RateDuration = time.Minute
	}
	if c.RateBlock <= 0 {
		c.RateBlock = time.Minute
	}
	if c.MaxClientErrors <= 0 {
		c.MaxClientErrors = 5
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * c.SweepEvery
	}
}

// Subscription is one client's interest record, owned by the fanout and
// looked up by connection id. The transport is never the source of truth
// for this state.
type Subscription struct {
	ConnectionID string
	Rooms        map[string]struct{}
	LastActivity time.Time
	MessageCount int
	ErrorCount   int

	limiter      *rate.Limiter
	blockedUntil time.Time
}

// SubscriptionView is the copy handed to callers inspecting state.
type SubscriptionView struct {
	ConnectionID string    `json:"connectionId"`
	Rooms        []string  `json:"rooms"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	ErrorCount   int       `json:"errorCount"`
}

// Fanout distributes debounced occupancy updates to subscribed clients.
type Fanout struct {
	cfg       Config
	log       *slog.Logger
	metrics   *observability.Metrics
	transport Transport
	now       func() time.Time

	mu      sync.Mutex
	subs    map[string]*Subscription          // connectionID -> record
	rooms   map[string]map[string]struct{}    // spaceID -> connection set
	pending map[string]model.OccupancyReading // spaceID -> latest reading in window
	timers  map[string]*time.Timer            // spaceID -> debounce timer
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the fanout and starts its idle-eviction sweep.
func New(cfg Config, transport Transport, log *slog.Logger, metrics *observability.Metrics) *Fanout {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{
		cfg:       cfg,
		log:       log.With(slog.String("component", "realtime_fanout")),
		metrics:   metrics,
		transport: transport,
		now:       time.Now,
		subs:      make(map[string]*Subscription),
		rooms:     make(map[string]map[string]struct{}),
		pending:   make(map[string]model.OccupancyReading),
		timers:    make(map[string]*time.Timer),
		stop:      make(chan struct{}),
	}
	f.wg.Add(1)
	go f.sweepLoop()
	return f
}

// Subscribe joins a connection to a space's room, creating the
// subscription record on first contact.
func (f *Fanout) Subscribe(connectionID, spaceID string) {
	f.mu.Lock()
	sub, ok := f.subs[connectionID]
	if !ok {
		sub = &Subscription{
			ConnectionID: connectionID,
			Rooms:        make(map[string]struct{}),
			limiter:      rate.NewLimiter(rate.Limit(float64(f.cfg.RatePoints)/f.cfg.RateDuration.Seconds()), f.cfg.RatePoints),
		}
		f.subs[connectionID] = sub
		f.metrics.ConnectionOpened()
	}
	sub.Rooms[spaceID] = struct{}{}
	sub.LastActivity = f.now()
	room := f.rooms[spaceID]
	if room == nil {
		room = make(map[string]struct{})
		f.rooms[spaceID] = room
	}
	room[connectionID] = struct{}{}
	f.mu.Unlock()

	f.emit(connectionID, EventSubscribed, map[string]string{"spaceId": spaceID})
	f.log.Debug("subscribed", slog.String("connectionId", connectionID), slog.String("spaceId", spaceID))
}

// Unsubscribe leaves one room; further updates for that space stop
// immediately.
func (f *Fanout) Unsubscribe(connectionID, spaceID string) {
	f.mu.Lock()
	if sub, ok := f.subs[connectionID]; ok {
		delete(sub.Rooms, spaceID)
		sub.LastActivity = f.now()
	}
	if room, ok := f.rooms[spaceID]; ok {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(f.rooms, spaceID)
		}
	}
	f.mu.Unlock()

	f.emit(connectionID, EventUnsubscribed, map[string]string{"spaceId": spaceID})
}

// Disconnect removes a connection from every room and drops its record.
func (f *Fanout) Disconnect(connectionID string) {
	f.mu.Lock()
	sub, ok := f.subs[connectionID]
	if ok {
		for spaceID := range sub.Rooms {
			if room, ok := f.rooms[spaceID]; ok {
				delete(room, connectionID)
				if len(room) == 0 {
					delete(f.rooms, spaceID)
				}
			}
		}
		delete(f.subs, connectionID)
	}
	f.mu.Unlock()
	if ok {
		f.metrics.ConnectionClosed()
		f.log.Debug("disconnected", slog.String("connectionId", connectionID))
	}
}

// Touch records client activity for idle accounting.
func (f *Fanout) Touch(connectionID string) {
	f.mu.Lock()
	if sub, ok := f.subs[connectionID]; ok {
		sub.LastActivity = f.now()
	}
	f.mu.Unlock()
}

// Subscriptions returns a snapshot of all live subscription records.
func (f *Fanout) Subscriptions() []SubscriptionView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SubscriptionView, 0, len(f.subs))
	for _, sub := range f.subs {
		rooms := make([]string, 0, len(sub.Rooms))
		for r := range sub.Rooms {
			rooms = append(rooms, r)
		}
		out = append(out, SubscriptionView{
			ConnectionID: sub.ConnectionID,
			Rooms:        rooms,
			LastActivity: sub.LastActivity,
			MessageCount: sub.MessageCount,
			ErrorCount:   sub.ErrorCount,
		})
	}
	return out
}

// ActiveConnections reports the live subscription count.
func (f *Fanout) ActiveConnections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// HandleReading is the bus subscriber entry point. Updates are coalesced
// per space: within one debounce window only the latest reading survives,
// shielding subscribers from sensor chatter. Intermediate values are
// intentionally dropped.
func (f *Fanout) HandleReading(r model.OccupancyReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	if _, anyone := f.rooms[r.SpaceID]; !anyone {
		return nil
	}

	if prev, ok := f.pending[r.SpaceID]; !ok || r.Newer(prev) {
		f.pending[r.SpaceID] = r
	}
	if _, armed := f.timers[r.SpaceID]; !armed {
		spaceID := r.SpaceID
		f.timers[spaceID] = time.AfterFunc(f.cfg.DebounceWindow, func() {
			f.flush(spaceID)
		})
	}
	return nil
}

// flush emits the coalesced reading for one space to every room member.
func (f *Fanout) flush(spaceID string) {
	f.mu.Lock()
	reading, ok := f.pending[spaceID]
	delete(f.pending, spaceID)
	delete(f.timers, spaceID)
	var members []string
	if room, exists := f.rooms[spaceID]; exists {
		members = make([]string, 0, len(room))
		for id := range room {
			members = append(members, id)
		}
	}
	closed := f.closed
	f.mu.Unlock()

	if !ok || closed || len(members) == 0 {
		return
	}
	f.metrics.FanoutEmit()
	for _, connectionID := range members {
		f.emitUpdate(connectionID, reading)
	}
}

// emitUpdate delivers one update to one connection, enforcing the
// per-connection rate limit and error threshold. Failures are isolated:
// they never affect delivery to other room members.
func (f *Fanout) emitUpdate(connectionID string, reading model.OccupancyReading) {
	f.mu.Lock()
	sub, ok := f.subs[connectionID]
	if !ok {
		f.mu.Unlock()
		return
	}
	now := f.now()
	if now.Before(sub.blockedUntil) {
		f.mu.Unlock()
		f.metrics.FanoutRateLimited()
		return
	}
	if !sub.limiter.Allow() {
		sub.blockedUntil = now.Add(f.cfg.RateBlock)
		f.mu.Unlock()
		f.metrics.FanoutRateLimited()
		f.log.Warn("connection_rate_limited", slog.String("connectionId", connectionID))
		limitErr := occuerr.RateLimited("update rate limit exceeded; throttled temporarily")
		f.emit(connectionID, EventError, ErrorPayload{
			Code:    string(limitErr.Code),
			Message: limitErr.Message,
		})
		return
	}
	sub.MessageCount++
	f.mu.Unlock()

	if err := f.transport.Emit(connectionID, EventUpdate, reading); err != nil {
		f.recordError(connectionID, err)
	}
}

// emit sends a control event, counting failures but never blocking.
func (f *Fanout) emit(connectionID, event string, payload any) {
	if err := f.transport.Emit(connectionID, event, payload); err != nil {
		f.recordError(connectionID, err)
	}
}

func (f *Fanout) recordError(connectionID string, err error) {
	f.metrics.FanoutFailure()
	coded := occuerr.Wrap(occuerr.CodeBroadcastFailed, "broadcast to connection failed", err)
	f.log.Warn("broadcast_failed",
		slog.String("connectionId", connectionID),
		slog.Any("err", coded))

	f.mu.Lock()
	sub, ok := f.subs[connectionID]
	var kick bool
	if ok {
		sub.ErrorCount++
		kick = sub.ErrorCount > f.cfg.MaxClientErrors
	}
	f.mu.Unlock()

	if kick {
		f.log.Warn("connection_error_threshold_exceeded", slog.String("connectionId", connectionID))
		f.Disconnect(connectionID)
		f.transport.CloseConnection(connectionID)
	}
}

// sweepLoop evicts connections idle beyond the timeout.
func (f *Fanout) sweepLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}

		cutoff := f.now().Add(-f.cfg.IdleTimeout)
		f.mu.Lock()
		var idle []string
		for id, sub := range f.subs {
			if sub.LastActivity.Before(cutoff) {
				idle = append(idle, id)
			}
		}
		f.mu.Unlock()

		for _, id := range idle {
			f.log.Info("evicting_idle_connection", slog.String("connectionId", id))
			f.Disconnect(id)
			f.transport.CloseConnection(id)
		}
	}
}

// Close stops the sweep and cancels pending debounce timers.
func (f *Fanout) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
	f.mu.Lock()
	f.closed = true
	for spaceID, t := range f.timers {
		t.Stop()
		delete(f.timers, spaceID)
	}
	f.pending = make(map[string]model.OccupancyReading)
	f.mu.Unlock()
}
