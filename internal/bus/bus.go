// Package bus is the in-process publish/subscribe hub distributing
// validated readings to the persistence writer, the cache updater, the
// real-time fan-out, and any auxiliary subscribers such as the Kafka
// exporter.
//
// Each subscriber owns a named FIFO queue serviced by its own goroutine,
// so readings for one space reach every subscriber in acceptance order
// while a slow or failing subscriber never blocks the others. When a
// queue is full the event is dropped for that subscriber only and
// counted.
package bus

import (
	"log/slog"
	"sort"
	"sync"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/observability"
)

// Handler consumes one validated reading. Errors are logged and counted;
// they never propagate to the publisher.
type Handler func(reading model.OccupancyReading) error

type subscriber struct {
	name    string
	queue   chan model.OccupancyReading
	handler Handler
	done    chan struct{}
}

// UpdateBus fans validated readings out to registered subscribers.
type UpdateBus struct {
	log     *slog.Logger
	metrics *observability.Metrics
	buffer  int

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// New builds a bus whose subscriber queues hold up to buffer events each.
func New(buffer int, log *slog.Logger, metrics *observability.Metrics) *UpdateBus {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &UpdateBus{
		log:     log.With(slog.String("component", "update_bus")),
		metrics: metrics,
		buffer:  buffer,
		subs:    make(map[string]*subscriber),
	}
}

// Subscribe registers a named consumer and starts its delivery goroutine.
// Registering the same name twice replaces the previous subscriber after
// draining it.
func (b *UpdateBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.Warn("subscribe_after_close", slog.String("subscriber", name))
		return
	}
	if prev, ok := b.subs[name]; ok {
		close(prev.queue)
		<-prev.done
	}
	s := &subscriber{
		name:    name,
		queue:   make(chan model.OccupancyReading, b.buffer),
		handler: h,
		done:    make(chan struct{}),
	}
	b.subs[name] = s
	b.mu.Unlock()

	go b.deliver(s)
	b.log.Info("subscriber_registered", slog.String("subscriber", name))
}

// Unsubscribe removes a consumer, draining its queue first.
func (b *UpdateBus) Unsubscribe(name string) {
	b.mu.Lock()
	s, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(s.queue)
	<-s.done
	b.log.Info("subscriber_removed", slog.String("subscriber", name))
}

// Subscribers returns the registered subscriber names, sorted.
func (b *UpdateBus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish enqueues a reading for every subscriber. Never blocks: a full
// subscriber queue drops the event for that subscriber alone.
func (b *UpdateBus) Publish(reading model.OccupancyReading) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.queue <- reading:
			b.metrics.BusQueueDepth(s.name, len(s.queue))
		default:
			b.metrics.BusDropped(s.name)
			b.log.Warn("bus_event_dropped",
				slog.String("subscriber", s.name),
				slog.String("spaceId", reading.SpaceID))
		}
	}
}

// Close stops accepting publishes and drains every subscriber queue.
func (b *UpdateBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
		<-s.done
	}
	b.log.Info("bus_closed")
}

func (b *UpdateBus) deliver(s *subscriber) {
	defer close(s.done)
	for reading := range s.queue {
		if err := s.handler(reading); err != nil {
			b.log.Error("subscriber_handler_error",
				slog.String("subscriber", s.name),
				slog.String("spaceId", reading.SpaceID),
				slog.Any("err", err))
			continue
		}
		b.metrics.BusDelivered(s.name)
	}
}
