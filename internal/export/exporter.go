// Package export streams accepted readings to a Kafka topic so
// downstream services (billing analytics, lease reporting) can consume
// occupancy events without touching the store. It is an auxiliary bus
// subscriber, disabled by default, and sits outside the core
// cache/store/fan-out flow.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"occusense/occupancy/internal/circuitbreaker"
	"occusense/occupancy/internal/model"
)

// Config holds the exporter runtime options.
type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type writeCloser interface {
	Close() error
}

const queueSize = 256

var (
	errNilLogger  = errors.New("exporter requires a logger")
	errNotStarted = errors.New("exporter not started")
)

// Exporter asynchronously publishes readings keyed by space so per-space
// ordering survives partitioning.
type Exporter struct {
	cfg     Config
	log     *slog.Logger
	writer  messageWriter
	closer  writeCloser
	breaker *circuitbreaker.Breaker
	enabled bool

	queue     chan model.OccupancyReading
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// New constructs an Exporter backed by a Kafka writer guarded by its own
// circuit breaker. A disabled config yields an inert exporter whose
// methods all no-op.
func New(cfg Config, log *slog.Logger) (*Exporter, error) {
	if log == nil {
		return nil, errNilLogger
	}
	if !cfg.Enabled {
		log.Info("export_disabled")
		return &Exporter{cfg: cfg, log: log, enabled: false}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("export topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one export broker is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
	}
	breaker := circuitbreaker.New("export-writer", circuitbreaker.Config{}, log, nil)
	return newWithWriter(cfg, log, writer, writer, breaker)
}

// newWithWriter wires the provided writer into the exporter. Test seam.
func newWithWriter(cfg Config, log *slog.Logger, writer messageWriter, closer writeCloser, breaker *circuitbreaker.Breaker) (*Exporter, error) {
	if log == nil {
		return nil, errNilLogger
	}
	if writer == nil {
		return nil, errors.New("exporter requires a writer")
	}
	e := &Exporter{
		cfg:     cfg,
		log:     log.With(slog.String("component", "export")),
		writer:  writer,
		closer:  closer,
		breaker: breaker,
		enabled: cfg.Enabled,
		queue:   make(chan model.OccupancyReading, queueSize),
	}
	return e, nil
}

// Start launches the background publishing loop.
func (e *Exporter) Start(ctx context.Context) error {
	if !e.enabled {
		return nil
	}
	e.startOnce.Do(func() {
		e.runCtx, e.cancel = context.WithCancel(ctx)
		e.started.Store(true)
		e.wg.Add(1)
		go e.run()
		e.log.Info("export_started", slog.String("topic", e.cfg.Topic))
	})
	if !e.started.Load() {
		return errNotStarted
	}
	return nil
}

// HandleReading is the bus subscriber entry point. A full queue drops the
// event; export is best-effort by design.
func (e *Exporter) HandleReading(r model.OccupancyReading) error {
	if !e.enabled || !e.started.Load() {
		return nil
	}
	select {
	case e.queue <- r:
	default:
		e.log.Warn("export_queue_full", slog.String("spaceId", r.SpaceID))
	}
	return nil
}

// Stop drains in-flight messages and closes the writer.
func (e *Exporter) Stop(ctx context.Context) error {
	if !e.enabled {
		return nil
	}
	var stopErr error
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if e.closer != nil {
			if err := e.closer.Close(); err != nil {
				e.log.Error("export_close_err", slog.Any("err", err))
			}
		}
		e.log.Info("export_stopped")
	})
	return stopErr
}

func (e *Exporter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.runCtx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case r := <-e.queue:
					e.publish(context.Background(), r)
				default:
					return
				}
			}
		case r := <-e.queue:
			e.publish(e.runCtx, r)
		}
	}
}

func (e *Exporter) publish(ctx context.Context, r model.OccupancyReading) {
	payload, err := json.Marshal(r)
	if err != nil {
		e.log.Error("export_encode_err", slog.Any("err", err))
		return
	}
	msg := kafka.Message{Key: []byte(r.SpaceID), Value: payload}
	err = e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		e.log.Warn("export_publish_failed",
			slog.String("spaceId", r.SpaceID), slog.Any("err", err))
	}
}
