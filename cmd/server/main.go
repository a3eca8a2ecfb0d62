// Command server runs the occupancy core: sensor ingestion, current-state
// cache, trend analytics, real-time fan-out, and the HTTP query API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"occusense/occupancy/internal/api"
	"occusense/occupancy/internal/batch"
	"occusense/occupancy/internal/bus"
	"occusense/occupancy/internal/cache"
	"occusense/occupancy/internal/circuitbreaker"
	"occusense/occupancy/internal/config"
	"occusense/occupancy/internal/export"
	"occusense/occupancy/internal/gateway"
	"occusense/occupancy/internal/ingest"
	"occusense/occupancy/internal/logging"
	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/observability"
	"occusense/occupancy/internal/realtime"
	"occusense/occupancy/internal/realtime/ws"
	"occusense/occupancy/internal/service"
	"occusense/occupancy/internal/store"
	"occusense/occupancy/internal/trend"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server_exit", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	dual, err := logging.New()
	if err != nil {
		return err
	}
	defer dual.Close()
	log := dual.Logger

	metrics := observability.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence behind the circuit breaker.
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	breaker := circuitbreaker.New("store", circuitbreaker.Config{
		MaxFailures:  cfg.BreakerMaxFail,
		ResetTimeout: cfg.BreakerCooloff,
		CallTimeout:  cfg.StoreTimeout,
	}, log, func(st circuitbreaker.State) {
		metrics.SetBreakerState("store", float64(st))
	})
	occStore := store.WithBreaker(pg, breaker, metrics)

	occCache := cache.New(cfg.CacheStaleness, metrics)

	// Update bus with the three core consumers plus the optional exporter.
	updateBus := bus.New(cfg.BusBuffer, log, metrics)

	hub := ws.NewHub(log)
	fanout := realtime.New(realtime.Config{
		DebounceWindow:  cfg.DebounceWindow,
		RatePoints:      cfg.RatePoints,
		RateDuration:    cfg.RateDuration,
		RateBlock:       cfg.RateBlock,
		MaxClientErrors: cfg.MaxClientErrors,
		SweepEvery:      cfg.HealthInterval,
	}, hub, log, metrics)
	hub.Bind(fanout)

	exporter, err := export.New(export.Config{
		Enabled: cfg.ExportEnabled,
		Brokers: cfg.ExportBrokers,
		Topic:   cfg.ExportTopic,
	}, log)
	if err != nil {
		return err
	}
	if err := exporter.Start(ctx); err != nil {
		return err
	}

	updateBus.Subscribe("persistence", func(r model.OccupancyReading) error {
		writeCtx, done := context.WithTimeout(context.Background(), cfg.StoreTimeout+time.Second)
		defer done()
		return occStore.Insert(writeCtx, r)
	})
	updateBus.Subscribe("cache", func(r model.OccupancyReading) error {
		occCache.Put(r)
		return nil
	})
	updateBus.Subscribe("fanout", fanout.HandleReading)
	if cfg.ExportEnabled {
		updateBus.Subscribe("export", exporter.HandleReading)
	}

	pipeline := ingest.New(updateBus, log, metrics)

	// Sensor gateway; a dead broker degrades health but the query API
	// keeps serving.
	gw := gateway.New(gateway.Config{
		BrokerURL:     cfg.BrokerURL,
		ClientID:      cfg.BrokerClientID,
		Username:      cfg.BrokerUsername,
		Password:      cfg.BrokerPassword,
		MaxReconnects: cfg.BrokerMaxReconnects,
		BackoffBase:   cfg.BrokerBackoffBase,
		BackoffMax:    cfg.BrokerBackoffMax,
		HealthEvery:   cfg.HealthInterval,
		QueryTimeout:  cfg.SensorQueryTimeout,
	}, pipeline, log, metrics)
	if err := gw.Connect(ctx); err != nil {
		log.Error("gateway_connect_failed", slog.Any("err", err))
	}

	var trendCache trend.Cache
	switch cfg.TrendCacheMode {
	case "redis":
		if rc := trend.NewRedisCache(trend.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), cfg.TrendCacheTTL, log); rc != nil {
			trendCache = rc
		} else {
			log.Warn("redis_unreachable_falling_back_to_memory_trend_cache")
			trendCache = trend.NewMemoryCache(cfg.TrendCacheTTL)
		}
	case "off":
	default:
		trendCache = trend.NewMemoryCache(cfg.TrendCacheTTL)
	}
	analyzer := trend.New(occStore, trend.NoopDetector{}, trendCache, log)

	coordinator := batch.New(pipeline, service.PersistSink{Store: occStore, Cache: occCache}, log)

	svc := service.New(occCache, occStore, pipeline, analyzer, coordinator, gw, fanout, log)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.NewServer(svc, hub, log, metrics).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http_listening", slog.String("addr", cfg.BindAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigs:
		log.Info("shutting_down", slog.String("signal", sig.String()))
	}

	// Shutdown in dependency order: stop intake, drain the bus, flush
	// the exporter, then close the HTTP surface.
	if err := gw.Disconnect(); err != nil {
		log.Warn("gateway_disconnect_err", slog.Any("err", err))
	}
	updateBus.Close()
	fanout.Close()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := exporter.Stop(stopCtx); err != nil {
		log.Warn("exporter_stop_err", slog.Any("err", err))
	}
	return server.Shutdown(stopCtx)
}
