// Package observability exposes the Prometheus metrics context shared by
// all occupancy components. One Metrics value is created at startup and
// handed to each component; there is no package-level registry state
// beyond the default prometheus registerer.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the instrumentation handle passed to components. A nil
// *Metrics is safe: every method no-ops, so tests can skip wiring it.
type Metrics struct {
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	readingsAccepted *prometheus.CounterVec
	readingsRejected *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	busPublished *prometheus.CounterVec
	busDropped   *prometheus.CounterVec
	busQueue     *prometheus.GaugeVec

	fanoutEmits       prometheus.Counter
	fanoutFailures    prometheus.Counter
	fanoutRateLimited prometheus.Counter
	activeConnections prometheus.Gauge

	storeDuration prometheus.Histogram
	storeErrors   prometheus.Counter
	breakerState  *prometheus.GaugeVec

	sensorsStale    prometheus.Gauge
	brokerReconnect prometheus.Counter
}

// New registers all occupancy metrics with the provided registerer (the
// default registerer when nil) and returns the context object.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_http_requests_total",
			Help: "Total HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "occupancy_http_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		readingsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_readings_accepted_total",
			Help: "Validated readings accepted into the pipeline by source.",
		}, []string{"source"}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_readings_rejected_total",
			Help: "Readings rejected at validation by reason.",
		}, []string{"reason"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_cache_hits_total",
			Help: "Current-state cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_cache_misses_total",
			Help: "Current-state cache misses (absent or stale).",
		}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_bus_delivered_total",
			Help: "Bus events delivered per subscriber.",
		}, []string{"subscriber"}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_bus_dropped_total",
			Help: "Bus events dropped because a subscriber queue was full.",
		}, []string{"subscriber"}),
		busQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "occupancy_bus_queue_depth",
			Help: "Current queue depth per subscriber.",
		}, []string{"subscriber"}),
		fanoutEmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_fanout_emits_total",
			Help: "Debounced real-time updates emitted to rooms.",
		}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_fanout_failures_total",
			Help: "Per-connection broadcast failures.",
		}),
		fanoutRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_fanout_rate_limited_total",
			Help: "Emits suppressed by per-connection rate limiting.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "occupancy_active_connections",
			Help: "Live real-time subscriptions.",
		}),
		storeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "occupancy_store_duration_seconds",
			Help:    "Histogram of occupancy store call durations.",
			Buckets: prometheus.DefBuckets,
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_store_errors_total",
			Help: "Occupancy store call failures.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "occupancy_cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
		sensorsStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "occupancy_sensors_stale",
			Help: "Sensors currently flagged stale by the health ticker.",
		}),
		brokerReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_broker_reconnects_total",
			Help: "Sensor broker reconnect attempts.",
		}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.readingsAccepted,
		m.readingsRejected,
		m.cacheHits,
		m.cacheMisses,
		m.busPublished,
		m.busDropped,
		m.busQueue,
		m.fanoutEmits,
		m.fanoutFailures,
		m.fanoutRateLimited,
		m.activeConnections,
		m.storeDuration,
		m.storeErrors,
		m.breakerState,
		m.sensorsStale,
		m.brokerReconnect,
	)

	m.breakerState.WithLabelValues("store").Set(0)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler instruments an HTTP handler with request count and duration.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) ReadingAccepted(source string) {
	if m == nil {
		return
	}
	m.readingsAccepted.WithLabelValues(source).Inc()
}

func (m *Metrics) ReadingRejected(reason string) {
	if m == nil {
		return
	}
	m.readingsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) BusDelivered(subscriber string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) BusDropped(subscriber string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) BusQueueDepth(subscriber string, depth int) {
	if m == nil {
		return
	}
	m.busQueue.WithLabelValues(subscriber).Set(float64(depth))
}

func (m *Metrics) FanoutEmit() {
	if m == nil {
		return
	}
	m.fanoutEmits.Inc()
}

func (m *Metrics) FanoutFailure() {
	if m == nil {
		return
	}
	m.fanoutFailures.Inc()
}

func (m *Metrics) FanoutRateLimited() {
	if m == nil {
		return
	}
	m.fanoutRateLimited.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) StoreRequest(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.storeDuration.Observe(duration.Seconds())
	if !success {
		m.storeErrors.Inc()
	}
}

func (m *Metrics) SetBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(state)
}

func (m *Metrics) SetStaleSensors(n int) {
	if m == nil {
		return
	}
	m.sensorsStale.Set(float64(n))
}

func (m *Metrics) BrokerReconnect() {
	if m == nil {
		return
	}
	m.brokerReconnect.Inc()
}
