package service

import (
	"context"
	"time"

	"occusense/occupancy/internal/circuitbreaker"
)

// Overall health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthDetails breaks the check down by dependency.
type HealthDetails struct {
	Database     string `json:"database"`
	Cache        string `json:"cache"`
	Dependencies string `json:"dependencies"`
}

// HealthMetrics carries the runtime figures alongside the verdict.
type HealthMetrics struct {
	UptimeSeconds     float64 `json:"uptime"`
	ResponseTimeMs    float64 `json:"responseTime"`
	ActiveConnections int     `json:"activeConnections"`
}

// HealthResult is the full health-check payload.
type HealthResult struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Details   HealthDetails `json:"details"`
	Metrics   HealthMetrics `json:"metrics"`
}

// breakerReporter is implemented by the breaker-wrapped store.
type breakerReporter interface {
	BreakerState() circuitbreaker.State
}

// HealthCheck probes the database, inspects the cache, and folds in the
// sensor gateway state. A broken database or exhausted broker reconnects
// degrade the verdict; both together make it unhealthy.
func (s *Service) HealthCheck(ctx context.Context) HealthResult {
	start := time.Now()

	dbStatus := "up"
	dbDown := false
	if br, ok := s.store.(breakerReporter); ok && br.BreakerState() == circuitbreaker.Open {
		dbStatus = "circuit-open"
		dbDown = true
	} else if err := s.store.Ping(ctx); err != nil {
		dbStatus = "down"
		dbDown = true
	}

	// The cache is in-process and advisory; it cannot fail, only shrink.
	cacheStatus := "up"

	depStatus := "up"
	depDown := false
	if s.gateway != nil {
		gw := s.gateway.Health()
		switch {
		case gw.FatalError != "":
			depStatus = "broker-unreachable"
			depDown = true
		case !gw.Connected:
			depStatus = "broker-reconnecting"
			depDown = true
		case len(gw.StaleSensors) > 0:
			depStatus = "stale-sensors"
		}
	}

	status := StatusHealthy
	switch {
	case dbDown && depDown:
		status = StatusUnhealthy
	case dbDown || depDown:
		status = StatusDegraded
	}

	active := 0
	if s.conns != nil {
		active = s.conns.ActiveConnections()
	}

	return HealthResult{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Details: HealthDetails{
			Database:     dbStatus,
			Cache:        cacheStatus,
			Dependencies: depStatus,
		},
		Metrics: HealthMetrics{
			UptimeSeconds:     time.Since(s.started).Seconds(),
			ResponseTimeMs:    float64(time.Since(start).Microseconds()) / 1000.0,
			ActiveConnections: active,
		},
	}
}
