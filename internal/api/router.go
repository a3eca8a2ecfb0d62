// Package api exposes the occupancy query operations over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"occusense/occupancy/internal/observability"
	"occusense/occupancy/internal/service"
)

// Server bundles the handlers' dependencies.
type Server struct {
	svc     *service.Service
	log     *slog.Logger
	metrics *observability.Metrics
	ws      http.Handler
}

// NewServer builds the API server. ws serves the real-time upgrade
// endpoint and may be nil when the fan-out is disabled.
func NewServer(svc *service.Service, ws http.Handler, log *slog.Logger, metrics *observability.Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc:     svc,
		log:     log.With(slog.String("component", "api")),
		metrics: metrics,
		ws:      ws,
	}
}

// Router wires all routes with logging and metrics middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/api/v1/spaces/{spaceId}/occupancy",
		s.metrics.WrapHandler("current", http.HandlerFunc(s.handleCurrent))).Methods("GET")
	r.Handle("/api/v1/spaces/{spaceId}/trends",
		s.metrics.WrapHandler("trends", http.HandlerFunc(s.handleTrends))).Methods("GET")
	r.Handle("/api/v1/occupancy",
		s.metrics.WrapHandler("update", http.HandlerFunc(s.handleUpdate))).Methods("POST")
	r.Handle("/api/v1/occupancy/batch",
		s.metrics.WrapHandler("batch", http.HandlerFunc(s.handleBatch))).Methods("POST")

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	return handlers.CombinedLoggingHandler(os.Stdout, r)
}
