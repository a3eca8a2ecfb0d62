package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
	"occusense/occupancy/internal/service"
	"occusense/occupancy/internal/trend"
)

// handleCurrent serves GET /api/v1/spaces/{spaceId}/occupancy.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	spaceID := mux.Vars(r)["spaceId"]
	resp := s.svc.GetCurrentOccupancy(r.Context(), spaceID)
	s.writeEnvelope(w, resp)
}

// handleTrends serves GET /api/v1/spaces/{spaceId}/trends with
// from/to/interval/anomalies/smoothing query parameters. from and to
// default to the trailing 24 hours.
func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	spaceID := mux.Vars(r)["spaceId"]
	q := r.URL.Query()

	now := time.Now().UTC()
	tr := model.TimeRange{Start: now.Add(-24 * time.Hour), End: now}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeEnvelope(w, failEnvelope(occuerr.Validation("bad 'from' (RFC3339)")))
			return
		}
		tr.Start = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeEnvelope(w, failEnvelope(occuerr.Validation("bad 'to' (RFC3339)")))
			return
		}
		tr.End = ts
	}

	opts := trend.Options{
		Interval:         model.BucketInterval(q.Get("interval")),
		IncludeAnomalies: q.Get("anomalies") == "true",
		Smoothing:        q.Get("smoothing") == "true",
	}
	resp := s.svc.GetOccupancyTrends(r.Context(), spaceID, tr, opts)
	s.writeEnvelope(w, resp)
}

type updateRequest struct {
	model.RawReading
	Source          string `json:"dataSource"`
	RequireMetadata bool   `json:"requireMetadata"`
	ValidateSensor  bool   `json:"validateSensor"`
}

// handleUpdate serves POST /api/v1/occupancy for single manual or system
// corrections.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeEnvelope(w, failEnvelope(occuerr.Validation("invalid JSON body")))
		return
	}
	resp := s.svc.UpdateOccupancyData(r.Context(), req.RawReading, service.UpdateOptions{
		Source:          model.DataSource(req.Source),
		RequireMetadata: req.RequireMetadata,
		ValidateSensor:  req.ValidateSensor,
	})
	s.writeEnvelope(w, resp)
}

type batchRequest struct {
	Readings        []model.RawReading `json:"readings"`
	MaxConcurrent   int                `json:"maxConcurrent"`
	ContinueOnError bool               `json:"continueOnError"`
	ValidateAll     bool               `json:"validateAll"`
	Source          string             `json:"dataSource"`
}

// handleBatch serves POST /api/v1/occupancy/batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeEnvelope(w, failEnvelope(occuerr.Validation("invalid JSON body")))
		return
	}
	resp := s.svc.BatchUpdateOccupancy(r.Context(), req.Readings, service.BatchOptions{
		MaxConcurrent:   req.MaxConcurrent,
		ContinueOnError: req.ContinueOnError,
		ValidateAll:     req.ValidateAll,
		Source:          model.DataSource(req.Source),
	})
	s.writeEnvelope(w, resp)
}

// handleHealth serves GET /healthz with the full health payload.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result := s.svc.HealthCheck(r.Context())
	status := http.StatusOK
	if result.Status == service.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, result)
}

func failEnvelope(err error) service.Response {
	return service.Response{Success: false, Error: &service.ErrorBody{
		Code:    string(occuerr.CodeOf(err)),
		Message: occuerr.MessageOf(err),
	}}
}

// writeEnvelope maps envelope error codes onto HTTP statuses.
func (s *Server) writeEnvelope(w http.ResponseWriter, resp service.Response) {
	status := http.StatusOK
	if !resp.Success && resp.Error != nil {
		switch occuerr.Code(resp.Error.Code) {
		case occuerr.CodeValidation:
			status = http.StatusBadRequest
		case occuerr.CodeNotFound:
			status = http.StatusNotFound
		case occuerr.CodeRateLimited:
			status = http.StatusTooManyRequests
		default:
			status = http.StatusInternalServerError
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write_response_failed", slog.Any("err", err))
	}
}
