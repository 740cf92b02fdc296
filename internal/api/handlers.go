package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/go-chi/chi/v5"
)

// maxReadingBody caps device report bodies.
const maxReadingBody = 64 << 10

// readingResult is returned to a device after a report.
type readingResult struct {
	SessionID      string `json:"session_id"`
	AlertThreshold int    `json:"alert_threshold"`
}

// sessionView is the public view of a monitoring session.
type sessionView struct {
	Session   models.SessionRecord    `json:"session"`
	Finalized bool                    `json:"finalized"`
	Metrics   *models.AnalysisMetrics `json:"metrics,omitempty"`
}

// healthHandler reports liveness and the reachability of the stores.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.backend.Ping(ctx); err != nil {
		slog.Warn("Server.healthHandler: store ping failed", "error", err)
		healthData["status"] = "degraded"
		healthData["store"] = "unreachable"
	}
	if s.opts.Cache != nil {
		if err := s.opts.Cache.Ping(ctx); err != nil {
			slog.Warn("Server.healthHandler: cache ping failed", "error", err)
			healthData["status"] = "degraded"
			healthData["cache"] = "unreachable"
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

func (s *Server) calibrationHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	subjectID, err := s.devices.CalibrateDevice(r.Context(), deviceID)
	if err != nil {
		slog.Warn("Server.calibrationHandler: calibration failed", "deviceID", deviceID, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.calibrationHandler: device calibrated", "deviceID", deviceID, "subjectID", subjectID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Device calibrated", nil))
}

func (s *Server) readingsHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var reading models.Reading
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReadingBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reading); err != nil {
		slog.Warn("Server.readingsHandler: failed to decode JSON", "deviceID", deviceID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := reading.Validate(); err != nil {
		writeError(w, err)
		return
	}

	sessionID, err := s.devices.RecordReading(r.Context(), deviceID, reading)
	if err != nil {
		slog.Warn("Server.readingsHandler: reading rejected", "deviceID", deviceID, "error", err)
		writeError(w, err)
		return
	}
	threshold, err := s.devices.AlertThreshold(r.Context(), deviceID)
	if err != nil {
		slog.Error("Server.readingsHandler: failed to load alert threshold", "deviceID", deviceID, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(readingResult{SessionID: sessionID, AlertThreshold: threshold}))
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rec, err := s.backend.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.sessionHandler: failed to load session", "sessionID", sessionID, "error", err)
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, models.ErrSessionNotFound)
		return
	}

	view := sessionView{Session: *rec, Finalized: rec.Finalized()}
	if view.Finalized {
		m, err := s.backend.GetMetrics(r.Context(), sessionID)
		if err != nil {
			slog.Error("Server.sessionHandler: failed to load metrics", "sessionID", sessionID, "error", err)
			writeError(w, err)
			return
		}
		view.Metrics = m
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrSubjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPreconditionUnmet):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	writeJSONResponse(w, code, models.Error(msg))
}
