package engine

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/internal/detect"
	"github.com/stratusops/stratus/internal/models"
	"github.com/stratusops/stratus/internal/orchestrator"
)

// Routes builds the API mux.
func (s *System) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/alarm-webhook", s.Ingestor.WebhookHandler())

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/incidents", s.handleIncidents)
	mux.HandleFunc("/incidents/", s.handleIncidentByID)
	mux.HandleFunc("/detect", s.handleDetect)
	mux.HandleFunc("/detect/latest", s.handleDetectLatest)
	mux.HandleFunc("/approvals", s.handleApprovals)
	mux.HandleFunc("/approvals/", s.handleApprovalDecision)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/scheduler/status", s.handleSchedulerStatus)

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *System) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"region":    s.Config.Region,
		"detect":    s.DetectAgent.GetHealth(),
		"scheduler": s.Scheduler.Status(),
	})
}

// triggerRequest is the POST /incidents body for manual pipeline runs.
type triggerRequest struct {
	Services        []string        `json:"services,omitempty"`
	TriggerData     json.RawMessage `json:"trigger_data,omitempty"`
	AutoExecute     bool            `json:"auto_execute"`
	DryRun          bool            `json:"dry_run"`
	Force           bool            `json:"force"`
	LookbackMinutes int             `json:"lookback_minutes,omitempty"`
}

func (s *System) handleIncidents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
			return
		}
		rec := s.Orchestrator.HandleIncident(r.Context(), orchestrator.Request{
			TriggerType: models.TriggerManual,
			TriggerData: req.TriggerData,
			Services:    req.Services,
			AutoExecute: req.AutoExecute,
			DryRun:      req.DryRun,
			Force:       req.Force,
			Lookback:    time.Duration(req.LookbackMinutes) * time.Minute,
		})
		writeJSON(w, http.StatusOK, rec)

	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		status := models.IncidentStatus(r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, s.Orchestrator.List(limit, status))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *System) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/incidents/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing incident id")
		return
	}
	rec := s.Orchestrator.GetIncident(id)
	if rec == nil && s.History != nil {
		// Fall back to persisted history for records evicted from memory.
		var err error
		rec, err = s.History.Get(r.Context(), id)
		if err != nil {
			log.Warn().Err(err).Str("incident_id", id).Msg("History lookup failed")
		}
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *System) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Services        []string `json:"services,omitempty"`
		LookbackMinutes int      `json:"lookback_minutes,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
			return
		}
	}
	result, err := s.DetectAgent.RunDetection(r.Context(), detect.RunOptions{
		Services: req.Services,
		Lookback: time.Duration(req.LookbackMinutes) * time.Minute,
		Source:   models.DetectSourceManual,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *System) handleDetectLatest(w http.ResponseWriter, r *http.Request) {
	result := s.DetectAgent.Latest()
	if result == nil {
		writeError(w, http.StatusNotFound, "no detection has run yet")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *System) handleApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Safety.PendingApprovals())
}

// handleApprovalDecision serves POST /approvals/{id}/approve and
// /approvals/{id}/reject.
func (s *System) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/approvals/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		writeError(w, http.StatusBadRequest, "expected /approvals/{id}/approve or /approvals/{id}/reject")
		return
	}

	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
			return
		}
	}
	if body.Actor == "" {
		body.Actor = "api"
	}

	var (
		result *models.PendingApproval
		err    error
	)
	switch action {
	case "approve":
		result, err = s.Safety.Approve(id, body.Actor)
	case "reject":
		result, err = s.Safety.Reject(id, body.Actor, body.Reason)
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+action)
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *System) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline": s.Orchestrator.GetStats(),
		"safety":   s.Safety.GetStats(),
	})
}

func (s *System) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}
