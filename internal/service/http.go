package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"firewatch-pipeline/internal/alarm"

	"go.uber.org/zap"
)

// APIHandler 运维操作端点
// POST /incidents/acknowledge  {"incident_id": "...", "user_id": "..."}
// POST /incidents/resolve      {"incident_id": "..."}
// GET  /incidents/audit?incident_id=...
func (s *PipelineService) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/incidents/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("/incidents/resolve", s.handleResolve)
	mux.HandleFunc("/incidents/audit", s.handleAudit)
	return mux
}

type incidentRequest struct {
	IncidentID string `json:"incident_id"`
	UserID     string `json:"user_id,omitempty"`
}

func (s *PipelineService) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req incidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IncidentID == "" || req.UserID == "" {
		http.Error(w, "incident_id and user_id are required", http.StatusBadRequest)
		return
	}

	incident, err := s.AcknowledgeIncident(r.Context(), req.IncidentID, req.UserID)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}

	writeJSON(w, incident)
}

func (s *PipelineService) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req incidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IncidentID == "" {
		http.Error(w, "incident_id is required", http.StatusBadRequest)
		return
	}

	incident, err := s.ResolveIncident(r.Context(), req.IncidentID)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}

	writeJSON(w, incident)
}

func (s *PipelineService) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	incidentID := r.URL.Query().Get("incident_id")
	if incidentID == "" {
		http.Error(w, "incident_id is required", http.StatusBadRequest)
		return
	}

	attempts, err := s.DeliveryAudit(r.Context(), incidentID)
	if err != nil {
		s.logger.Error("Failed to query delivery audit", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, attempts)
}

// writeTransitionError 非法转换与未知事件分别映射 409 / 404
func (s *PipelineService) writeTransitionError(w http.ResponseWriter, err error) {
	var invalid *alarm.InvalidTransitionError
	if errors.As(err, &invalid) {
		http.Error(w, invalid.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
