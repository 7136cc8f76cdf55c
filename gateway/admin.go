// ABOUTME: Admin API over the scheduler: pool inspection, instance toggles, blacklist.
// ABOUTME: Mutations return the refreshed instance snapshot so callers see the effect.

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/relay/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleVirtualModels(w http.ResponseWriter, r *http.Request) {
	stats := s.sched.Stats()
	writeJSON(w, http.StatusOK, map[string]any{"virtualModels": stats.Pools})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.sched.BlacklistEntries()})
}

func (s *Server) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.sched.RemoveFromBlacklist(key) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no blacklist entry for " + key})
		return
	}
	s.logger.Info("blacklist entry removed by admin", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{"removed": key})
}

func (s *Server) handleInstanceEnable(w http.ResponseWriter, r *http.Request) {
	s.setInstanceEnabled(w, r, true)
}

func (s *Server) handleInstanceDisable(w http.ResponseWriter, r *http.Request) {
	s.setInstanceEnabled(w, r, false)
}

func (s *Server) setInstanceEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := s.sched.SetInstanceEnabled(id, enabled); err != nil {
		s.writeAdminError(w, err)
		return
	}
	s.logger.Info("instance toggled by admin", "instance", id, "enabled", enabled)
	s.writeInstance(w, id)
}

type maintenanceRequest struct {
	On         bool  `json:"on"`
	DurationMs int64 `json:"durationMs"`
}

func (s *Server) handleInstanceMaintenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAdminError(w, pipeline.Wrap(pipeline.CodeRequestValidationFailed, err, "decoding maintenance request"))
		return
	}
	if err := s.sched.SetMaintenance(id, req.On, time.Duration(req.DurationMs)*time.Millisecond); err != nil {
		s.writeAdminError(w, err)
		return
	}
	s.logger.Info("maintenance toggled by admin", "instance", id, "on", req.On, "duration_ms", req.DurationMs)
	s.writeInstance(w, id)
}

// writeInstance responds with the live snapshot of one instance.
func (s *Server) writeInstance(w http.ResponseWriter, id string) {
	inst, ok := s.sched.Instance(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no instance " + id})
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit log not enabled"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.audit.ListRecent(limit)
	if err != nil {
		s.writeAdminError(w, pipeline.Wrap(pipeline.CodeInternalError, err, "listing audit entries"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": entries, "dropped": s.audit.Dropped()})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit log not enabled"})
		return
	}
	rows, err := s.audit.Summarize()
	if err != nil {
		s.writeAdminError(w, pipeline.Wrap(pipeline.CodeInternalError, err, "summarizing usage"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": rows})
}

// writeAdminError maps scheduler and pipeline errors onto the shared
// envelope without touching request metrics.
func (s *Server) writeAdminError(w http.ResponseWriter, err error) {
	perr, ok := pipeline.AsError(err)
	if !ok {
		perr = pipeline.Wrap(pipeline.CodeInternalError, err, "admin operation failed")
	}
	payload := errorBody(perr)
	writeJSON(w, payload.HTTPStatus, errorEnvelope{Error: payload})
}
