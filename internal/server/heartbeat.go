package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/garnizeh/taskrelay/internal/command"
)

// handleHeartbeat handles POST /commands/{id}/heartbeat.
// Request JSON: {"agentId":"...","leaseId":"...","extendMs":30000}.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, id string) {
	type reqBody struct {
		AgentID  string `json:"agentId"`
		LeaseID  string `json:"leaseId"`
		ExtendMs int64  `json:"extendMs"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ok, err := s.manager.Heartbeat(r.Context(), id, req.AgentID, req.LeaseID, req.ExtendMs)
	if err != nil {
		if errors.Is(err, command.ErrMissingIdentity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to record heartbeat", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeLeaseConflict(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeLeaseConflict writes the standard 409 body for a stale/mismatched lease.
func writeLeaseConflict(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: "Lease is not current"})
}
