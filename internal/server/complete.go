package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/garnizeh/taskrelay/internal/command"
)

// handleComplete handles POST /commands/{id}/complete.
// Request JSON: {"agentId":"...","leaseId":"...","result":{...}}.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	type reqBody struct {
		AgentID string          `json:"agentId"`
		LeaseID string          `json:"leaseId"`
		Result  json.RawMessage `json:"result"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ok, err := s.manager.Complete(r.Context(), id, req.AgentID, req.LeaseID, string(req.Result))
	if err != nil {
		if errors.Is(err, command.ErrMissingIdentity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to complete command", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeLeaseConflict(w)
		return
	}

	s.broadcastEvent("completed", id, req.AgentID, "COMPLETED")
	w.WriteHeader(http.StatusNoContent)
}
