package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/garnizeh/taskrelay/internal/command"
)

// handleFail handles POST /commands/{id}/fail.
// Request JSON: {"agentId":"...","leaseId":"...","error":"...","result":{...}}.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request, id string) {
	type reqBody struct {
		AgentID string          `json:"agentId"`
		LeaseID string          `json:"leaseId"`
		Error   string          `json:"error"`
		Result  json.RawMessage `json:"result,omitempty"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := sql.NullString{}
	if len(req.Result) > 0 {
		result = sql.NullString{String: string(req.Result), Valid: true}
	}

	ok, err := s.manager.Fail(r.Context(), id, req.AgentID, req.LeaseID, req.Error, result)
	if err != nil {
		if errors.Is(err, command.ErrMissingIdentity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to fail command", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeLeaseConflict(w)
		return
	}

	s.broadcastEvent("failed", id, req.AgentID, "FAILED")
	w.WriteHeader(http.StatusNoContent)
}
