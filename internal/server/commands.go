package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/garnizeh/taskrelay/internal/command"
	"github.com/garnizeh/taskrelay/internal/store"
)

// handleCreateCommand handles POST /commands.
// Request JSON: {"type":"DELAY","payload":{"ms":500}}.
func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	type reqBody struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := s.manager.Create(r.Context(), req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, command.ErrInvalidType) || errors.Is(err, command.ErrInvalidPayload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to create command", http.StatusInternalServerError)
		return
	}

	s.broadcastEvent("created", cmd.ID, "", string(cmd.Status))

	type resp struct {
		CommandID string `json:"commandId"`
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp{CommandID: cmd.ID})
}

// handleGetCommand handles GET /commands/{id}.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request, id string) {
	cmd, err := s.manager.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to fetch command", http.StatusInternalServerError)
		return
	}
	if cmd == nil {
		http.Error(w, "command not found", http.StatusNotFound)
		return
	}

	type resp struct {
		Status  store.Status `json:"status"`
		Result  any          `json:"result,omitempty"`
		AgentID string       `json:"agentId,omitempty"`
	}
	out := resp{Status: cmd.Status}
	if cmd.AgentID.Valid {
		out.AgentID = cmd.AgentID.String
	}
	if cmd.Result.Valid {
		var parsed any
		if err := json.Unmarshal([]byte(cmd.Result.String), &parsed); err == nil {
			out.Result = parsed
		} else {
			out.Result = cmd.Result.String
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
