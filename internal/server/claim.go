package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/garnizeh/taskrelay/internal/command"
)

// handleClaim handles POST /commands/claim.
// Request JSON: {"agentId":"...","maxLeaseMs":30000}.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	type reqBody struct {
		AgentID    string `json:"agentId"`
		MaxLeaseMs int64  `json:"maxLeaseMs"`
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reqBody
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := s.manager.Claim(r.Context(), req.AgentID, req.MaxLeaseMs)
	if err != nil {
		if errors.Is(err, command.ErrMissingIdentity) || errors.Is(err, command.ErrInvalidPayload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to claim command", http.StatusInternalServerError)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.broadcastEvent("claimed", cmd.ID, req.AgentID, string(cmd.Status))

	type resp struct {
		CommandID      string          `json:"commandId"`
		Type           string          `json:"type"`
		Payload        json.RawMessage `json:"payload"`
		LeaseID        string          `json:"leaseId"`
		LeaseExpiresAt int64           `json:"leaseExpiresAt"`
		StartedAt      int64           `json:"startedAt"`
		ScheduledEndAt *int64          `json:"scheduledEndAt,omitempty"`
	}
	out := resp{
		CommandID:      cmd.ID,
		Type:           string(cmd.Type),
		Payload:        json.RawMessage(cmd.Payload),
		LeaseID:        cmd.LeaseID.String,
		LeaseExpiresAt: cmd.LeaseExpiresAt.Int64,
		StartedAt:      cmd.StartedAt.Int64,
	}
	if cmd.ScheduledEndAt.Valid {
		out.ScheduledEndAt = &cmd.ScheduledEndAt.Int64
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
