package server

import (
	"net/http"
	"strings"
)

// RegisterRoutes registers all HTTP routes and applies global middleware.
// This keeps route registration separate from server bootstrap.
func (s *Server) RegisterRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/events", s.handleEvents)

	s.router.HandleFunc("/commands", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.handleCreateCommand(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	s.router.HandleFunc("/commands/claim", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.handleClaim(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	// Path-parameter routes: /commands/{id}, /commands/{id}/heartbeat,
	// /commands/{id}/complete, /commands/{id}/fail.
	s.router.HandleFunc("/commands/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/commands/")
		if rest == "" || rest == "claim" {
			http.NotFound(w, r)
			return
		}

		switch {
		case strings.HasSuffix(rest, "/heartbeat"):
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleHeartbeat(w, r, strings.TrimSuffix(rest, "/heartbeat"))
		case strings.HasSuffix(rest, "/complete"):
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleComplete(w, r, strings.TrimSuffix(rest, "/complete"))
		case strings.HasSuffix(rest, "/fail"):
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleFail(w, r, strings.TrimSuffix(rest, "/fail"))
		default:
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleGetCommand(w, r, rest)
		}
	})

	// Middleware chain order: RequestID -> Logger -> CORS. Authentication is
	// out of scope, so there is no api-key layer here.
	s.handler = RequestID(Logger(CORS(s.router)))
}
