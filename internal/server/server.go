// Package server contains HTTP handlers and server bootstrap code for the
// Control Server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/garnizeh/taskrelay/internal/command"
	"github.com/garnizeh/taskrelay/internal/config"
)

// Server is the HTTP server exposing the Control Server's public and agent
// endpoints.
type Server struct {
	cfg        *config.Config
	db         *sql.DB
	manager    *command.Manager
	hub        *hub
	router     *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

// New constructs a new Server instance. Routes must be registered with
// RegisterRoutes before calling Start.
func New(cfg *config.Config, db *sql.DB, manager *command.Manager) *Server {
	return &Server{
		cfg:     cfg,
		db:      db,
		manager: manager,
		hub:     newHub(),
		router:  http.NewServeMux(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener, runs startup recovery before accepting any
// connection, and serves until ctx is cancelled, at which point it shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	h := http.Handler(s.router)
	if s.handler != nil {
		h = s.handler
	}

	go s.hub.run(ctx)

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Startup recovery runs once, synchronously, before any connection is
	// accepted: resetExpiredLeases(now) ahead of serving traffic.
	n, err := s.manager.ResetExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	log.Printf("startup recovery reset %d expired lease(s)", n)

	if s.cfg.ResetIntervalSeconds > 0 {
		go s.runPeriodicReaper(ctx, time.Duration(s.cfg.ResetIntervalSeconds)*time.Second)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      35 * time.Second, // HTTP_GET_JSON's 30s fetch timeout plus slack
		IdleTimeout:       60 * time.Second,
	}

	// Track connections so we can force-close them if graceful shutdown
	// exceeds the configured timeout.
	s.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch state {
		case http.StateNew, http.StateActive:
			s.conns[c] = struct{}{}
		case http.StateClosed, http.StateHijacked:
			delete(s.conns, c)
		case http.StateIdle:
			// keep in map until closed/hijacked
		}
	}

	s.httpServer.RegisterOnShutdown(func() {
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				log.Printf("failed to close db on shutdown: %v", err)
			} else {
				log.Printf("database connection closed")
			}
		}
	})

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http serve: %w", err)
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		timeout := 30 * time.Second
		if s.cfg != nil && s.cfg.ShutdownTimeout > 0 {
			timeout = s.cfg.ShutdownTimeout
		}
		log.Printf("shutdown initiated, waiting up to %s for active connections to finish", timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		time.Sleep(20 * time.Millisecond)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Printf("shutdown timed out, force-closing active connections")
				s.mu.Lock()
				for c := range s.conns {
					_ = c.Close()
				}
				s.mu.Unlock()
			}
			return fmt.Errorf("server shutdown: %w", err)
		}

		if s.db != nil {
			if err := s.db.Close(); err != nil {
				log.Printf("failed to close db on shutdown: %v", err)
			} else {
				log.Printf("database connection closed")
			}
		}

		log.Printf("shutdown complete")
		return fmt.Errorf("server shutdown: %w", ctx.Err())
	case err := <-errCh:
		return err
	}
}

// runPeriodicReaper optionally resets expired leases on a fixed interval
// instead of waiting for the next process restart. Disabled unless
// RESET_INTERVAL is set.
func (s *Server) runPeriodicReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.manager.ResetExpiredLeases(context.Background())
			if err != nil {
				log.Printf("periodic lease reap failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("periodic reap reset %d expired lease(s)", n)
			}
		}
	}
}
