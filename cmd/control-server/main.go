// Command control-server runs the Control Server: it exposes the public and
// agent HTTP endpoints backed by a SQLite command store, performing
// startup recovery before accepting traffic.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/taskrelay/internal/command"
	"github.com/garnizeh/taskrelay/internal/config"
	"github.com/garnizeh/taskrelay/internal/server"
	"github.com/garnizeh/taskrelay/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Printf("failed to initialize command store: %v", err)
		os.Exit(1)
	}

	manager := command.New(store.New(db))
	srv := server.New(cfg, db, manager)
	srv.RegisterRoutes()

	log.Printf("control server starting on :%s (db=%s)", cfg.Port, cfg.DBPath)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(sigCtx); err != nil && sigCtx.Err() == nil {
		log.Printf("control server failed to start: %v", err)
		os.Exit(1)
	}

	log.Printf("%s control server exited cleanly", time.Now().UTC().Format(time.RFC3339))
}
