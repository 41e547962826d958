// Command agent runs a single Worker Agent: it polls the Control Server for
// commands, executes them through the DELAY/HTTP_GET_JSON executors, and
// reports results, recovering from its on-disk journal on startup.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/taskrelay/internal/agent"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := agent.LoadConfig(os.Args[1:])
	log.Printf("agent %s starting: server=%s state-dir=%s max-lease-ms=%d heartbeat-interval-ms=%d poll-interval-ms=%d",
		cfg.AgentID, cfg.ServerURL, cfg.StateDir, cfg.MaxLeaseMs, cfg.HeartbeatIntervalMs, cfg.PollIntervalMs)
	if cfg.RandomFailures {
		log.Printf("agent %s: random-failures fault injection enabled", cfg.AgentID)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Printf("agent %s: unwritable state directory %s: %v", cfg.AgentID, cfg.StateDir, err)
		os.Exit(1)
	}

	a := agent.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.KillAfterSeconds > 0 {
		go killAfter(cfg.KillAfterSeconds, cfg.AgentID)
	}

	a.Run(ctx)

	log.Printf("agent %s stopped gracefully", cfg.AgentID)
	os.Exit(0)
}

// killAfter is the --kill-after fault-injection hook: it terminates the
// process abruptly after the given number of seconds, regardless of any
// in-flight command, so crash-recovery behavior can be exercised without a
// real failure.
func killAfter(seconds float64, agentID string) {
	<-time.After(time.Duration(seconds * float64(time.Second)))
	log.Printf("agent %s: --kill-after elapsed, terminating", agentID)
	os.Exit(1)
}
