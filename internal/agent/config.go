// Package agent implements the Worker Agent: the claim-execute-report loop,
// its on-disk journal, heartbeat task, and executors.
package agent

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds agent configuration, resolved with CLI taking priority over
// environment taking priority over defaults.
type Config struct {
	AgentID             string
	ServerURL           string
	StateDir            string
	MaxLeaseMs          int64
	HeartbeatIntervalMs int64
	PollIntervalMs      int64
	KillAfterSeconds    float64 // 0 disables
	RandomFailures      bool
}

// LoadConfig resolves agent configuration from defaults, then environment
// variables, then CLI flags (each layer overriding the last). Unknown flags
// are ignored; malformed numerics fall back to the prior layer's value
// rather than aborting startup.
func LoadConfig(args []string) *Config {
	cfg := &Config{
		AgentID:             "agent-" + randomSuffix(),
		ServerURL:           "http://localhost:3000",
		StateDir:            ".agent-state",
		MaxLeaseMs:          30000,
		HeartbeatIntervalMs: 10000,
		PollIntervalMs:      1000,
	}

	applyEnv(cfg)
	applyFlags(cfg, args)

	return cfg
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AGENT_ID")); v != "" {
		cfg.AgentID = v
	}
	if v := strings.TrimSpace(os.Getenv("SERVER_URL")); v != "" {
		if validateURL(v) == nil {
			cfg.ServerURL = v
		} else {
			log.Printf("ignoring invalid SERVER_URL %q", v)
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_STATE_DIR")); v != "" {
		cfg.StateDir = v
	}
	cfg.MaxLeaseMs = parseIntEnv("MAX_LEASE_MS", cfg.MaxLeaseMs)
	cfg.HeartbeatIntervalMs = parseIntEnv("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMs)
	cfg.PollIntervalMs = parseIntEnv("POLL_INTERVAL_MS", cfg.PollIntervalMs)
}

func applyFlags(cfg *Config, args []string) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.SetOutput(nopWriter{})

	agentID := fs.String("agent-id", cfg.AgentID, "stable agent identity")
	serverURL := fs.String("server-url", cfg.ServerURL, "base url of the control server")
	stateDir := fs.String("state-dir", cfg.StateDir, "journal directory")
	maxLeaseMs := fs.String("max-lease-ms", strconv.FormatInt(cfg.MaxLeaseMs, 10), "initial lease requested at claim")
	heartbeatIntervalMs := fs.String("heartbeat-interval-ms", strconv.FormatInt(cfg.HeartbeatIntervalMs, 10), "heartbeat period")
	pollIntervalMs := fs.String("poll-interval-ms", strconv.FormatInt(cfg.PollIntervalMs, 10), "delay between idle polls")
	killAfter := fs.String("kill-after", "", "terminate after this many seconds (fault injection)")
	randomFailures := fs.Bool("random-failures", false, "consult a probabilistic failure hook during execution")

	if err := fs.Parse(filterKnownFlags(fs, args)); err != nil {
		return
	}

	cfg.AgentID = *agentID
	if validateURL(*serverURL) == nil {
		cfg.ServerURL = *serverURL
	} else {
		log.Printf("ignoring invalid --server-url %q", *serverURL)
	}
	cfg.StateDir = *stateDir
	cfg.MaxLeaseMs = parseIntFlag(*maxLeaseMs, cfg.MaxLeaseMs)
	cfg.HeartbeatIntervalMs = parseIntFlag(*heartbeatIntervalMs, cfg.HeartbeatIntervalMs)
	cfg.PollIntervalMs = parseIntFlag(*pollIntervalMs, cfg.PollIntervalMs)
	cfg.RandomFailures = *randomFailures
	if *killAfter != "" {
		if f, err := strconv.ParseFloat(*killAfter, 64); err == nil {
			cfg.KillAfterSeconds = f
		} else {
			log.Printf("ignoring malformed --kill-after %q", *killAfter)
		}
	}
}

// filterKnownFlags drops any token not recognized by fs, so an unrelated
// flag on the command line doesn't abort parsing of the ones we do know.
func filterKnownFlags(fs *flag.FlagSet, args []string) []string {
	known := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) { known[f.Name] = true })

	var out []string
	for i := 0; i < len(args); i++ {
		name, value, hasValue := splitFlagToken(args[i])
		if !known[name] {
			continue
		}
		if hasValue {
			out = append(out, "--"+name+"="+value)
			continue
		}
		if name == "random-failures" {
			out = append(out, "--"+name)
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			out = append(out, "--"+name+"="+args[i+1])
			i++
		}
	}
	return out
}

func splitFlagToken(arg string) (name, value string, hasValue bool) {
	name = strings.TrimPrefix(strings.TrimPrefix(arg, "--"), "-")
	if eq := strings.Index(name, "="); eq >= 0 {
		return name[:eq], name[eq+1:], true
	}
	return name, "", false
}

func parseIntEnv(name string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return parseIntFlag(v, fallback)
}

func parseIntFlag(v string, fallback int64) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("ignoring malformed numeric value %q, keeping %d", v, fallback)
		return fallback
	}
	return n
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must include scheme and host")
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// nopWriter discards flag.FlagSet's default usage/error output; malformed
// CLI input falls back to defaults rather than printing to stderr.
type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
