// Package config provides configuration loading and validation for the
// Control Server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds Control Server configuration loaded from environment variables.
type Config struct {
	// Port is the TCP port the server listens on (e.g. "3000").
	Port string

	// DBPath is the filesystem path to the SQLite database file.
	DBPath string

	// ShutdownTimeout bounds how long graceful shutdown waits for active
	// connections to finish before force-closing them.
	ShutdownTimeout time.Duration

	// ResetIntervalSeconds controls an optional periodic lease-expiry
	// reaper. Zero (the default) disables it, leaving lease expiry to
	// startup recovery only; a positive value additionally runs
	// resetExpiredLeases on that cadence.
	ResetIntervalSeconds int64
}

// Load reads configuration from environment variables, applies defaults and
// validates required values. It returns a configured Config or an error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   strings.TrimSpace(os.Getenv("PORT")),
		DBPath: strings.TrimSpace(os.Getenv("DATABASE_PATH")),
	}

	if cfg.Port == "" {
		cfg.Port = "3000"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./data/commands.db"
	}

	cfg.ShutdownTimeout = 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("SHUTDOWN_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	if v := strings.TrimSpace(os.Getenv("RESET_INTERVAL")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RESET_INTERVAL: %w", err)
		}
		cfg.ResetIntervalSeconds = n
	}

	return cfg, nil
}
