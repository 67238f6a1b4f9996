// Package config loads the kernel's configuration. Sources, in priority
// order: environment variables, then a config file, then defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all kernel process configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address (default ":8080").
	ListenAddr string `json:"listen_addr"`
	// DataDir holds the kernel's SQLite database file (default "/var/lib/taskkernel").
	DataDir string `json:"data_dir"`

	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// AdminToken authorizes governance endpoints (policy edits, overrides,
	// capability grants). ControlToken authorizes task/action endpoints
	// used by agent processes. Both are simple bearer tokens, not a full
	// RBAC system — the capability registry is what actually restricts
	// what an authenticated agent may do.
	AdminToken   string `json:"admin_token,omitempty"`
	ControlToken string `json:"control_token,omitempty"`

	// LeaseTTL is how long a work item lease is valid before the sweep
	// loop reclaims it.
	LeaseTTL time.Duration `json:"lease_ttl"`
	// HeartbeatInterval is how often a lease owner is expected to renew.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// SweepSchedule is the cron expression driving the lease sweep loop.
	SweepSchedule string `json:"sweep_schedule"`
	// MaxTaskIterations is passed to the task runner's Config; the runner
	// stores it but does not count plan/execute cycles against it.
	MaxTaskIterations int `json:"max_task_iterations"`
	// MaxWorkItemRetries bounds how many times a work item may be
	// reclaimed by the sweep before its task is blocked.
	MaxWorkItemRetries int `json:"max_work_item_retries"`

	// AutonomousMode is read from AUTONOMOUS_MODE; off by default. No
	// component reads it: the task runner is not given it, and an
	// escalation yields awaiting_approval whatever its value.
	AutonomousMode bool `json:"autonomous_mode"`

	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		DataDir:            "/var/lib/taskkernel",
		LeaseTTL:           30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		SweepSchedule:      "* * * * *",
		MaxTaskIterations:  50,
		MaxWorkItemRetries: 5,
		LogLevel:           "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("KERNEL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("KERNEL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KERNEL_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("KERNEL_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("CONTROL_TOKEN"); v != "" {
		cfg.ControlToken = v
	}
	if v := os.Getenv("LEASE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("MAX_TASK_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTaskIterations = n
		}
	}
	if v := os.Getenv("MAX_WORK_ITEM_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkItemRetries = n
		}
	}
	if v := os.Getenv("AUTONOMOUS_MODE"); v != "" {
		cfg.AutonomousMode = v == "true" || v == "1"
	}
	if v := os.Getenv("KERNEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
