// Package config provides hierarchical configuration loading for OrchHub.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the OrchHub daemon.
type Config struct {
	Codex     Codex     `yaml:"codex"`
	Hub       Hub       `yaml:"hub"`
	GitHub    GitHub    `yaml:"github"`
	Git       Git       `yaml:"git"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	NATS      NATS      `yaml:"nats"`
	Postgres  Postgres  `yaml:"postgres"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Codex holds app-server backend configuration.
type Codex struct {
	Binary      string `yaml:"binary"`        // Path to the codex binary (default: "codex")
	Model       string `yaml:"model"`         // Optional model override
	OTELLogPath string `yaml:"otel_log_path"` // Optional OTEL JSONL file to tail for heartbeats
}

// Hub holds orchestration policy configuration.
type Hub struct {
	Workspace      string        `yaml:"workspace"`       // Repo root; default: cwd
	Dangerous      bool          `yaml:"dangerous"`       // Allow full-access sandbox + local exec
	Autopilot      bool          `yaml:"autopilot"`       // Initial autopilot state (default: true)
	WIPLimit       int           `yaml:"wip_limit"`       // Max concurrent sub-agents; 0 = unlimited
	DefaultCheckin time.Duration `yaml:"default_checkin"` // Sub-agent check-in SLA (default: 10m)
	DefaultBudget  time.Duration `yaml:"default_budget"`  // Sub-agent time budget (default: 45m)
	DecideDebounce time.Duration `yaml:"decide_debounce"` // Digest debounce window (default: 3s)
	MaxNudges      int           `yaml:"max_nudges"`      // Nudges before giving up (default: 2)
}

// GitHub holds issue-driven scheduling configuration.
type GitHub struct {
	Enabled      bool          `yaml:"enabled"`       // Poll issues and mirror events
	PollInterval time.Duration `yaml:"poll_interval"` // Issue poll cadence (default: 90s)
	StaleAfter   time.Duration `yaml:"stale_after"`   // Silence before an agent is stalled (default: 30m)
	IssueLimit   int           `yaml:"issue_limit"`   // Max issues fetched per poll (default: 50)
}

// Git holds local git CLI configuration.
type Git struct {
	MaxConcurrent int `yaml:"max_concurrent"` // Concurrent git/gh processes (default: 4)
}

// Server holds the read-only dashboard HTTP server configuration.
type Server struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// NATS holds the optional event-mirror configuration. Empty URL disables it.
type NATS struct {
	URL string `yaml:"url"`
}

// Postgres holds the optional event store configuration. Empty DSN disables it.
type Postgres struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// Telemetry holds OTLP exporter configuration. Empty endpoint disables it.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Codex: Codex{
			Binary: "codex",
		},
		Hub: Hub{
			Dangerous:      false,
			Autopilot:      true,
			WIPLimit:       3,
			DefaultCheckin: 10 * time.Minute,
			DefaultBudget:  45 * time.Minute,
			DecideDebounce: 3 * time.Second,
			MaxNudges:      2,
		},
		GitHub: GitHub{
			Enabled:      false,
			PollInterval: 90 * time.Second,
			StaleAfter:   30 * time.Minute,
			IssueLimit:   50,
		},
		Git: Git{
			MaxConcurrent: 4,
		},
		Server: Server{
			Enabled: false,
			Port:    "7171",
		},
		Logging: Logging{
			Level:   "info",
			Service: "orchhub",
		},
		Postgres: Postgres{
			MaxConns: 5,
		},
	}
}
