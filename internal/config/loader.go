package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "orchhub.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Codex.Binary, "ORCHHUB_CODEX_BIN")
	setString(&cfg.Codex.Model, "ORCHHUB_MODEL")
	setString(&cfg.Codex.OTELLogPath, "ORCHHUB_OTEL_LOG")

	setString(&cfg.Hub.Workspace, "ORCHHUB_WORKSPACE")
	setBool(&cfg.Hub.Dangerous, "ORCHHUB_DANGEROUS")
	setBool(&cfg.Hub.Autopilot, "ORCHHUB_AUTOPILOT")
	setInt(&cfg.Hub.WIPLimit, "ORCHHUB_WIP_LIMIT")
	setDuration(&cfg.Hub.DefaultCheckin, "ORCHHUB_DEFAULT_CHECKIN")
	setDuration(&cfg.Hub.DefaultBudget, "ORCHHUB_DEFAULT_BUDGET")
	setDuration(&cfg.Hub.DecideDebounce, "ORCHHUB_DECIDE_DEBOUNCE")
	setInt(&cfg.Hub.MaxNudges, "ORCHHUB_MAX_NUDGES")

	setBool(&cfg.GitHub.Enabled, "ORCHHUB_GITHUB_ENABLED")
	setDuration(&cfg.GitHub.PollInterval, "ORCHHUB_GITHUB_POLL")
	setDuration(&cfg.GitHub.StaleAfter, "ORCHHUB_GITHUB_STALE_AFTER")
	setInt(&cfg.GitHub.IssueLimit, "ORCHHUB_GITHUB_ISSUE_LIMIT")

	setInt(&cfg.Git.MaxConcurrent, "ORCHHUB_GIT_MAX_CONCURRENT")

	setBool(&cfg.Server.Enabled, "ORCHHUB_SERVER_ENABLED")
	setString(&cfg.Server.Port, "ORCHHUB_PORT")

	setString(&cfg.Logging.Level, "ORCHHUB_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ORCHHUB_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "ORCHHUB_LOG_ASYNC")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ORCHHUB_PG_MAX_CONNS")

	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "ORCHHUB_OTLP_INSECURE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Codex.Binary == "" {
		return errors.New("codex.binary is required")
	}
	if cfg.Hub.WIPLimit < 0 {
		return errors.New("hub.wip_limit must be >= 0")
	}
	if cfg.Hub.DecideDebounce <= 0 {
		return errors.New("hub.decide_debounce must be > 0")
	}
	if cfg.Hub.DefaultCheckin <= 0 || cfg.Hub.DefaultBudget <= 0 {
		return errors.New("hub.default_checkin and hub.default_budget must be > 0")
	}
	if cfg.GitHub.PollInterval <= 0 {
		return errors.New("github.poll_interval must be > 0")
	}
	if cfg.Git.MaxConcurrent < 1 {
		return errors.New("git.max_concurrent must be >= 1")
	}
	if cfg.Server.Enabled && cfg.Server.Port == "" {
		return errors.New("server.port is required when server.enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
