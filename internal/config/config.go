// Package config loads KM configuration. Sources, in priority order:
// environment variables > config file (JSON or YAML) > defaults, following
// internal/controlplane/config's own Load shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/kmd/internal/atomicio"
)

// Config holds all per-project KM configuration.
type Config struct {
	// ListenAddr is the KM HTTP bind address, e.g. "127.0.0.1:0" to let the
	// port allocator pick within [PortMin, PortMax].
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// ProjectPath is the canonical absolute path of the project this KM
	// instance serves. Defaults to the current working directory.
	ProjectPath string `json:"project_path,omitempty" yaml:"project_path,omitempty"`

	PortMin int `json:"port_min" yaml:"port_min"`
	PortMax int `json:"port_max" yaml:"port_max"`

	IdleShutdownSeconds int `json:"idle_shutdown_seconds" yaml:"idle_shutdown_seconds"`
	AmbientTickSeconds  int `json:"ambient_tick_seconds" yaml:"ambient_tick_seconds"`
	RuleFailureBudget   int `json:"rule_failure_budget" yaml:"rule_failure_budget"`

	TriggerMaxAttempts    int `json:"trigger_max_attempts" yaml:"trigger_max_attempts"`
	TriggerHighWatermark  int `json:"trigger_high_watermark" yaml:"trigger_high_watermark"`
	TriggerClaimLeaseSecs int `json:"trigger_claim_lease_seconds" yaml:"trigger_claim_lease_seconds"`

	EventLogMaxBytes    int64 `json:"event_log_max_bytes" yaml:"event_log_max_bytes"`
	EventLogMaxAgeHours int   `json:"event_log_max_age_hours" yaml:"event_log_max_age_hours"`
	EventLogGzip        bool  `json:"event_log_gzip" yaml:"event_log_gzip"`

	BridgeDiscoverTimeoutMS int `json:"bridge_discover_timeout_ms" yaml:"bridge_discover_timeout_ms"`

	OrchestratorWorkers int `json:"orchestrator_workers" yaml:"orchestrator_workers"`

	LogLevel string `json:"log_level" yaml:"log_level"`

	// AgentCommands maps an agent name to the argv used to invoke it
	// (internal/orchestrator.ExecInvoker.Commands). File-only: there is no
	// sane single env var shape for a map, so this is never env-overlaid.
	AgentCommands map[string][]string `json:"agent_commands,omitempty" yaml:"agent_commands,omitempty"`
}

// Default returns configuration with sensible defaults, mirroring the
// teacher's config.Default().
func Default() Config {
	return Config{
		ListenAddr:              "127.0.0.1:0",
		PortMin:                 45100,
		PortMax:                 45199,
		IdleShutdownSeconds:     1800,
		AmbientTickSeconds:      30,
		RuleFailureBudget:       5,
		TriggerMaxAttempts:      5,
		TriggerHighWatermark:    500,
		TriggerClaimLeaseSecs:   300,
		EventLogMaxBytes:        64 * 1024 * 1024,
		EventLogMaxAgeHours:     24 * 7,
		EventLogGzip:            true,
		BridgeDiscoverTimeoutMS: 1500,
		OrchestratorWorkers:     4,
		LogLevel:                "info",
	}
}

// Load reads configuration from path (YAML if the extension is .yaml/.yml,
// JSON otherwise) if it exists,
// then overlays KM_* environment variables. path == "" skips the file
// overlay entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if wd, err := os.Getwd(); err == nil {
		cfg.ProjectPath = wd
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := unmarshalConfig(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	return applyEnv(cfg), nil
}

func unmarshalConfig(path string, data []byte, cfg *Config) error {
	if isYAMLPath(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("KM_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortMin, cfg.PortMax = n, n
		}
	}
	if v := os.Getenv("CLAUDE_PROJECT_PATH"); v != "" {
		cfg.ProjectPath = v
	}
	if v := os.Getenv("KM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("KM_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortMin = n
		}
	}
	if v := os.Getenv("KM_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortMax = n
		}
	}
	if v := os.Getenv("KM_IDLE_SHUTDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleShutdownSeconds = n
		}
	}
	if v := os.Getenv("KM_AMBIENT_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AmbientTickSeconds = n
		}
	}
	if v := os.Getenv("KM_TRIGGER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TriggerMaxAttempts = n
		}
	}
	if v := os.Getenv("KM_EVENT_LOG_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.EventLogMaxBytes = n
		}
	}
	if v := os.Getenv("KM_EVENT_LOG_MAX_AGE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventLogMaxAgeHours = n
		}
	}
	if v := os.Getenv("KM_BRIDGE_DISCOVER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BridgeDiscoverTimeoutMS = n
		}
	}
	if v := os.Getenv("KM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// Save writes configuration to path as JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return atomicio.WriteFile(filepath.Dir(path), filepath.Base(path), data, 0o640)
}

// DiscoverPath resolves a project's config file, preferring config.json over
// config.yaml when both are present under dir/.claude.
func DiscoverPath(projectDir string) string {
	base := filepath.Join(projectDir, ".claude")
	if _, err := os.Stat(filepath.Join(base, "config.json")); err == nil {
		return filepath.Join(base, "config.json")
	}
	if _, err := os.Stat(filepath.Join(base, "config.yaml")); err == nil {
		return filepath.Join(base, "config.yaml")
	}
	return filepath.Join(base, "config.json")
}
