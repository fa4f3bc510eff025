// Package config loads the server configuration from TOML, with
// per-project overrides from an optional .agent-orch.yml in the
// repository root.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	General GeneralConfig `toml:"general"`
	Agent   AgentConfig   `toml:"agent"`
	Web     WebConfig     `toml:"web"`
}

// GeneralConfig holds general settings.
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
	// PruneSchedule is a cron expression for the worktree janitor.
	PruneSchedule string `toml:"prune_schedule"`
}

// AgentConfig holds settings for the external coding agent.
type AgentConfig struct {
	// Command is the agent executable invoked non-interactively.
	Command string `toml:"command"`
	// MonitorIntervalSecs is how often running instances are swept.
	MonitorIntervalSecs int `toml:"monitor_interval_secs"`
}

// MonitorInterval returns the sweep interval as a duration. A zero or
// negative configured value falls back to the default, since the sweep
// ticker cannot run at interval zero.
func (c AgentConfig) MonitorInterval() time.Duration {
	if c.MonitorIntervalSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MonitorIntervalSecs) * time.Second
}

// WebConfig holds HTTP server settings.
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".agent-orchestrator")
	return &Config{
		General: GeneralConfig{
			DataDir:       dataDir,
			DatabasePath:  filepath.Join(dataDir, "orchestrator.db"),
			PruneSchedule: "0 4 * * *",
		},
		Agent: AgentConfig{
			Command:             "claude",
			MonitorIntervalSecs: 5,
		},
		Web: WebConfig{
			Port: 3001,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-orchestrator", "config.toml")
}
