package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DefaultModel: "anthropic:claude-sonnet-4-5",
		Compaction: CompactionConfig{
			Threshold: 0.85,
		},
		Tasks: TasksConfig{
			MaxParallelAgentTasks: 3,
			MaxTaskNestingDepth:   3,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18800,
			RateLimitRPM: 0,
		},
		Maintenance: MaintenanceConfig{
			MCPEvictionSchedule:    "* * * * *",
			IdleCompactionSchedule: "*/5 * * * *",
			IdleCompactionAfterMin: 30,
		},
		Sessions: SessionsConfig{
			Storage: "~/.muxd/sessions",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadOrDefault never fails: parse errors fall back to defaults.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envProvider := func(key, provider string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		if c.Providers == nil {
			c.Providers = ProvidersConfig{}
		}
		if c.Providers[provider] == nil {
			c.Providers[provider] = &ProviderConfig{}
		}
		c.Providers[provider].APIKey = v
	}
	envProvider("MUXD_ANTHROPIC_API_KEY", "anthropic")
	envProvider("MUXD_OPENAI_API_KEY", "openai")

	if v := os.Getenv("MUXD_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("MUXD_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
}

// Save writes the config as plain JSON through a temp file + rename so a
// crash mid-save cannot corrupt the file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
