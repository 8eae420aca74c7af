package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider: "anthropic",
			},
		},
		Session: SessionConfig{
			MainKey: "main",
			Scope:   "per-sender",
			DmScope: "per-channel-peer",
		},
		Cron: CronConfig{
			MaxConcurrentRuns: 1,
		},
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "loopback",
			Auth: GatewayAuthConfig{Mode: "token"},
		},
		StateDir: "~/.clawgate",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
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

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAWGATE_STATE_DIR", &c.StateDir)
	envStr("CLAWGATE_GATEWAY_TOKEN", &c.Gateway.Auth.Token)
	if v := os.Getenv("CLAWGATE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Channel bot tokens: CLAWGATE_<CHANNEL>_TOKEN auto-enables the channel.
	for _, id := range []string{"mattermost", "telegram", "discord", "slack", "whatsapp", "msteams"} {
		v := os.Getenv("CLAWGATE_" + strings.ToUpper(id) + "_TOKEN")
		if v == "" {
			continue
		}
		if c.Channels == nil {
			c.Channels = make(map[string]*ChannelConfig)
		}
		cc := c.Channels[id]
		if cc == nil {
			cc = &ChannelConfig{}
			c.Channels[id] = cc
		}
		cc.BotToken = v
		cc.Enabled = true
	}
	if cc := c.Channels["mattermost"]; cc != nil {
		envStr("CLAWGATE_MATTERMOST_URL", &cc.BaseURL)
	}

	// Telemetry
	envStr("CLAWGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("CLAWGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// StatePath returns a path under the expanded state directory.
func (c *Config) StatePath(parts ...string) string {
	c.mu.RLock()
	dir := c.StateDir
	c.mu.RUnlock()
	if dir == "" {
		dir = "~/.clawgate"
	}
	return filepath.Join(append([]string{ExpandHome(dir)}, parts...)...)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
