package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Clawgate gateway.
type Config struct {
	Agents    AgentsConfig              `json:"agents"`
	Channels  map[string]*ChannelConfig `json:"channels,omitempty"`
	Bindings  []AgentBinding            `json:"bindings,omitempty"`
	Session   SessionConfig             `json:"session"`
	Commands  CommandsConfig            `json:"commands"`
	Cron      CronConfig                `json:"cron"`
	Gateway   GatewayConfig             `json:"gateway"`
	Telemetry TelemetryConfig           `json:"telemetry,omitempty"`
	StateDir  string                    `json:"state_dir,omitempty"` // default ~/.clawgate
	mu        sync.RWMutex
}

// AgentBinding maps a channel/peer/guild pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies which messages this binding applies to.
// More specific clauses win: peer, peer-with-parent, guild+roles,
// guild/team, account, channel.
type BindingMatch struct {
	Channel   string              `json:"channel,omitempty"`
	AccountID string              `json:"accountId,omitempty"` // "*" matches any account on the channel
	Peer      *BindingPeer        `json:"peer,omitempty"`
	GuildID   string              `json:"guildId,omitempty"`
	TeamID    string              `json:"teamId,omitempty"`
	Roles     FlexibleStringSlice `json:"roles,omitempty"` // sender must hold at least one
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" ("dm" accepted), "group" or "channel"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and the agent list.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	FallbackModel string `json:"fallback_model,omitempty"`
	Workspace     string `json:"workspace,omitempty"`
}

// AgentSpec is the per-agent configuration override.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// SessionConfig controls session key scoping.
type SessionConfig struct {
	Store         string            `json:"store,omitempty"`         // directory for session files
	MainKey       string            `json:"mainKey,omitempty"`       // default "main"
	Scope         string            `json:"scope,omitempty"`         // "per-sender" (default), "global"
	DmScope       string            `json:"dmScope,omitempty"`       // "per-peer", "per-channel-peer" (default), "per-account-channel-peer"
	IdentityLinks map[string]string `json:"identityLinks,omitempty"` // "channel:peerId" → shared alias
}

// CommandsConfig controls who may use control commands.
type CommandsConfig struct {
	// AllowFrom, when present, takes precedence over owner resolution:
	// the provider-scoped list (or "*" fallback) alone grants command use.
	AllowFrom map[string]FlexibleStringSlice `json:"allowFrom,omitempty"`
	// OwnerAllowFrom defines owners; entries may carry a "channel:" prefix
	// to scope them to one provider.
	OwnerAllowFrom  FlexibleStringSlice `json:"ownerAllowFrom,omitempty"`
	UseAccessGroups *bool               `json:"useAccessGroups,omitempty"` // default true
	Bash            bool                `json:"bash,omitempty"`
	Config          bool                `json:"config,omitempty"`
	Debug           bool                `json:"debug,omitempty"`
	Text            *bool               `json:"text,omitempty"` // default true
}

// UseAccessGroupsEnabled resolves the default-true flag.
func (c CommandsConfig) UseAccessGroupsEnabled() bool {
	return c.UseAccessGroups == nil || *c.UseAccessGroups
}

// CronConfig configures the scheduler.
type CronConfig struct {
	Enabled           *bool        `json:"enabled,omitempty"`           // default true
	MaxConcurrentRuns int          `json:"maxConcurrentRuns,omitempty"` // default 1
	RunLog            RunLogConfig `json:"runLog,omitempty"`
}

// IsEnabled resolves the default-true flag.
func (c CronConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RunLogConfig bounds per-job run log files.
type RunLogConfig struct {
	MaxBytes  int64 `json:"maxBytes,omitempty"`  // default 2_000_000
	KeepLines int   `json:"keepLines,omitempty"` // default 2000
}

// GatewayConfig controls the admin HTTP surface.
type GatewayConfig struct {
	Port           int                    `json:"port,omitempty"`
	Bind           string                 `json:"bind,omitempty"`           // "loopback" (default), "all", "custom"
	CustomBindHost string                 `json:"customBindHost,omitempty"` // used when bind="custom"
	TLS            GatewayTLSConfig       `json:"tls,omitempty"`
	Tailscale      GatewayTailscaleConfig `json:"tailscale,omitempty"`
	Remote         GatewayRemoteConfig    `json:"remote,omitempty"`
	Auth           GatewayAuthConfig      `json:"auth,omitempty"`
}

// GatewayTailscaleConfig selects how the gateway joins a tailnet. The
// listener itself is provided externally; only the mode is recognized here.
type GatewayTailscaleConfig struct {
	Mode string `json:"mode,omitempty"` // "off" (default), "serve", "funnel"
}

// GatewayRemoteConfig points a CLI at a remote gateway.
type GatewayRemoteConfig struct {
	URL string `json:"url,omitempty"`
}

// GatewayTLSConfig toggles TLS on the admin listener.
type GatewayTLSConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
}

// GatewayAuthConfig selects the auth mode for the admin surface.
type GatewayAuthConfig struct {
	Mode     string `json:"mode,omitempty"` // "token" (default), "password", "none"
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Bindings = src.Bindings
	c.Session = src.Session
	c.Commands = src.Commands
	c.Cron = src.Cron
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
	c.StateDir = src.StateDir
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "main" when none is marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return NormalizeAgentID(id)
		}
	}
	return DefaultAgentID
}

// HasAgent reports whether the agent id exists in agents.list.
// An empty list accepts only the default id.
func (c *Config) HasAgent(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Agents.List) == 0 {
		return agentID == DefaultAgentID
	}
	_, ok := c.Agents.List[agentID]
	return ok
}
