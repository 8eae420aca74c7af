package config

// ChannelConfig is the per-channel configuration. Channels are keyed by
// channel id ("mattermost", "telegram", "discord", ...) and may carry
// per-account overrides under Accounts.
type ChannelConfig struct {
	Enabled bool `json:"enabled"`

	BotToken string `json:"botToken,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"` // server URL for self-hosted platforms (Mattermost)

	AllowFrom      FlexibleStringSlice `json:"allowFrom,omitempty"`
	GroupAllowFrom FlexibleStringSlice `json:"groupAllowFrom,omitempty"`

	DMPolicy    string `json:"dmPolicy,omitempty"`    // "disabled", "open", "allowlist", "pairing" (default)
	GroupPolicy string `json:"groupPolicy,omitempty"` // "disabled", "allowlist", "open"

	RequireMention *bool  `json:"requireMention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit   int    `json:"historyLimit,omitempty"`   // pending group messages kept for context (default 10)
	MediaMaxBytes  int64  `json:"mediaMaxBytes,omitempty"`  // max media download size (default 8 MiB)
	ResponsePrefix string `json:"responsePrefix,omitempty"` // prefixed to every reply
	ConfigWrites   bool   `json:"configWrites,omitempty"`   // allow config-mutating commands from this channel
	DebounceMs     int    `json:"debounceMs,omitempty"`     // inbound burst window (default 1500, -1 disables)

	Accounts map[string]*ChannelAccountConfig `json:"accounts,omitempty"`
}

// ChannelAccountConfig overrides channel settings for one bot account.
type ChannelAccountConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	BotToken string `json:"botToken,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`

	AllowFrom      FlexibleStringSlice `json:"allowFrom,omitempty"`
	GroupAllowFrom FlexibleStringSlice `json:"groupAllowFrom,omitempty"`

	DMPolicy    string `json:"dmPolicy,omitempty"`
	GroupPolicy string `json:"groupPolicy,omitempty"`

	RequireMention *bool  `json:"requireMention,omitempty"`
	ResponsePrefix string `json:"responsePrefix,omitempty"`
}

// Channel defaults.
const (
	DefaultDMPolicy          = "pairing"
	DefaultGroupPolicy       = "open"
	DefaultHistoryLimit      = 10
	DefaultMediaMaxBytes     = 8 * 1024 * 1024
	DefaultInboundDebounceMs = 1500
)

// Channel returns the config block for a channel id, or nil.
func (c *Config) Channel(id string) *ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Channels == nil {
		return nil
	}
	return c.Channels[id]
}

// ResolvedChannel is a channel config with one account's overrides applied.
type ResolvedChannel struct {
	Channel   string
	AccountID string

	Enabled  bool
	BotToken string
	BaseURL  string

	AllowFrom      []string
	GroupAllowFrom []string

	DMPolicy    string
	GroupPolicy string

	RequireMention bool
	HistoryLimit   int
	MediaMaxBytes  int64
	ResponsePrefix string
	ConfigWrites   bool
	DebounceMs     int
}

// ResolveChannelAccount merges the channel block with the account override
// and applies defaults. A missing channel block yields a disabled channel.
func (c *Config) ResolveChannelAccount(channel, accountID string) ResolvedChannel {
	accountID = NormalizeAccountID(accountID)

	r := ResolvedChannel{
		Channel:     channel,
		AccountID:   accountID,
		DMPolicy:    DefaultDMPolicy,
		GroupPolicy: DefaultGroupPolicy,

		RequireMention: true,
		HistoryLimit:   DefaultHistoryLimit,
		MediaMaxBytes:  DefaultMediaMaxBytes,
		DebounceMs:     DefaultInboundDebounceMs,
	}

	cc := c.Channel(channel)
	if cc == nil {
		return r
	}

	r.Enabled = cc.Enabled
	r.BotToken = cc.BotToken
	r.BaseURL = cc.BaseURL
	r.AllowFrom = cc.AllowFrom
	r.GroupAllowFrom = cc.GroupAllowFrom
	r.ResponsePrefix = cc.ResponsePrefix
	r.ConfigWrites = cc.ConfigWrites
	if cc.DMPolicy != "" {
		r.DMPolicy = cc.DMPolicy
	}
	if cc.GroupPolicy != "" {
		r.GroupPolicy = cc.GroupPolicy
	}
	if cc.RequireMention != nil {
		r.RequireMention = *cc.RequireMention
	}
	if cc.HistoryLimit > 0 {
		r.HistoryLimit = cc.HistoryLimit
	}
	if cc.MediaMaxBytes > 0 {
		r.MediaMaxBytes = cc.MediaMaxBytes
	}
	if cc.DebounceMs != 0 {
		r.DebounceMs = cc.DebounceMs
	}

	acct := cc.Accounts[accountID]
	if acct == nil {
		return r
	}
	if acct.Enabled != nil {
		r.Enabled = *acct.Enabled
	}
	if acct.BotToken != "" {
		r.BotToken = acct.BotToken
	}
	if acct.BaseURL != "" {
		r.BaseURL = acct.BaseURL
	}
	if len(acct.AllowFrom) > 0 {
		r.AllowFrom = acct.AllowFrom
	}
	if len(acct.GroupAllowFrom) > 0 {
		r.GroupAllowFrom = acct.GroupAllowFrom
	}
	if acct.DMPolicy != "" {
		r.DMPolicy = acct.DMPolicy
	}
	if acct.GroupPolicy != "" {
		r.GroupPolicy = acct.GroupPolicy
	}
	if acct.RequireMention != nil {
		r.RequireMention = *acct.RequireMention
	}
	if acct.ResponsePrefix != "" {
		r.ResponsePrefix = acct.ResponsePrefix
	}
	return r
}

// ChannelAccountIDs lists the configured account ids for a channel.
// A channel block without explicit accounts runs one "default" account.
func (c *Config) ChannelAccountIDs(channel string) []string {
	cc := c.Channel(channel)
	if cc == nil {
		return nil
	}
	if len(cc.Accounts) == 0 {
		return []string{DefaultAccountID}
	}
	ids := make([]string, 0, len(cc.Accounts))
	for id := range cc.Accounts {
		ids = append(ids, NormalizeAccountID(id))
	}
	return ids
}
