package config

import "testing"

func TestNormalizeAccountID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "default"},
		{"Work", "work"},
		{"my bot!", "my-bot-"},
		{"__proto__", "default"},
		{"constructor", "default"},
		{"prototype", "default"},
		{"--weird", "weird"},
		{"ok_name-1", "ok_name-1"},
	}
	for _, tt := range tests {
		if got := NormalizeAccountID(tt.in); got != tt.want {
			t.Errorf("NormalizeAccountID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	if got := NormalizeAccountID(string(long)); len(got) > 64 {
		t.Errorf("len = %d, want ≤ 64", len(got))
	}
}

func TestNormalizeAgentID(t *testing.T) {
	if got := NormalizeAgentID(""); got != DefaultAgentID {
		t.Errorf("empty = %q, want default", got)
	}
	if got := NormalizeAgentID("Opus Agent"); got != "opus-agent" {
		t.Errorf("got %q", got)
	}
}

func TestResolveChannelAccount_Overrides(t *testing.T) {
	enabled := true
	mention := false
	cfg := Default()
	cfg.Channels = map[string]*ChannelConfig{
		"mattermost": {
			Enabled:   true,
			BotToken:  "channel-token",
			BaseURL:   "https://mm.example.com",
			DMPolicy:  "open",
			AllowFrom: []string{"alice"},
			Accounts: map[string]*ChannelAccountConfig{
				"work": {
					Enabled:        &enabled,
					BotToken:       "work-token",
					DMPolicy:       "allowlist",
					RequireMention: &mention,
				},
			},
		},
	}

	r := cfg.ResolveChannelAccount("mattermost", "work")
	if r.BotToken != "work-token" {
		t.Errorf("botToken = %q", r.BotToken)
	}
	if r.BaseURL != "https://mm.example.com" {
		t.Errorf("baseUrl = %q, want inherited", r.BaseURL)
	}
	if r.DMPolicy != "allowlist" {
		t.Errorf("dmPolicy = %q", r.DMPolicy)
	}
	if r.RequireMention {
		t.Error("requireMention should be overridden to false")
	}

	// Defaults for a channel with no block.
	r = cfg.ResolveChannelAccount("slack", "")
	if r.DMPolicy != DefaultDMPolicy || r.MediaMaxBytes != DefaultMediaMaxBytes ||
		r.HistoryLimit != DefaultHistoryLimit || r.Enabled {
		t.Errorf("defaults = %+v", r)
	}
}
