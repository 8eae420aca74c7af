package routing

import (
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func TestAuthorizeCommand_AllowFromObjectTakesPrecedence(t *testing.T) {
	cfg := config.Default()
	cfg.Commands.AllowFrom = map[string]config.FlexibleStringSlice{
		"telegram": {"alice"},
		"*":        {"bob"},
	}
	dock := BaseDock{ChannelID: "telegram"}

	authz := AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "alice",
	}, cfg, dock, nil, false)
	if !authz.IsAuthorizedSender {
		t.Error("alice should be authorized via provider-scoped allowFrom")
	}

	// Provider list exists, so the "*" fallback does not apply to telegram.
	authz = AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "bob",
	}, cfg, dock, nil, true)
	if authz.IsAuthorizedSender {
		t.Error("bob should not be authorized: telegram list exists")
	}

	// Channels without their own list fall back to "*".
	authz = AuthorizeCommand(AuthContext{
		Channel:          "discord",
		SenderInternalID: "bob",
	}, cfg, BaseDock{ChannelID: "discord"}, nil, false)
	if !authz.IsAuthorizedSender {
		t.Error("bob should be authorized on discord via * fallback")
	}
}

func TestAuthorizeCommand_WildcardEntryAllowsAnySender(t *testing.T) {
	cfg := config.Default()
	cfg.Commands.AllowFrom = map[string]config.FlexibleStringSlice{
		"telegram": {"*"},
	}
	authz := AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "anyone",
	}, cfg, BaseDock{ChannelID: "telegram"}, nil, false)
	if !authz.IsAuthorizedSender {
		t.Error("wildcard entry should allow any sender")
	}
}

func TestAuthorizeCommand_OwnerAllowFromFiltered(t *testing.T) {
	cfg := config.Default()
	cfg.Commands.OwnerAllowFrom = []string{"telegram:alice", "discord:carol", "bob"}

	authz := AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "alice",
	}, cfg, BaseDock{ChannelID: "telegram"}, nil, false)
	if !authz.SenderIsOwner || !authz.IsAuthorizedSender {
		t.Errorf("alice should be owner on telegram: %+v", authz)
	}

	// carol's entry is scoped to discord.
	authz = AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "carol",
	}, cfg, BaseDock{ChannelID: "telegram"}, nil, true)
	if authz.SenderIsOwner || authz.IsAuthorizedSender {
		t.Errorf("carol should not be owner on telegram: %+v", authz)
	}

	// Unprefixed entries apply everywhere.
	authz = AuthorizeCommand(AuthContext{
		Channel:          "discord",
		SenderInternalID: "bob",
	}, cfg, BaseDock{ChannelID: "discord"}, nil, false)
	if !authz.SenderIsOwner {
		t.Errorf("bob should be owner on discord: %+v", authz)
	}
}

func TestAuthorizeCommand_AllowFromActsAsOwnerList(t *testing.T) {
	cfg := config.Default()
	resolved := []string{"alice", "*"}

	authz := AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "alice",
	}, cfg, BaseDock{ChannelID: "telegram"}, resolved, false)
	if !authz.SenderIsOwner || !authz.IsAuthorizedSender {
		t.Errorf("alice should be owner via resolved allowFrom: %+v", authz)
	}

	// The "*" entry is stripped from the derived owner list.
	authz = AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "mallory",
	}, cfg, BaseDock{ChannelID: "telegram"}, resolved, true)
	if authz.SenderIsOwner || authz.IsAuthorizedSender {
		t.Errorf("mallory should not be owner: %+v", authz)
	}
}

func TestAuthorizeCommand_NoOwnersFallsBackToChannelVerdict(t *testing.T) {
	cfg := config.Default()
	authz := AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "anyone",
	}, cfg, BaseDock{ChannelID: "telegram"}, nil, true)
	if !authz.IsAuthorizedSender {
		t.Error("with no owner list the channel verdict should stand")
	}

	// The dock's owner gate forces ownership even with no owners.
	authz = AuthorizeCommand(AuthContext{
		Channel:          "telegram",
		SenderInternalID: "anyone",
	}, cfg, BaseDock{ChannelID: "telegram", OwnerGate: true}, nil, true)
	if authz.IsAuthorizedSender {
		t.Error("owner gate should require an owner match")
	}
}

func TestResolveSenderID(t *testing.T) {
	tests := []struct {
		name string
		ctx  AuthContext
		dock Dock
		want string
	}{
		{
			name: "internal id preferred",
			ctx:  AuthContext{SenderInternalID: "u1", SenderE164: "+15551234"},
			dock: BaseDock{ChannelID: "telegram"},
			want: "u1",
		},
		{
			name: "whatsapp prefers e164",
			ctx:  AuthContext{SenderInternalID: "u1", SenderE164: "+15551234"},
			dock: BaseDock{ChannelID: "whatsapp", E164Identity: true},
			want: "+15551234",
		},
		{
			name: "conversation-like identity skipped",
			ctx:  AuthContext{SenderInternalID: "12345@g.us", SenderE164: "+15551234"},
			dock: BaseDock{ChannelID: "whatsapp"},
			want: "+15551234",
		},
		{
			name: "dm falls back to from",
			ctx:  AuthContext{From: "alice", IsDM: true},
			dock: BaseDock{ChannelID: "telegram"},
			want: "alice",
		},
		{
			name: "group never falls back to conversation from",
			ctx:  AuthContext{From: "group:123"},
			dock: BaseDock{ChannelID: "telegram"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveSenderID(tt.ctx, tt.dock)
			if got != tt.want {
				t.Errorf("resolveSenderID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeAllowFromEntry(t *testing.T) {
	tests := []struct {
		entry, channel, want string
	}{
		{"@Alice", "telegram", "alice"},
		{"user:Bob", "telegram", "bob"},
		{"telegram:@Carol", "telegram", "carol"},
		{"*", "telegram", "*"},
		{"  dave  ", "telegram", "dave"},
	}
	for _, tt := range tests {
		if got := NormalizeAllowFromEntry(tt.entry, tt.channel); got != tt.want {
			t.Errorf("NormalizeAllowFromEntry(%q) = %q, want %q", tt.entry, got, tt.want)
		}
	}
}
