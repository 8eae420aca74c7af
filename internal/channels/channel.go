// Package channels provides the channel abstraction layer for multi-platform
// messaging. Channels connect external platforms (Mattermost, Telegram,
// Discord, ...) to the agent runtime via the message bus, sharing one set of
// ingestion primitives: dedupe, debounce, DM/group policy gates, pending
// history, and reply dispatch.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
	"cron":     true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DM policies.
const (
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
	DMPolicyDisabled  = "disabled"
)

// Group policies.
const (
	GroupPolicyOpen      = "open"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyDisabled  = "disabled"
)

// Channel defines the interface that all channel implementations satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "mattermost").
	Name() string
	// AccountID returns the bot account this instance runs as.
	AccountID() string
	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error
	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error
	// IsRunning reports whether the channel is actively processing messages.
	IsRunning() bool
}

// GateVerdict is the outcome of the DM/group policy gate.
type GateVerdict int

const (
	// GateAllow lets the message through.
	GateAllow GateVerdict = iota
	// GateDrop silently drops the message (debug log only).
	GateDrop
	// GatePair drops the message and asks the pipeline to issue a pairing
	// code to the sender.
	GatePair
)

// BaseChannel provides the shared ingestion state for channel
// implementations: resolved config, allowlist resolution (config + store),
// the dedupe cache, and the pending-history buffer.
type BaseChannel struct {
	name      string
	accountID string
	bus       *bus.MessageBus
	cfg       *config.Config
	allowFrom store.AllowFromStore
	pairing   store.PairingStore

	Dedupe  *bus.DedupeCache
	History *PendingHistory

	running bool
}

// NewBaseChannel creates the shared channel state. allowFrom and pairing may
// be nil for channels without store-backed access control (tests, web).
func NewBaseChannel(name, accountID string, msgBus *bus.MessageBus, cfg *config.Config, allowFrom store.AllowFromStore, pairing store.PairingStore) *BaseChannel {
	return &BaseChannel{
		name:      name,
		accountID: config.NormalizeAccountID(accountID),
		bus:       msgBus,
		cfg:       cfg,
		allowFrom: allowFrom,
		pairing:   pairing,
		Dedupe:    bus.NewDedupeCache(bus.DefaultDedupeTTL, bus.DefaultDedupeMaxEntries),
		History:   NewPendingHistory(),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AccountID returns the account this channel instance runs as.
func (c *BaseChannel) AccountID() string { return c.accountID }

// IsRunning reports whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// Config returns the channel's resolved config (with account overrides).
func (c *BaseChannel) Config() config.ResolvedChannel {
	return c.cfg.ResolveChannelAccount(c.name, c.accountID)
}

// RootConfig returns the full gateway config for routing and command auth.
func (c *BaseChannel) RootConfig() *config.Config { return c.cfg }

// Pairing returns the pairing store (may be nil).
func (c *BaseChannel) Pairing() store.PairingStore { return c.pairing }

// EffectiveAllowFrom merges the config allowFrom with the store-backed
// entries for this (channel, account).
func (c *BaseChannel) EffectiveAllowFrom() []string {
	list := append([]string(nil), c.Config().AllowFrom...)
	if c.allowFrom != nil {
		if stored, err := c.allowFrom.Read(c.name, c.accountID); err == nil {
			list = append(list, stored...)
		} else {
			slog.Warn("allowFrom store read failed", "channel", c.name, "error", err)
		}
	}
	return list
}

// SenderAllowed reports whether any of the sender's identities is in the
// effective allowlist.
func (c *BaseChannel) SenderAllowed(senderIDs ...string) bool {
	list := c.EffectiveAllowFrom()
	for _, id := range senderIDs {
		if id != "" && routing.AllowFromContains(list, c.name, id) {
			return true
		}
	}
	return false
}

// GateDM evaluates the DM policy for a sender.
//
//	disabled  → drop
//	open      → allow
//	allowlist → require sender in effective allowFrom
//	pairing   → unknown senders get a pairing code (default)
func (c *BaseChannel) GateDM(senderIDs ...string) GateVerdict {
	policy := c.Config().DMPolicy
	switch policy {
	case DMPolicyDisabled:
		return GateDrop
	case DMPolicyOpen:
		return GateAllow
	case DMPolicyAllowlist:
		if c.SenderAllowed(senderIDs...) {
			return GateAllow
		}
		return GateDrop
	default: // "pairing" or unknown → secure default
		if c.SenderAllowed(senderIDs...) {
			return GateAllow
		}
		return GatePair
	}
}

// GateGroup evaluates the group policy for a sender.
//
//	disabled  → drop
//	allowlist → require a non-empty group allowlist AND sender present
//	open      → allow
func (c *BaseChannel) GateGroup(senderIDs ...string) GateVerdict {
	rc := c.Config()
	switch rc.GroupPolicy {
	case GroupPolicyDisabled:
		return GateDrop
	case GroupPolicyAllowlist:
		if len(rc.GroupAllowFrom) == 0 {
			return GateDrop
		}
		for _, id := range senderIDs {
			if id != "" && routing.AllowFromContains(rc.GroupAllowFrom, c.name, id) {
				return GateAllow
			}
		}
		return GateDrop
	default:
		return GateAllow
	}
}

// RequestPairing upserts a pending pairing request for the sender. For a
// sender with a live request it returns that request's code with created
// false; the code is empty when the pending cap is full.
func (c *BaseChannel) RequestPairing(senderID string, meta map[string]string) (code string, created bool) {
	if c.pairing == nil {
		return "", false
	}
	res, err := c.pairing.Upsert(store.PairingUpsert{
		Channel:   c.name,
		AccountID: c.accountID,
		ID:        senderID,
		Meta:      meta,
	})
	if err != nil {
		slog.Warn("pairing upsert failed", "channel", c.name, "sender", senderID, "error", err)
		return "", false
	}
	return res.Code, res.Created
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// MediaPlaceholder builds the "<media:kind>" placeholder text for inbound
// attachments; multiple images collapse into one tag with a count.
func MediaPlaceholder(kinds []string) string {
	if len(kinds) == 0 {
		return ""
	}
	images := 0
	for _, k := range kinds {
		if k == "image" {
			images++
		}
	}
	if images == len(kinds) {
		if images == 1 {
			return "<media:image>"
		}
		return fmt.Sprintf("<media:image> (%d images)", images)
	}
	var parts []string
	for _, k := range kinds {
		parts = append(parts, "<media:"+k+">")
	}
	return strings.Join(parts, " ")
}
