// Package routing binds inbound channel events to agents and session keys,
// and decides command authorization across channels.
package routing

import (
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// Dock is the per-channel configuration adapter. Session and command-auth
// code depends only on this interface, never on channel packages.
type Dock interface {
	// ID returns the channel id the dock serves.
	ID() string
	// ResolveAllowFrom returns the channel's configured allow list for an
	// account, before store-backed entries are merged in.
	ResolveAllowFrom(cfg *config.Config, accountID string) []string
	// EnforceOwnerForCommands reports whether control commands on this
	// channel always require an owner match.
	EnforceOwnerForCommands() bool
	// PrefersE164 reports whether sender identity prefers a phone number
	// over the platform-internal id (WhatsApp).
	PrefersE164() bool
}

// BaseDock implements Dock with config-backed defaults. Channels embed it
// and override only what differs.
type BaseDock struct {
	ChannelID    string
	OwnerGate    bool
	E164Identity bool
}

func (d BaseDock) ID() string { return d.ChannelID }

func (d BaseDock) ResolveAllowFrom(cfg *config.Config, accountID string) []string {
	return cfg.ResolveChannelAccount(d.ChannelID, accountID).AllowFrom
}

func (d BaseDock) EnforceOwnerForCommands() bool { return d.OwnerGate }

func (d BaseDock) PrefersE164() bool { return d.E164Identity }

// DockRegistry maps channel ids to their docks.
type DockRegistry struct {
	mu    sync.RWMutex
	docks map[string]Dock
}

// NewDockRegistry creates a registry pre-seeded with the built-in channels.
func NewDockRegistry() *DockRegistry {
	r := &DockRegistry{docks: make(map[string]Dock)}
	for _, d := range []Dock{
		BaseDock{ChannelID: "mattermost"},
		BaseDock{ChannelID: "telegram"},
		BaseDock{ChannelID: "discord"},
		BaseDock{ChannelID: "slack"},
		BaseDock{ChannelID: "whatsapp", E164Identity: true},
		BaseDock{ChannelID: "msteams"},
		BaseDock{ChannelID: "web"},
	} {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a dock.
func (r *DockRegistry) Register(d Dock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docks[d.ID()] = d
}

// Get returns the dock for a channel id; unknown channels get a plain
// BaseDock so policy code never nil-checks.
func (r *DockRegistry) Get(channelID string) Dock {
	r.mu.RLock()
	d, ok := r.docks[channelID]
	r.mu.RUnlock()
	if ok {
		return d
	}
	return BaseDock{ChannelID: channelID}
}
