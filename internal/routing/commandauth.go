package routing

import (
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// AuthContext carries the sender/conversation identities of one inbound
// message for command authorization.
type AuthContext struct {
	Channel   string
	AccountID string

	SenderInternalID string // platform-internal user id
	SenderE164       string // phone identity, when the platform has one

	From   string // raw "from" identity as the channel reported it
	To     string
	IsDM   bool
}

// CommandAuthz is the authorization decision for one message.
type CommandAuthz struct {
	ProviderID         string
	OwnerList          []string
	SenderID           string
	SenderIsOwner      bool
	IsAuthorizedSender bool
	From               string
	To                 string
}

// AuthorizeCommand decides whether the sender may use control commands.
//
// commands.allowFrom, when present, takes precedence: the provider-scoped
// list (or the "*" fallback list) alone grants command use. Otherwise
// ownership applies: commands.ownerAllowFrom filtered to the provider
// defines owners; with no explicit owners the provider's resolved allowFrom
// (minus "*") acts as the owner list. The dock's owner gate or any non-empty
// owner list requires an owner match; otherwise the channel-level
// commandAuthorized verdict stands.
func AuthorizeCommand(ctx AuthContext, cfg *config.Config, dock Dock, resolvedAllowFrom []string, commandAuthorized bool) CommandAuthz {
	out := CommandAuthz{
		ProviderID: ctx.Channel,
		From:       ctx.From,
		To:         ctx.To,
	}

	out.SenderID = resolveSenderID(ctx, dock)

	// Owner list: explicit ownerAllowFrom for this provider, else the
	// provider allowFrom without its wildcard entries.
	owners := FilterOwnerEntries(cfg.Commands.OwnerAllowFrom, ctx.Channel)
	explicitOwners := len(owners) > 0
	if !explicitOwners {
		for _, e := range resolvedAllowFrom {
			if strings.TrimSpace(e) != "*" {
				owners = append(owners, e)
			}
		}
	}
	out.OwnerList = owners
	out.SenderIsOwner = out.SenderID != "" && AllowFromContains(owners, ctx.Channel, out.SenderID)

	// commands.allowFrom object takes precedence over owner gating.
	if cfg.Commands.AllowFrom != nil {
		list, ok := cfg.Commands.AllowFrom[ctx.Channel]
		if !ok {
			list = cfg.Commands.AllowFrom["*"]
		}
		out.IsAuthorizedSender = out.SenderID != "" && AllowFromContains(list, ctx.Channel, out.SenderID)
		return out
	}

	requireOwner := dock.EnforceOwnerForCommands() || len(owners) > 0
	if requireOwner {
		out.IsAuthorizedSender = out.SenderIsOwner
	} else {
		out.IsAuthorizedSender = commandAuthorized
	}
	return out
}

// resolveSenderID picks the sender identity: WhatsApp prefers the E.164
// form, other channels the internal id, then E.164. Conversation-like
// identities are never senders. DMs may fall back to the raw From identity.
func resolveSenderID(ctx AuthContext, dock Dock) string {
	var candidates []string
	if dock.PrefersE164() {
		candidates = []string{ctx.SenderE164, ctx.SenderInternalID}
	} else {
		candidates = []string{ctx.SenderInternalID, ctx.SenderE164}
	}
	for _, c := range candidates {
		if c != "" && !IsConversationLikeIdentity(c) {
			return c
		}
	}
	if ctx.IsDM && ctx.From != "" && !IsConversationLikeIdentity(ctx.From) {
		return ctx.From
	}
	return ""
}
