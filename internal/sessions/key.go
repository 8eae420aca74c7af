// Package sessions — session key builder, parser, and session persistence.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session scope:
//
//	Main:        {mainKey}                                  (usually "main")
//	DM:          direct:{peerId}                            (dmScope=per-peer)
//	             {channel}:direct:{peerId}                  (dmScope=per-channel-peer)
//	             {channel}:{accountId}:direct:{peerId}      (dmScope=per-account-channel-peer)
//	Group:       {channel}:group:{groupId}
//	Channel:     {channel}:channel:{channelId}
//	Thread:      ...:topic:{threadId}
//	Subagent:    subagent:{label}
//	Cron:        cron:{jobId}[:run:{runId}]
//
// The legacy peer-kind marker "dm" is synonymous with "direct" and is
// rewritten on read.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes conversation shapes.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// NormalizePeerKind coerces the legacy "dm" marker to "direct" and defaults
// empty input to direct.
func NormalizePeerKind(kind string) PeerKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "dm", "direct":
		return PeerDirect
	case "group":
		return PeerGroup
	case "channel":
		return PeerChannel
	default:
		return PeerKind(strings.ToLower(kind))
	}
}

// DM scope modes (session.dmScope).
const (
	DmScopePerPeer               = "per-peer"
	DmScopePerChannelPeer        = "per-channel-peer"
	DmScopePerAccountChannelPeer = "per-account-channel-peer"
)

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildDirectSessionKey builds a DM session key according to dmScope.
// peerID should already be identity-linked (see ResolveIdentityLink).
func BuildDirectSessionKey(agentID, channel, accountID, peerID, dmScope string) string {
	switch dmScope {
	case DmScopePerPeer:
		return fmt.Sprintf("agent:%s:direct:%s", agentID, peerID)
	case DmScopePerAccountChannelPeer:
		return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channel, accountID, peerID)
	default: // per-channel-peer or empty
		return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, channel, peerID)
	}
}

// BuildGroupSessionKey builds a group or channel session key. Group and
// channel peers always embed the channel id.
func BuildGroupSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	if kind != PeerChannel {
		kind = PeerGroup
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// WithThread appends the thread/topic suffix to a non-thread session key.
func WithThread(sessionKey, threadID string) string {
	if threadID == "" {
		return sessionKey
	}
	return sessionKey + ":topic:" + threadID
}

// BuildSubagentSessionKey builds the session key for a subagent.
func BuildSubagentSessionKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, label)
}

// BuildCronSessionKey builds the session key for a cron job.
//
// Guards against double-prefixing: if jobID is already a canonical session
// key, only the rest part is used.
func BuildCronSessionKey(agentID, jobID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s", agentID, jobID)
}

// BuildCronRunSessionKey builds the per-run session key for an isolated cron run.
func BuildCronRunSessionKey(agentID, jobID, runID string) string {
	return BuildCronSessionKey(agentID, jobID) + ":run:" + runID
}

// NormalizeSessionKey rewrites the legacy "dm" marker to "direct" inside a
// canonical key. Keys are normalized before every persistence write and on
// every read.
func NormalizeSessionKey(key string) string {
	if key == "" {
		return key
	}
	parts := strings.Split(key, ":")
	for i, p := range parts {
		if p == "dm" {
			parts[i] = "direct"
		}
	}
	return strings.Join(parts, ":")
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsSubagentSession checks if a session key indicates a subagent session.
func IsSubagentSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsCronSession checks if a session key indicates a cron session.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}

// ResolveIdentityLink maps a (channel, peerId) pair to its shared alias when
// session.identityLinks has one. Links apply to DM scopes only.
func ResolveIdentityLink(links map[string]string, channel, peerID string) string {
	if len(links) == 0 {
		return peerID
	}
	if alias, ok := links[channel+":"+peerID]; ok && alias != "" {
		return alias
	}
	return peerID
}
