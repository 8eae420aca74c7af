package routing

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// ErrInvalidAgent is returned when a caller-supplied agent override does not
// exist in agents.list.
var ErrInvalidAgent = errors.New("unknown agent id")

// Peer identifies one conversation target on a channel.
type Peer struct {
	Kind sessions.PeerKind
	ID   string
}

// RouteInput carries everything binding evaluation may inspect.
type RouteInput struct {
	Cfg       *config.Config
	Channel   string
	AccountID string
	Peer      Peer
	// ParentPeer is the enclosing conversation when Peer is a thread.
	ParentPeer    *Peer
	ThreadID      string
	GuildID       string
	TeamID        string
	MemberRoleIDs []string
	// AgentOverride forces an agent (e.g. cron jobs); it must exist.
	AgentOverride string
}

// RouteResult is the resolved binding decision.
type RouteResult struct {
	AgentID          string
	AccountID        string
	SessionKey       string
	MainSessionKey   string
	ParentSessionKey string
	MatchedBy        string
}

// Binding matcher kinds, in specificity order. A binding with a peer clause
// requires that peer to match; it never degrades to a guild/team-wide
// fallback when the peer mismatches.
var matcherOrder = []string{
	"binding.peer",
	"binding.peer.parent",
	"binding.guild+roles",
	"binding.guild",
	"binding.team",
	"binding.account",
	"binding.channel",
}

// Resolve maps an inbound conversation to an agent and canonical session key.
func Resolve(in RouteInput) (RouteResult, error) {
	cfg := in.Cfg
	accountID := config.NormalizeAccountID(in.AccountID)
	peer := Peer{Kind: sessions.NormalizePeerKind(string(in.Peer.Kind)), ID: in.Peer.ID}

	agentID, matchedBy := resolveAgent(cfg, in, accountID, peer)

	if in.AgentOverride != "" {
		override := config.NormalizeAgentID(in.AgentOverride)
		if !cfg.HasAgent(override) {
			return RouteResult{}, fmt.Errorf("%w: %s", ErrInvalidAgent, in.AgentOverride)
		}
		agentID = override
		matchedBy = "override"
	}

	res := RouteResult{
		AgentID:        agentID,
		AccountID:      accountID,
		MatchedBy:      matchedBy,
		MainSessionKey: sessions.BuildAgentMainSessionKey(agentID, cfg.Session.MainKey),
	}

	base := buildPeerSessionKey(cfg, agentID, in.Channel, accountID, peer)
	if in.ThreadID != "" {
		res.ParentSessionKey = base
		res.SessionKey = sessions.WithThread(base, in.ThreadID)
	} else {
		res.SessionKey = base
	}
	return res, nil
}

func buildPeerSessionKey(cfg *config.Config, agentID, channel, accountID string, peer Peer) string {
	if peer.Kind == sessions.PeerDirect {
		peerID := sessions.ResolveIdentityLink(cfg.Session.IdentityLinks, channel, peer.ID)
		return sessions.BuildDirectSessionKey(agentID, channel, accountID, peerID, cfg.Session.DmScope)
	}
	return sessions.BuildGroupSessionKey(agentID, channel, peer.Kind, peer.ID)
}

func resolveAgent(cfg *config.Config, in RouteInput, accountID string, peer Peer) (string, string) {
	for _, kind := range matcherOrder {
		for _, b := range cfg.Bindings {
			if matchBinding(kind, b.Match, in, accountID, peer) {
				return config.NormalizeAgentID(b.AgentID), kind
			}
		}
	}
	return cfg.ResolveDefaultAgentID(), "default"
}

// matchBinding evaluates one binding for one matcher tier. Every clause the
// binding carries must hold; the tier decides which clause is the defining
// one so more specific bindings win regardless of config order.
func matchBinding(kind string, m config.BindingMatch, in RouteInput, accountID string, peer Peer) bool {
	if m.Channel != "" && m.Channel != in.Channel {
		return false
	}
	if m.AccountID != "" && m.AccountID != "*" && config.NormalizeAccountID(m.AccountID) != accountID {
		return false
	}
	if m.GuildID != "" && m.GuildID != in.GuildID {
		return false
	}
	if m.TeamID != "" && m.TeamID != in.TeamID {
		return false
	}

	peerClauseMatches := func(p Peer) bool {
		return m.Peer != nil &&
			sessions.NormalizePeerKind(m.Peer.Kind) == p.Kind &&
			m.Peer.ID == p.ID
	}

	switch kind {
	case "binding.peer":
		return peerClauseMatches(peer)

	case "binding.peer.parent":
		return in.ParentPeer != nil && peerClauseMatches(*in.ParentPeer)

	case "binding.guild+roles":
		if m.GuildID == "" || len(m.Roles) == 0 {
			return false
		}
		if m.Peer != nil && !peerClauseMatches(peer) {
			return false
		}
		return hasAnyRole(in.MemberRoleIDs, m.Roles)

	case "binding.guild":
		if m.GuildID == "" || len(m.Roles) > 0 {
			return false
		}
		return m.Peer == nil || peerClauseMatches(peer)

	case "binding.team":
		if m.TeamID == "" || m.GuildID != "" {
			return false
		}
		return m.Peer == nil || peerClauseMatches(peer)

	case "binding.account":
		return m.Peer == nil && m.GuildID == "" && m.TeamID == "" &&
			m.Channel != "" && m.AccountID != "" && m.AccountID != "*"

	case "binding.channel":
		return m.Peer == nil && m.GuildID == "" && m.TeamID == "" &&
			m.Channel != "" && (m.AccountID == "" || m.AccountID == "*")
	}
	return false
}

func hasAnyRole(memberRoles, wanted []string) bool {
	for _, w := range wanted {
		for _, r := range memberRoles {
			if r == w {
				return true
			}
		}
	}
	return false
}
