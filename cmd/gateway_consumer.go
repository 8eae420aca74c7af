package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/telemetry"
)

// consumeInboundMessages reads inbound messages from the channels and routes
// them through the agent runner, then publishes the response back to the
// originating channel. Channel pipelines have already applied dedupe,
// policy gates, debouncing, and routing; this loop is the seam between the
// bus and the agent runtime.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, cfg *config.Config, runner agent.Runner, sessionMgr *sessions.Manager) {
	slog.Info("inbound message consumer started")
	tracer := telemetry.Tracer()

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		sessionKey := msg.Metadata["session_key"]
		agentID := msg.AgentID
		if sessionKey == "" {
			route, err := routing.Resolve(routing.RouteInput{
				Cfg:           cfg,
				Channel:       msg.Channel,
				AccountID:     msg.AccountID,
				Peer:          routing.Peer{Kind: sessions.NormalizePeerKind(msg.PeerKind), ID: msg.ChatID},
				ThreadID:      msg.ThreadID,
				GuildID:       msg.GuildID,
				TeamID:        msg.TeamID,
				MemberRoleIDs: msg.MemberRoleIDs,
				AgentOverride: msg.AgentID,
			})
			if err != nil {
				slog.Warn("inbound: routing failed", "channel", msg.Channel, "error", err)
				continue
			}
			sessionKey = route.SessionKey
			agentID = route.AgentID
		}
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		}

		slog.Info("inbound: dispatching message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"peer_kind", msg.PeerKind,
			"agent", agentID,
			"session", sessionKey,
		)

		go func(msg bus.InboundMessage, sessionKey, agentID string) {
			runCtx, span := tracer.Start(ctx, "inbound.dispatch")
			defer span.End()

			result, err := runner.Run(runCtx, agent.RunRequest{
				SessionKey: sessionKey,
				AgentID:    agentID,
				Message:    msg.Content,
				Media:      msg.Media,
				Channel:    msg.Channel,
				AccountID:  msg.AccountID,
				ChatID:     msg.ChatID,
				PeerKind:   msg.PeerKind,
				SenderID:   msg.SenderID,
			})

			outMeta := buildReplyMetadata(msg)

			if err != nil {
				if errors.Is(err, context.Canceled) {
					slog.Info("inbound: run cancelled", "session", sessionKey)
					return
				}
				slog.Error("inbound: agent run failed", "error", err, "session", sessionKey)
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel:   msg.Channel,
					AccountID: msg.AccountID,
					ChatID:    msg.ChatID,
					Content:   "The agent hit an error handling that message. Please try again.",
					Metadata:  outMeta,
				})
				return
			}

			// Persist routing + fallback state on the session record.
			sessionMgr.GetOrCreate(sessionKey)
			to := ""
			if sessions.NormalizePeerKind(msg.PeerKind) == sessions.PeerDirect {
				to = msg.ChatID
			}
			sessionMgr.TouchRoute(sessionKey, msg.Channel, msg.AccountID, to)
			trackFallback(sessionMgr, sessionKey, result)
			if err := sessionMgr.Save(sessionKey); err != nil {
				slog.Warn("session save failed", "session", sessionKey, "error", err)
			}

			if result.Content == "" && len(result.Media) == 0 {
				// Nothing to deliver; still send an empty outbound so the
				// channel can clear typing indicators.
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel:   msg.Channel,
					AccountID: msg.AccountID,
					ChatID:    msg.ChatID,
					Metadata:  outMeta,
				})
				return
			}

			out := bus.OutboundMessage{
				Channel:   msg.Channel,
				AccountID: msg.AccountID,
				ChatID:    msg.ChatID,
				Content:   result.Content,
				Metadata:  outMeta,
			}
			for _, mr := range result.Media {
				out.Media = append(out.Media, bus.MediaAttachment{
					URL:         mr.Path,
					ContentType: mr.ContentType,
				})
			}
			msgBus.PublishOutbound(out)
		}(msg, sessionKey, agentID)
	}
}

// buildReplyMetadata carries thread/reply routing back to the channel.
func buildReplyMetadata(msg bus.InboundMessage) map[string]string {
	out := make(map[string]string)
	if msg.ThreadID != "" {
		out["root_id"] = msg.ThreadID
		out["message_thread_id"] = msg.ThreadID
	}
	if mid := msg.Metadata["message_id"]; mid != "" {
		out["reply_to_message_id"] = mid
	}
	return out
}
