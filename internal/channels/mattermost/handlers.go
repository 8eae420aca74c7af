package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// Chat types derived from Mattermost channel types.
const (
	chatTypeDirect  = "direct"  // D
	chatTypeGroup   = "group"   // G
	chatTypeChannel = "channel" // O, P
)

// handleEvent is the entry point for every WebSocket event.
func (c *Channel) handleEvent(ev WSEvent) {
	if ev.Event != "posted" {
		return
	}

	var post Post
	if err := json.Unmarshal([]byte(ev.DataString("post")), &post); err != nil {
		slog.Debug("mattermost: unparseable post payload", "error", err)
		return
	}

	// Dedupe by message id: webhook retries and reconnect replays must not
	// reach the agent twice.
	if c.Dedupe.IsDuplicate(post.ID) {
		slog.Debug("mattermost: duplicate post dropped", "post_id", post.ID)
		return
	}

	// Filter system posts, our own posts, and posts without a channel.
	if post.Type != "" || post.ChannelID == "" {
		return
	}
	if c.botUser != nil && post.UserID == c.botUser.ID {
		return
	}

	chatType := classifyChatType(ev.DataString("channel_type"))
	senderName := strings.TrimPrefix(ev.DataString("sender_name"), "@")

	// Policy gate.
	switch chatType {
	case chatTypeDirect:
		switch c.GateDM(post.UserID, senderName) {
		case channels.GateDrop:
			slog.Debug("mattermost: DM dropped by policy",
				"user_id", post.UserID, "policy", c.Config().DMPolicy)
			return
		case channels.GatePair:
			c.handlePairingRequest(post, senderName)
			return
		}
	default:
		if c.GateGroup(post.UserID, senderName) != channels.GateAllow {
			slog.Debug("mattermost: group message dropped by policy",
				"channel_id", post.ChannelID, "policy", c.Config().GroupPolicy)
			return
		}
	}

	wasMentioned := c.detectMention(ev, post)
	isCommand := isControlCommand(post.Message, c.botUsername())
	commandAuthorized := c.authorizeCommand(post.UserID, senderName, chatType == chatTypeDirect)

	// Mention & command gate for non-DM chats. An authorized control
	// command bypasses the mention requirement; an unauthorized one is
	// dropped outright.
	if chatType != chatTypeDirect {
		if isCommand && !commandAuthorized {
			slog.Info("mattermost: inbound drop: unauthorized control command",
				"channel_id", post.ChannelID, "user_id", post.UserID)
			return
		}
		requireMention := c.Config().RequireMention && c.botUsername() != ""
		if requireMention && !wasMentioned && !isCommand {
			c.History.Record(localKey(post), channels.HistoryEntry{
				Sender:    senderName,
				Body:      post.Message,
				Timestamp: time.UnixMilli(post.CreateAt),
				MessageID: post.ID,
			}, c.Config().HistoryLimit)
			return
		}
	}

	meta := map[string]string{
		"post_id":     post.ID,
		"root_id":     post.RootID,
		"sender_name": senderName,
		"chat_type":   chatType,
	}
	if len(post.FileIDs) > 0 {
		meta["file_ids"] = strings.Join(post.FileIDs, ",")
	}
	if isCommand {
		meta["is_command"] = "true"
	}

	c.debouncer.Push(bus.InboundMessage{
		Channel:           "mattermost",
		AccountID:         c.AccountID(),
		SenderID:          post.UserID,
		ChatID:            post.ChannelID,
		Content:           post.Message,
		MessageIDs:        []string{post.ID},
		PeerKind:          chatType,
		ThreadID:          post.RootID,
		UserID:            post.UserID,
		WasMentioned:      wasMentioned,
		CommandAuthorized: commandAuthorized,
		TimestampMs:       post.CreateAt,
		Metadata:          meta,
	})
}

// flushInbound receives one debounce bucket: either a burst of pure-text
// messages to merge, or a single message that flushed immediately.
func (c *Channel) flushInbound(msgs []bus.InboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	merged := msgs[0]
	if len(msgs) > 1 {
		var texts []string
		var ids []string
		for _, m := range msgs {
			if m.Content != "" {
				texts = append(texts, m.Content)
			}
			ids = append(ids, m.MessageIDs...)
		}
		merged.Content = strings.Join(texts, "\n")
		merged.MessageIDs = ids
		// Merged buckets never carry files.
		delete(merged.Metadata, "file_ids")
	}
	return c.processInbound(merged)
}

// processInbound finishes the pipeline for one (possibly merged) message:
// media fetch, routing, history context, typing, and bus publish.
func (c *Channel) processInbound(msg bus.InboundMessage) error {
	ctx := context.Background()
	resolved := c.Config()

	// Media fetch: download referenced files and build placeholders.
	if fileIDs := msg.Metadata["file_ids"]; fileIDs != "" {
		var kinds []string
		for _, fileID := range strings.Split(fileIDs, ",") {
			info, err := c.client.GetFileInfo(ctx, fileID)
			if err != nil {
				slog.Warn("mattermost: file info failed", "file_id", fileID, "error", err)
				continue
			}
			path, err := c.client.DownloadFile(ctx, fileID, info.Name, resolved.MediaMaxBytes, c.mediaDir)
			if err != nil {
				slog.Warn("mattermost: file download failed", "file_id", fileID, "error", err)
				continue
			}
			msg.Media = append(msg.Media, path)
			kinds = append(kinds, mediaKind(info.MimeType))
		}
		if tag := channels.MediaPlaceholder(kinds); tag != "" {
			if msg.Content != "" {
				msg.Content = tag + "\n\n" + msg.Content
			} else {
				msg.Content = tag
			}
		}
	}

	// Resolve team id for binding evaluation.
	teamID := ""
	if info, err := c.getChannelInfo(ctx, msg.ChatID); err == nil {
		teamID = info.TeamID
	}
	msg.TeamID = teamID

	route, err := routing.Resolve(routing.RouteInput{
		Cfg:       c.RootConfig(),
		Channel:   "mattermost",
		AccountID: c.AccountID(),
		Peer:      routing.Peer{Kind: sessions.NormalizePeerKind(msg.PeerKind), ID: msg.ChatID},
		ThreadID:  msg.ThreadID,
		TeamID:    teamID,
	})
	if err != nil {
		return fmt.Errorf("route inbound: %w", err)
	}
	msg.AgentID = route.AgentID
	msg.Metadata["session_key"] = route.SessionKey
	if route.ParentSessionKey != "" {
		msg.Metadata["parent_session_key"] = route.ParentSessionKey
	}

	// Preceding context from pending group history.
	if msg.PeerKind != chatTypeDirect {
		key := localKeyFromMsg(msg)
		annotated := fmt.Sprintf("[From: %s]\n%s", msg.Metadata["sender_name"], msg.Content)
		msg.Content = c.History.BuildContext(key, annotated, resolved.HistoryLimit)
		c.History.Clear(key)
	}

	c.startTyping(ctx, msg.ChatID, msg.ThreadID)
	c.Bus().PublishInbound(msg)
	return nil
}

// handlePairingRequest upserts a pending pairing request and, when a new
// code was issued, DMs it back to the sender. The triggering message is
// dropped either way.
func (c *Channel) handlePairingRequest(post Post, senderName string) {
	code, created := c.RequestPairing(post.UserID, map[string]string{
		"username": senderName,
	})
	if !created {
		slog.Debug("mattermost: pairing pending", "user_id", post.UserID)
		return
	}

	ctx := context.Background()
	dm, err := c.client.CreateDirectChannel(ctx, c.botUser.ID, post.UserID)
	if err != nil {
		slog.Warn("mattermost: pairing reply channel failed", "user_id", post.UserID, "error", err)
		return
	}
	text := fmt.Sprintf(
		"Hi! This bot requires pairing before it responds to direct messages.\n"+
			"Your pairing code: `%s`\n"+
			"Ask the operator to approve it.", code)
	if _, err := c.client.CreatePost(ctx, dm.ID, text, "", nil); err != nil {
		slog.Warn("mattermost: pairing reply failed", "user_id", post.UserID, "error", err)
	}
	slog.Info("mattermost: pairing code issued", "user_id", post.UserID)
}

func (c *Channel) botUsername() string {
	if c.botUser == nil {
		return ""
	}
	return c.botUser.Username
}

// detectMention checks the event's mention list first, then falls back to a
// substring check on @username.
func (c *Channel) detectMention(ev WSEvent, post Post) bool {
	if c.botUser == nil {
		return false
	}
	if mentions := ev.DataString("mentions"); mentions != "" {
		var ids []string
		if err := json.Unmarshal([]byte(mentions), &ids); err == nil {
			for _, id := range ids {
				if id == c.botUser.ID {
					return true
				}
			}
		}
	}
	return strings.Contains(strings.ToLower(post.Message), "@"+strings.ToLower(c.botUser.Username))
}

// authorizeCommand runs the shared command authorization for this sender.
func (c *Channel) authorizeCommand(userID, senderName string, isDM bool) bool {
	authz := routing.AuthorizeCommand(routing.AuthContext{
		Channel:          "mattermost",
		AccountID:        c.AccountID(),
		SenderInternalID: userID,
		From:             senderName,
		IsDM:             isDM,
	}, c.RootConfig(), c.dock, c.EffectiveAllowFrom(), c.SenderAllowed(userID, senderName))
	return authz.IsAuthorizedSender
}

// isControlCommand reports whether a message is a bot control command
// (leading "/", after stripping a leading @mention).
func isControlCommand(message, botUsername string) bool {
	text := strings.TrimSpace(message)
	if botUsername != "" {
		text = strings.TrimSpace(strings.TrimPrefix(text, "@"+botUsername))
	}
	return strings.HasPrefix(text, "/")
}

func classifyChatType(channelType string) string {
	switch channelType {
	case "D":
		return chatTypeDirect
	case "G":
		return chatTypeGroup
	default:
		return chatTypeChannel
	}
}

func localKey(post Post) string {
	if post.RootID != "" {
		return post.ChannelID + ":" + post.RootID
	}
	return post.ChannelID
}

func localKeyFromMsg(msg bus.InboundMessage) string {
	if msg.ThreadID != "" {
		return msg.ChatID + ":" + msg.ThreadID
	}
	return msg.ChatID
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}
