// Package discord connects the gateway to Discord. It is the role-binding
// exemplar: inbound messages carry guild id and the sender's role ids so
// guild+roles bindings can route to a specific agent.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/typing"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const maxMessageChars = 2000

// Channel connects to Discord via the gateway WebSocket.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	dock    routing.Dock

	typingCtrls sync.Map // channelID → *typing.Controller
	removeFn    func()
}

// New creates a Discord channel instance for one bot account.
func New(cfg *config.Config, accountID string, msgBus *bus.MessageBus, allowFrom store.AllowFromStore, pairing store.PairingStore, docks *routing.DockRegistry) (*Channel, error) {
	resolved := cfg.ResolveChannelAccount("discord", accountID)
	if resolved.BotToken == "" {
		return nil, fmt.Errorf("discord: botToken not configured")
	}

	session, err := discordgo.New("Bot " + resolved.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", accountID, msgBus, cfg, allowFrom, pairing),
		session:     session,
		dock:        docks.Get("discord"),
	}, nil
}

// Start opens the gateway connection and registers the message handler.
func (c *Channel) Start(_ context.Context) error {
	c.removeFn = c.session.AddHandler(c.onMessageCreate)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.SetRunning(true)
	slog.Info("discord connected", "user", c.session.State.User.Username, "account", c.AccountID())
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.removeFn != nil {
		c.removeFn()
	}
	return c.session.Close()
}

// onMessageCreate runs the shared pipeline for one Discord message.
func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if c.Dedupe.IsDuplicate("discord|" + m.ChannelID + "|" + m.ID) {
		return
	}

	isDM := m.GuildID == ""
	content := m.Content

	if isDM {
		switch c.GateDM(m.Author.ID, m.Author.Username) {
		case channels.GateDrop:
			slog.Debug("discord: DM dropped by policy", "user_id", m.Author.ID)
			return
		case channels.GatePair:
			c.sendPairingReply(m.Author.ID, m.Author.Username)
			return
		}
	} else {
		if c.GateGroup(m.Author.ID, m.Author.Username) != channels.GateAllow {
			slog.Debug("discord: guild message dropped by policy", "channel_id", m.ChannelID)
			return
		}
	}

	wasMentioned := false
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			wasMentioned = true
			break
		}
	}
	isCommand := strings.HasPrefix(strings.TrimSpace(content), "/")

	var roleIDs []string
	if m.Member != nil {
		roleIDs = m.Member.Roles
	}

	if !isDM && c.Config().RequireMention && !wasMentioned && !isCommand {
		c.History.Record(m.ChannelID, channels.HistoryEntry{
			Sender:    m.Author.Username,
			Body:      content,
			Timestamp: time.Now(),
			MessageID: m.ID,
		}, c.Config().HistoryLimit)
		return
	}

	// DMs key on the author; guild messages on the channel.
	peer := routing.Peer{Kind: sessions.PeerDirect, ID: m.Author.ID}
	peerKind := string(sessions.PeerDirect)
	chatID := m.ChannelID
	if !isDM {
		peer = routing.Peer{Kind: sessions.PeerChannel, ID: m.ChannelID}
		peerKind = string(sessions.PeerChannel)
	}

	route, err := routing.Resolve(routing.RouteInput{
		Cfg:           c.RootConfig(),
		Channel:       "discord",
		AccountID:     c.AccountID(),
		Peer:          peer,
		GuildID:       m.GuildID,
		MemberRoleIDs: roleIDs,
	})
	if err != nil {
		slog.Warn("discord: route failed", "error", err)
		return
	}

	if !isDM {
		annotated := fmt.Sprintf("[From: %s]\n%s", m.Author.Username, content)
		content = c.History.BuildContext(m.ChannelID, annotated, c.Config().HistoryLimit)
		c.History.Clear(m.ChannelID)
	}

	c.startTyping(m.ChannelID)
	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:       "discord",
		AccountID:     c.AccountID(),
		SenderID:      m.Author.ID,
		ChatID:        chatID,
		Content:       content,
		MessageIDs:    []string{m.ID},
		PeerKind:      peerKind,
		GuildID:       m.GuildID,
		UserID:        m.Author.ID,
		MemberRoleIDs: roleIDs,
		WasMentioned:  wasMentioned,
		AgentID:       route.AgentID,
		Metadata: map[string]string{
			"message_id":  m.ID,
			"sender_name": m.Author.Username,
			"session_key": route.SessionKey,
		},
	})
}

// Send delivers an outbound message, chunked, with media fan-out.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.stopTyping(msg.ChatID)

	if msg.Content != "" {
		for _, chunk := range splitMessage(msg.Content, maxMessageChars) {
			if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
				return wrapSendError(err)
			}
		}
	}
	for i, media := range msg.Media {
		content := ""
		if i == 0 {
			content = media.Caption
		}
		if _, err := c.session.ChannelMessageSendComplex(msg.ChatID, &discordgo.MessageSend{
			Content: content + "\n" + media.URL,
		}); err != nil {
			return wrapSendError(err)
		}
	}
	return nil
}

func (c *Channel) sendPairingReply(userID, username string) {
	code, created := c.RequestPairing(userID, map[string]string{"username": username})
	if !created {
		return
	}
	dm, err := c.session.UserChannelCreate(userID)
	if err != nil {
		slog.Warn("discord: pairing reply channel failed", "user_id", userID, "error", err)
		return
	}
	text := fmt.Sprintf(
		"Hi! This bot requires pairing before it responds to direct messages.\n"+
			"Your pairing code: `%s`\n"+
			"Ask the operator to approve it.", code)
	if _, err := c.session.ChannelMessageSend(dm.ID, text); err != nil {
		slog.Warn("discord: pairing reply failed", "user_id", userID, "error", err)
	}
	slog.Info("discord: pairing code issued", "user_id", userID)
}

func (c *Channel) startTyping(channelID string) {
	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 8 * time.Second,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	if prev, ok := c.typingCtrls.Load(channelID); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(channelID, ctrl)
	ctrl.Start()
}

func (c *Channel) stopTyping(channelID string) {
	if prev, ok := c.typingCtrls.Load(channelID); ok {
		prev.(*typing.Controller).Stop()
		c.typingCtrls.Delete(channelID)
	}
}

func wrapSendError(err error) error {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		code := restErr.Response.StatusCode
		if code == 429 || code >= 500 {
			return channels.Retryable(err)
		}
	}
	return err
}

func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for i := maxLen; i > maxLen/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
