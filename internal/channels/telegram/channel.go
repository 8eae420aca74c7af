// Package telegram connects the gateway to the Telegram Bot API via long
// polling. It rides the same ingestion primitives as the Mattermost
// exemplar: dedupe, DM/group policy gates with pairing, mention gating,
// pending history, debounced bursts, and the shared routing layer.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/typing"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const maxMessageChars = 4000

// Channel connects to Telegram using long polling.
type Channel struct {
	*channels.BaseChannel
	bot       *telego.Bot
	dock      routing.Dock
	debouncer *bus.InboundDebouncer

	typingCtrls sync.Map // chatKey → *typing.Controller

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel instance for one bot account.
func New(cfg *config.Config, accountID string, msgBus *bus.MessageBus, allowFrom store.AllowFromStore, pairing store.PairingStore, docks *routing.DockRegistry) (*Channel, error) {
	resolved := cfg.ResolveChannelAccount("telegram", accountID)
	if resolved.BotToken == "" {
		return nil, fmt.Errorf("telegram: botToken not configured")
	}

	bot, err := telego.NewBot(resolved.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", accountID, msgBus, cfg, allowFrom, pairing),
		bot:         bot,
		dock:        docks.Get("telegram"),
	}

	debounce := time.Duration(resolved.DebounceMs) * time.Millisecond
	if resolved.DebounceMs < 0 {
		debounce = 0
	}
	c.debouncer = bus.NewInboundDebouncer(bus.DebouncerOptions{
		Debounce: debounce,
		ShouldDebounce: func(msg bus.InboundMessage) bool {
			return len(msg.Media) == 0 && msg.Metadata["is_command"] != "true"
		},
		OnFlush: c.flushInbound,
		OnError: func(err error) {
			slog.Error("telegram: inbound flush failed", "error", err)
		},
	})
	return c, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username(), "account", c.AccountID())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	c.debouncer.Stop()
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// handleMessage runs the shared pipeline for one Telegram update.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil || (message.Text == "" && message.Caption == "") {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	chatID := strconv.FormatInt(message.Chat.ID, 10)
	messageID := strconv.Itoa(message.MessageID)

	if c.Dedupe.IsDuplicate("telegram|" + chatID + "|" + messageID) {
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}

	// Policy gates.
	if isGroup {
		if c.GateGroup(userID, user.Username) != channels.GateAllow {
			slog.Debug("telegram: group message dropped by policy", "chat_id", chatID)
			return
		}
	} else {
		switch c.GateDM(userID, user.Username) {
		case channels.GateDrop:
			slog.Debug("telegram: DM dropped by policy", "user_id", userID)
			return
		case channels.GatePair:
			c.sendPairingReply(ctx, message.Chat.ID, userID, user.Username)
			return
		}
	}

	wasMentioned := c.detectMention(message)
	isCommand := strings.HasPrefix(strings.TrimSpace(content), "/")
	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	// Thread/topic detection (forum supergroups).
	threadID := ""
	if isGroup && message.Chat.IsForum && message.MessageThreadID > 0 {
		threadID = strconv.Itoa(message.MessageThreadID)
	}
	localKey := chatID
	if threadID != "" {
		localKey = chatID + ":" + threadID
	}

	if isGroup && c.Config().RequireMention && !wasMentioned && !isCommand {
		c.History.Record(localKey, channels.HistoryEntry{
			Sender:    senderLabel,
			Body:      content,
			Timestamp: time.Unix(int64(message.Date), 0),
			MessageID: messageID,
		}, c.Config().HistoryLimit)
		return
	}

	peerKind := string(sessions.PeerDirect)
	if isGroup {
		peerKind = string(sessions.PeerGroup)
	}

	meta := map[string]string{
		"message_id":  messageID,
		"sender_name": senderLabel,
		"local_key":   localKey,
	}
	if isCommand {
		meta["is_command"] = "true"
	}

	c.debouncer.Push(bus.InboundMessage{
		Channel:      "telegram",
		AccountID:    c.AccountID(),
		SenderID:     userID,
		ChatID:       chatID,
		Content:      content,
		MessageIDs:   []string{messageID},
		PeerKind:     peerKind,
		ThreadID:     threadID,
		UserID:       userID,
		WasMentioned: wasMentioned,
		TimestampMs:  int64(message.Date) * 1000,
		Metadata:     meta,
	})
}

func (c *Channel) flushInbound(msgs []bus.InboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	merged := msgs[0]
	if len(msgs) > 1 {
		var texts, ids []string
		for _, m := range msgs {
			if m.Content != "" {
				texts = append(texts, m.Content)
			}
			ids = append(ids, m.MessageIDs...)
		}
		merged.Content = strings.Join(texts, "\n")
		merged.MessageIDs = ids
	}

	route, err := routing.Resolve(routing.RouteInput{
		Cfg:       c.RootConfig(),
		Channel:   "telegram",
		AccountID: c.AccountID(),
		Peer:      routing.Peer{Kind: sessions.NormalizePeerKind(merged.PeerKind), ID: merged.ChatID},
		ThreadID:  merged.ThreadID,
	})
	if err != nil {
		return err
	}
	merged.AgentID = route.AgentID
	merged.Metadata["session_key"] = route.SessionKey

	if merged.PeerKind == string(sessions.PeerGroup) {
		key := merged.Metadata["local_key"]
		annotated := fmt.Sprintf("[From: %s]\n%s", merged.Metadata["sender_name"], merged.Content)
		merged.Content = c.History.BuildContext(key, annotated, c.Config().HistoryLimit)
		c.History.Clear(key)
	}

	c.startTyping(merged.ChatID, merged.ThreadID)
	c.Bus().PublishInbound(merged)
	return nil
}

// Send delivers an outbound message, chunked, with media fan-out.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.stopTyping(msg.ChatID)

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}
	id := tu.ID(chatID)

	if msg.Content != "" {
		for _, chunk := range splitMessage(msg.Content, maxMessageChars) {
			params := tu.Message(id, chunk)
			if tid := msg.Metadata["message_thread_id"]; tid != "" {
				if n, err := strconv.Atoi(tid); err == nil {
					params.MessageThreadID = n
				}
			}
			if _, err := c.bot.SendMessage(ctx, params); err != nil {
				return wrapSendError(err)
			}
		}
	}

	for i, media := range msg.Media {
		caption := ""
		if i == 0 {
			caption = media.Caption
		}
		doc := tu.Document(id, tu.FileFromURL(media.URL))
		doc.Caption = caption
		if _, err := c.bot.SendDocument(ctx, doc); err != nil {
			return wrapSendError(err)
		}
	}
	return nil
}

func (c *Channel) sendPairingReply(ctx context.Context, chatID int64, userID, username string) {
	code, created := c.RequestPairing(userID, map[string]string{"username": username})
	if !created {
		return
	}
	text := fmt.Sprintf(
		"Hi! This bot requires pairing before it responds to direct messages.\n"+
			"Your pairing code: %s\n"+
			"Ask the operator to approve it.", code)
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Warn("telegram: pairing reply failed", "user_id", userID, "error", err)
	}
	slog.Info("telegram: pairing code issued", "user_id", userID)
}

func (c *Channel) detectMention(msg *telego.Message) bool {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false
	}
	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+strings.ToLower(botUsername)) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+strings.ToLower(botUsername)) {
		return true
	}
	// Replying to the bot counts as an implicit mention.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Username == botUsername
	}
	return false
}

func (c *Channel) startTyping(chatIDStr, threadID string) {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return
	}
	key := chatIDStr
	if threadID != "" {
		key = chatIDStr + ":" + threadID
	}
	// Telegram typing expires after 5s, so keepalive every 4s.
	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			return c.bot.SendChatAction(context.Background(), tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
		},
	})
	if prev, ok := c.typingCtrls.Load(key); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(key, ctrl)
	ctrl.Start()
}

func (c *Channel) stopTyping(chatID string) {
	c.typingCtrls.Range(func(k, v interface{}) bool {
		key := k.(string)
		if key == chatID || strings.HasPrefix(key, chatID+":") {
			v.(*typing.Controller).Stop()
			c.typingCtrls.Delete(key)
		}
		return true
	})
}

func wrapSendError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests") {
		return channels.Retryable(err)
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
