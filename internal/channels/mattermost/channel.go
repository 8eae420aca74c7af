package mattermost

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/typing"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// maxPostChars bounds one Mattermost post; longer replies are chunked.
const maxPostChars = 4000

// Channel connects to a Mattermost server over WebSocket + REST.
type Channel struct {
	*channels.BaseChannel
	client    *Client
	dock      routing.Dock
	debouncer *bus.InboundDebouncer
	mediaDir  string

	botUser     *User
	channelInfo sync.Map // channelID → *ChannelInfo
	typingCtrls sync.Map // chatKey → *typing.Controller

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// New creates a Mattermost channel instance for one bot account.
func New(cfg *config.Config, accountID string, msgBus *bus.MessageBus, allowFrom store.AllowFromStore, pairing store.PairingStore, docks *routing.DockRegistry) (*Channel, error) {
	resolved := cfg.ResolveChannelAccount("mattermost", accountID)
	if resolved.BotToken == "" {
		return nil, fmt.Errorf("mattermost: botToken not configured")
	}
	if resolved.BaseURL == "" {
		return nil, fmt.Errorf("mattermost: baseUrl not configured")
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("mattermost", accountID, msgBus, cfg, allowFrom, pairing),
		client:      NewClient(resolved.BaseURL, resolved.BotToken),
		dock:        docks.Get("mattermost"),
		mediaDir:    filepath.Join(os.TempDir(), "clawgate-mattermost-media"),
	}

	debounce := time.Duration(resolved.DebounceMs) * time.Millisecond
	if resolved.DebounceMs < 0 {
		debounce = 0
	}
	c.debouncer = bus.NewInboundDebouncer(bus.DebouncerOptions{
		Debounce:       debounce,
		BuildKey:       bus.DefaultDebounceKey,
		ShouldDebounce: shouldDebounce,
		OnFlush:        c.flushInbound,
		OnError: func(err error) {
			slog.Error("mattermost: inbound flush failed", "error", err)
		},
	})
	return c, nil
}

// shouldDebounce lets only pure-text, non-command messages wait in a
// debounce bucket; file-bearing or control-command messages flush alone.
func shouldDebounce(msg bus.InboundMessage) bool {
	return msg.Metadata["file_ids"] == "" && msg.Metadata["is_command"] != "true"
}

// Start authenticates and begins the reconnecting event loop.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.client.Me(ctx)
	if err != nil {
		return fmt.Errorf("mattermost login: %w", err)
	}
	c.botUser = me
	slog.Info("mattermost connected", "username", me.Username, "account", c.AccountID())

	listenCtx, cancel := context.WithCancel(ctx)
	c.listenCancel = cancel
	c.listenDone = make(chan struct{})
	c.SetRunning(true)

	rec := &channels.Reconnector{
		Name: "mattermost",
		Connect: func(ctx context.Context) error {
			return c.client.Listen(ctx, c.handleEvent)
		},
	}
	go func() {
		defer close(c.listenDone)
		rec.Run(listenCtx)
	}()
	return nil
}

// Stop shuts the event loop down and flushes pending debounce buckets.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.listenCancel != nil {
		c.listenCancel()
	}
	c.debouncer.Stop()
	if c.listenDone != nil {
		select {
		case <-c.listenDone:
		case <-time.After(10 * time.Second):
			slog.Warn("mattermost listen loop did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message: text is chunked across posts, media is
// sent one post per attachment with the caption on the first.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.stopTyping(msg.ChatID)
	rootID := msg.Metadata["root_id"]

	if msg.Content != "" {
		for _, chunk := range splitMessage(msg.Content, maxPostChars) {
			if _, err := c.client.CreatePost(ctx, msg.ChatID, chunk, rootID, nil); err != nil {
				return err
			}
		}
	}

	for i, media := range msg.Media {
		fileID, err := c.client.UploadFile(ctx, msg.ChatID, media.URL)
		if err != nil {
			return err
		}
		caption := ""
		if i == 0 {
			caption = media.Caption
		}
		if _, err := c.client.CreatePost(ctx, msg.ChatID, caption, rootID, []string{fileID}); err != nil {
			return err
		}
	}
	return nil
}

// startTyping begins the provider-native typing indicator for a chat,
// replacing any previous controller for the same conversation.
func (c *Channel) startTyping(ctx context.Context, channelID, rootID string) {
	if c.botUser == nil {
		return
	}
	key := channelID
	if rootID != "" {
		key = channelID + ":" + rootID
	}
	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			return c.client.SendTyping(ctx, c.botUser.ID, channelID, rootID)
		},
	})
	if prev, ok := c.typingCtrls.Load(key); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(key, ctrl)
	ctrl.Start()
}

func (c *Channel) stopTyping(channelID string) {
	c.typingCtrls.Range(func(k, v interface{}) bool {
		key := k.(string)
		if key == channelID || len(key) > len(channelID) && key[:len(channelID)+1] == channelID+":" {
			v.(*typing.Controller).Stop()
			c.typingCtrls.Delete(key)
		}
		return true
	})
}

// getChannelInfo resolves (and caches) channel metadata.
func (c *Channel) getChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error) {
	if v, ok := c.channelInfo.Load(channelID); ok {
		return v.(*ChannelInfo), nil
	}
	info, err := c.client.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	c.channelInfo.Store(channelID, info)
	return info, nil
}

// splitMessage chunks text at maxLen, preferring newline boundaries.
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
