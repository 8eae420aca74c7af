package bus

import "context"

// InboundMessage represents a message received from a channel
// (Mattermost, Telegram, Discord, etc.)
type InboundMessage struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id,omitempty"` // bot account within the channel ("default" when single-account)
	SenderID  string `json:"sender_id"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`

	Media      []string `json:"media,omitempty"`       // local paths of downloaded attachments
	MessageIDs []string `json:"message_ids,omitempty"` // platform message ids (multiple after a debounce merge)

	PeerKind string `json:"peer_kind,omitempty"` // "direct", "group" or "channel"
	ThreadID string `json:"thread_id,omitempty"` // thread/topic id when the message lives in a thread
	GuildID  string `json:"guild_id,omitempty"`  // Discord guild
	TeamID   string `json:"team_id,omitempty"`   // Mattermost team

	UserID        string   `json:"user_id,omitempty"`         // external user ID for per-user scoping
	MemberRoleIDs []string `json:"member_role_ids,omitempty"` // sender's role ids in the guild (role bindings)

	WasMentioned      bool `json:"was_mentioned,omitempty"`
	CommandAuthorized bool `json:"command_authorized,omitempty"`

	AgentID      string            `json:"agent_id,omitempty"`      // explicit target agent (overrides bindings)
	TimestampMs  int64             `json:"timestamp_ms,omitempty"`  // platform receive time
	HistoryLimit int               `json:"history_limit,omitempty"` // max pending group messages kept for context
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Media     []MediaAttachment `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"` // channel-specific metadata (thread ids, reply-to)
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type
	Caption     string `json:"caption,omitempty"`      // caption for the first media message
}

// Event represents a server-side event to broadcast to event subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// SystemEvent is an agent-visible note injected into a session's next turn.
// Cron jobs with sessionTarget=main enqueue these.
type SystemEvent struct {
	Text       string `json:"text"`
	SessionKey string `json:"session_key,omitempty"`
	ContextKey string `json:"context_key,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
