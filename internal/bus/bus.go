package bus

import (
	"context"
	"log/slog"
	"sync"
)

const (
	inboundBuffer  = 256
	outboundBuffer = 256
)

// MessageBus routes inbound/outbound messages between channels and the agent
// runtime, and broadcasts server events to subscribers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// NewMessageBus creates a message bus with bounded queues.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, inboundBuffer),
		outbound:    make(chan OutboundMessage, outboundBuffer),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message received from a channel.
// Drops (with a warning) when the queue is full rather than blocking the
// channel's ingress loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until an inbound message is available or ctx is done.
// The second return is false when the context was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues a message for delivery to a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under the given id.
// Re-subscribing with the same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to all subscribers. Handlers run synchronously;
// slow subscribers should hand off to their own goroutine.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
