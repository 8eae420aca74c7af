package bus

import (
	"sync"
	"time"
)

// DebouncerOptions configures an InboundDebouncer.
type DebouncerOptions struct {
	// Debounce is the quiet window before a bucket flushes.
	// Zero or negative disables debouncing: every message flushes alone.
	Debounce time.Duration

	// BuildKey groups messages into buckets. Messages with the same key
	// within the window are merged into one flush, in arrival order.
	BuildKey func(msg InboundMessage) string

	// ShouldDebounce reports whether a message may wait in a bucket.
	// Messages that must not wait (media, control commands) flush the
	// pending bucket for their key first, then flush alone.
	ShouldDebounce func(msg InboundMessage) bool

	// OnFlush receives the buffered messages of one bucket.
	OnFlush func(msgs []InboundMessage) error

	// OnError receives errors returned by OnFlush. Optional.
	OnError func(err error)
}

type debounceBucket struct {
	msgs  []InboundMessage
	timer *time.Timer
}

// InboundDebouncer collapses bursts of inbound messages per bucket key
// before they reach the agent pipeline.
type InboundDebouncer struct {
	opts    DebouncerOptions
	mu      sync.Mutex
	buckets map[string]*debounceBucket
	stopped bool
}

// NewInboundDebouncer creates a debouncer. BuildKey defaults to
// channel|account|chat|thread; ShouldDebounce defaults to always.
func NewInboundDebouncer(opts DebouncerOptions) *InboundDebouncer {
	if opts.BuildKey == nil {
		opts.BuildKey = DefaultDebounceKey
	}
	if opts.ShouldDebounce == nil {
		opts.ShouldDebounce = func(InboundMessage) bool { return true }
	}
	return &InboundDebouncer{
		opts:    opts,
		buckets: make(map[string]*debounceBucket),
	}
}

// DefaultDebounceKey groups by (channel, account, chat, thread) so threads
// merge independently of their parent conversation.
func DefaultDebounceKey(msg InboundMessage) string {
	return msg.Channel + "|" + msg.AccountID + "|" + msg.ChatID + "|" + msg.ThreadID
}

// Push enqueues a message. Non-debounceable messages (or a disabled window)
// first flush any pending bucket for their key, then flush alone, preserving
// cross-message ordering within the key.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := d.opts.BuildKey(msg)

	if d.opts.Debounce <= 0 || !d.opts.ShouldDebounce(msg) {
		d.flushKey(key)
		d.deliver([]InboundMessage{msg})
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.deliver([]InboundMessage{msg})
		return
	}
	b, ok := d.buckets[key]
	if !ok {
		b = &debounceBucket{}
		d.buckets[key] = b
	}
	b.msgs = append(b.msgs, msg)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d.opts.Debounce, func() { d.flushKey(key) })
	d.mu.Unlock()
}

// Flush immediately flushes every pending bucket.
func (d *InboundDebouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.buckets))
	for k := range d.buckets {
		keys = append(keys, k)
	}
	d.mu.Unlock()
	for _, k := range keys {
		d.flushKey(k)
	}
}

// Stop flushes all pending buckets and rejects further buffering.
// Messages pushed after Stop flush immediately.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Flush()
}

func (d *InboundDebouncer) flushKey(key string) {
	d.mu.Lock()
	b, ok := d.buckets[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.buckets, key)
	if b.timer != nil {
		b.timer.Stop()
	}
	msgs := b.msgs
	d.mu.Unlock()

	if len(msgs) > 0 {
		d.deliver(msgs)
	}
}

func (d *InboundDebouncer) deliver(msgs []InboundMessage) {
	if err := d.opts.OnFlush(msgs); err != nil && d.opts.OnError != nil {
		d.opts.OnError(err)
	}
}
