package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// ReplyPayload is one completed agent output handed to a channel's deliver
// function.
type ReplyPayload struct {
	Text  string
	Media []bus.MediaAttachment
	Kind  string // "block", "reasoning", "final"
}

// TypingCallbacks hook platform typing indicators into a dispatch cycle.
type TypingCallbacks struct {
	Start        func() error
	Stop         func()
	OnStartError func(err error)
}

// DispatcherOptions configures a ReplyDispatcher.
type DispatcherOptions struct {
	// ResponsePrefix is prepended to the first text payload of a cycle.
	ResponsePrefix string
	// HumanDelay pauses between consecutive payload deliveries.
	HumanDelay time.Duration
	Typing     TypingCallbacks
	// Deliver sends one payload to the platform (chunking, Markdown
	// mapping, media fan-out live inside). Invoked sequentially.
	Deliver func(ctx context.Context, payload ReplyPayload) error
	OnError func(err error)
}

// ReplyDispatcher serializes reply delivery for one inbound message:
// the typing indicator starts at most once per cycle, payloads deliver
// sequentially, and MarkIdle clears the typing sub-state when the dispatch
// completes (success or failure).
type ReplyDispatcher struct {
	opts DispatcherOptions

	mu            sync.Mutex
	typingStarted bool
	deliveredAny  bool
}

// NewReplyDispatcher builds a dispatcher for one reply cycle.
func NewReplyDispatcher(opts DispatcherOptions) *ReplyDispatcher {
	return &ReplyDispatcher{opts: opts}
}

// Dispatch delivers one payload. Concurrent calls serialize; the first call
// of a cycle starts typing, and typing start errors never abort delivery.
func (d *ReplyDispatcher) Dispatch(ctx context.Context, payload ReplyPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.typingStarted {
		d.typingStarted = true
		if d.opts.Typing.Start != nil {
			if err := d.opts.Typing.Start(); err != nil && d.opts.Typing.OnStartError != nil {
				d.opts.Typing.OnStartError(err)
			}
		}
	}

	if d.deliveredAny && d.opts.HumanDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.HumanDelay):
		}
	}

	if !d.deliveredAny && d.opts.ResponsePrefix != "" && payload.Text != "" &&
		!strings.HasPrefix(payload.Text, d.opts.ResponsePrefix) {
		payload.Text = d.opts.ResponsePrefix + payload.Text
	}

	err := d.opts.Deliver(ctx, payload)
	d.deliveredAny = true
	if err != nil && d.opts.OnError != nil {
		d.opts.OnError(err)
	}
	return err
}

// MarkIdle must be called after the dispatch completes, success or failure,
// to stop the typing indicator and reset the cycle.
func (d *ReplyDispatcher) MarkIdle() {
	d.mu.Lock()
	started := d.typingStarted
	d.typingStarted = false
	d.deliveredAny = false
	d.mu.Unlock()

	if started && d.opts.Typing.Stop != nil {
		d.opts.Typing.Stop()
	}
}
