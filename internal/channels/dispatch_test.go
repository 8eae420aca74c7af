package channels

import (
	"context"
	"errors"
	"testing"
)

func TestReplyDispatcher_TypingStartsOncePerCycle(t *testing.T) {
	starts := 0
	stops := 0
	d := NewReplyDispatcher(DispatcherOptions{
		Typing: TypingCallbacks{
			Start: func() error { starts++; return nil },
			Stop:  func() { stops++ },
		},
		Deliver: func(context.Context, ReplyPayload) error { return nil },
	})

	ctx := context.Background()
	d.Dispatch(ctx, ReplyPayload{Text: "one"})
	d.Dispatch(ctx, ReplyPayload{Text: "two"})
	d.MarkIdle()

	if starts != 1 {
		t.Errorf("typing starts = %d, want 1 per cycle", starts)
	}
	if stops != 1 {
		t.Errorf("typing stops = %d, want 1", stops)
	}

	// A fresh cycle starts typing again.
	d.Dispatch(ctx, ReplyPayload{Text: "three"})
	d.MarkIdle()
	if starts != 2 {
		t.Errorf("typing starts = %d after second cycle, want 2", starts)
	}
}

func TestReplyDispatcher_TypingStartErrorDoesNotAbortDelivery(t *testing.T) {
	var gotStartErr error
	delivered := 0
	d := NewReplyDispatcher(DispatcherOptions{
		Typing: TypingCallbacks{
			Start:        func() error { return errors.New("typing down") },
			OnStartError: func(err error) { gotStartErr = err },
		},
		Deliver: func(context.Context, ReplyPayload) error { delivered++; return nil },
	})

	if err := d.Dispatch(context.Background(), ReplyPayload{Text: "x"}); err != nil {
		t.Fatalf("dispatch err = %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if gotStartErr == nil {
		t.Error("start error should reach OnStartError")
	}
}

func TestReplyDispatcher_SequentialDelivery(t *testing.T) {
	var order []string
	d := NewReplyDispatcher(DispatcherOptions{
		Deliver: func(_ context.Context, p ReplyPayload) error {
			order = append(order, p.Text)
			return nil
		},
	})

	ctx := context.Background()
	done := make(chan struct{}, 2)
	go func() { d.Dispatch(ctx, ReplyPayload{Text: "a"}); done <- struct{}{} }()
	go func() { d.Dispatch(ctx, ReplyPayload{Text: "b"}); done <- struct{}{} }()
	<-done
	<-done

	if len(order) != 2 {
		t.Fatalf("deliveries = %d, want 2 (serialized, no loss)", len(order))
	}
}

func TestReplyDispatcher_ResponsePrefixOnFirstPayload(t *testing.T) {
	var texts []string
	d := NewReplyDispatcher(DispatcherOptions{
		ResponsePrefix: "[bot] ",
		Deliver: func(_ context.Context, p ReplyPayload) error {
			texts = append(texts, p.Text)
			return nil
		},
	})

	ctx := context.Background()
	d.Dispatch(ctx, ReplyPayload{Text: "hello"})
	d.Dispatch(ctx, ReplyPayload{Text: "world"})

	if texts[0] != "[bot] hello" {
		t.Errorf("first = %q, want prefixed", texts[0])
	}
	if texts[1] != "world" {
		t.Errorf("second = %q, want unprefixed", texts[1])
	}
}

func TestReplyDispatcher_DeliverErrorRoutedToOnError(t *testing.T) {
	wantErr := errors.New("send failed")
	var got error
	d := NewReplyDispatcher(DispatcherOptions{
		Deliver: func(context.Context, ReplyPayload) error { return wantErr },
		OnError: func(err error) { got = err },
	})

	if err := d.Dispatch(context.Background(), ReplyPayload{Text: "x"}); !errors.Is(err, wantErr) {
		t.Errorf("dispatch err = %v", err)
	}
	if !errors.Is(got, wantErr) {
		t.Errorf("OnError got %v", got)
	}
}
