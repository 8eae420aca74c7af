package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

type fakeChannel struct {
	name    string
	account string
	sendFn  func(msg bus.OutboundMessage) error
	sent    []bus.OutboundMessage
}

func (f *fakeChannel) Name() string                  { return f.name }
func (f *fakeChannel) AccountID() string             { return f.account }
func (f *fakeChannel) Start(context.Context) error   { return nil }
func (f *fakeChannel) Stop(context.Context) error    { return nil }
func (f *fakeChannel) IsRunning() bool               { return true }
func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	if f.sendFn != nil {
		return f.sendFn(msg)
	}
	return nil
}

func TestManager_SendRetriesTransientErrors(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	attempts := 0
	ch := &fakeChannel{name: "mattermost", account: "default", sendFn: func(bus.OutboundMessage) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("status 502"))
		}
		return nil
	}}
	m.Register(ch)

	err := m.sendWithRetry(context.Background(), ch, bus.OutboundMessage{Channel: "mattermost"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestManager_SendDoesNotRetryPermanentErrors(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	attempts := 0
	permanent := errors.New("status 400")
	ch := &fakeChannel{name: "mattermost", sendFn: func(bus.OutboundMessage) error {
		attempts++
		return permanent
	}}

	err := m.sendWithRetry(context.Background(), ch, bus.OutboundMessage{})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want the permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (4xx surfaces immediately)", attempts)
	}
}

func TestManager_InstanceKeyResolution(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	def := &fakeChannel{name: "telegram", account: "default"}
	work := &fakeChannel{name: "telegram", account: "work"}
	m.Register(def)
	m.Register(work)

	if got, ok := m.Get("telegram", "work"); !ok || got != Channel(work) {
		t.Error("account-scoped lookup failed")
	}
	if got, ok := m.Get("telegram", ""); !ok || got != Channel(def) {
		t.Error("default account lookup failed")
	}
	// Unknown account falls back to the channel-level instance.
	if got, ok := m.Get("telegram", "ghost"); !ok || got != Channel(def) {
		t.Error("fallback lookup failed")
	}

	status := m.Status()
	if len(status) != 2 || !status["telegram"] || !status["telegram:work"] {
		t.Errorf("status = %v", status)
	}
}
