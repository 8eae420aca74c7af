package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RetryableError marks a send failure as transient (HTTP 429/5xx, socket
// resets). The outbound dispatcher retries these with backoff; everything
// else surfaces immediately.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

const (
	sendMaxAttempts  = 4
	sendBackoffBase  = 500 * time.Millisecond
	sendBackoffLimit = 8 * time.Second
)

// Manager owns the registered channel instances: lifecycle, outbound
// dispatch with retry, and status reporting. Instances are keyed
// "channel" or "channel:account" for multi-account channels.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// NewManager creates a channel manager; channels register via Register.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

func instanceKey(channel, accountID string) string {
	if accountID == "" || accountID == "default" {
		return channel
	}
	return channel + ":" + accountID
}

// Register adds a channel instance to the manager.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[instanceKey(ch.Name(), ch.AccountID())] = ch
}

// Unregister removes a channel instance.
func (m *Manager) Unregister(channel, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, instanceKey(channel, accountID))
}

// StartAll starts every registered channel and the outbound dispatcher.
// Channel start failures are collected; a single bad channel does not stop
// the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	instances := make(map[string]Channel, len(m.channels))
	for k, ch := range m.channels {
		instances[k] = ch
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(instances) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for key, ch := range instances {
		key, ch := key, ch
		g.Go(func() error {
			slog.Info("starting channel", "channel", key)
			m.broadcastState(ch, "starting", nil)
			if err := ch.Start(gctx); err != nil {
				slog.Error("failed to start channel", "channel", key, "error", err)
				m.broadcastState(ch, "stopped", err)
				return nil // other channels keep starting
			}
			m.broadcastState(ch, "running", nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	instances := make(map[string]Channel, len(m.channels))
	for k, ch := range m.channels {
		instances[k] = ch
	}
	m.mu.Unlock()

	for key, ch := range instances {
		slog.Info("stopping channel", "channel", key)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", key, "error", err)
		}
		m.broadcastState(ch, "stopped", nil)
	}
	return nil
}

// dispatchOutbound consumes outbound messages and routes them to their
// channel, retrying transient failures with exponential backoff + jitter.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		ch, exists := m.channels[instanceKey(msg.Channel, msg.AccountID)]
		if !exists {
			ch, exists = m.channels[msg.Channel]
		}
		m.mu.RUnlock()
		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel, "account", msg.AccountID)
			continue
		}

		if err := m.sendWithRetry(ctx, ch, msg); err != nil {
			slog.Error("outbound send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

func (m *Manager) sendWithRetry(ctx context.Context, ch Channel, msg bus.OutboundMessage) error {
	backoff := sendBackoffBase
	var lastErr error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		lastErr = ch.Send(ctx, msg)
		if lastErr == nil {
			return nil
		}
		var re *RetryableError
		if !errors.As(lastErr, &re) {
			return lastErr // 4xx-class failures surface immediately
		}
		if attempt == sendMaxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff *= 2; backoff > sendBackoffLimit {
			backoff = sendBackoffLimit
		}
	}
	return fmt.Errorf("send failed after %d attempts: %w", sendMaxAttempts, lastErr)
}

// Get returns a channel instance.
func (m *Manager) Get(channel, accountID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ch, ok := m.channels[instanceKey(channel, accountID)]; ok {
		return ch, true
	}
	ch, ok := m.channels[channel]
	return ch, ok
}

// Status reports running state per instance key.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for key, ch := range m.channels {
		status[key] = ch.IsRunning()
	}
	return status
}

func (m *Manager) broadcastState(ch Channel, state string, err error) {
	payload := protocol.ChannelEventPayload{
		Channel: ch.Name(),
		Account: ch.AccountID(),
		State:   state,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	m.bus.Broadcast(bus.Event{Name: protocol.EventChannel, Payload: payload})
}
