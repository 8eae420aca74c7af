// Package typing drives platform typing indicators with keepalive and a
// max-duration safety net. Platforms expire typing state after a few
// seconds, so the controller re-sends it until stopped or the TTL fires.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration auto-stops the indicator to prevent it sticking when a
	// stop is missed. Default 60s.
	MaxDuration time.Duration
	// KeepaliveInterval re-invokes StartFn while active. Zero disables
	// keepalive (one-shot indicators).
	KeepaliveInterval time.Duration
	// StartFn sends the platform typing action.
	StartFn func() error
	// StopFn clears the indicator, for platforms that support it. Optional.
	StopFn func() error
	// OnStartError receives StartFn failures. Errors never abort delivery.
	OnStartError func(err error)
}

// Controller manages one typing indicator session.
type Controller struct {
	opts Options

	mu      sync.Mutex
	active  bool
	stopped chan struct{}
}

// New creates a typing controller.
func New(opts Options) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	return &Controller{opts: opts}
}

// Start begins the typing indicator. Calling Start on an active controller
// is a no-op, so a reply cycle sends the start action at most once.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.stopped = make(chan struct{})
	stopped := c.stopped
	c.mu.Unlock()

	c.invokeStart()

	go func() {
		ttl := time.NewTimer(c.opts.MaxDuration)
		defer ttl.Stop()

		var keepalive <-chan time.Time
		if c.opts.KeepaliveInterval > 0 {
			t := time.NewTicker(c.opts.KeepaliveInterval)
			defer t.Stop()
			keepalive = t.C
		}

		for {
			select {
			case <-stopped:
				return
			case <-ttl.C:
				c.Stop()
				return
			case <-keepalive:
				c.invokeStart()
			}
		}
	}()
}

// Stop ends the typing session. Safe to call multiple times.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	close(c.stopped)
	c.mu.Unlock()

	if c.opts.StopFn != nil {
		if err := c.opts.StopFn(); err != nil {
			slog.Debug("typing stop failed", "error", err)
		}
	}
}

// Active reports whether the indicator is currently running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) invokeStart() {
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		if c.opts.OnStartError != nil {
			c.opts.OnStartError(err)
		} else {
			slog.Debug("typing start failed", "error", err)
		}
	}
}
