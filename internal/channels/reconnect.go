package channels

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const (
	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = 2 * time.Minute
)

// Reconnector re-runs a channel's connect loop with exponential backoff and
// jitter until the context ends. connect should block while the connection
// is healthy and return when it drops; a nil return resets the backoff.
type Reconnector struct {
	Name    string
	Connect func(ctx context.Context) error
}

// Run loops the connect function. It only returns when ctx is done.
func (r *Reconnector) Run(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		err := r.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = reconnectBaseDelay
		} else {
			slog.Warn("channel connection lost, reconnecting",
				"channel", r.Name, "delay", delay, "error", err)
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay + jitter):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}
