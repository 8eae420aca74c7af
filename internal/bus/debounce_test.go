package bus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes [][]InboundMessage
	notify  chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{notify: make(chan struct{}, 16)}
}

func (r *flushRecorder) onFlush(msgs []InboundMessage) error {
	r.mu.Lock()
	r.flushes = append(r.flushes, msgs)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *flushRecorder) wait(t *testing.T, n int) [][]InboundMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		got := len(r.flushes)
		r.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d flushes", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]InboundMessage, len(r.flushes))
	copy(out, r.flushes)
	return out
}

func msg(chat, text string, ids ...string) InboundMessage {
	return InboundMessage{
		Channel:    "mattermost",
		ChatID:     chat,
		Content:    text,
		MessageIDs: ids,
		Metadata:   map[string]string{},
	}
}

func TestDebouncer_MergesBurstInArrivalOrder(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(DebouncerOptions{
		Debounce: 60 * time.Millisecond,
		OnFlush:  rec.onFlush,
	})
	defer d.Stop()

	d.Push(msg("c1", "one", "m1"))
	d.Push(msg("c1", "two", "m2"))
	d.Push(msg("c1", "three", "m3"))

	flushes := rec.wait(t, 1)
	if len(flushes) != 1 {
		t.Fatalf("flushes = %d, want 1", len(flushes))
	}
	got := flushes[0]
	if len(got) != 3 {
		t.Fatalf("bucket size = %d, want 3", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Content != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestDebouncer_SeparateKeysSeparateBuckets(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(DebouncerOptions{
		Debounce: 40 * time.Millisecond,
		OnFlush:  rec.onFlush,
	})
	defer d.Stop()

	d.Push(msg("c1", "a"))
	d.Push(msg("c2", "b"))

	flushes := rec.wait(t, 2)
	if len(flushes) != 2 {
		t.Fatalf("flushes = %d, want 2", len(flushes))
	}
}

func TestDebouncer_NonDebouncableFlushesPendingThenSelf(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(DebouncerOptions{
		Debounce: time.Hour, // never fires on its own
		ShouldDebounce: func(m InboundMessage) bool {
			return m.Metadata["media"] != "true"
		},
		OnFlush: rec.onFlush,
	})
	defer d.Stop()

	d.Push(msg("c1", "text1"))
	d.Push(msg("c1", "text2"))

	media := msg("c1", "with file")
	media.Metadata["media"] = "true"
	d.Push(media)

	flushes := rec.wait(t, 2)
	if len(flushes) != 2 {
		t.Fatalf("flushes = %d, want 2", len(flushes))
	}
	// Pending bucket flushes first (in order), then the media message alone.
	if len(flushes[0]) != 2 || flushes[0][0].Content != "text1" {
		t.Errorf("first flush = %+v, want buffered texts", flushes[0])
	}
	if len(flushes[1]) != 1 || flushes[1][0].Content != "with file" {
		t.Errorf("second flush = %+v, want media alone", flushes[1])
	}
}

func TestDebouncer_ZeroWindowFlushesImmediately(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(DebouncerOptions{
		Debounce: 0,
		OnFlush:  rec.onFlush,
	})
	d.Push(msg("c1", "a"))
	flushes := rec.wait(t, 1)
	if len(flushes[0]) != 1 {
		t.Errorf("flush = %+v, want single message", flushes[0])
	}
}

func TestDebouncer_OnErrorReceivesFlushError(t *testing.T) {
	wantErr := errors.New("boom")
	errCh := make(chan error, 1)
	d := NewInboundDebouncer(DebouncerOptions{
		Debounce: 0,
		OnFlush:  func([]InboundMessage) error { return wantErr },
		OnError:  func(err error) { errCh <- err },
	})
	d.Push(msg("c1", "a"))
	select {
	case err := <-errCh:
		if !errors.Is(err, wantErr) {
			t.Errorf("err = %v, want %v", err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("OnError not invoked")
	}
}

func TestDebouncer_StopFlushesPending(t *testing.T) {
	rec := newFlushRecorder()
	d := NewInboundDebouncer(DebouncerOptions{
		Debounce: time.Hour,
		OnFlush:  rec.onFlush,
	})
	d.Push(msg("c1", "pending"))
	d.Stop()
	flushes := rec.wait(t, 1)
	if len(flushes) != 1 || flushes[0][0].Content != "pending" {
		t.Errorf("stop should flush pending bucket, got %+v", flushes)
	}
}
