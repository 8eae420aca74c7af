package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	filestore "github.com/nextlevelbuilder/clawgate/internal/store/file"
)

// fakeServer records the REST calls the channel makes.
type fakeServer struct {
	*httptest.Server
	mu    sync.Mutex
	posts []Post
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v4/users/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(User{ID: "bot-id", Username: "clawbot", IsBot: true})
	})
	mux.HandleFunc("POST /api/v4/channels/direct", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChannelInfo{ID: "dm-chan", Type: "D"})
	})
	mux.HandleFunc("GET /api/v4/channels/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChannelInfo{ID: r.PathValue("id"), Type: "O", TeamID: "team1"})
	})
	mux.HandleFunc("POST /api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		var p Post
		json.NewDecoder(r.Body).Decode(&p)
		fs.mu.Lock()
		fs.posts = append(fs.posts, p)
		fs.mu.Unlock()
		json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("POST /api/v4/users/{id}/typing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) postCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.posts)
}

func (fs *fakeServer) lastPost() Post {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.posts[len(fs.posts)-1]
}

func newTestChannel(t *testing.T, baseURL string, mutate func(cc *config.ChannelConfig)) (*Channel, *bus.MessageBus) {
	t.Helper()
	cfg := config.Default()
	cc := &config.ChannelConfig{
		Enabled:    true,
		BotToken:   "token",
		BaseURL:    baseURL,
		DebounceMs: 60,
	}
	if mutate != nil {
		mutate(cc)
	}
	cfg.Channels = map[string]*config.ChannelConfig{"mattermost": cc}

	stateDir := t.TempDir()
	allowFrom := filestore.NewAllowFromStore(stateDir)
	pairing := filestore.NewPairingStore(stateDir, allowFrom)

	msgBus := bus.NewMessageBus()
	ch, err := New(cfg, "", msgBus, allowFrom, pairing, routing.NewDockRegistry())
	if err != nil {
		t.Fatal(err)
	}
	ch.botUser = &User{ID: "bot-id", Username: "clawbot"}
	return ch, msgBus
}

func postedEvent(post Post, channelType, senderName string) WSEvent {
	raw, _ := json.Marshal(post)
	quoted, _ := json.Marshal(string(raw))
	sn, _ := json.Marshal(senderName)
	ct, _ := json.Marshal(channelType)
	return WSEvent{
		Event: "posted",
		Data: map[string]json.RawMessage{
			"post":         quoted,
			"channel_type": ct,
			"sender_name":  sn,
		},
	}
}

func expectNoInbound(t *testing.T, msgBus *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if msg, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Fatalf("unexpected inbound message: %+v", msg)
	}
}

func expectInbound(t *testing.T, msgBus *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected an inbound message")
	}
	return msg
}

var pairingCodeRe = regexp.MustCompile("`([A-Z]{8})`")

func TestDMPairingFlow(t *testing.T) {
	fs := newFakeServer(t)
	ch, msgBus := newTestChannel(t, fs.URL, nil) // dmPolicy defaults to pairing

	ch.handleEvent(postedEvent(Post{
		ID: "p1", UserID: "u1", ChannelID: "dm1", Message: "hello bot",
	}, "D", "@alice"))

	// No agent call; a pairing DM with an 8-char code went out.
	expectNoInbound(t, msgBus)
	if fs.postCount() != 1 {
		t.Fatalf("posts = %d, want exactly one pairing reply", fs.postCount())
	}
	reply := fs.lastPost()
	m := pairingCodeRe.FindStringSubmatch(reply.Message)
	if m == nil {
		t.Fatalf("pairing reply has no code: %q", reply.Message)
	}
	code := m[1]

	// Second message within the TTL: still no agent call, no new code.
	ch.handleEvent(postedEvent(Post{
		ID: "p2", UserID: "u1", ChannelID: "dm1", Message: "hello again",
	}, "D", "@alice"))
	expectNoInbound(t, msgBus)
	if fs.postCount() != 1 {
		t.Fatalf("posts = %d, repeat DM must not issue another code", fs.postCount())
	}

	// Approving the code allowlists the sender; the next DM reaches the bus.
	req, err := ch.Pairing().Approve("mattermost", code, "")
	if err != nil || req == nil {
		t.Fatalf("approve: (%v, %v)", req, err)
	}
	ch.handleEvent(postedEvent(Post{
		ID: "p3", UserID: "u1", ChannelID: "dm1", Message: "am I in?",
	}, "D", "@alice"))
	msg := expectInbound(t, msgBus)
	if msg.SenderID != "u1" || msg.PeerKind != "direct" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.Metadata["session_key"] == "" {
		t.Error("inbound should carry the routed session key")
	}
}

func TestDMPolicies(t *testing.T) {
	fs := newFakeServer(t)

	t.Run("disabled drops", func(t *testing.T) {
		ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) { cc.DMPolicy = "disabled" })
		ch.handleEvent(postedEvent(Post{ID: "p1", UserID: "u1", ChannelID: "dm1", Message: "x"}, "D", "@a"))
		expectNoInbound(t, msgBus)
	})

	t.Run("open allows", func(t *testing.T) {
		ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) { cc.DMPolicy = "open" })
		ch.handleEvent(postedEvent(Post{ID: "p2", UserID: "u1", ChannelID: "dm1", Message: "x"}, "D", "@a"))
		expectInbound(t, msgBus)
	})

	t.Run("allowlist requires membership", func(t *testing.T) {
		ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) {
			cc.DMPolicy = "allowlist"
			cc.AllowFrom = []string{"u-good"}
		})
		ch.handleEvent(postedEvent(Post{ID: "p3", UserID: "u-bad", ChannelID: "dm1", Message: "x"}, "D", "@bad"))
		expectNoInbound(t, msgBus)
		ch.handleEvent(postedEvent(Post{ID: "p4", UserID: "u-good", ChannelID: "dm1", Message: "x"}, "D", "@good"))
		expectInbound(t, msgBus)
	})
}

func TestDedupeDropsRepeatedPosts(t *testing.T) {
	fs := newFakeServer(t)
	ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) { cc.DMPolicy = "open" })

	ev := postedEvent(Post{ID: "same", UserID: "u1", ChannelID: "dm1", Message: "x"}, "D", "@a")
	ch.handleEvent(ev)
	expectInbound(t, msgBus)

	ch.handleEvent(ev)
	expectNoInbound(t, msgBus)
}

func TestBurstMerge(t *testing.T) {
	fs := newFakeServer(t)
	ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) { cc.DMPolicy = "open" })

	for i, text := range []string{"first", "second", "third"} {
		ch.handleEvent(postedEvent(Post{
			ID: fmt.Sprintf("p%d", i), UserID: "u1", ChannelID: "dm1", Message: text,
		}, "D", "@a"))
	}

	msg := expectInbound(t, msgBus)
	if msg.Content != "first\nsecond\nthird" {
		t.Errorf("merged content = %q", msg.Content)
	}
	if len(msg.MessageIDs) != 3 {
		t.Errorf("messageIDs = %v, want union of 3", msg.MessageIDs)
	}
	expectNoInbound(t, msgBus)
}

func TestCommandFlushesImmediately(t *testing.T) {
	fs := newFakeServer(t)
	ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) { cc.DMPolicy = "open" })

	ch.handleEvent(postedEvent(Post{ID: "p1", UserID: "u1", ChannelID: "dm1", Message: "buffered text"}, "D", "@a"))
	ch.handleEvent(postedEvent(Post{ID: "p2", UserID: "u1", ChannelID: "dm1", Message: "/status"}, "D", "@a"))

	// The pending bucket flushes first, then the command alone.
	first := expectInbound(t, msgBus)
	second := expectInbound(t, msgBus)
	if first.Content != "buffered text" {
		t.Errorf("first = %q", first.Content)
	}
	if second.Content != "/status" || second.Metadata["is_command"] != "true" {
		t.Errorf("second = %+v", second)
	}
}

func TestGroupMentionGateRecordsHistory(t *testing.T) {
	fs := newFakeServer(t)
	ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) { cc.GroupPolicy = "open" })

	// No mention: recorded as pending context, not dispatched.
	ch.handleEvent(postedEvent(Post{ID: "p1", UserID: "u1", ChannelID: "town", Message: "just chatting"}, "O", "@a"))
	expectNoInbound(t, msgBus)
	if ch.History.Len("town") != 1 {
		t.Errorf("history len = %d, want 1", ch.History.Len("town"))
	}

	// Mention: dispatched with the recorded history as preceding context.
	ch.handleEvent(postedEvent(Post{ID: "p2", UserID: "u1", ChannelID: "town", Message: "@clawbot now answer"}, "O", "@a"))
	msg := expectInbound(t, msgBus)
	if !strings.Contains(msg.Content, "just chatting") {
		t.Errorf("content missing history: %q", msg.Content)
	}
	if !msg.WasMentioned {
		t.Error("wasMentioned should be set")
	}
	if ch.History.Len("town") != 0 {
		t.Error("history should clear after dispatch")
	}
}

func TestSystemAndOwnPostsFiltered(t *testing.T) {
	fs := newFakeServer(t)
	ch, msgBus := newTestChannel(t, fs.URL, func(cc *config.ChannelConfig) { cc.DMPolicy = "open" })

	ch.handleEvent(postedEvent(Post{ID: "p1", UserID: "u1", ChannelID: "dm1", Type: "system_join_channel", Message: "x"}, "D", "@a"))
	ch.handleEvent(postedEvent(Post{ID: "p2", UserID: "bot-id", ChannelID: "dm1", Message: "my own"}, "D", "@clawbot"))
	ch.handleEvent(postedEvent(Post{ID: "p3", UserID: "u1", ChannelID: "", Message: "no channel"}, "D", "@a"))
	expectNoInbound(t, msgBus)
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("got %v", got)
	}

	long := strings.Repeat("line\n", 100)
	chunks := splitMessage(long, 50)
	var rejoined strings.Builder
	for _, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk length %d exceeds max", len(c))
		}
		rejoined.WriteString(c)
	}
	if rejoined.String() != long {
		t.Error("chunks must rejoin to the original text")
	}
}

func TestClassifyChatType(t *testing.T) {
	tests := []struct{ in, want string }{
		{"D", "direct"}, {"G", "group"}, {"O", "channel"}, {"P", "channel"},
	}
	for _, tt := range tests {
		if got := classifyChatType(tt.in); got != tt.want {
			t.Errorf("classifyChatType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsControlCommand(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"/status", true},
		{"@clawbot /status", true},
		{"hello /status", false},
		{"plain text", false},
	}
	for _, tt := range tests {
		if got := isControlCommand(tt.msg, "clawbot"); got != tt.want {
			t.Errorf("isControlCommand(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
