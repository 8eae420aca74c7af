package sessions

import (
	"testing"
	"time"
)

func TestManager_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	m.GetOrCreate("agent:main:telegram:direct:42")
	m.TouchRoute("agent:main:telegram:direct:42", "telegram", "default", "42")
	m.SetFallback("agent:main:telegram:direct:42", &FallbackRecord{
		SelectedModel: "opus-4", ActiveModel: "sonnet-4",
	})
	if err := m.Save("agent:main:telegram:direct:42"); err != nil {
		t.Fatal(err)
	}

	reloaded := NewManager(dir)
	s := reloaded.Get("agent:main:telegram:direct:42")
	if s == nil {
		t.Fatal("session not reloaded")
	}
	if s.Channel != "telegram" || s.LastTo != "42" {
		t.Errorf("session = %+v", s)
	}
	if s.Fallback == nil || s.Fallback.ActiveModel != "sonnet-4" {
		t.Errorf("fallback = %+v", s.Fallback)
	}
}

func TestManager_LegacyDmKeysNormalizedOnRead(t *testing.T) {
	m := NewManager("")
	m.GetOrCreate("agent:main:telegram:dm:42")
	if m.Get("agent:main:telegram:direct:42") == nil {
		t.Error("legacy dm key should be stored under the direct form")
	}
}

func TestManager_LastRoute(t *testing.T) {
	m := NewManager("")

	m.TouchRoute("agent:main:telegram:direct:42", "telegram", "default", "42")
	time.Sleep(2 * time.Millisecond)
	m.TouchRoute("agent:main:mattermost:direct:u9", "mattermost", "default", "u9")
	// Cron sessions never win the last-route race.
	m.TouchRoute("agent:main:cron:job1", "cron", "default", "x")

	channel, account, to := m.LastRoute("main")
	if channel != "mattermost" || account != "default" || to != "u9" {
		t.Errorf("LastRoute = (%q, %q, %q)", channel, account, to)
	}

	if ch, _, _ := m.LastRoute("ghost"); ch != "" {
		t.Errorf("unknown agent LastRoute = %q, want empty", ch)
	}
}
