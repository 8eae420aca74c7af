package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestAllowFrom_AddRemoveRoundTrip(t *testing.T) {
	s := NewAllowFromStore(t.TempDir())

	before, err := s.Read("telegram", "")
	if err != nil {
		t.Fatal(err)
	}

	added, err := s.Add("telegram", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !added.Changed {
		t.Error("add should report changed")
	}
	if !reflect.DeepEqual(added.AllowFrom, []string{"alice"}) {
		t.Errorf("post-add allowFrom = %v", added.AllowFrom)
	}

	removed, err := s.Remove("telegram", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !removed.Changed {
		t.Error("remove should report changed")
	}

	after, err := s.Read("telegram", "")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(after, before) {
		t.Errorf("after round-trip = %v, want pre-state %v", after, before)
	}
}

func TestAllowFrom_Idempotent(t *testing.T) {
	s := NewAllowFromStore(t.TempDir())

	if _, err := s.Add("telegram", "", "alice"); err != nil {
		t.Fatal(err)
	}
	res, err := s.Add("telegram", "", "ALICE")
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("case-insensitive duplicate add should be a no-op")
	}

	res, err = s.Remove("telegram", "", "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("removing a missing entry should be a no-op")
	}
}

func TestAllowFrom_ReadMergesLegacyChannelFile(t *testing.T) {
	dir := t.TempDir()
	s := NewAllowFromStore(dir)

	// Legacy channel-scoped file written before accounts existed.
	legacy := map[string]interface{}{"version": 1, "allowFrom": []string{"Bob", "alice", " ", "*"}}
	data, _ := json.Marshal(legacy)
	oauthDir := filepath.Join(dir, "oauth")
	if err := os.MkdirAll(oauthDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(oauthDir, "telegram-allowFrom.json"), data, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add("telegram", "work", "Alice"); err != nil {
		t.Fatal(err)
	}

	list, err := s.Read("telegram", "work")
	if err != nil {
		t.Fatal(err)
	}
	// Account entries first, then legacy; "alice" deduped case-insensitively
	// with the first casing kept; "*" and whitespace-only stripped.
	want := []string{"Alice", "Bob"}
	if !reflect.DeepEqual(list, want) {
		t.Errorf("Read = %v, want %v", list, want)
	}
}

func TestAllowFrom_MalformedFileResets(t *testing.T) {
	dir := t.TempDir()
	s := NewAllowFromStore(dir)

	oauthDir := filepath.Join(dir, "oauth")
	if err := os.MkdirAll(oauthDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(oauthDir, "telegram-allowFrom.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	list, err := s.Read("telegram", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("malformed file should read as empty, got %v", list)
	}

	res, err := s.Add("telegram", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed {
		t.Error("add after reset should change")
	}
}
