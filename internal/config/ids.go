package config

import "strings"

const (
	// DefaultAgentID is used when agents.list has no default entry.
	DefaultAgentID = "main"
	// DefaultAccountID is used when a channel runs a single unnamed account.
	DefaultAccountID = "default"
)

// blockedKeys are rejected as account/agent ids to keep hostile config or
// wire input from landing on pathological map keys.
var blockedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// NormalizeAgentID lowercases and sanitizes an agent id the same way account
// ids are sanitized. Empty input yields the default agent id.
func NormalizeAgentID(id string) string {
	id = sanitizeKey(id)
	if id == "" {
		return DefaultAgentID
	}
	return id
}

// NormalizeAccountID sanitizes an account id to [a-z0-9][a-z0-9_-]{0,63}.
// Invalid characters become "-"; blocked keys and empty input yield the
// default account id.
func NormalizeAccountID(id string) string {
	id = sanitizeKey(id)
	if id == "" {
		return DefaultAccountID
	}
	return id
}

func sanitizeKey(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || blockedKeys[id] {
		return ""
	}

	var b strings.Builder
	for _, r := range id {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
		if b.Len() >= 64 {
			break
		}
	}

	// The first character must be [a-z0-9].
	return strings.TrimLeft(b.String(), "-_")
}
