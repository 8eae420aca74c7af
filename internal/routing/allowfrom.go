package routing

import "strings"

// NormalizeAllowFromEntry canonicalizes an allowFrom entry for comparison:
// strips a "user:" or "<channel>:" prefix and a leading "@", lowercases.
// The literal "*" means "any sender" and passes through unchanged.
func NormalizeAllowFromEntry(entry, channel string) string {
	e := strings.TrimSpace(entry)
	if e == "*" {
		return "*"
	}
	if rest, ok := strings.CutPrefix(e, "user:"); ok {
		e = rest
	} else if channel != "" {
		if rest, ok := strings.CutPrefix(e, channel+":"); ok {
			e = rest
		}
	}
	e = strings.TrimPrefix(e, "@")
	return strings.ToLower(e)
}

// AllowFromContains reports whether sender is present in the list after
// normalization. A "*" entry matches every sender.
func AllowFromContains(list []string, channel, sender string) bool {
	s := NormalizeAllowFromEntry(sender, channel)
	if s == "" {
		return false
	}
	for _, entry := range list {
		n := NormalizeAllowFromEntry(entry, channel)
		if n == "*" || (n != "" && n == s) {
			return true
		}
	}
	return false
}

// AllowFromHasWildcard reports whether the list grants any sender.
func AllowFromHasWildcard(list []string) bool {
	for _, entry := range list {
		if strings.TrimSpace(entry) == "*" {
			return true
		}
	}
	return false
}

// FilterOwnerEntries keeps ownerAllowFrom entries that apply to channel:
// bare entries apply everywhere, "<channel>:" prefixed entries only to that
// channel (other channels' prefixed entries are dropped).
func FilterOwnerEntries(entries []string, channel string) []string {
	var out []string
	for _, entry := range entries {
		e := strings.TrimSpace(entry)
		if e == "" {
			continue
		}
		if i := strings.IndexByte(e, ':'); i > 0 && !strings.HasPrefix(e, "user:") {
			if e[:i] != channel {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// conversationLikePrefixes mark identities that denote a conversation rather
// than a person; they must never be used as a sender id.
var conversationLikePrefixes = []string{
	"chat_id:", "channel:", "group:", "thread:", "topic:", "room:", "space:",
}

// IsConversationLikeIdentity reports whether the identity denotes a
// conversation (group JID, chat id, channel/thread/room reference).
func IsConversationLikeIdentity(id string) bool {
	if strings.Contains(id, "@g.us") {
		return true
	}
	lower := strings.ToLower(id)
	for _, p := range conversationLikePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
