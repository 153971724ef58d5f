package wa

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// legacyUserServer is the suffix older clients use for individual chats.
const legacyUserServer = "c.us"

// CanonicalJID renders jid without device or agent parts, mapping the legacy
// c.us server onto s.whatsapp.net.
func CanonicalJID(jid types.JID) string {
	jid = jid.ToNonAD()
	if jid.Server == legacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	return jid.String()
}

// IsGroupJID reports whether jid addresses a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+types.GroupServer)
}

// IsBroadcastJID reports whether jid is a status, broadcast list or channel
// pseudo-chat rather than a real conversation.
func IsBroadcastJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+types.BroadcastServer) ||
		strings.HasSuffix(jid, "@"+types.NewsletterServer)
}

// UserPart returns the part of jid before '@'.
func UserPart(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	return user
}

// NormalizeRecipient turns a phone number, legacy id or JID into the full JID
// the provider expects, choosing the group server for group ids.
func NormalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fmt.Errorf("empty recipient")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return "", fmt.Errorf("parse JID %q: %w", to, err)
		}
		return CanonicalJID(jid), nil
	}

	// Old-style group ids look like "5511999999999-1600000000".
	if strings.Contains(to, "-") && !strings.HasPrefix(to, "+") {
		return types.NewJID(to, types.GroupServer).String(), nil
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return "", fmt.Errorf("recipient %q has no digits", to)
	}
	// Phone numbers are at most 15 digits; longer ids are groups.
	if len(digits) > 15 {
		return types.NewJID(digits, types.GroupServer).String(), nil
	}
	return types.NewJID(digits, types.DefaultUserServer).String(), nil
}
