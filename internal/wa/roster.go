package wa

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// maxRecent bounds how many messages the roster keeps per chat for backfill.
const maxRecent = 20

// roster is the adapter's view of the account's chat list. whatsmeow has no
// "list chats" call, so the list is assembled from history sync, live traffic
// and joined groups.
type roster struct {
	mu    sync.Mutex
	chats map[string]*Chat
}

func newRoster() *roster {
	return &roster{chats: make(map[string]*Chat)}
}

func (r *roster) entry(jid string) *Chat {
	c, ok := r.chats[jid]
	if !ok {
		c = &Chat{JID: jid, IsGroup: IsGroupJID(jid)}
		r.chats[jid] = c
	}
	return c
}

// upsert merges chat-level metadata. Empty names and zero times keep what is known.
func (r *roster) upsert(jid, name string, unread int, last time.Time) {
	if jid == "" || IsBroadcastJID(jid) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.entry(jid)
	if name != "" {
		c.Name = name
	}
	if unread >= 0 {
		c.UnreadCount = unread
	}
	if last.After(c.LastMessageAt) {
		c.LastMessageAt = last
	}
}

// observe records a message against its chat.
func (r *roster) observe(m Message) {
	if m.Chat == "" || IsBroadcastJID(m.Chat) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.entry(m.Chat)
	if m.Timestamp.After(c.LastMessageAt) {
		c.LastMessageAt = m.Timestamp
	}
	if slices.ContainsFunc(c.Recent, func(x Message) bool { return x.ID == m.ID }) {
		return
	}
	c.Recent = append(c.Recent, m)
	slices.SortFunc(c.Recent, func(a, b Message) int { return b.Timestamp.Compare(a.Timestamp) })
	if len(c.Recent) > maxRecent {
		c.Recent = c.Recent[:maxRecent]
	}
}

// markRead zeroes the unread count of a known chat.
func (r *roster) markRead(jid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chats[jid]; ok {
		c.UnreadCount = 0
	}
}

// snapshot returns copies of all chats, most recent first.
func (r *roster) snapshot() []Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Chat, 0, len(r.chats))
	for _, c := range r.chats {
		cp := *c
		cp.Recent = slices.Clone(c.Recent)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Chat) int {
		if n := b.LastMessageAt.Compare(a.LastMessageAt); n != 0 {
			return n
		}
		return cmp.Compare(a.JID, b.JID)
	})
	return out
}
