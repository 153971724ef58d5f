package wa

import (
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// translator converts raw whatsmeow events into provider-neutral Events and
// keeps the chat roster current. It never talks to the network.
type translator struct {
	roster  *roster
	resolve func(types.JID) types.JID
	logger  *zap.Logger
}

// translate returns the events raw maps to, possibly none.
func (t *translator) translate(raw any) []Event {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		t.logger.Info("device paired", zap.String("jid", evt.ID.String()), zap.String("platform", evt.Platform))
		return []Event{{Kind: EventAuthenticated}}
	case *events.Connected:
		t.logger.Info("WhatsApp connected")
		return []Event{{Kind: EventReady}}
	case *events.Disconnected:
		t.logger.Warn("WhatsApp disconnected")
		return []Event{{Kind: EventDisconnected, Reason: "connection lost"}}
	case *events.StreamReplaced:
		t.logger.Warn("stream replaced by another connection")
		return []Event{{Kind: EventDisconnected, Reason: "stream replaced"}}
	case *events.LoggedOut:
		t.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		return []Event{{Kind: EventAuthFailure, Reason: "logged out: " + evt.Reason.String()}}
	case *events.ConnectFailure:
		t.logger.Warn("connect failure", zap.String("reason", evt.Reason.String()), zap.String("message", evt.Message))
		return []Event{{Kind: EventAuthFailure, Reason: "connect failure: " + evt.Reason.String()}}
	case *events.TemporaryBan:
		t.logger.Warn("temporary ban", zap.String("ban", evt.String()))
		return []Event{{Kind: EventAuthFailure, Reason: evt.String()}}
	case *events.ClientOutdated:
		return []Event{{Kind: EventAuthFailure, Reason: "client outdated"}}
	case *events.Message:
		return t.message(evt)
	case *events.Receipt:
		return t.receipt(evt)
	case *events.MarkChatAsRead:
		return t.chatRead(evt)
	case *events.HistorySync:
		t.history(evt)
	}
	return nil
}

func (t *translator) message(evt *events.Message) []Event {
	msg := ParseLiveMessage(evt, t.resolve)
	if IsBroadcastJID(msg.Chat) {
		return nil
	}
	t.roster.observe(msg)
	kind := EventMessage
	if msg.FromMe {
		kind = EventMessageEcho
	}
	return []Event{{Kind: kind, Message: &msg}}
}

func (t *translator) receipt(evt *events.Receipt) []Event {
	var status string
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = "DELIVERED"
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		status = "READ"
	default:
		return nil
	}
	// Receipts about our own reads on other devices carry no delivery info.
	if evt.IsFromMe {
		return nil
	}
	chat := evt.Chat
	if t.resolve != nil {
		chat = t.resolve(chat)
	}
	ids := make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		ids[i] = string(id)
	}
	return []Event{{Kind: EventReceipt, Receipt: &Receipt{
		Chat:       CanonicalJID(chat),
		MessageIDs: ids,
		Status:     status,
		Timestamp:  evt.Timestamp,
	}}}
}

func (t *translator) chatRead(evt *events.MarkChatAsRead) []Event {
	// Marking a chat unread carries no count to apply.
	if !evt.Action.GetRead() {
		return nil
	}
	jid := evt.JID
	if t.resolve != nil {
		jid = t.resolve(jid)
	}
	chat := CanonicalJID(jid)
	if IsBroadcastJID(chat) {
		return nil
	}
	t.roster.markRead(chat)
	return []Event{{Kind: EventChatRead, Chat: chat}}
}

func (t *translator) history(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var chats, msgs int
	for _, conv := range data.GetConversations() {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		if t.resolve != nil {
			jid = t.resolve(jid)
		}
		chat := CanonicalJID(jid)
		if IsBroadcastJID(chat) {
			continue
		}

		var last time.Time
		if ts := conv.GetConversationTimestamp(); ts > 0 {
			last = time.Unix(int64(ts), 0)
		}
		t.roster.upsert(chat, conv.GetName(), int(conv.GetUnreadCount()), last)
		chats++

		for _, hm := range conv.GetMessages() {
			if m, ok := ParseHistoryMessage(chat, hm.GetMessage()); ok {
				t.roster.observe(m)
				msgs++
			}
		}
	}
	t.logger.Debug("history sync folded into roster",
		zap.Int("chats", chats), zap.Int("messages", msgs))
}
