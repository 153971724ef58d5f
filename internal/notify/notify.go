// Package notify delivers user-facing notifications about accounts.
// Delivery is fire-and-forget: implementations log failures and never
// return them to the caller.
package notify

import (
	"context"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/store"
)

// Notifier is the notification contract used by the session and messaging layers.
type Notifier interface {
	NotifyConnectionStatus(ctx context.Context, userID, accountID, label string, status store.AccountStatus)
	NotifyNewMessage(ctx context.Context, userID, accountID, conversationID, content, from string)
}

// Bus event kinds published by BusNotifier.
const (
	KindConnectionStatus = "notify.connection_status"
	KindNewMessage       = "notify.new_message"
)

// ConnectionStatus is the payload of a connection-status notification.
type ConnectionStatus struct {
	Type      string              `json:"type"`
	UserID    string              `json:"user_id"`
	AccountID string              `json:"account_id"`
	Label     string              `json:"label"`
	Status    store.AccountStatus `json:"status"`
	At        time.Time           `json:"at"`
}

// NewMessage is the payload of a new-message notification.
type NewMessage struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	From           string    `json:"from"`
	At             time.Time `json:"at"`
}

func connectionStatus(userID, accountID, label string, status store.AccountStatus) ConnectionStatus {
	return ConnectionStatus{
		Type:      "connection_status",
		UserID:    userID,
		AccountID: accountID,
		Label:     label,
		Status:    status,
		At:        time.Now().UTC(),
	}
}

func newMessage(userID, accountID, conversationID, content, from string) NewMessage {
	return NewMessage{
		Type:           "new_message",
		UserID:         userID,
		AccountID:      accountID,
		ConversationID: conversationID,
		Content:        content,
		From:           from,
		At:             time.Now().UTC(),
	}
}

// BusNotifier publishes notifications on the in-process bus.
type BusNotifier struct {
	bus *bus.Bus
}

// NewBus returns a Notifier backed by b.
func NewBus(b *bus.Bus) *BusNotifier {
	return &BusNotifier{bus: b}
}

func (n *BusNotifier) NotifyConnectionStatus(_ context.Context, userID, accountID, label string, status store.AccountStatus) {
	p := connectionStatus(userID, accountID, label, status)
	n.bus.Publish(bus.Event{Kind: KindConnectionStatus, AccountID: accountID, Timestamp: p.At, Payload: p})
}

func (n *BusNotifier) NotifyNewMessage(_ context.Context, userID, accountID, conversationID, content, from string) {
	p := newMessage(userID, accountID, conversationID, content, from)
	n.bus.Publish(bus.Event{Kind: KindNewMessage, AccountID: accountID, Timestamp: p.At, Payload: p})
}

// Multi fans every notification out to each Notifier in order.
type Multi []Notifier

func (m Multi) NotifyConnectionStatus(ctx context.Context, userID, accountID, label string, status store.AccountStatus) {
	for _, n := range m {
		n.NotifyConnectionStatus(ctx, userID, accountID, label, status)
	}
}

func (m Multi) NotifyNewMessage(ctx context.Context, userID, accountID, conversationID, content, from string) {
	for _, n := range m {
		n.NotifyNewMessage(ctx, userID, accountID, conversationID, content, from)
	}
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifyConnectionStatus(context.Context, string, string, string, store.AccountStatus) {}
func (Nop) NotifyNewMessage(context.Context, string, string, string, string, string) {}
