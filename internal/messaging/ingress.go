// Package messaging persists message traffic and sends outbound messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/enrich"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/notify"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
)

// Store is the persistence used by Ingress.
type Store interface {
	store.ConversationStore
	store.MessageStore
}

// Ingress records inbound messages, outbound echoes and delivery receipts.
type Ingress struct {
	store    Store
	enricher *enrich.Enricher
	notifier notify.Notifier
	bus      *bus.Bus
	logger   *zap.Logger
}

var _ session.Sink = (*Ingress)(nil)

// NewIngress returns an Ingress.
func NewIngress(s Store, enricher *enrich.Enricher, notifier notify.Notifier, b *bus.Bus, logger *zap.Logger) *Ingress {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Ingress{
		store:    s,
		enricher: enricher,
		notifier: notifier,
		bus:      b,
		logger:   logger.Named("ingress"),
	}
}

// RecordInbound stores a received message, creating its conversation on
// first contact. Replays of an already delivered message change nothing.
func (in *Ingress) RecordInbound(ctx context.Context, env session.Envelope, m wa.Message) error {
	if m.FromMe || m.Chat == "" || wa.IsBroadcastJID(m.Chat) {
		metrics.InboundMessages.WithLabelValues("ignored").Inc()
		return nil
	}

	hint := ""
	if !m.IsGroup {
		hint = m.PushName
	}
	conv, err := in.conversation(ctx, env, m.Chat, m.IsGroup, hint, millis(m.Timestamp))
	if err != nil {
		metrics.InboundMessages.WithLabelValues("error").Inc()
		return err
	}

	from := m.Sender
	if from == "" {
		from = m.Chat
	}
	msg := &store.Message{
		AccountID:      env.AccountID,
		ConversationID: conv.ID,
		ProviderID:     m.ID,
		Direction:      store.Inbound,
		Type:           store.MessageType(m.Type),
		Content:        m.Body,
		MediaRef:       m.MediaRef,
		Status:         store.StatusReceived,
		From:           wa.UserPart(from),
		To:             ownNumber(env.Client),
		Timestamp:      millis(m.Timestamp),
	}
	if err := in.store.CreateMessage(ctx, msg); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			metrics.InboundMessages.WithLabelValues("error").Inc()
			return fmt.Errorf("store inbound message: %w", err)
		}
		// A sync may have stored it first. Live delivery still counts it, once.
		claimed, err := in.store.ClaimBackfilled(ctx, env.AccountID, m.ID)
		if err != nil {
			metrics.InboundMessages.WithLabelValues("error").Inc()
			return fmt.Errorf("claim synced message: %w", err)
		}
		if !claimed {
			metrics.InboundMessages.WithLabelValues("duplicate").Inc()
			return nil
		}
		if stored, err := in.store.GetMessage(ctx, env.AccountID, m.ID); err == nil {
			msg = stored
		}
	}
	if err := in.store.TouchConversation(ctx, conv.ID, msg.Timestamp, 1); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	metrics.InboundMessages.WithLabelValues("stored").Inc()

	in.notifier.NotifyNewMessage(ctx, env.OwnerID, env.AccountID, conv.ID, m.Body, msg.From)
	in.publish(bus.KindMessageIn, env.AccountID, msg)
	return nil
}

// RecordOutbound stores a message this account sent. It is the only place
// outbound messages are persisted, so sends from other devices land too.
func (in *Ingress) RecordOutbound(ctx context.Context, env session.Envelope, m wa.Message) error {
	if m.Chat == "" || wa.IsBroadcastJID(m.Chat) {
		return nil
	}
	conv, err := in.conversation(ctx, env, m.Chat, m.IsGroup, "", millis(m.Timestamp))
	if err != nil {
		return err
	}

	msg := &store.Message{
		AccountID:      env.AccountID,
		ConversationID: conv.ID,
		ProviderID:     m.ID,
		Direction:      store.Outbound,
		Type:           store.MessageType(m.Type),
		Content:        m.Body,
		MediaRef:       m.MediaRef,
		Status:         store.StatusSent,
		From:           ownNumber(env.Client),
		To:             wa.UserPart(m.Chat),
		Timestamp:      millis(m.Timestamp),
	}
	if err := in.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("store outbound message: %w", err)
	}
	if err := in.store.TouchConversation(ctx, conv.ID, msg.Timestamp, 0); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	in.publish(bus.KindMessageOut, env.AccountID, msg)
	return nil
}

// ApplyReceipt advances the delivery status of the listed messages.
func (in *Ingress) ApplyReceipt(ctx context.Context, accountID string, r wa.Receipt) error {
	st := store.DeliveryStatus(r.Status)
	var errs []error
	for _, id := range r.MessageIDs {
		changed, err := in.store.UpdateMessageStatus(ctx, accountID, id, st)
		if err != nil {
			errs = append(errs, fmt.Errorf("update %s: %w", id, err))
			continue
		}
		if changed {
			in.publish(bus.KindMessageStatus, accountID, StatusChange{ProviderID: id, Status: st})
		}
	}
	return errors.Join(errs...)
}

// MarkRead zeroes the unread counter of chat after it was read on another
// device. Unknown chats are ignored.
func (in *Ingress) MarkRead(ctx context.Context, accountID, chat string) error {
	conv, err := in.store.GetConversation(ctx, accountID, wa.UserPart(chat))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find conversation: %w", err)
	}
	if conv.UnreadCount == 0 {
		return nil
	}
	if err := in.store.ClearUnread(ctx, conv.ID); err != nil {
		return err
	}
	in.publish(bus.KindConversationRead, accountID, conv.ID)
	return nil
}

// StatusChange is published when a receipt moves a message forward.
type StatusChange struct {
	ProviderID string               `json:"provider_id"`
	Status     store.DeliveryStatus `json:"status"`
}

// conversation returns the conversation for chat, creating it with a
// best-effort display name and avatar when absent.
func (in *Ingress) conversation(ctx context.Context, env session.Envelope, chat string, isGroup bool, hint string, at int64) (*store.Conversation, error) {
	contact := wa.UserPart(chat)
	conv, created, err := store.CreateOrFetch(ctx,
		func(ctx context.Context) (*store.Conversation, error) {
			return in.store.GetConversation(ctx, env.AccountID, contact)
		},
		func(ctx context.Context) (*store.Conversation, error) {
			p := in.enricher.Resolve(ctx, sourceOf(env.Client), chat, hint)
			c := &store.Conversation{
				AccountID:     env.AccountID,
				ContactNumber: contact,
				ContactName:   p.Name,
				ProfilePicURL: p.PictureURL,
				IsGroup:       isGroup || wa.IsGroupJID(chat),
				LastMessageAt: at,
			}
			return c, in.store.CreateConversation(ctx, c)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation %s: %w", contact, err)
	}
	if created {
		in.logger.Debug("conversation created",
			zap.String("account_id", env.AccountID),
			zap.String("contact", contact),
		)
	}
	return conv, nil
}

func (in *Ingress) publish(kind, accountID string, payload any) {
	if in.bus == nil {
		return
	}
	in.bus.Publish(bus.Event{Kind: kind, AccountID: accountID, Timestamp: time.Now(), Payload: payload})
}

// sourceOf avoids handing a typed nil client to the enricher.
func sourceOf(c wa.Client) enrich.Source {
	if c == nil {
		return nil
	}
	return c
}

func ownNumber(c wa.Client) string {
	if c == nil {
		return ""
	}
	return c.Identity().User
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}
