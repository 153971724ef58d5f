package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("store: unique constraint violation")
)

// AccountStore persists Account records.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// ListAccounts returns all accounts, or only those in status when it is non-empty.
	ListAccounts(ctx context.Context, status AccountStatus) ([]Account, error)
	UpdateAccount(ctx context.Context, id string, u AccountUpdate) error
}

// ConversationStore persists Conversation records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, accountID, contactNumber string) (*Conversation, error)
	GetConversationByID(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, accountID string, limit, offset int) ([]Conversation, error)
	UpdateConversationMeta(ctx context.Context, id string, m ConversationMeta) error
	// TouchConversation atomically adds unreadDelta to the unread counter and
	// advances last_message_at to at when at is newer.
	TouchConversation(ctx context.Context, id string, at int64, unreadDelta int) error
	// ClearUnread zeroes the unread counter.
	ClearUnread(ctx context.Context, id string) error
}

// MessageStore persists Message records.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, accountID, providerID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]Message, error)
	// UpdateMessageStatus moves a message forward to status. It reports
	// whether a row changed.
	UpdateMessageStatus(ctx context.Context, accountID, providerID string, status DeliveryStatus) (bool, error)
	// ClaimBackfilled clears the Backfilled mark and reports whether this
	// call cleared it, so live delivery counts a synced message exactly once.
	ClaimBackfilled(ctx context.Context, accountID, providerID string) (bool, error)
}

// OutboxStore persists queued outgoing messages.
type OutboxStore interface {
	QueueOutbox(ctx context.Context, e *OutboxEntry) error
	GetOutbox(ctx context.Context, id string) (*OutboxEntry, error)
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkOutboxSending(ctx context.Context, id string) error
	MarkOutboxSent(ctx context.Context, id, providerID string) error
	MarkOutboxFailed(ctx context.Context, id, errMsg string) error
	// MarkOutboxQueued puts an entry back in the queue.
	MarkOutboxQueued(ctx context.Context, id string) error
	// RequeueSending returns every entry left in 'sending' to the queue and
	// reports how many moved.
	RequeueSending(ctx context.Context) (int, error)
}

// CheckpointStore keeps small key/value progress markers.
type CheckpointStore interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	Checkpoint(ctx context.Context, key string) (string, error)
}

// Repository is the full persistence contract used by the daemon.
type Repository interface {
	AccountStore
	ConversationStore
	MessageStore
	OutboxStore
	CheckpointStore
	Close() error
}

// CreateOrFetch returns the row behind a unique key, creating it when absent.
// fetch must return ErrNotFound when no row exists and create must return
// ErrConflict when it loses a uniqueness race; in that case the winner's row is
// fetched instead. created reports whether this call inserted the row.
func CreateOrFetch[T any](ctx context.Context, fetch, create func(context.Context) (T, error)) (v T, created bool, err error) {
	v, err = fetch(ctx)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return v, false, err
	}

	v, err = create(ctx)
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, ErrConflict) {
		return v, false, err
	}

	v, err = fetch(ctx)
	return v, false, err
}
