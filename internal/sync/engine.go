// Package sync reconciles a provider's chat list into persisted conversations.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/enrich"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
)

var (
	// ErrSessionNotReady is returned when the account has no ready handle.
	// Sync never starts or recovers a session itself.
	ErrSessionNotReady = errors.New("WhatsApp session not ready")
	// ErrInProgress is returned when a pass for the account is already running.
	ErrInProgress = errors.New("sync already in progress")
)

// Store is the persistence used by the Engine.
type Store interface {
	store.ConversationStore
	store.MessageStore
	store.CheckpointStore
}

// Handles looks up live connection handles.
type Handles interface {
	Get(accountID string) (*session.Handle, bool)
}

// Result is the outcome of SyncAll.
type Result struct {
	Success     bool   `json:"success"`
	TotalSynced int    `json:"total_synced"`
	Error       string `json:"error,omitempty"`
}

// Engine runs bulk conversation syncs.
type Engine struct {
	store      Store
	handles    Handles
	enricher   *enrich.Enricher
	reconciler *Reconciler
	bus        *bus.Bus
	logger     *zap.Logger

	mu      stdsync.Mutex
	running map[string]bool
}

var _ session.Syncer = (*Engine)(nil)

// NewEngine creates a new sync engine.
func NewEngine(s Store, handles Handles, enricher *enrich.Enricher, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:      s,
		handles:    handles,
		enricher:   enricher,
		reconciler: NewReconciler(s, logger),
		bus:        b,
		logger:     logger.Named("sync"),
		running:    make(map[string]bool),
	}
}

// LastFullSync returns when accountID last completed a full sync, or the
// zero time if it never has.
func (e *Engine) LastFullSync(ctx context.Context, accountID string) (time.Time, error) {
	return e.reconciler.LastFullSync(ctx, accountID)
}

// SyncAll reconciles every chat of accountID. TotalSynced counts only
// conversations this pass created.
func (e *Engine) SyncAll(ctx context.Context, accountID string) Result {
	n, err := e.SyncAccount(ctx, accountID)
	if err != nil {
		return Result{TotalSynced: n, Error: err.Error()}
	}
	return Result{Success: true, TotalSynced: n}
}

// SyncAccount is SyncAll with an error return.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) (int, error) {
	h, ok := e.handles.Get(accountID)
	if !ok || !h.Ready() {
		metrics.SyncRuns.WithLabelValues("not_ready").Inc()
		return 0, ErrSessionNotReady
	}
	if !e.acquire(accountID) {
		metrics.SyncRuns.WithLabelValues("busy").Inc()
		return 0, ErrInProgress
	}
	defer e.release(accountID)

	logger := e.logger.With(zap.String("account_id", accountID))
	start := time.Now()

	chats, err := h.Client().ListChats(ctx)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		logger.Error("list chats failed", zap.Error(err))
		return 0, fmt.Errorf("list chats: %w", err)
	}

	created, failed := 0, 0
	for _, chat := range chats {
		if wa.IsBroadcastJID(chat.JID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			metrics.SyncRuns.WithLabelValues("error").Inc()
			return created, err
		}
		isNew, err := e.syncChat(ctx, h, chat)
		if err != nil {
			failed++
			metrics.SyncChatErrors.Inc()
			logger.Warn("chat sync failed", zap.String("jid", chat.JID), zap.Error(err))
			continue
		}
		if isNew {
			created++
		}
	}
	metrics.SyncCreated.Add(float64(created))
	metrics.SyncRuns.WithLabelValues("ok").Inc()

	if err := e.reconciler.RecordFullSync(ctx, accountID, time.Now()); err != nil {
		logger.Warn("checkpoint failed", zap.Error(err))
	}

	logger.Info("sync complete",
		zap.Int("chats", len(chats)),
		zap.Int("created", created),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)),
	)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncCompleted,
		AccountID: accountID,
		Timestamp: time.Now(),
		Payload: map[string]int{
			"chats":   len(chats),
			"created": created,
			"failed":  failed,
		},
	})
	return created, nil
}

// syncChat upserts one conversation and backfills its recent messages.
func (e *Engine) syncChat(ctx context.Context, h *session.Handle, chat wa.Chat) (bool, error) {
	accountID := h.AccountID()
	contact := wa.UserPart(chat.JID)
	isGroup := chat.IsGroup || wa.IsGroupJID(chat.JID)

	p, _ := e.enricher.Lookup(ctx, h.Client(), chat.JID)
	name := enrich.FirstNonEmpty(p.Name, chat.Name)
	last := lastActivity(chat)

	conv, created, err := store.CreateOrFetch(ctx,
		func(ctx context.Context) (*store.Conversation, error) {
			return e.store.GetConversation(ctx, accountID, contact)
		},
		func(ctx context.Context) (*store.Conversation, error) {
			c := &store.Conversation{
				AccountID:     accountID,
				ContactNumber: contact,
				ContactName:   enrich.FirstNonEmpty(name, contact),
				ProfilePicURL: p.PictureURL,
				IsGroup:       isGroup,
				LastMessageAt: last,
				UnreadCount:   chat.UnreadCount,
			}
			return c, e.store.CreateConversation(ctx, c)
		},
	)
	if err != nil {
		return false, fmt.Errorf("resolve conversation: %w", err)
	}

	if !created {
		err := e.store.UpdateConversationMeta(ctx, conv.ID, store.ConversationMeta{
			ContactName:   name,
			ProfilePicURL: p.PictureURL,
			UnreadCount:   chat.UnreadCount,
			LastMessageAt: last,
		})
		if err != nil {
			return false, err
		}
	}

	e.backfill(ctx, h, conv, chat.Recent)
	return created, nil
}

// backfill stores recent messages the provider handed over. Messages that
// already exist are left alone. Inbound rows are marked so a live delivery
// racing the sync still bumps the conversation and notifies.
func (e *Engine) backfill(ctx context.Context, h *session.Handle, conv *store.Conversation, recent []wa.Message) {
	own := h.Client().Identity().User
	for _, m := range recent {
		msg := &store.Message{
			AccountID:      conv.AccountID,
			ConversationID: conv.ID,
			ProviderID:     m.ID,
			Type:           store.MessageType(m.Type),
			Content:        m.Body,
			MediaRef:       m.MediaRef,
			Timestamp:      m.Timestamp.UnixMilli(),
		}
		if m.FromMe {
			msg.Direction, msg.Status = store.Outbound, store.StatusSent
			msg.From, msg.To = own, conv.ContactNumber
		} else {
			msg.Direction, msg.Status = store.Inbound, store.StatusReceived
			msg.From, msg.To = wa.UserPart(enrich.FirstNonEmpty(m.Sender, m.Chat)), own
			msg.Backfilled = true
		}
		if err := e.store.CreateMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrConflict) {
			e.logger.Debug("backfill message failed",
				zap.String("account_id", conv.AccountID),
				zap.String("id", m.ID),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) acquire(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[accountID] {
		return false
	}
	e.running[accountID] = true
	return true
}

func (e *Engine) release(accountID string) {
	e.mu.Lock()
	delete(e.running, accountID)
	e.mu.Unlock()
}

// lastActivity is the chat's last message time, falling back to the newest
// recent message.
func lastActivity(chat wa.Chat) int64 {
	var last int64
	if !chat.LastMessageAt.IsZero() {
		last = chat.LastMessageAt.UnixMilli()
	}
	for _, m := range chat.Recent {
		if ts := m.Timestamp.UnixMilli(); !m.Timestamp.IsZero() && ts > last {
			last = ts
		}
	}
	return last
}
