package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/pairing"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
)

// sessionSummary is persisted as Account.SessionData on readiness.
type sessionSummary struct {
	User        string `json:"user"`
	PushName    string `json:"push_name,omitempty"`
	Platform    string `json:"platform,omitempty"`
	ConnectedAt int64  `json:"connected_at"`
}

var triggers = map[wa.EventKind]status.Trigger{
	wa.EventPairingCode:   status.PairingCode,
	wa.EventAuthenticated: status.Authenticate,
	wa.EventReady:         status.BecomeReady,
	wa.EventAuthFailure:   status.AuthFailure,
	wa.EventDisconnected:  status.ConnectionLost,
}

// handleEvent reacts to one provider event for h. Events for a handle are
// delivered one at a time.
func (m *Manager) handleEvent(h *Handle, evt wa.Event) {
	logger := m.logger.With(zap.String("account_id", h.accountID), zap.String("event", string(evt.Kind)))
	ctx, cancel := m.eventContext()
	defer cancel()

	switch evt.Kind {
	case wa.EventMessage, wa.EventMessageEcho, wa.EventReceipt, wa.EventChatRead:
		m.handleTraffic(ctx, h, evt, logger)
		return
	}

	metrics.SessionEvents.WithLabelValues(string(evt.Kind)).Inc()
	if !m.registry.isCurrent(h) {
		logger.Debug("ignoring event for replaced handle")
		return
	}
	trigger, ok := triggers[evt.Kind]
	if !ok {
		return
	}
	if _, err := h.fire(trigger); err != nil {
		logger.Warn("ignoring out-of-order event", zap.String("state", string(h.State())), zap.Error(err))
		return
	}

	switch evt.Kind {
	case wa.EventPairingCode:
		m.onPairingCode(ctx, h, evt.Code, logger)
	case wa.EventAuthenticated:
		logger.Info("device authenticated")
	case wa.EventReady:
		m.onReady(ctx, h, logger)
	case wa.EventAuthFailure:
		m.onAuthFailure(ctx, h, evt.Reason, logger)
	case wa.EventDisconnected:
		m.onDisconnected(ctx, h, evt.Reason, logger)
	}
}

// onPairingCode renders the code and stores it with CONNECTING. The image is
// handed to waiting callers even when every write attempt fails.
func (m *Manager) onPairingCode(ctx context.Context, h *Handle, code string, logger *zap.Logger) {
	image, err := pairing.RenderDataURL(code)
	if err != nil {
		logger.Error("render pairing code", zap.Error(err))
		h.setFailure("render pairing code: " + err.Error())
		return
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.PairingSaveRetries.Inc()
		}
		err := m.accounts.UpdateAccount(ctx, h.accountID, store.AccountUpdate{
			Status: store.Ptr(store.AccountConnecting),
			QRCode: store.Ptr(image),
		})
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.PairingSaveBackoff), uint64(m.cfg.PairingSaveAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		logger.Error("persist pairing code", zap.Int("attempts", attempt), zap.Error(err))
	} else {
		logger.Info("pairing code issued", zap.Int("attempts", attempt))
	}
	h.setPairing(code, image)
}

func (m *Manager) onReady(ctx context.Context, h *Handle, logger *zap.Logger) {
	h.clearPairing()
	id := h.client.Identity()
	now := time.Now()

	summary, err := json.Marshal(sessionSummary{
		User:        id.User,
		PushName:    id.PushName,
		Platform:    id.Platform,
		ConnectedAt: now.UnixMilli(),
	})
	if err != nil {
		logger.Error("marshal session summary", zap.Error(err))
	}

	u := store.AccountUpdate{
		Status:      store.Ptr(store.AccountConnected),
		QRCode:      store.Ptr(""),
		LastSeenAt:  store.Ptr(now.UnixMilli()),
		SessionData: store.Ptr(string(summary)),
	}
	if id.PushName != "" {
		u.DisplayName = store.Ptr(id.PushName)
	}
	if id.User != "" {
		u.Phone = store.Ptr(id.User)
	}
	if err := m.accounts.UpdateAccount(ctx, h.accountID, u); err != nil {
		logger.Error("persist ready", zap.Error(err))
	}
	logger.Info("session ready", zap.String("user", id.User), zap.String("push_name", id.PushName))
	m.notifier.NotifyConnectionStatus(ctx, h.ownerID, h.accountID, h.label, store.AccountConnected)

	m.mu.RLock()
	syncer := m.syncer
	m.mu.RUnlock()
	if !m.cfg.SyncOnReady || syncer == nil {
		return
	}
	// The sync makes provider calls, so it must not hold up event delivery.
	m.background(func(ctx context.Context) {
		n, err := syncer.SyncAccount(ctx, h.accountID)
		if err != nil {
			logger.Warn("sync after ready failed", zap.Error(err))
			return
		}
		logger.Info("sync after ready finished", zap.Int("created", n))
	})
}

func (m *Manager) onAuthFailure(ctx context.Context, h *Handle, reason string, logger *zap.Logger) {
	logger.Warn("authentication failed", zap.String("reason", reason))
	h.setFailure(reason)
	h.clearPairing()

	if err := m.accounts.UpdateAccount(ctx, h.accountID, store.AccountUpdate{
		Status:      store.Ptr(store.AccountError),
		QRCode:      store.Ptr(""),
		SessionData: store.Ptr(""),
	}); err != nil {
		logger.Error("persist auth failure", zap.Error(err))
	}
	m.notifier.NotifyConnectionStatus(ctx, h.ownerID, h.accountID, h.label, store.AccountError)
	m.retire(h)
}

func (m *Manager) onDisconnected(ctx context.Context, h *Handle, reason string, logger *zap.Logger) {
	logger.Warn("session disconnected", zap.String("reason", reason))
	if reason == "" {
		reason = "disconnected"
	}
	h.setFailure(reason)
	h.clearPairing()

	if err := m.accounts.UpdateAccount(ctx, h.accountID, store.AccountUpdate{
		Status:      store.Ptr(store.AccountDisconnected),
		QRCode:      store.Ptr(""),
		LastSeenAt:  store.Ptr(int64(0)),
		SessionData: store.Ptr(""),
	}); err != nil {
		logger.Error("persist disconnect", zap.Error(err))
	}
	m.notifier.NotifyConnectionStatus(ctx, h.ownerID, h.accountID, h.label, store.AccountDisconnected)
	m.retire(h)
}

// retire removes h and destroys its client off the event goroutine.
func (m *Manager) retire(h *Handle) {
	if !m.registry.removeIf(h) {
		return
	}
	go m.closeClient(h)
}

func (m *Manager) handleTraffic(ctx context.Context, h *Handle, evt wa.Event, logger *zap.Logger) {
	m.mu.RLock()
	sink := m.sink
	m.mu.RUnlock()
	if sink == nil {
		return
	}

	env := Envelope{AccountID: h.accountID, OwnerID: h.ownerID, Client: h.client}
	var err error
	switch evt.Kind {
	case wa.EventMessage:
		if evt.Message != nil {
			err = sink.RecordInbound(ctx, env, *evt.Message)
		}
	case wa.EventMessageEcho:
		if evt.Message != nil {
			err = sink.RecordOutbound(ctx, env, *evt.Message)
		}
	case wa.EventReceipt:
		if evt.Receipt != nil {
			err = sink.ApplyReceipt(ctx, h.accountID, *evt.Receipt)
		}
	case wa.EventChatRead:
		err = sink.MarkRead(ctx, h.accountID, evt.Chat)
	}
	if err != nil {
		logger.Error("persist message event", zap.Error(err))
	}
}
