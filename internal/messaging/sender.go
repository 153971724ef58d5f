package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
)

var (
	// ErrSessionNotReady is returned when no ready connection exists for the account.
	ErrSessionNotReady = errors.New("WhatsApp session not ready")
	// ErrUnsupportedType is returned for message types that cannot be sent yet.
	ErrUnsupportedType = errors.New("message type not implemented")
)

// Sessions is the part of the lifecycle controller the sender needs.
type Sessions interface {
	Registry() *session.Registry
	StartSession(ctx context.Context, accountID, userID string) session.StartResult
	Discard(accountID string)
}

// SenderConfig holds recovery and pacing settings.
type SenderConfig struct {
	RecoveryPollAttempts int
	RecoveryPollInterval time.Duration
	// RatePerMinute caps sends per account; zero disables pacing.
	RatePerMinute int
	Burst         int
}

// DefaultSenderConfig returns the production settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		RecoveryPollAttempts: 10,
		RecoveryPollInterval: time.Second,
		RatePerMinute:        60,
		Burst:                10,
	}
}

// SendResult is the outcome of Send.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Sender delivers outbound messages. It only transports: the echo the
// provider reports back is what gets persisted.
type Sender struct {
	cfg      SenderConfig
	sessions Sessions
	accounts store.AccountStore
	logger   *zap.Logger

	// recovery coalesces concurrent recoveries of the same account.
	recovery singleflight.Group

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSender returns a Sender.
func NewSender(cfg SenderConfig, sessions Sessions, accounts store.AccountStore, logger *zap.Logger) *Sender {
	return &Sender{
		cfg:      cfg,
		sessions: sessions,
		accounts: accounts,
		logger:   logger.Named("sender"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Send delivers content to the contact or group to. Only TEXT is supported.
func (s *Sender) Send(ctx context.Context, accountID, to, content string, typ store.MessageType) SendResult {
	id, err := s.send(ctx, accountID, to, content, typ)
	if err != nil {
		s.logger.Warn("send failed",
			zap.String("account_id", accountID),
			zap.String("to", to),
			zap.Error(err),
		)
		return SendResult{Error: err.Error()}
	}
	return SendResult{Success: true, ProviderMessageID: id}
}

func (s *Sender) send(ctx context.Context, accountID, to, content string, typ store.MessageType) (string, error) {
	if typ == "" {
		typ = store.TypeText
	}
	if typ != store.TypeText {
		metrics.SendTotal.WithLabelValues("unsupported").Inc()
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}

	h, err := s.readyHandle(ctx, accountID)
	if err != nil {
		metrics.SendTotal.WithLabelValues("not_ready").Inc()
		return "", err
	}

	jid, err := wa.NormalizeRecipient(to)
	if err != nil {
		metrics.SendTotal.WithLabelValues("invalid").Inc()
		return "", err
	}

	if err := s.wait(ctx, accountID); err != nil {
		metrics.SendTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	id, err := h.Client().SendText(ctx, jid, content)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SendTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.SendTotal.WithLabelValues("sent").Inc()
	s.logger.Info("message sent", zap.String("account_id", accountID), zap.String("id", id))
	return id, nil
}

// readyHandle returns the account's ready handle. When the account is
// persisted as CONNECTED but has no ready handle, it makes one recovery
// attempt, shared by every concurrent send, before giving up.
func (s *Sender) readyHandle(ctx context.Context, accountID string) (*session.Handle, error) {
	if h, ok := s.sessions.Registry().Get(accountID); ok && h.Ready() {
		return h, nil
	}

	acc, err := s.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acc.Status != store.AccountConnected {
		return nil, ErrSessionNotReady
	}

	v, err, _ := s.recovery.Do(accountID, func() (any, error) {
		return s.recoverSession(ctx, accountID, acc.UserID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Handle), nil
}

// recoverSession starts the account's session and polls until it is ready.
// A handle that is still pairing or connecting is waited on, never replaced;
// only a handle that already ended is discarded first.
func (s *Sender) recoverSession(ctx context.Context, accountID, userID string) (*session.Handle, error) {
	if h, ok := s.sessions.Registry().Get(accountID); ok {
		if h.Ready() {
			return h, nil
		}
		if h.State().Terminal() {
			s.sessions.Discard(accountID)
		}
	}

	s.logger.Info("recovering session for send", zap.String("account_id", accountID))
	if res := s.sessions.StartSession(ctx, accountID, userID); !res.Success {
		metrics.Recoveries.WithLabelValues("error").Inc()
		s.logger.Warn("recovery start failed", zap.String("account_id", accountID), zap.String("error", res.Error))
		return nil, ErrSessionNotReady
	}

	for i := 0; i < s.cfg.RecoveryPollAttempts; i++ {
		if h, ok := s.sessions.Registry().Get(accountID); ok && h.Ready() {
			metrics.Recoveries.WithLabelValues("ready").Inc()
			return h, nil
		}
		select {
		case <-time.After(s.cfg.RecoveryPollInterval):
		case <-ctx.Done():
			metrics.Recoveries.WithLabelValues("timeout").Inc()
			return nil, ErrSessionNotReady
		}
	}
	if h, ok := s.sessions.Registry().Get(accountID); ok && h.Ready() {
		metrics.Recoveries.WithLabelValues("ready").Inc()
		return h, nil
	}
	metrics.Recoveries.WithLabelValues("timeout").Inc()
	return nil, ErrSessionNotReady
}

func (s *Sender) wait(ctx context.Context, accountID string) error {
	if s.cfg.RatePerMinute <= 0 {
		return nil
	}
	s.mu.Lock()
	l, ok := s.limiters[accountID]
	if !ok {
		burst := s.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.RatePerMinute)), burst)
		s.limiters[accountID] = l
	}
	s.mu.Unlock()
	return l.Wait(ctx)
}
