package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/metrics"
	"github.com/matheus3301/wpphub/internal/notify"
	"github.com/matheus3301/wpphub/internal/paths"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
)

// ErrAccountNotFound is returned when starting a session for an unknown account.
var ErrAccountNotFound = errors.New("account not found")

// Config holds the lifecycle timings.
type Config struct {
	// PairingSaveAttempts bounds how often a pairing code write is tried.
	PairingSaveAttempts int
	PairingSaveBackoff  time.Duration
	// StartWait bounds how long StartSession waits for a pairing code or readiness.
	StartWait time.Duration
	// EventTimeout bounds the persistence work done for one provider event.
	EventTimeout time.Duration
	// SyncOnReady runs a bulk sync every time a handle becomes ready.
	SyncOnReady        bool
	RestoreConcurrency int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PairingSaveAttempts: 3,
		PairingSaveBackoff:  time.Second,
		StartWait:           25 * time.Second,
		EventTimeout:        30 * time.Second,
		SyncOnReady:         true,
		RestoreConcurrency:  4,
	}
}

// Envelope identifies the account a message event belongs to.
type Envelope struct {
	AccountID string
	OwnerID   string
	Client    wa.Client
}

// Sink persists message traffic reported by a handle.
type Sink interface {
	RecordInbound(ctx context.Context, env Envelope, m wa.Message) error
	RecordOutbound(ctx context.Context, env Envelope, m wa.Message) error
	ApplyReceipt(ctx context.Context, accountID string, r wa.Receipt) error
	MarkRead(ctx context.Context, accountID, chat string) error
}

// Syncer runs a bulk conversation sync for a ready account.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string) (int, error)
}

// StartResult is returned by StartSession. PairingImage is a PNG data URL.
type StartResult struct {
	Success      bool   `json:"success"`
	State        string `json:"state,omitempty"`
	PairingImage string `json:"pairing_image,omitempty"`
	PairingCode  string `json:"pairing_code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Manager creates, authenticates, tears down and restores connection handles.
type Manager struct {
	cfg      Config
	accounts store.AccountStore
	registry *Registry
	factory  wa.Factory
	layout   paths.Layout
	notifier notify.Notifier
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.RWMutex
	sink   Sink
	syncer Syncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a Manager. Call SetSink and SetSyncer before starting sessions.
func NewManager(
	cfg Config,
	accounts store.AccountStore,
	registry *Registry,
	factory wa.Factory,
	layout paths.Layout,
	notifier notify.Notifier,
	b *bus.Bus,
	logger *zap.Logger,
) *Manager {
	if cfg.PairingSaveAttempts < 1 {
		cfg.PairingSaveAttempts = 1
	}
	if cfg.RestoreConcurrency < 1 {
		cfg.RestoreConcurrency = 1
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		accounts: accounts,
		registry: registry,
		factory:  factory,
		layout:   layout,
		notifier: notifier,
		bus:      b,
		logger:   logger.Named("session"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetSink registers the message persistence layer.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// SetSyncer registers the bulk synchronizer run on readiness.
func (m *Manager) SetSyncer(s Syncer) {
	m.mu.Lock()
	m.syncer = s
	m.mu.Unlock()
}

// Registry returns the handle registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Handles describes every live handle.
func (m *Manager) Handles() []Info {
	hs := m.registry.All()
	out := make([]Info, len(hs))
	for i, h := range hs {
		out[i] = h.Info()
	}
	return out
}

// StartSession connects accountID, or reports on the connection already
// underway. Concurrent calls for one account share a single creation attempt.
func (m *Manager) StartSession(ctx context.Context, accountID, userID string) StartResult {
	h, ok := m.registry.Get(accountID)
	if !ok {
		var err error
		h, err = m.registry.create(accountID, func() (*Handle, error) {
			return m.create(accountID, userID)
		})
		if err != nil {
			metrics.SessionStarts.WithLabelValues("error").Inc()
			m.logger.Warn("start session failed", zap.String("account_id", accountID), zap.Error(err))
			return StartResult{Error: err.Error()}
		}
	}

	res := m.await(ctx, h)
	switch {
	case !res.Success:
		metrics.SessionStarts.WithLabelValues("error").Inc()
	case res.State == string(status.Ready):
		metrics.SessionStarts.WithLabelValues("ready").Inc()
	case res.PairingImage != "":
		metrics.SessionStarts.WithLabelValues("pairing").Inc()
	default:
		metrics.SessionStarts.WithLabelValues("connecting").Inc()
	}
	return res
}

// await waits, bounded by StartWait, for h to have something to report.
func (m *Manager) await(ctx context.Context, h *Handle) StartResult {
	if m.cfg.StartWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.StartWait)
		defer cancel()
	}
	s := h.wait(ctx)

	res := StartResult{State: string(s.state)}
	switch {
	case s.state == status.Ready:
		res.Success = true
	case s.state.Terminal(), s.failure != "":
		res.Error = s.failure
		if res.Error == "" {
			res.Error = "session ended before becoming ready"
		}
	default:
		// Still pairing or connecting; later events keep persisting progress.
		res.Success = true
		res.PairingCode = s.pairingCode
		res.PairingImage = s.pairingImage
	}
	return res
}

// create builds, registers and connects a handle. A handle that fails to
// connect is discarded.
func (m *Manager) create(accountID, userID string) (*Handle, error) {
	if err := paths.ValidateAccountID(accountID); err != nil {
		return nil, err
	}

	ctx, cancel := m.eventContext()
	defer cancel()

	acc, err := m.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if userID == "" {
		userID = acc.UserID
	}

	if err := m.layout.EnsureAccount(accountID); err != nil {
		return nil, fmt.Errorf("create account dir: %w", err)
	}
	client, err := m.factory(ctx, accountID, m.layout.CredentialStorePath(accountID))
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	h := newHandle(accountID, userID, acc.Label, client, status.NewMachine(accountID, m.bus))
	client.AddEventHandler(func(evt wa.Event) { m.handleEvent(h, evt) })
	m.registry.put(h)

	m.logger.Info("starting session", zap.String("account_id", accountID))
	if err := client.Connect(ctx); err != nil {
		m.registry.removeIf(h)
		m.closeClient(h)
		return nil, fmt.Errorf("connect: %w", err)
	}
	return h, nil
}

// StopSession destroys the account's handle, if any, and persists
// DISCONNECTED. It returns false only when persistence fails.
func (m *Manager) StopSession(ctx context.Context, accountID string) (bool, error) {
	if h, ok := m.registry.remove(accountID); ok {
		m.closeClient(h)
	}
	err := m.accounts.UpdateAccount(ctx, accountID, store.AccountUpdate{
		Status:      store.Ptr(store.AccountDisconnected),
		QRCode:      store.Ptr(""),
		SessionData: store.Ptr(""),
	})
	if err != nil {
		return false, fmt.Errorf("persist disconnect: %w", err)
	}
	m.logger.Info("session stopped", zap.String("account_id", accountID))
	return true, nil
}

// Discard destroys the account's handle without touching persisted state.
func (m *Manager) Discard(accountID string) {
	if h, ok := m.registry.remove(accountID); ok {
		m.logger.Info("discarding stale handle", zap.String("account_id", accountID))
		m.closeClient(h)
	}
}

// Shutdown closes every handle, leaving persisted statuses intact so the
// next process can restore them, and waits for background work.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	for _, h := range m.registry.drain() {
		m.closeClient(h)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeClient destroys h's client. Errors are logged and dropped.
func (m *Manager) closeClient(h *Handle) {
	if err := h.client.Close(); err != nil {
		m.logger.Warn("close client", zap.String("account_id", h.accountID), zap.Error(err))
	}
}

func (m *Manager) eventContext() (context.Context, context.CancelFunc) {
	if m.cfg.EventTimeout > 0 {
		return context.WithTimeout(m.ctx, m.cfg.EventTimeout)
	}
	return context.WithCancel(m.ctx)
}

// background runs fn on its own goroutine, tracked for Shutdown.
func (m *Manager) background(fn func(ctx context.Context)) {
	if m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := m.eventContext()
		defer cancel()
		fn(ctx)
	}()
}
