package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/paths"
	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
	"github.com/matheus3301/wpphub/internal/wa/watest"
)

func testConfig() Config {
	return Config{
		PairingSaveAttempts: 3,
		PairingSaveBackoff:  time.Millisecond,
		StartWait:           2 * time.Second,
		EventTimeout:        5 * time.Second,
		SyncOnReady:         true,
		RestoreConcurrency:  2,
	}
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedAccount(t *testing.T, db *store.DB, id string, st store.AccountStatus) {
	t.Helper()
	err := db.CreateAccount(context.Background(), &store.Account{ID: id, UserID: "user-1", Label: "Sales", Status: st})
	if err != nil {
		t.Fatal(err)
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []store.AccountStatus
}

func (r *statusRecorder) NotifyConnectionStatus(_ context.Context, _, _, _ string, s store.AccountStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *statusRecorder) NotifyNewMessage(context.Context, string, string, string, string, string) {}

func (r *statusRecorder) all() []store.AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.AccountStatus(nil), r.statuses...)
}

type syncRecorder struct {
	calls chan string
}

func (s *syncRecorder) SyncAccount(_ context.Context, accountID string) (int, error) {
	s.calls <- accountID
	return 0, nil
}

type fixture struct {
	mgr      *Manager
	db       *store.DB
	factory  *watest.Factory
	notified *statusRecorder
	synced   *syncRecorder
}

func newFixture(t *testing.T, accounts store.AccountStore, setup func(*watest.Client)) *fixture {
	t.Helper()
	db := testDB(t)
	if accounts == nil {
		accounts = db
	}
	f := &fixture{
		db:       db,
		factory:  &watest.Factory{Setup: setup},
		notified: &statusRecorder{},
		synced:   &syncRecorder{calls: make(chan string, 10)},
	}
	f.mgr = NewManager(testConfig(), accounts, NewRegistry(), f.factory.New,
		paths.New(t.TempDir()), f.notified, bus.New(), zap.NewNop())
	f.mgr.SetSyncer(f.synced)
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

func (f *fixture) account(t *testing.T, id string) *store.Account {
	t.Helper()
	acc, err := f.db.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return acc
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func pairingScript(c *watest.Client) {
	c.Script = []wa.Event{{Kind: wa.EventPairingCode, Code: "2@pairing-payload"}}
}

func readyScript(c *watest.Client) {
	c.SetIdentity(wa.Identity{User: "5511999999999", PushName: "Ana"})
	c.Script = []wa.Event{{Kind: wa.EventReady}}
}

func TestStartSessionPairing(t *testing.T) {
	f := newFixture(t, nil, pairingScript)
	seedAccount(t, f.db, "acc1", store.AccountDisconnected)

	res := f.mgr.StartSession(context.Background(), "acc1", "user-1")
	if !res.Success {
		t.Fatalf("StartSession failed: %s", res.Error)
	}
	if !strings.HasPrefix(res.PairingImage, "data:image/png;base64,") {
		t.Errorf("PairingImage = %.40q, want PNG data URL", res.PairingImage)
	}
	if res.State != string(status.Pairing) {
		t.Errorf("State = %s, want PAIRING", res.State)
	}

	acc := f.account(t, "acc1")
	if acc.Status != store.AccountConnecting {
		t.Errorf("status = %s, want CONNECTING", acc.Status)
	}
	if acc.QRCode != res.PairingImage {
		t.Error("persisted QR code does not match returned image")
	}
}

func TestStartSessionReportsRenderFailure(t *testing.T) {
	f := newFixture(t, nil, func(c *watest.Client) {
		c.Script = []wa.Event{{Kind: wa.EventPairingCode}}
	})
	seedAccount(t, f.db, "acc1", store.AccountDisconnected)

	start := time.Now()
	res := f.mgr.StartSession(context.Background(), "acc1", "")
	if res.Success || !strings.Contains(res.Error, "render pairing code") {
		t.Errorf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed >= testConfig().StartWait {
		t.Errorf("StartSession blocked for %v, want an early return", elapsed)
	}

	h, ok := f.mgr.Registry().Get("acc1")
	if !ok {
		t.Fatal("handle should stay registered for the next code")
	}
	f.factory.Last("acc1").Emit(wa.Event{Kind: wa.EventPairingCode, Code: "2@next-payload"})
	res = f.mgr.StartSession(context.Background(), "acc1", "")
	if !res.Success || res.PairingImage == "" {
		t.Errorf("after a valid code, result = %+v", res)
	}
	if code, _ := h.Pairing(); code != "2@next-payload" {
		t.Errorf("pairing code = %q", code)
	}
}

func TestStartSessionRepollReturnsSameCode(t *testing.T) {
	f := newFixture(t, nil, pairingScript)
	seedAccount(t, f.db, "acc1", store.AccountDisconnected)

	first := f.mgr.StartSession(context.Background(), "acc1", "")
	second := f.mgr.StartSession(context.Background(), "acc1", "")
	if first.PairingImage == "" || first.PairingImage != second.PairingImage {
		t.Error("re-poll should return the same pairing image")
	}
	if got := f.factory.Created(); got != 1 {
		t.Errorf("clients created = %d, want 1", got)
	}
}

func TestStartSessionConcurrentCallersShareOneAttempt(t *testing.T) {
	f := newFixture(t, nil, pairingScript)
	f.factory.Delay = 50 * time.Millisecond
	seedAccount(t, f.db, "acc1", store.AccountDisconnected)

	const callers = 10
	var wg sync.WaitGroup
	var ok atomic.Int32
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := f.mgr.StartSession(context.Background(), "acc1", "user-1"); res.Success {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := f.factory.Created(); got != 1 {
		t.Errorf("clients created = %d, want 1", got)
	}
	if got := ok.Load(); got != callers {
		t.Errorf("successful callers = %d, want %d", got, callers)
	}
	if got := f.mgr.Registry().Len(); got != 1 {
		t.Errorf("registry size = %d, want 1", got)
	}
}

func TestReadyPersistsIdentityAndSyncs(t *testing.T) {
	f := newFixture(t, nil, readyScript)
	seedAccount(t, f.db, "acc1", store.AccountConnecting)

	res := f.mgr.StartSession(context.Background(), "acc1", "user-1")
	if !res.Success || res.State != string(status.Ready) {
		t.Fatalf("StartSession = %+v, want ready success", res)
	}

	acc := f.account(t, "acc1")
	if acc.Status != store.AccountConnected {
		t.Errorf("status = %s, want CONNECTED", acc.Status)
	}
	if acc.DisplayName != "Ana" || acc.Phone != "5511999999999" {
		t.Errorf("display name/phone = %q/%q", acc.DisplayName, acc.Phone)
	}
	if acc.QRCode != "" {
		t.Error("QR code should be cleared")
	}
	if acc.LastSeenAt == 0 || !strings.Contains(acc.SessionData, "5511999999999") {
		t.Errorf("heartbeat/session data not persisted: %d %q", acc.LastSeenAt, acc.SessionData)
	}

	select {
	case id := <-f.synced.calls:
		if id != "acc1" {
			t.Errorf("synced %s, want acc1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync was not triggered after ready")
	}

	if got := f.notified.all(); len(got) != 1 || got[0] != store.AccountConnected {
		t.Errorf("notifications = %v, want [CONNECTED]", got)
	}

	again := f.mgr.StartSession(context.Background(), "acc1", "user-1")
	if !again.Success || f.factory.Created() != 1 {
		t.Error("StartSession on a ready handle should be a no-op success")
	}
}

func TestStartSessionUnknownAccount(t *testing.T) {
	f := newFixture(t, nil, pairingScript)

	res := f.mgr.StartSession(context.Background(), "ghost", "user-1")
	if res.Success || !strings.Contains(res.Error, "account not found") {
		t.Errorf("res = %+v, want account not found", res)
	}
	if f.factory.Created() != 0 {
		t.Error("no client should be built for an unknown account")
	}
}

func TestConnectFailureDiscardsHandle(t *testing.T) {
	f := newFixture(t, nil, func(c *watest.Client) { c.ConnectErr = errors.New("dial failed") })
	seedAccount(t, f.db, "acc1", store.AccountDisconnected)

	res := f.mgr.StartSession(context.Background(), "acc1", "user-1")
	if res.Success || !strings.Contains(res.Error, "dial failed") {
		t.Errorf("res = %+v, want connect error", res)
	}
	if f.mgr.Registry().Len() != 0 {
		t.Error("failed handle should not stay registered")
	}
	if !f.factory.Last("acc1").Closed() {
		t.Error("failed client should be closed")
	}
}

type flakyAccounts struct {
	store.AccountStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyAccounts) UpdateAccount(ctx context.Context, id string, u store.AccountUpdate) error {
	if u.Status != nil && *u.Status == store.AccountConnecting {
		f.calls.Add(1)
		if f.failures.Add(-1) >= 0 {
			return errors.New("database is locked")
		}
	}
	return f.AccountStore.UpdateAccount(ctx, id, u)
}

func TestPairingSaveRetries(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		wantStatus store.AccountStatus
		wantCalls  int32
	}{
		{"succeeds on third attempt", 2, store.AccountConnecting, 3},
		{"gives up after three attempts", 5, store.AccountDisconnected, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			flaky := &flakyAccounts{AccountStore: db}
			flaky.failures.Store(tt.failures)

			f := newFixture(t, flaky, pairingScript)
			if err := db.CreateAccount(context.Background(), &store.Account{ID: "acc1", UserID: "u"}); err != nil {
				t.Fatal(err)
			}

			res := f.mgr.StartSession(context.Background(), "acc1", "u")
			if !res.Success || res.PairingImage == "" {
				t.Fatalf("pairing image must be returned even when writes fail: %+v", res)
			}
			if got := flaky.calls.Load(); got != tt.wantCalls {
				t.Errorf("write attempts = %d, want %d", got, tt.wantCalls)
			}
			acc, err := db.GetAccount(context.Background(), "acc1")
			if err != nil {
				t.Fatal(err)
			}
			if acc.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", acc.Status, tt.wantStatus)
			}
		})
	}
}

func TestAuthFailureRetiresHandle(t *testing.T) {
	f := newFixture(t, nil, pairingScript)
	seedAccount(t, f.db, "acc1", store.AccountDisconnected)
	f.mgr.StartSession(context.Background(), "acc1", "user-1")

	c := f.factory.Last("acc1")
	c.Emit(wa.Event{Kind: wa.EventAuthFailure, Reason: "logged out"})

	acc := f.account(t, "acc1")
	if acc.Status != store.AccountError || acc.QRCode != "" {
		t.Errorf("status/qr = %s/%q, want ERROR and cleared", acc.Status, acc.QRCode)
	}
	if _, ok := f.mgr.Registry().Get("acc1"); ok {
		t.Error("handle should be removed after auth failure")
	}
	eventually(t, c.Closed, "client was not destroyed")
	if got := f.notified.all(); len(got) == 0 || got[len(got)-1] != store.AccountError {
		t.Errorf("notifications = %v, want trailing ERROR", got)
	}
}

func TestDisconnectRetiresHandle(t *testing.T) {
	f := newFixture(t, nil, readyScript)
	seedAccount(t, f.db, "acc1", store.AccountConnected)
	f.mgr.StartSession(context.Background(), "acc1", "user-1")

	c := f.factory.Last("acc1")
	c.Emit(wa.Event{Kind: wa.EventDisconnected, Reason: "stream replaced"})

	acc := f.account(t, "acc1")
	if acc.Status != store.AccountDisconnected || acc.LastSeenAt != 0 {
		t.Errorf("status/heartbeat = %s/%d, want DISCONNECTED/0", acc.Status, acc.LastSeenAt)
	}
	if f.mgr.Registry().Len() != 0 {
		t.Error("handle should be removed after disconnect")
	}
	eventually(t, c.Closed, "client was not destroyed")
}

func TestStopSession(t *testing.T) {
	f := newFixture(t, nil, readyScript)
	seedAccount(t, f.db, "acc1", store.AccountConnected)
	f.mgr.StartSession(context.Background(), "acc1", "user-1")
	c := f.factory.Last("acc1")

	ok, err := f.mgr.StopSession(context.Background(), "acc1")
	if err != nil || !ok {
		t.Fatalf("StopSession = %v, %v", ok, err)
	}
	if !c.Closed() {
		t.Error("client should be destroyed")
	}
	acc := f.account(t, "acc1")
	if acc.Status != store.AccountDisconnected || acc.SessionData != "" || acc.QRCode != "" {
		t.Errorf("account = %+v, want DISCONNECTED with cleared session", acc)
	}

	if ok, err := f.mgr.StopSession(context.Background(), "ghost"); ok || err == nil {
		t.Error("stopping an unknown account should report the persistence error")
	}
}

func TestEventsFromReplacedHandleAreIgnored(t *testing.T) {
	f := newFixture(t, nil, readyScript)
	seedAccount(t, f.db, "acc1", store.AccountConnected)
	f.mgr.StartSession(context.Background(), "acc1", "user-1")
	stale := f.factory.Last("acc1")

	f.mgr.Discard("acc1")
	f.mgr.StartSession(context.Background(), "acc1", "user-1")

	stale.Emit(wa.Event{Kind: wa.EventDisconnected})

	if acc := f.account(t, "acc1"); acc.Status != store.AccountConnected {
		t.Errorf("status = %s, stale handle must not overwrite it", acc.Status)
	}
	h, ok := f.mgr.Registry().Get("acc1")
	if !ok || !h.Ready() {
		t.Error("replacement handle should stay registered and ready")
	}
}

func TestRestoreAll(t *testing.T) {
	f := newFixture(t, nil, func(c *watest.Client) {
		if c.AccountID == "broken" {
			c.ConnectErr = errors.New("credentials corrupted")
			return
		}
		readyScript(c)
	})
	seedAccount(t, f.db, "acc1", store.AccountConnected)
	seedAccount(t, f.db, "acc2", store.AccountConnected)
	seedAccount(t, f.db, "broken", store.AccountConnected)
	seedAccount(t, f.db, "idle", store.AccountDisconnected)

	report, err := f.mgr.RestoreAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted != 3 || report.Restored != 2 {
		t.Errorf("report = %+v, want 3 attempted, 2 restored", report)
	}
	if _, ok := report.Failed["broken"]; !ok {
		t.Error("broken account should be reported as failed")
	}
	if f.factory.Last("idle") != nil {
		t.Error("disconnected accounts must not be restored")
	}

	infos := f.mgr.Handles()
	if len(infos) != 2 || infos[0].AccountID != "acc1" || !infos[1].Ready {
		t.Errorf("handles = %+v", infos)
	}
}

type sinkRecorder struct {
	mu       sync.Mutex
	inbound  []wa.Message
	outbound []wa.Message
	receipts []wa.Receipt
	reads    []string
}

func (s *sinkRecorder) RecordInbound(_ context.Context, env Envelope, m wa.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if env.Client == nil || env.OwnerID != "user-1" {
		return errors.New("incomplete envelope")
	}
	s.inbound = append(s.inbound, m)
	return nil
}

func (s *sinkRecorder) RecordOutbound(_ context.Context, _ Envelope, m wa.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, m)
	return nil
}

func (s *sinkRecorder) ApplyReceipt(_ context.Context, _ string, r wa.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *sinkRecorder) MarkRead(_ context.Context, _ string, chat string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, chat)
	return nil
}

func TestTrafficIsDelegatedToSink(t *testing.T) {
	f := newFixture(t, nil, readyScript)
	sink := &sinkRecorder{}
	f.mgr.SetSink(sink)
	seedAccount(t, f.db, "acc1", store.AccountConnected)
	f.mgr.StartSession(context.Background(), "acc1", "")

	c := f.factory.Last("acc1")
	c.Emit(wa.Event{Kind: wa.EventMessage, Message: &wa.Message{ID: "in1", Chat: "5511888888888@s.whatsapp.net"}})
	c.Emit(wa.Event{Kind: wa.EventMessageEcho, Message: &wa.Message{ID: "out1", FromMe: true}})
	c.Emit(wa.Event{Kind: wa.EventReceipt, Receipt: &wa.Receipt{MessageIDs: []string{"out1"}, Status: "READ"}})
	c.Emit(wa.Event{Kind: wa.EventChatRead, Chat: "5511888888888@s.whatsapp.net"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.inbound) != 1 || len(sink.outbound) != 1 || len(sink.receipts) != 1 {
		t.Errorf("sink got %d/%d/%d events, want 1/1/1", len(sink.inbound), len(sink.outbound), len(sink.receipts))
	}
	if len(sink.reads) != 1 || sink.reads[0] != "5511888888888@s.whatsapp.net" {
		t.Errorf("reads = %v", sink.reads)
	}
}
