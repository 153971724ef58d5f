package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/enrich"
	"github.com/matheus3301/wpphub/internal/messaging"
	"github.com/matheus3301/wpphub/internal/notify"
	"github.com/matheus3301/wpphub/internal/paths"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
	"github.com/matheus3301/wpphub/internal/wa/watest"
)

const (
	contactJID = "5511888888888@s.whatsapp.net"
	groupJID   = "120363025000000000@g.us"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	db      *store.DB
	mgr     *session.Manager
	factory *watest.Factory
	engine  *Engine
	bus     *bus.Bus
}

// newFixture builds a manager and engine over a fresh database. s overrides
// the engine's store when non-nil.
func newFixture(t *testing.T, s Store, syncOnReady bool, setup func(*watest.Client)) *fixture {
	t.Helper()
	db := testDB(t)
	if s == nil {
		s = db
	}
	for _, id := range []string{"acc1", "acc2"} {
		if err := db.CreateAccount(context.Background(), &store.Account{ID: id, UserID: "user-1", Status: store.AccountConnected}); err != nil {
			t.Fatal(err)
		}
	}

	cfg := session.DefaultConfig()
	cfg.StartWait = 2 * time.Second
	cfg.SyncOnReady = syncOnReady

	f := &fixture{db: db, factory: &watest.Factory{Setup: setup}, bus: bus.New()}
	enricher := enrich.New(time.Second, zap.NewNop())
	f.mgr = session.NewManager(cfg, db, session.NewRegistry(), f.factory.New,
		paths.New(t.TempDir()), nil, f.bus, zap.NewNop())
	f.mgr.SetSink(messaging.NewIngress(db, enricher, notify.NewBus(f.bus), f.bus, zap.NewNop()))
	f.engine = NewEngine(s, f.mgr.Registry(), enricher, f.bus, zap.NewNop())
	f.mgr.SetSyncer(f.engine)
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T, accountID string) *watest.Client {
	t.Helper()
	res := f.mgr.StartSession(context.Background(), accountID, "")
	if !res.Success || res.State != "READY" {
		t.Fatalf("start %s = %+v", accountID, res)
	}
	return f.factory.Last(accountID)
}

func ready(chats ...wa.Chat) func(*watest.Client) {
	return func(c *watest.Client) {
		c.SetIdentity(wa.Identity{User: "5511999999999"})
		c.SetChats(chats...)
		c.Script = []wa.Event{{Kind: wa.EventReady}}
	}
}

func TestSyncAllRequiresReadySession(t *testing.T) {
	f := newFixture(t, nil, false, ready())

	res := f.engine.SyncAll(context.Background(), "acc1")
	if res.Success || res.Error != "WhatsApp session not ready" {
		t.Errorf("result = %+v", res)
	}
	if f.factory.Created() != 0 {
		t.Error("sync must not start a session")
	}
	acc, err := f.db.GetAccount(context.Background(), "acc1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Status != store.AccountConnected {
		t.Errorf("status = %s, sync must not touch the account", acc.Status)
	}
}

func TestSyncAllCreatesConversations(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	f := newFixture(t, nil, false, func(c *watest.Client) {
		ready(
			wa.Chat{JID: contactJID, UnreadCount: 2, LastMessageAt: now},
			wa.Chat{JID: groupJID, Name: "Equipe", IsGroup: true, LastMessageAt: now.Add(-time.Hour)},
			wa.Chat{JID: "status@broadcast", UnreadCount: 9},
			wa.Chat{JID: "5511777777777@s.whatsapp.net"},
		)(c)
		c.SetName(contactJID, "Bruno Costa")
		c.SetPicture(contactJID, "https://pps.example/bruno.jpg")
	})
	f.start(t, "acc1")

	res := f.engine.SyncAll(context.Background(), "acc1")
	if !res.Success || res.TotalSynced != 3 {
		t.Fatalf("result = %+v", res)
	}

	convs, err := f.db.ListConversations(context.Background(), "acc1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	byContact := make(map[string]store.Conversation)
	for _, c := range convs {
		byContact[c.ContactNumber] = c
	}
	if len(byContact) != 3 {
		t.Fatalf("conversations = %+v", convs)
	}
	if c := byContact["5511888888888"]; c.ContactName != "Bruno Costa" || c.UnreadCount != 2 || c.LastMessageAt != now.UnixMilli() {
		t.Errorf("contact = %+v", c)
	}
	if c := byContact["120363025000000000"]; c.ContactName != "Equipe" || !c.IsGroup {
		t.Errorf("group = %+v", c)
	}
	if c := byContact["5511777777777"]; c.ContactName != "5511777777777" {
		t.Errorf("unnamed contact = %+v", c)
	}
	if _, ok := byContact["status"]; ok {
		t.Error("broadcast chat must be skipped")
	}
}

func TestSyncAllUpdatesExistingWithoutMovingBackward(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour).Truncate(time.Millisecond)
	f := newFixture(t, nil, false, ready(
		wa.Chat{JID: contactJID, Name: "Bruno", UnreadCount: 1, LastMessageAt: old},
	))
	ctx := context.Background()

	existing := &store.Conversation{
		AccountID:     "acc1",
		ContactNumber: "5511888888888",
		ContactName:   "5511888888888",
		LastMessageAt: time.Now().UnixMilli(),
		UnreadCount:   4,
	}
	if err := f.db.CreateConversation(ctx, existing); err != nil {
		t.Fatal(err)
	}
	f.start(t, "acc1")

	res := f.engine.SyncAll(ctx, "acc1")
	if !res.Success || res.TotalSynced != 0 {
		t.Fatalf("result = %+v, updates must not count", res)
	}
	got, err := f.db.GetConversationByID(ctx, existing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContactName != "Bruno" {
		t.Errorf("name = %q, want refreshed", got.ContactName)
	}
	if got.UnreadCount != 4 || got.LastMessageAt != existing.LastMessageAt {
		t.Errorf("unread/last = %d/%d, must not move backward", got.UnreadCount, got.LastMessageAt)
	}
}

func TestSyncAllBackfillIsIdempotent(t *testing.T) {
	ts := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	f := newFixture(t, nil, false, ready(wa.Chat{
		JID: contactJID,
		Recent: []wa.Message{
			{ID: "R2", Chat: contactJID, Sender: contactJID, Type: wa.TypeText, Body: "second", Timestamp: ts},
			{ID: "R1", Chat: contactJID, FromMe: true, Type: wa.TypeText, Body: "first", Timestamp: ts.Add(-time.Second)},
		},
	}))
	f.start(t, "acc1")
	ctx := context.Background()

	for i, want := range []int{1, 0} {
		res := f.engine.SyncAll(ctx, "acc1")
		if !res.Success || res.TotalSynced != want {
			t.Fatalf("pass %d = %+v", i, res)
		}
	}

	conv, err := f.db.GetConversation(ctx, "acc1", "5511888888888")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessageAt != ts.UnixMilli() {
		t.Errorf("last = %d, want newest recent message", conv.LastMessageAt)
	}
	msgs, err := f.db.ListMessages(ctx, conv.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		switch m.ProviderID {
		case "R1":
			if m.Direction != store.Outbound || m.From != "5511999999999" {
				t.Errorf("R1 = %+v", m)
			}
		case "R2":
			if m.Direction != store.Inbound || m.From != "5511888888888" {
				t.Errorf("R2 = %+v", m)
			}
		}
	}
}

// failingStore rejects conversation creation for one contact.
type failingStore struct {
	*store.DB
	contact string
}

func (s *failingStore) CreateConversation(ctx context.Context, c *store.Conversation) error {
	if c.ContactNumber == s.contact {
		return errors.New("disk full")
	}
	return s.DB.CreateConversation(ctx, c)
}

func TestSyncAllIsolatesChatErrors(t *testing.T) {
	fs := &failingStore{contact: "5511777777777"}
	f := newFixture(t, fs, false, ready(
		wa.Chat{JID: "5511777777777@s.whatsapp.net"},
		wa.Chat{JID: contactJID},
	))
	fs.DB = f.db
	f.start(t, "acc1")

	res := f.engine.SyncAll(context.Background(), "acc1")
	if !res.Success || res.TotalSynced != 1 {
		t.Errorf("result = %+v", res)
	}
}

// blockingStore parks the first GetConversation call until released.
type blockingStore struct {
	*store.DB
	entered chan struct{}
	release chan struct{}
	blocked atomic.Bool
}

func (s *blockingStore) GetConversation(ctx context.Context, accountID, contact string) (*store.Conversation, error) {
	if s.blocked.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	return s.DB.GetConversation(ctx, accountID, contact)
}

func TestSyncAllRejectsConcurrentPass(t *testing.T) {
	bs := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, bs, false, ready(wa.Chat{JID: contactJID}))
	bs.DB = f.db
	f.start(t, "acc1")
	f.start(t, "acc2")

	first := make(chan Result, 1)
	go func() { first <- f.engine.SyncAll(context.Background(), "acc1") }()
	<-bs.entered

	if res := f.engine.SyncAll(context.Background(), "acc1"); res.Success || res.Error != ErrInProgress.Error() {
		t.Errorf("second pass = %+v", res)
	}
	if res := f.engine.SyncAll(context.Background(), "acc2"); !res.Success {
		t.Errorf("other account = %+v, guard is per account", res)
	}

	close(bs.release)
	if res := <-first; !res.Success {
		t.Errorf("first pass = %+v", res)
	}
	if res := f.engine.SyncAll(context.Background(), "acc1"); !res.Success {
		t.Errorf("pass after release = %+v", res)
	}
}

func TestSyncAllRecordsCheckpoint(t *testing.T) {
	f := newFixture(t, nil, false, ready())
	f.start(t, "acc1")
	ctx := context.Background()

	before, err := f.engine.LastFullSync(ctx, "acc1")
	if err != nil || !before.IsZero() {
		t.Fatalf("before = %v, %v", before, err)
	}

	ch, unsub := f.bus.Subscribe("sync.", 4)
	defer unsub()
	if res := f.engine.SyncAll(ctx, "acc1"); !res.Success {
		t.Fatal(res.Error)
	}

	after, err := f.engine.LastFullSync(ctx, "acc1")
	if err != nil || after.IsZero() {
		t.Errorf("after = %v, %v", after, err)
	}
	select {
	case evt := <-ch:
		if evt.Kind != "sync.completed" || evt.AccountID != "acc1" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sync.completed")
	}
}

func TestSyncRunsWhenSessionBecomesReady(t *testing.T) {
	f := newFixture(t, nil, true, ready(wa.Chat{JID: contactJID}))
	f.start(t, "acc1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.db.GetConversation(context.Background(), "acc1", "5511888888888"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ready session was not synced")
}

func TestConcurrentInboundAndSyncShareConversation(t *testing.T) {
	for i := range 20 {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			f := newFixture(t, nil, false, ready(wa.Chat{JID: contactJID}))
			c := f.start(t, "acc1")

			var wg stdsync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				c.Emit(wa.Event{Kind: wa.EventMessage, Message: &wa.Message{
					ID: "LIVE1", Chat: contactJID, Sender: contactJID,
					Type: wa.TypeText, Body: "oi", Timestamp: time.Now(),
				}})
			}()
			go func() {
				defer wg.Done()
				if res := f.engine.SyncAll(context.Background(), "acc1"); !res.Success {
					t.Errorf("sync = %+v", res)
				}
			}()
			wg.Wait()

			convs, err := f.db.ListConversations(context.Background(), "acc1", 10, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(convs) != 1 {
				t.Fatalf("conversations = %d, want 1", len(convs))
			}
			if convs[0].UnreadCount != 1 {
				t.Errorf("unread = %d, want the live increment", convs[0].UnreadCount)
			}
		})
	}
}

func TestLiveDeliveryOfSyncedMessageCountsOnce(t *testing.T) {
	live := wa.Message{
		ID: "LIVE1", Chat: contactJID, Sender: contactJID,
		Type: wa.TypeText, Body: "oi", Timestamp: time.Now().Truncate(time.Millisecond),
	}
	// The adapter records a live message in the roster before dispatching
	// it, so a sync can store it first.
	f := newFixture(t, nil, false, ready(wa.Chat{JID: contactJID, Recent: []wa.Message{live}}))
	c := f.start(t, "acc1")
	ctx := context.Background()

	notes, unsub := f.bus.Subscribe(notify.KindNewMessage, 8)
	defer unsub()

	if res := f.engine.SyncAll(ctx, "acc1"); !res.Success || res.TotalSynced != 1 {
		t.Fatalf("sync = %+v", res)
	}
	c.Emit(wa.Event{Kind: wa.EventMessage, Message: &live})
	// A replay of the same delivery changes nothing.
	c.Emit(wa.Event{Kind: wa.EventMessage, Message: &live})

	convs, err := f.db.ListConversations(ctx, "acc1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 1 {
		t.Fatalf("conversations = %+v, want one with unread 1", convs)
	}
	msgs, err := f.db.ListMessages(ctx, convs[0].ID, 0, 10)
	if err != nil || len(msgs) != 1 || msgs[0].Backfilled {
		t.Errorf("messages = %+v, %v", msgs, err)
	}

	select {
	case evt := <-notes:
		if n, ok := evt.Payload.(notify.NewMessage); !ok || n.Content != "oi" {
			t.Errorf("notification = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("owner was not notified")
	}
	select {
	case evt := <-notes:
		t.Errorf("second notification = %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
