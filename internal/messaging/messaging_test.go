package messaging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/enrich"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/store"
	"github.com/matheus3301/wpphub/internal/wa"
	"github.com/matheus3301/wpphub/internal/wa/watest"
)

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
	if err := db.CreateAccount(context.Background(), &store.Account{ID: id, UserID: "user-1", Status: st}); err != nil {
		t.Fatal(err)
	}
}

type messageRecorder struct {
	mu    sync.Mutex
	froms []string
}

func (r *messageRecorder) NotifyConnectionStatus(context.Context, string, string, string, store.AccountStatus) {
}

func (r *messageRecorder) NotifyNewMessage(_ context.Context, _, _, _, _, from string) {
	r.mu.Lock()
	r.froms = append(r.froms, from)
	r.mu.Unlock()
}

func (r *messageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.froms)
}

func newIngress(t *testing.T, db *store.DB, n *messageRecorder) *Ingress {
	t.Helper()
	return NewIngress(db, enrich.New(time.Second, zap.NewNop()), n, bus.New(), zap.NewNop())
}

func inbound(id, chat, push string, ts time.Time) wa.Message {
	return wa.Message{
		ID:        id,
		Chat:      chat,
		Sender:    chat,
		PushName:  push,
		IsGroup:   wa.IsGroupJID(chat),
		Type:      wa.TypeText,
		Body:      "hello " + id,
		Timestamp: ts,
	}
}

const contactJID = "5511888888888@s.whatsapp.net"

func TestRecordInboundCreatesConversation(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	n := &messageRecorder{}
	in := newIngress(t, db, n)

	c := watest.NewClient()
	c.SetIdentity(wa.Identity{User: "5511999999999"})
	c.SetName(contactJID, "Bruno Costa")
	c.SetPicture(contactJID, "https://pps.example/bruno.jpg")
	env := session.Envelope{AccountID: "acc1", OwnerID: "user-1", Client: c}

	ts := time.UnixMilli(1700000000000)
	if err := in.RecordInbound(context.Background(), env, inbound("M1", contactJID, "Bruno", ts)); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation(context.Background(), "acc1", "5511888888888")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ContactName != "Bruno Costa" || conv.ProfilePicURL != "https://pps.example/bruno.jpg" || conv.IsGroup {
		t.Errorf("conversation = %+v", conv)
	}
	if conv.UnreadCount != 1 || conv.LastMessageAt != ts.UnixMilli() {
		t.Errorf("unread/last = %d/%d", conv.UnreadCount, conv.LastMessageAt)
	}

	msg, err := db.GetMessage(context.Background(), "acc1", "M1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Direction != store.Inbound || msg.Status != store.StatusReceived || msg.ConversationID != conv.ID {
		t.Errorf("message = %+v", msg)
	}
	if msg.From != "5511888888888" || msg.To != "5511999999999" {
		t.Errorf("from/to = %s/%s", msg.From, msg.To)
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestRecordInboundIsIdempotent(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	n := &messageRecorder{}
	in := newIngress(t, db, n)
	env := session.Envelope{AccountID: "acc1", OwnerID: "user-1", Client: watest.NewClient()}

	m := inbound("M1", contactJID, "", time.Now())
	for range 3 {
		if err := in.RecordInbound(context.Background(), env, m); err != nil {
			t.Fatal(err)
		}
	}

	conv, err := db.GetConversation(context.Background(), "acc1", "5511888888888")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, replays must not increment", conv.UnreadCount)
	}
	msgs, err := db.ListMessages(context.Background(), conv.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestRecordInboundIgnoresEchoAndBroadcast(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	in := newIngress(t, db, &messageRecorder{})
	env := session.Envelope{AccountID: "acc1", Client: watest.NewClient()}

	echo := inbound("E1", contactJID, "", time.Now())
	echo.FromMe = true
	status := inbound("S1", "status@broadcast", "", time.Now())

	for _, m := range []wa.Message{echo, status} {
		if err := in.RecordInbound(context.Background(), env, m); err != nil {
			t.Fatal(err)
		}
	}
	convs, err := db.ListConversations(context.Background(), "acc1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("conversations = %+v, want none", convs)
	}
}

func TestRecordInboundNameFallbacks(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	in := newIngress(t, db, &messageRecorder{})
	c := watest.NewClient()
	c.LookupErr = errors.New("provider timeout")
	env := session.Envelope{AccountID: "acc1", Client: c}

	if err := in.RecordInbound(context.Background(), env, inbound("M1", contactJID, "Bru", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := in.RecordInbound(context.Background(), env, inbound("M2", "5511777777777@s.whatsapp.net", "", time.Now())); err != nil {
		t.Fatal(err)
	}

	for contact, want := range map[string]string{"5511888888888": "Bru", "5511777777777": "5511777777777"} {
		conv, err := db.GetConversation(context.Background(), "acc1", contact)
		if err != nil {
			t.Fatal(err)
		}
		if conv.ContactName != want {
			t.Errorf("%s name = %q, want %q", contact, conv.ContactName, want)
		}
	}
}

func TestConcurrentInboundFromNewContact(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	in := newIngress(t, db, &messageRecorder{})
	env := session.Envelope{AccountID: "acc1", Client: watest.NewClient()}

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := inbound(fmt.Sprintf("M%d", i), contactJID, "", time.Now())
			if err := in.RecordInbound(context.Background(), env, m); err != nil {
				t.Errorf("RecordInbound: %v", err)
			}
		}()
	}
	wg.Wait()

	convs, err := db.ListConversations(context.Background(), "acc1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if convs[0].UnreadCount != n {
		t.Errorf("unread = %d, want %d", convs[0].UnreadCount, n)
	}
}

func TestRecordOutbound(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	in := newIngress(t, db, &messageRecorder{})
	c := watest.NewClient()
	c.SetIdentity(wa.Identity{User: "5511999999999"})
	env := session.Envelope{AccountID: "acc1", Client: c}

	echo := wa.Message{ID: "OUT1", Chat: contactJID, FromMe: true, Type: wa.TypeText, Body: "hi", Timestamp: time.Now()}
	for range 2 {
		if err := in.RecordOutbound(context.Background(), env, echo); err != nil {
			t.Fatal(err)
		}
	}

	msg, err := db.GetMessage(context.Background(), "acc1", "OUT1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Direction != store.Outbound || msg.Status != store.StatusSent || msg.From != "5511999999999" || msg.To != "5511888888888" {
		t.Errorf("message = %+v", msg)
	}
	conv, err := db.GetConversationByID(context.Background(), msg.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, outbound must not increment", conv.UnreadCount)
	}
}

func TestApplyReceiptMovesForward(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	in := newIngress(t, db, &messageRecorder{})
	env := session.Envelope{AccountID: "acc1", Client: watest.NewClient()}
	ctx := context.Background()

	echo := wa.Message{ID: "OUT1", Chat: contactJID, FromMe: true, Type: wa.TypeText, Timestamp: time.Now()}
	if err := in.RecordOutbound(ctx, env, echo); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		receipt string
		want    store.DeliveryStatus
	}{
		{"DELIVERED", store.StatusDelivered},
		{"READ", store.StatusRead},
		{"DELIVERED", store.StatusRead},
	}
	for _, s := range steps {
		if err := in.ApplyReceipt(ctx, "acc1", wa.Receipt{MessageIDs: []string{"OUT1", "unknown"}, Status: s.receipt}); err != nil {
			t.Fatal(err)
		}
		msg, err := db.GetMessage(ctx, "acc1", "OUT1")
		if err != nil {
			t.Fatal(err)
		}
		if msg.Status != s.want {
			t.Errorf("after %s receipt status = %s, want %s", s.receipt, msg.Status, s.want)
		}
	}
}

func TestRecordInboundClaimsSyncedCopy(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	n := &messageRecorder{}
	in := newIngress(t, db, n)
	env := session.Envelope{AccountID: "acc1", OwnerID: "user-1", Client: watest.NewClient()}
	ctx := context.Background()

	conv := &store.Conversation{AccountID: "acc1", ContactNumber: "5511888888888"}
	if err := db.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	m := inbound("M1", contactJID, "", time.UnixMilli(1700000000000))
	synced := &store.Message{
		AccountID: "acc1", ConversationID: conv.ID, ProviderID: "M1",
		Direction: store.Inbound, Type: store.TypeText, Status: store.StatusReceived,
		Timestamp: m.Timestamp.UnixMilli(), Backfilled: true,
	}
	if err := db.CreateMessage(ctx, synced); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := in.RecordInbound(ctx, env, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.GetConversationByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 1 || got.LastMessageAt != m.Timestamp.UnixMilli() {
		t.Errorf("unread/last = %d/%d, want the live delivery counted once", got.UnreadCount, got.LastMessageAt)
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestMarkReadClearsUnread(t *testing.T) {
	db := testDB(t)
	seedAccount(t, db, "acc1", store.AccountConnected)
	b := bus.New()
	in := NewIngress(db, enrich.New(time.Second, zap.NewNop()), &messageRecorder{}, b, zap.NewNop())
	env := session.Envelope{AccountID: "acc1", OwnerID: "user-1", Client: watest.NewClient()}
	ctx := context.Background()

	for _, id := range []string{"M1", "M2"} {
		if err := in.RecordInbound(ctx, env, inbound(id, contactJID, "", time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	ch, unsub := b.Subscribe(bus.KindConversationRead, 4)
	defer unsub()

	if err := in.MarkRead(ctx, "acc1", contactJID); err != nil {
		t.Fatal(err)
	}
	conv, err := db.GetConversation(ctx, "acc1", "5511888888888")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}
	select {
	case evt := <-ch:
		if evt.Payload != conv.ID || evt.AccountID != "acc1" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conversation.read")
	}

	if err := in.MarkRead(ctx, "acc1", "5511000000000@s.whatsapp.net"); err != nil {
		t.Errorf("unknown chat = %v, want ignored", err)
	}
}
