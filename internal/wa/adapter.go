package wa

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// eventQueueSize bounds undelivered events per adapter.
const eventQueueSize = 256

// Adapter wraps a whatsmeow client bound to one account's credential store
// and implements Client.
type Adapter struct {
	accountID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	tr        *translator
	roster    *roster
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers []func(Event)
	qrCancel context.CancelFunc

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ Client = (*Adapter)(nil)

// SetDeviceName sets the name shown in the phone's linked devices list.
func SetDeviceName(name string) {
	wastore.SetOSInfo(name, [3]uint32{0, 1, 0})
}

// NewFactory returns a Factory producing whatsmeow adapters.
func NewFactory(logger *zap.Logger) Factory {
	return func(ctx context.Context, accountID, credentialPath string) (Client, error) {
		return NewAdapter(ctx, accountID, credentialPath, logger)
	}
}

// NewAdapter opens (or creates) the credential store at credentialPath and
// builds a client for its device.
func NewAdapter(ctx context.Context, accountID, credentialPath string, logger *zap.Logger) (*Adapter, error) {
	logger = logger.With(zap.String("account_id", accountID))

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", credentialPath),
		NewLogger(logger.Named("wastore")),
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, NewLogger(logger.Named("whatsmeow")))
	// A dropped connection ends the handle; reconnecting is up to the caller.
	client.EnableAutoReconnect = false

	r := newRoster()
	a := &Adapter{
		accountID: accountID,
		client:    client,
		container: container,
		roster:    r,
		logger:    logger,
		events:    make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
	}
	a.tr = &translator{roster: r, resolve: a.resolveLID, logger: logger}
	client.AddEventHandler(a.handle)
	go a.dispatch()
	return a, nil
}

// IsLoggedIn returns whether the credential store holds a paired device.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect opens the connection. Unpaired devices get a pairing channel first.
func (a *Adapter) Connect(_ context.Context) error {
	if !a.IsLoggedIn() {
		qrCtx, cancel := context.WithCancel(context.Background())
		ch, err := a.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get QR channel: %w", err)
		}
		a.mu.Lock()
		a.qrCancel = cancel
		a.mu.Unlock()
		go a.pumpQR(ch)
	}

	a.logger.Info("connecting to WhatsApp", zap.Bool("paired", a.IsLoggedIn()))
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// AddEventHandler registers fn for every subsequent event.
func (a *Adapter) AddEventHandler(fn func(Event)) {
	a.mu.Lock()
	a.handlers = append(a.handlers, fn)
	a.mu.Unlock()
}

// Identity returns the paired device's identity.
func (a *Adapter) Identity() Identity {
	id := Identity{PushName: a.client.Store.PushName, Platform: a.client.Store.Platform}
	if a.client.Store.ID != nil {
		id.User = a.client.Store.ID.User
	}
	return id
}

// ListChats merges the roster with the account's joined groups.
func (a *Adapter) ListChats(ctx context.Context) ([]Chat, error) {
	groups, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	for _, g := range groups {
		a.roster.upsert(CanonicalJID(g.JID), g.Name, -1, time.Time{})
	}
	return a.roster.snapshot(), nil
}

// SendText sends a text message to the given JID. Returns the server message ID.
// whatsmeow does not echo our own sends back, so a MessageEcho event is
// emitted here on success.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	msg := Message{
		ID:        resp.ID,
		Chat:      CanonicalJID(to),
		FromMe:    true,
		IsGroup:   to.Server == types.GroupServer,
		Type:      TypeText,
		Body:      text,
		Timestamp: resp.Timestamp,
	}
	if own := a.client.Store.ID; own != nil {
		msg.Sender = CanonicalJID(*own)
	}
	a.roster.observe(msg)
	a.emit(Event{Kind: EventMessageEcho, Message: &msg})
	return resp.ID, nil
}

// LookupName returns a group subject or the best known contact name.
func (a *Adapter) LookupName(ctx context.Context, jid string) (string, error) {
	j, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	if j.Server == types.GroupServer {
		info, err := a.client.GetGroupInfo(ctx, j)
		if err != nil {
			return "", fmt.Errorf("get group info: %w", err)
		}
		if info.Name == "" {
			return "", ErrNotFound
		}
		return info.Name, nil
	}

	contact, err := a.client.Store.Contacts.GetContact(ctx, j)
	if err != nil {
		return "", fmt.Errorf("get contact: %w", err)
	}
	if !contact.Found {
		return "", ErrNotFound
	}
	for _, name := range []string{contact.FullName, contact.FirstName, contact.BusinessName, contact.PushName} {
		if name != "" {
			return name, nil
		}
	}
	return "", ErrNotFound
}

// ProfilePictureURL returns the avatar preview URL for jid.
func (a *Adapter) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	j, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	info, err := a.client.GetProfilePictureInfo(ctx, j, &whatsmeow.GetProfilePictureParams{Preview: true})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || (err == nil && info == nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get profile picture: %w", err)
	}
	return info.URL, nil
}

// Close disconnects and releases the credential store. Safe to call twice.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		if a.qrCancel != nil {
			a.qrCancel()
		}
		a.mu.Unlock()
		close(a.done)
		a.client.Disconnect()
		err = a.container.Close()
		a.logger.Info("client destroyed")
	})
	return err
}

// handle is registered with whatsmeow.
func (a *Adapter) handle(raw any) {
	for _, evt := range a.tr.translate(raw) {
		a.emit(evt)
	}
}

func (a *Adapter) emit(evt Event) {
	select {
	case a.events <- evt:
	case <-a.done:
	}
}

// dispatch delivers queued events one at a time, preserving order.
func (a *Adapter) dispatch() {
	for {
		select {
		case evt := <-a.events:
			a.mu.RLock()
			handlers := slices.Clone(a.handlers)
			a.mu.RUnlock()
			for _, h := range handlers {
				h(evt)
			}
		case <-a.done:
			return
		}
	}
}

// resolveLID maps a hidden-user JID to its phone JID when the mapping is known.
func (a *Adapter) resolveLID(jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(context.Background(), jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
