package wa

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups the provider has no data for.
var ErrNotFound = errors.New("wa: not found")

// Message types, matching the persisted store.MessageType values.
const (
	TypeText     = "TEXT"
	TypeImage    = "IMAGE"
	TypeAudio    = "AUDIO"
	TypeVideo    = "VIDEO"
	TypeDocument = "DOCUMENT"
	TypeSticker  = "STICKER"
	TypeContact  = "CONTACT"
	TypeLocation = "LOCATION"
	TypeUnknown  = "UNKNOWN"
)

// EventKind enumerates the provider lifecycle and traffic events.
type EventKind string

const (
	EventPairingCode   EventKind = "pairing_code"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
	EventMessageEcho   EventKind = "message_echo"
	EventReceipt       EventKind = "receipt"
	// EventChatRead reports a chat read on another device of the account.
	EventChatRead EventKind = "chat_read"
)

// Event is a provider-neutral notification emitted by a Client.
type Event struct {
	Kind    EventKind
	Code    string // raw pairing payload for EventPairingCode
	Reason  string // failure or disconnect reason
	Chat    string // canonical JID for EventChatRead
	Message *Message
	Receipt *Receipt
}

// Message is a normalized chat message.
type Message struct {
	ID        string
	Chat      string // canonical JID of the contact or group
	Sender    string // canonical JID of the author
	PushName  string
	FromMe    bool
	IsGroup   bool
	Type      string
	Body      string // text, or caption for media
	MediaRef  string
	Timestamp time.Time
}

// Receipt reports delivery progress of messages this account sent.
type Receipt struct {
	Chat       string
	MessageIDs []string
	Status     string // DELIVERED or READ
	Timestamp  time.Time
}

// Identity describes the logged-in device.
type Identity struct {
	User     string // phone number part of the account's JID
	PushName string
	Platform string
}

// Chat is one entry of the provider's chat list.
type Chat struct {
	JID           string
	Name          string
	IsGroup       bool
	UnreadCount   int
	LastMessageAt time.Time
	Recent        []Message
}

// Client is one account's connection to the chat provider. Implementations
// deliver events to handlers sequentially, in the order they happen.
type Client interface {
	// Connect starts connecting. Pairing codes, readiness and failures are
	// reported through events.
	Connect(ctx context.Context) error
	AddEventHandler(fn func(Event))
	Identity() Identity
	ListChats(ctx context.Context) ([]Chat, error)
	// SendText sends text to a normalized JID and returns the provider message id.
	SendText(ctx context.Context, to, text string) (string, error)
	LookupName(ctx context.Context, jid string) (string, error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
	// Close destroys the client and releases its credential store.
	Close() error
}

// Factory constructs a Client bound to a per-account credential store.
type Factory func(ctx context.Context, accountID, credentialPath string) (Client, error)
