package store

// AccountStatus is the persisted connection state of an Account.
type AccountStatus string

const (
	AccountDisconnected AccountStatus = "DISCONNECTED"
	AccountConnecting   AccountStatus = "CONNECTING"
	AccountConnected    AccountStatus = "CONNECTED"
	AccountError        AccountStatus = "ERROR"
)

// Valid reports whether s is one of the known account statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountDisconnected, AccountConnecting, AccountConnected, AccountError:
		return true
	}
	return false
}

// Account is a tenant-owned messaging identity.
type Account struct {
	ID          string
	UserID      string
	Label       string
	DisplayName string
	Phone       string
	Status      AccountStatus
	QRCode      string // pairing image as a data URL, empty when not pairing
	LastSeenAt  int64  // unix millis of the last heartbeat, 0 when cleared
	SessionData string // opaque JSON summary for warm restarts
	CreatedAt   int64
	UpdatedAt   int64
}

// AccountUpdate is a partial update; nil fields are left untouched.
type AccountUpdate struct {
	Status      *AccountStatus
	QRCode      *string
	DisplayName *string
	Phone       *string
	LastSeenAt  *int64
	SessionData *string
}

// ConversationStatus is the CRM-level state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "ACTIVE"
	ConversationArchived ConversationStatus = "ARCHIVED"
	ConversationBlocked  ConversationStatus = "BLOCKED"
)

// Conversation is a persisted thread with one contact or group.
// (AccountID, ContactNumber) is unique.
type Conversation struct {
	ID             string
	AccountID      string
	ContactNumber  string
	ContactName    string
	ProfilePicURL  string
	IsGroup        bool
	LastMessageAt  int64
	UnreadCount    int
	Status         ConversationStatus
	AssignedUserID string
	CreatedAt      int64
	UpdatedAt      int64
}

// ConversationMeta carries the fields a sync pass may refresh.
// Empty strings keep the stored value; UnreadCount and LastMessageAt never
// move the stored value backward.
type ConversationMeta struct {
	ContactName   string
	ProfilePicURL string
	UnreadCount   int
	LastMessageAt int64
}

// Direction tells whether a message was received or sent by the account.
type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeImage    MessageType = "IMAGE"
	TypeAudio    MessageType = "AUDIO"
	TypeVideo    MessageType = "VIDEO"
	TypeDocument MessageType = "DOCUMENT"
	TypeSticker  MessageType = "STICKER"
	TypeContact  MessageType = "CONTACT"
	TypeLocation MessageType = "LOCATION"
	TypeUnknown  MessageType = "UNKNOWN"
)

// DeliveryStatus tracks a message through delivery.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
	StatusFailed    DeliveryStatus = "FAILED"
	StatusReceived  DeliveryStatus = "RECEIVED"
)

// Supersedes returns the statuses that s may replace. Delivery only moves
// forward: a READ receipt never gets downgraded by a late DELIVERED one.
func (s DeliveryStatus) Supersedes() []DeliveryStatus {
	switch s {
	case StatusSent:
		return []DeliveryStatus{StatusPending}
	case StatusDelivered:
		return []DeliveryStatus{StatusPending, StatusSent}
	case StatusRead:
		return []DeliveryStatus{StatusPending, StatusSent, StatusDelivered}
	case StatusFailed:
		return []DeliveryStatus{StatusPending}
	}
	return nil
}

// Message is one delivered or received chat event.
// (AccountID, ProviderID) is unique.
type Message struct {
	ID             string
	AccountID      string
	ConversationID string
	ProviderID     string
	Direction      Direction
	Type           MessageType
	Content        string
	MediaRef       string
	Status         DeliveryStatus
	From           string
	To             string
	Timestamp      int64
	CreatedAt      int64
	// Backfilled marks an inbound message stored by a sync before live
	// delivery reached it.
	Backfilled bool
}

// OutboxEntry represents a queued outgoing message.
type OutboxEntry struct {
	ID           string
	AccountID    string
	To           string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ProviderID   string
	CreatedAt    int64
	UpdatedAt    int64
}

// Outbox entry states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Ptr returns a pointer to v. Handy for building AccountUpdate values.
func Ptr[T any](v T) *T {
	return &v
}
