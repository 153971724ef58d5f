package bus

import "time"

// Event kinds. Subscribers filter on a dotted prefix, so "message." matches
// every message kind.
const (
	KindSessionStatus    = "session.status_changed"
	KindMessageIn        = "message.received"
	KindMessageOut       = "message.sent"
	KindMessageStatus    = "message.status"
	KindSendAck          = "message.send_ack"
	KindSendFailed       = "message.send_failed"
	KindSyncCompleted    = "sync.completed"
	KindConversationRead = "conversation.read"
)

// Event is published on the bus. AccountID is empty for process-wide events.
type Event struct {
	Kind      string
	AccountID string
	Timestamp time.Time
	Payload   any
}
