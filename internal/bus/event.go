package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "msg." matches every message-level event.
const (
	KindMessageUpserted = "msg.upserted"
	KindMessageDeleted  = "msg.deleted"
	KindMessageFailed   = "msg.failed"
	KindMessageAcked    = "msg.acked"
	KindChatUpdated     = "chat.updated"
	KindConnOnline      = "conn.online"
	KindConnOffline     = "conn.offline"
	KindAppForeground   = "app.foreground"
	KindSyncCompleted   = "sync.completed"
	KindStatusChanged   = "daemon.status_changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef is the payload for message-level events.
type MessageRef struct {
	ChatID   string
	LocalID  string
	ServerID string
}
