package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, so "convo." matches
// every conversation event and "" matches everything.
const (
	KindConvoSnapshot    = "convo.snapshot"
	KindMessageSnapshot  = "message.snapshot"
	KindMessageUpserted  = "message.upserted"
	KindSendAck          = "message.send_ack"
	KindSendFailed       = "message.send_failed"
	KindSessionStatus    = "session.status_changed"
	KindSessionSignedIn  = "session.signed_in"
	KindSessionSignedOut = "session.signed_out"
	KindSyncError        = "sync.error"
	KindPresenceChanged  = "presence.changed"
)
