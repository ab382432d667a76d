package bus

import "time"

// Event kinds published by the chat core. Subscribers filter by namespace
// prefix: "message." matches appended, send_ack and send_failed.
const (
	KindMessageAppended      = "message.appended"
	KindMessageSendAck       = "message.send_ack"
	KindMessageSendFailed    = "message.send_failed"
	KindConversationRendered = "conversation.rendered"
	KindConversationUpdated  = "conversation.updated"
	KindStatusChanged        = "status.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
