package store

import "time"

// TimeLayout is the display timestamp format carried on every message.
const TimeLayout = "2006-01-02 15:04:05"

// messageZone is the fixed display timezone (UTC+8). A fixed zone avoids a
// tzdata dependency on platforms that ship without it.
var messageZone = time.FixedZone("CST", 8*60*60)

// FormatTimestamp renders t in the display format and fixed zone.
func FormatTimestamp(t time.Time) string {
	return t.In(messageZone).Format(TimeLayout)
}

// Conversation is one thread summary, keyed by the partner identifier.
type Conversation struct {
	PartnerID   string
	Remark      string // display-name override, e.g. a hotel name
	LastContent string
	LastTime    string
	UnreadCount int
}

// Message is one chat message. Rows are append-only; the rowid preserves
// arrival order, which is also display order.
type Message struct {
	ID         int64
	MsgID      string
	PartnerID  string
	SenderID   string
	ReceiverID string
	Content    string
	Timestamp  string // TimeLayout in the fixed zone
	FromMe     bool
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	PartnerID    string
	TargetID     string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}
