package store

import "time"

// AppendMessage inserts a message. Duplicate (partner_id, msg_id) pairs are
// ignored: both the history fetch and the realtime channel may deliver the
// same message.
func (db *DB) AppendMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (msg_id, partner_id, sender_id, receiver_id, content, timestamp, from_me, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partner_id, msg_id) DO NOTHING`,
		m.MsgID, m.PartnerID, m.SenderID, m.ReceiverID, m.Content, m.Timestamp, m.FromMe, now)
	return err
}

// LoadConversation returns all messages for a partner in append order.
// Rowid order is arrival order, which is also display order; no re-sorting
// by timestamp happens at read time.
func (db *DB) LoadConversation(partnerID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, msg_id, partner_id, sender_id, receiver_id, content, timestamp, from_me
		FROM messages
		WHERE partner_id = ?
		ORDER BY id ASC`, partnerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MsgID, &m.PartnerID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.FromMe); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
