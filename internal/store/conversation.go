package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation summary. The unread
// count is stored as provided; callers compute deltas. An empty remark never
// clobbers a previously stored one.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (partner_id, remark, last_content, last_time, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(partner_id) DO UPDATE SET
			remark = CASE WHEN excluded.remark != '' THEN excluded.remark ELSE conversations.remark END,
			last_content = excluded.last_content,
			last_time = excluded.last_time,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.PartnerID, c.Remark, c.LastContent, c.LastTime, c.UnreadCount, now)
	return err
}

// GetConversation returns a single conversation by partner id, or nil if unseen.
func (db *DB) GetConversation(partnerID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT partner_id, remark, last_content, last_time, unread_count
		FROM conversations WHERE partner_id = ?`, partnerID).
		Scan(&c.PartnerID, &c.Remark, &c.LastContent, &c.LastTime, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadAllConversations returns all conversation summaries, unordered.
// Callers sort by recency for display.
func (db *DB) LoadAllConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT partner_id, remark, last_content, last_time, unread_count
		FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PartnerID, &c.Remark, &c.LastContent, &c.LastTime, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ClearUnread resets the unread counter for one conversation to zero.
func (db *DB) ClearUnread(partnerID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE partner_id = ?`,
		now, partnerID)
	return err
}
