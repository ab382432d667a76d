package rt

import (
	"encoding/json"
	"fmt"
)

// MessageEvent is a normalized inbound chat message, ready for ingestion.
type MessageEvent struct {
	Content    string
	Timestamp  string
	SenderID   string
	SenderName string
	ReceiverID string
}

// frame is the wire envelope for realtime traffic in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// sendPayload is the outbound sendMessage body.
type sendPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// rawMessage mirrors the field spellings the backend has shipped for the
// newMessage event. senderId may be a plain id string or a populated user
// object carrying a username.
type rawMessage struct {
	Content       string          `json:"content"`
	CreatedAt     string          `json:"createdAt"`
	CreateTime    string          `json:"createtime"`
	SenderID      json.RawMessage `json:"senderId"`
	SenderIDStr   string          `json:"senderIdStr"`
	ReceiverID    json.RawMessage `json:"receiverId"`
	ReceiverIDStr string          `json:"receiverIdStr"`
}

// ParseMessagePayload normalizes the polymorphic newMessage payload into a
// single MessageEvent. Accepted shapes: a bare message object, an array whose
// first element is the message, or either of those wrapped in a {"data": ...}
// envelope.
func ParseMessagePayload(data []byte) (*MessageEvent, error) {
	data, err := unwrap(data)
	if err != nil {
		return nil, err
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode message object: %w", err)
	}

	evt := &MessageEvent{
		Content:   raw.Content,
		Timestamp: firstNonEmpty(raw.CreatedAt, raw.CreateTime),
	}
	evt.SenderID, evt.SenderName = decodeParty(raw.SenderID, raw.SenderIDStr)
	evt.ReceiverID, _ = decodeParty(raw.ReceiverID, raw.ReceiverIDStr)

	if evt.Content == "" && evt.SenderID == "" {
		return nil, fmt.Errorf("message payload carries neither content nor sender")
	}
	return evt, nil
}

// unwrap peels the {"data": ...} envelope and array wrapping, if present.
func unwrap(data []byte) ([]byte, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Data) > 0 {
		data = envelope.Data
	}

	trimmed := firstByte(data)
	if trimmed == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, fmt.Errorf("decode message array: %w", err)
		}
		if len(arr) == 0 {
			return nil, fmt.Errorf("empty message array")
		}
		return arr[0], nil
	}
	if trimmed != '{' {
		return nil, fmt.Errorf("unexpected payload shape")
	}
	return data, nil
}

// decodeParty extracts an id and optional username from a party field that
// may be a string, a populated user object, or absent with a *IdStr fallback.
func decodeParty(raw json.RawMessage, fallback string) (id, name string) {
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			id = s
		} else {
			var obj struct {
				ID       string `json:"_id"`
				Username string `json:"username"`
			}
			if err := json.Unmarshal(raw, &obj); err == nil {
				id = obj.ID
				name = obj.Username
			}
		}
	}
	if id == "" {
		id = fallback
	}
	return id, name
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstByte(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
