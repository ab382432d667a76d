// Package rest implements the client for the message-history and send
// endpoints. Server-reported failures (non-2xx with a {"message": ...} body)
// and transport-level failures are distinct error types so callers can decide
// whether the realtime fallback applies.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// APIError is a failure reported by the server itself.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client talks to the eStay message endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a REST client for the given base URL, e.g.
// "http://10.0.2.2:5000".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// HistoryMessage is one record from the history endpoint. The backend has
// shipped several field spellings; Sender() and Time() normalize them.
type HistoryMessage struct {
	ID         string          `json:"id"`
	MongoID    string          `json:"_id"`
	SenderName string          `json:"senderName"`
	SenderID   json.RawMessage `json:"senderId"`
	Receiver   string          `json:"receiver"`
	ReceiverID string          `json:"receiverId"`
	Content    string          `json:"content"`
	TimeField  string          `json:"time"`
	CreatedAt  string          `json:"createdAt"`
	CreateTime string          `json:"createtime"`
}

// MsgID returns the server-assigned message id.
func (h *HistoryMessage) MsgID() string {
	if h.ID != "" {
		return h.ID
	}
	return h.MongoID
}

// Sender returns the sender name, looking inside a populated senderId object
// when the flat senderName field is absent.
func (h *HistoryMessage) Sender() string {
	if h.SenderName != "" {
		return h.SenderName
	}
	if len(h.SenderID) == 0 {
		return ""
	}
	var obj struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(h.SenderID, &obj); err == nil && obj.Username != "" {
		return obj.Username
	}
	var s string
	if err := json.Unmarshal(h.SenderID, &s); err == nil {
		return s
	}
	return ""
}

// Time returns the record timestamp under whichever field name it arrived.
func (h *HistoryMessage) Time() string {
	if h.TimeField != "" {
		return h.TimeField
	}
	if h.CreatedAt != "" {
		return h.CreatedAt
	}
	return h.CreateTime
}

type historyResponse struct {
	Messages   []HistoryMessage `json:"messages"`
	Pagination struct {
		Page  int `json:"page"`
		Limit int `json:"limit"`
		Total int `json:"total"`
		Pages int `json:"pages"`
	} `json:"pagination"`
}

// GetMessages fetches the message history for the authenticated user.
// page starts at 1; limit <= 0 uses the server default.
func (c *Client) GetMessages(ctx context.Context, token string, page, limit int) ([]HistoryMessage, error) {
	url := c.baseURL + "/api/messages"
	if page > 0 {
		url += "?page=" + strconv.Itoa(page)
		if limit > 0 {
			url += "&limit=" + strconv.Itoa(limit)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp)
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return body.Messages, nil
}

// SendMessage posts one message through the primary send channel.
func (c *Client) SendMessage(ctx context.Context, token, receiverID, content string) error {
	payload, err := json.Marshal(map[string]string{
		"receiverId": receiverID,
		"content":    content,
	})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	// The success body carries a human-readable message; nothing to return.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Message}
}
