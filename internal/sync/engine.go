// Package sync reconciles local and remote chat state: local-first history
// on conversation open, fan-in of realtime events, and unread accounting.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/estay-app/chatd/internal/bus"
	"github.com/estay-app/chatd/internal/rest"
	"github.com/estay-app/chatd/internal/rt"
	"github.com/estay-app/chatd/internal/status"
	"github.com/estay-app/chatd/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HistoryFetcher is the REST history endpoint.
type HistoryFetcher interface {
	GetMessages(ctx context.Context, token string, page, limit int) ([]rest.HistoryMessage, error)
}

// ConversationRender is the payload of conversation.rendered events: the
// full ordered message list for one conversation.
type ConversationRender struct {
	PartnerID string
	Messages  []store.Message
}

// ConversationUpdate is the payload of conversation.updated events.
type ConversationUpdate struct {
	PartnerID   string
	UnreadCount int
}

// Engine is the sync coordinator. It implements rt.Listener and is the only
// fan-in point for inbound realtime events. OnMessage runs on the manager's
// dispatch goroutine while OpenConversation is called by the consumer, so
// the active-view fields are mutex-guarded.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	history  HistoryFetcher
	logger   *zap.Logger
	username string
	token    string

	mu            sync.Mutex
	activePartner string
	generation    uint64
}

// NewEngine creates a sync engine for the given local user.
func NewEngine(db *store.DB, b *bus.Bus, history HistoryFetcher, username, token string, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		history:  history,
		logger:   logger,
		username: username,
		token:    token,
	}
}

// OpenConversation marks a conversation as the active view, clears its
// unread counter, and returns its history. Local cache wins: if any local
// messages exist the server is not consulted. Only an empty cache triggers
// a one-shot history fetch; its results are persisted and rendered unless
// the view changed while the fetch was in flight.
func (e *Engine) OpenConversation(ctx context.Context, partnerID string) ([]store.Message, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("open conversation: empty partner id")
	}

	e.mu.Lock()
	e.activePartner = partnerID
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	if err := e.db.ClearUnread(partnerID); err != nil {
		e.logger.Warn("failed to clear unread", zap.Error(err), zap.String("partner", partnerID))
	}

	local, err := e.db.LoadConversation(partnerID)
	if err != nil {
		return nil, fmt.Errorf("load local history: %w", err)
	}
	if len(local) > 0 {
		e.render(partnerID, local)
		return local, nil
	}

	if e.token == "" {
		e.logger.Warn("no token, skipping history fetch", zap.String("partner", partnerID))
		return nil, nil
	}

	remote, err := e.history.GetMessages(ctx, e.token, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	var rendered []store.Message
	for i := range remote {
		msg := e.historyToMessage(&remote[i])
		if err := e.db.AppendMessage(msg); err != nil {
			e.logger.Warn("failed to persist history message", zap.Error(err))
			continue
		}
		if msg.PartnerID == partnerID {
			rendered = append(rendered, *msg)
		}
	}

	// A late result must not repaint a view that has since closed or been
	// reopened for a different partner.
	if !e.isCurrent(partnerID, gen) {
		e.logger.Info("discarding stale history fetch", zap.String("partner", partnerID))
		return nil, nil
	}
	e.render(partnerID, rendered)
	return rendered, nil
}

// CloseConversation marks the active view as closed; subsequent inbound
// messages for that partner accrue unread counts again.
func (e *Engine) CloseConversation(partnerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activePartner == partnerID {
		e.activePartner = ""
		e.generation++
	}
}

// ConversationSummaries returns all conversation summaries sorted by last
// message time, most recent first.
func (e *Engine) ConversationSummaries() ([]store.Conversation, error) {
	convs, err := e.db.LoadAllConversations()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastTime > convs[j].LastTime
	})
	return convs, nil
}

// OnMessage routes one inbound realtime event: into the active view with
// unread cleared, or into the background conversation with unread+1.
// Runs on the manager's dispatch goroutine.
func (e *Engine) OnMessage(evt rt.MessageEvent) {
	partner := evt.SenderName
	if partner == "" {
		partner = evt.SenderID
	}
	if partner == "" {
		e.logger.Warn("inbound message without sender, dropping")
		return
	}

	ts := evt.Timestamp
	if ts == "" {
		ts = store.FormatTimestamp(time.Now())
	}
	msg := &store.Message{
		MsgID:      uuid.NewString(),
		PartnerID:  partner,
		SenderID:   evt.SenderID,
		ReceiverID: evt.ReceiverID,
		Content:    evt.Content,
		Timestamp:  ts,
		FromMe:     false,
	}

	if err := e.db.AppendMessage(msg); err != nil {
		e.logger.Error("failed to append inbound message", zap.Error(err))
		return
	}

	active := e.isActive(partner)
	unread := 0
	if !active {
		prev, err := e.db.GetConversation(partner)
		if err != nil {
			e.logger.Error("failed to load conversation", zap.Error(err))
			return
		}
		if prev != nil {
			unread = prev.UnreadCount
		}
		unread++
	}

	if err := e.db.UpsertConversation(&store.Conversation{
		PartnerID:   partner,
		LastContent: evt.Content,
		LastTime:    ts,
		UnreadCount: unread,
	}); err != nil {
		e.logger.Error("failed to upsert conversation", zap.Error(err))
		return
	}

	if active {
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageAppended,
			Timestamp: time.Now(),
			Payload:   *msg,
		})
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   ConversationUpdate{PartnerID: partner, UnreadCount: unread},
	})
}

// OnStatusChange satisfies rt.Listener. Connection state reaches views via
// the bus; here it is only logged.
func (e *Engine) OnStatusChange(change status.Change) {
	e.logger.Info("realtime status changed",
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("reason", change.Reason))
}

func (e *Engine) historyToMessage(h *rest.HistoryMessage) *store.Message {
	sender := h.Sender()
	fromMe := sender == e.username
	partner := sender
	if fromMe {
		partner = h.Receiver
	}
	msgID := h.MsgID()
	if msgID == "" {
		msgID = uuid.NewString()
	}
	return &store.Message{
		MsgID:      msgID,
		PartnerID:  partner,
		SenderID:   sender,
		ReceiverID: h.Receiver,
		Content:    h.Content,
		Timestamp:  h.Time(),
		FromMe:     fromMe,
	}
}

func (e *Engine) render(partnerID string, msgs []store.Message) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationRendered,
		Timestamp: time.Now(),
		Payload:   ConversationRender{PartnerID: partnerID, Messages: msgs},
	})
}

func (e *Engine) isActive(partnerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activePartner == partnerID
}

func (e *Engine) isCurrent(partnerID string, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activePartner == partnerID && e.generation == gen
}
