// Package outbox implements the outbound send pipeline: optimistic local
// write, durable queueing, and a drain loop that dispatches through the
// connection manager.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/estay-app/chatd/internal/bus"
	"github.com/estay-app/chatd/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Validation errors surfaced directly to the initiating caller, before any
// store or network activity.
var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrNoPartner    = errors.New("missing conversation partner id")
	ErrNoToken      = errors.New("missing auth token")
)

// Publisher dispatches one message through the primary channel with the
// realtime fallback behind it.
type Publisher interface {
	Publish(ctx context.Context, token, targetID, content string) error
}

// Sender owns user-initiated sends. The optimistic write happens in Send;
// the network dispatch happens on the drain loop so callers never block on
// the network.
type Sender struct {
	db       *store.DB
	pub      Publisher
	bus      *bus.Bus
	logger   *zap.Logger
	username string
	token    string
	cancel   context.CancelFunc
}

// NewSender creates an outbox sender for the given local user.
func NewSender(db *store.DB, pub Publisher, b *bus.Bus, username, token string, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		pub:      pub,
		bus:      b,
		logger:   logger,
		username: username,
		token:    token,
	}
}

// Send validates, writes the message optimistically to the local store, and
// queues it for dispatch. partnerID keys the local conversation; targetID is
// the server-side receiver. remark optionally sets the conversation display
// name (e.g. a hotel name). Returns the stored message.
func (s *Sender) Send(partnerID, targetID, content, remark string) (*store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if partnerID == "" {
		return nil, ErrNoPartner
	}
	if s.token == "" {
		return nil, ErrNoToken
	}

	now := time.Now()
	msg := &store.Message{
		MsgID:      uuid.NewString(),
		PartnerID:  partnerID,
		SenderID:   s.username,
		ReceiverID: targetID,
		Content:    content,
		Timestamp:  store.FormatTimestamp(now),
		FromMe:     true,
	}

	if err := s.db.AppendMessage(msg); err != nil {
		return nil, err
	}
	// Self-sent messages reset the unread counter.
	if err := s.db.UpsertConversation(&store.Conversation{
		PartnerID:   partnerID,
		Remark:      remark,
		LastContent: content,
		LastTime:    msg.Timestamp,
		UnreadCount: 0,
	}); err != nil {
		return nil, err
	}
	if err := s.db.QueueOutbox(msg.MsgID, partnerID, targetID, content); err != nil {
		return nil, err
	}

	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageAppended,
		Timestamp: now,
		Payload:   *msg,
	})
	return msg, nil
}

// Start begins polling the outbox for pending messages. Entries left in
// 'sending' by an interrupted run are requeued first.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(); err != nil {
		s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		if err := s.pub.Publish(ctx, s.token, entry.TargetID, entry.Body); err != nil {
			// Both channels exhausted. The message stays in local history;
			// there is no automatic resend.
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.bus.Publish(bus.Event{
				Kind:      bus.KindMessageSendFailed,
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_msg_id": entry.ClientMsgID,
					"error":         err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			Timestamp: time.Now(),
			Payload:   map[string]string{"client_msg_id": entry.ClientMsgID},
		})
	}
}
