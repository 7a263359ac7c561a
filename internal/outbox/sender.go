package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
)

// Sender drains the outbox and publishes queued messages to the remote
// message stream, reconciling the optimistic local echo to its final status.
type Sender struct {
	db     *store.DB
	msgs   remote.Messages
	convs  remote.Conversations
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, msgs remote.Messages, convs remote.Conversations, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		msgs:   msgs,
		convs:  convs,
		bus:    b,
		logger: logger,
	}
}

// Start begins polling the outbox for pending messages. Entries left in
// 'sending' by an interrupted run are requeued first, so they are retried
// instead of stranded.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueStaleOutbox(); err != nil {
		s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("requeued interrupted sends", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight drain to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Drain processes every queued outbox entry once. Exported so callers can
// force an immediate flush instead of waiting for the next tick.
func (s *Sender) Drain(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	msg := s.buildMessage(entry)

	if err := s.msgs.Append(ctx, msg); err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		// Reconcile the optimistic echo to error status.
		failed := *msg
		failed.Status = chat.StatusError
		_ = s.db.UpsertMessage(&failed)
		s.bus.Publish(bus.Event{
			Kind:      bus.KindSendFailed,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"conv_id":       entry.ConvID,
				"error":         err.Error(),
			},
		})
		return
	}

	// The preview and the peer's unread counter are denormalized views of
	// the stream; failures here leave them stale, not wrong.
	tail := remote.Tail{
		Text:     msg.Tail(),
		Type:     msg.Type,
		SenderID: msg.SenderID,
		At:       msg.Timestamp,
	}
	if err := s.convs.UpdateTail(ctx, entry.ConvID, tail); err != nil {
		s.logger.Warn("failed to update conversation tail", zap.Error(err), zap.String("conv_id", entry.ConvID))
	}
	s.bumpPeerUnread(ctx, entry)

	// Message ids are minted client-side, so the server id is the client id.
	if err := s.db.MarkOutboxSent(entry.ClientMsgID, entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	sent := *msg
	sent.Status = chat.StatusSent
	_ = s.db.UpsertMessage(&sent)

	s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("conv_id", entry.ConvID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindSendAck,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"conv_id":       entry.ConvID,
		},
	})
}

func (s *Sender) buildMessage(entry store.OutboxEntry) *chat.Message {
	msg := &chat.Message{
		ID:             entry.ClientMsgID,
		ConversationID: entry.ConvID,
		SenderID:       entry.SenderID,
		Content:        entry.Body,
		Type:           chat.MessageType(entry.MessageType),
		ImageRef:       entry.ImageRef,
		Timestamp:      time.Now().UnixMilli(),
		Status:         chat.StatusSent,
	}
	if sender, err := s.db.GetUser(entry.SenderID); err == nil && sender != nil {
		msg.SenderName = sender.DisplayName
	}
	return msg
}

// bumpPeerUnread increments the unread counter of the other participant
// only; the sender has by definition read their own message.
func (s *Sender) bumpPeerUnread(ctx context.Context, entry store.OutboxEntry) {
	conv, err := s.db.GetConversation(entry.ConvID)
	if err != nil || conv == nil {
		s.logger.Warn("conversation not cached, skipping unread bump", zap.String("conv_id", entry.ConvID))
		return
	}
	peer, ok := conv.Other(entry.SenderID)
	if !ok {
		return
	}
	if err := s.convs.BumpUnread(ctx, entry.ConvID, peer); err != nil {
		s.logger.Warn("failed to bump unread counter", zap.Error(err), zap.String("conv_id", entry.ConvID))
	}
}
