package api

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/attach"
	"github.com/pigeon-im/pigeon/internal/auth"
	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
	syncpkg "github.com/pigeon-im/pigeon/internal/sync"
)

// MessageService serves message streams and accepts outgoing sends. A send
// is queued durably and echoed into the cache as "sending" before any
// network I/O, so the message is visible immediately.
type MessageService struct {
	db       *store.DB
	coord    *syncpkg.Coordinator
	uploader *attach.Uploader
	blobs    remote.Blobs
	auth     *auth.Manager
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewMessageService creates a message facade.
func NewMessageService(db *store.DB, c *syncpkg.Coordinator, u *attach.Uploader, blobs remote.Blobs, a *auth.Manager, b *bus.Bus, logger *zap.Logger) *MessageService {
	return &MessageService{db: db, coord: c, uploader: u, blobs: blobs, auth: a, bus: b, logger: logger}
}

// List returns cached messages for a conversation in ascending timestamp
// order.
func (s *MessageService) List(convID string, limit int) ([]chat.Message, error) {
	return s.db.ListMessages(convID, limit)
}

// Search runs a full-text query over cached message content. An empty
// convID searches every conversation.
func (s *MessageService) Search(query, convID string, limit int) ([]store.SearchResult, error) {
	return s.db.SearchMessages(query, convID, limit)
}

// SendText queues a text message for delivery.
func (s *MessageService) SendText(ctx context.Context, convID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", chat.E(chat.KindValidation, "message text is empty")
	}
	return s.enqueue(ctx, convID, text, chat.TypeText, "")
}

// SendImage uploads the attachment first, then queues an image message
// carrying the blob key. Nothing is queued when the upload fails.
func (s *MessageService) SendImage(ctx context.Context, convID string, data []byte) (string, error) {
	key, err := s.uploader.Upload(ctx, convID, data)
	if err != nil {
		return "", err
	}
	return s.enqueue(ctx, convID, chat.ImageContent, chat.TypeImage, key)
}

// ResolveAttachment turns a message's stored blob key into a fetchable URL.
// The URL may be short-lived (presigned), so callers resolve it each time
// they render the attachment rather than storing it.
func (s *MessageService) ResolveAttachment(ctx context.Context, m *chat.Message) (string, error) {
	if m.Type != chat.TypeImage || m.ImageRef == "" {
		return "", chat.E(chat.KindValidation, "message has no attachment")
	}
	return s.blobs.DownloadURL(ctx, m.ImageRef)
}

// Open starts the message stream watch for a conversation.
func (s *MessageService) Open(ctx context.Context, convID string) error {
	return s.coord.WatchMessages(ctx, convID)
}

// Close tears down the message stream watch for a conversation.
func (s *MessageService) Close(convID string) {
	s.coord.UnwatchMessages(convID)
}

func (s *MessageService) enqueue(ctx context.Context, convID, body string, msgType chat.MessageType, imageRef string) (string, error) {
	session, err := s.auth.Current()
	if err != nil {
		return "", err
	}
	if conv, err := s.db.GetConversation(convID); err != nil {
		return "", err
	} else if conv == nil {
		return "", chat.ErrConversationNotFound
	}

	clientMsgID := chat.NewMessageID()
	if err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: clientMsgID,
		ConvID:      convID,
		SenderID:    session.UserID,
		Body:        body,
		MessageType: string(msgType),
		ImageRef:    imageRef,
	}); err != nil {
		return "", err
	}

	// Optimistic echo: the message appears locally as "sending" before the
	// outbox drains it.
	echo := &chat.Message{
		ID:             clientMsgID,
		ConversationID: convID,
		SenderID:       session.UserID,
		SenderName:     session.DisplayName,
		Content:        body,
		Type:           msgType,
		ImageRef:       imageRef,
		Timestamp:      time.Now().UnixMilli(),
		Status:         chat.StatusSending,
	}
	if err := s.db.UpsertMessage(echo); err != nil {
		s.logger.Warn("failed to cache optimistic echo", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conv_id": convID,
			"msg_id":  clientMsgID,
		},
	})

	return clientMsgID, nil
}
