package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/auth"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
	syncpkg "github.com/pigeon-im/pigeon/internal/sync"
)

// ConversationService serves the conversation index. Reads come from the
// local cache; writes go to the remote store and are reconciled back by the
// sync watches.
type ConversationService struct {
	db     *store.DB
	convs  remote.Conversations
	dir    remote.Directory
	auth   *auth.Manager
	coord  *syncpkg.Coordinator
	logger *zap.Logger
}

// NewConversationService creates a conversation facade.
func NewConversationService(db *store.DB, convs remote.Conversations, dir remote.Directory, a *auth.Manager, c *syncpkg.Coordinator, logger *zap.Logger) *ConversationService {
	return &ConversationService{db: db, convs: convs, dir: dir, auth: a, coord: c, logger: logger}
}

// List returns cached conversations, most recently active first.
func (s *ConversationService) List(limit, offset int) ([]chat.Conversation, error) {
	return s.db.ListConversations(limit, offset)
}

// Get returns one cached conversation.
func (s *ConversationService) Get(id string) (*chat.Conversation, error) {
	conv, err := s.db.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, chat.ErrConversationNotFound
	}
	return conv, nil
}

// CreateOrGet returns the conversation with another user, creating it if it
// does not exist yet. Both sides derive the same id, so concurrent creation
// from either device converges on one document.
func (s *ConversationService) CreateOrGet(ctx context.Context, otherUserID string) (*chat.Conversation, error) {
	session, err := s.auth.Current()
	if err != nil {
		return nil, err
	}
	if otherUserID == "" || otherUserID == session.UserID {
		return nil, chat.E(chat.KindValidation, "cannot open a conversation with yourself")
	}

	id := chat.PairID(session.UserID, otherUserID)
	if existing, err := s.convs.Get(ctx, id); err == nil {
		_ = s.db.UpsertConversation(existing)
		return existing, nil
	} else if chat.KindOf(err) != chat.KindNotFound {
		return nil, err
	}

	other, err := s.dir.GetUser(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	self, err := s.dir.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	conv := &chat.Conversation{
		ID:           id,
		Participants: chat.SortPair(session.UserID, otherUserID),
		ParticipantsInfo: map[string]chat.ParticipantInfo{
			session.UserID: {Name: self.DisplayName, AvatarURL: self.AvatarURL},
			otherUserID:    {Name: other.DisplayName, AvatarURL: other.AvatarURL},
		},
		CreatedAt:   time.Now().UnixMilli(),
		UnreadCount: map[string]int{},
	}
	if err := s.convs.Upsert(ctx, conv); err != nil {
		return nil, err
	}

	// Read back: a concurrent create may have won, and its document is the
	// authoritative one.
	created, err := s.convs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpsertConversation(created); err != nil {
		s.logger.Warn("failed to cache conversation", zap.Error(err), zap.String("conv_id", id))
	}
	return created, nil
}

// MarkRead zeroes the signed-in user's unread counter. Failures are
// swallowed: a stale counter corrects itself on the next snapshot.
func (s *ConversationService) MarkRead(ctx context.Context, convID string) {
	session, err := s.auth.Current()
	if err != nil {
		return
	}
	if err := s.convs.ResetUnread(ctx, convID, session.UserID); err != nil {
		s.logger.Warn("failed to reset unread counter", zap.Error(err), zap.String("conv_id", convID))
		return
	}
	if conv, err := s.db.GetConversation(convID); err == nil && conv != nil {
		conv.UnreadCount[session.UserID] = 0
		_ = s.db.UpsertConversation(conv)
	}
}

// Watch starts the conversation index watch for the signed-in user.
func (s *ConversationService) Watch(ctx context.Context) error {
	session, err := s.auth.Current()
	if err != nil {
		return err
	}
	return s.coord.WatchConversations(ctx, session.UserID)
}
