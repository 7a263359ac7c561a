package remote

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/chat"
)

// Client is the Redis-backed document store adapter. Documents are JSON
// values, membership indexes are sets, unread counters live in a hash so
// increments are atomic, and realtime listeners ride on pub/sub channels.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

var _ Directory = (*Client)(nil)
var _ Conversations = (*Client)(nil)
var _ Messages = messagesView{}

// Dial connects to the backend and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, chat.E(chat.KindTransport, "connect document store").Wrap(err)
	}
	return &Client{rdb: rdb, logger: logger}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

func userKey(id string) string          { return "pigeon:user:" + id }
func usersKey() string                  { return "pigeon:users" }
func convKey(id string) string          { return "pigeon:conv:" + id }
func userConvsKey(userID string) string { return "pigeon:convs:" + userID }
func unreadKey(convID string) string    { return "pigeon:unread:" + convID }
func msgsKey(convID string) string      { return "pigeon:msgs:" + convID }

func userChannel(id string) string      { return "pigeon.user." + id }
func convsChannel(userID string) string { return "pigeon.convs." + userID }
func msgsChannel(convID string) string  { return "pigeon.msgs." + convID }

// --- Directory ---

func (c *Client) PutUser(ctx context.Context, u *chat.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return chat.E(chat.KindValidation, "encode user").Wrap(err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, userKey(u.ID), raw, 0)
	pipe.SAdd(ctx, usersKey(), u.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return chat.E(chat.KindTransport, "put user").Wrap(err)
	}
	c.rdb.Publish(ctx, userChannel(u.ID), "changed")
	return nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*chat.User, error) {
	raw, err := c.rdb.Get(ctx, userKey(id)).Bytes()
	if err == redis.Nil {
		return nil, chat.ErrUserNotFound
	}
	if err != nil {
		return nil, chat.E(chat.KindTransport, "get user").Wrap(err)
	}
	var u chat.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, chat.E(chat.KindTransport, "decode user").Wrap(err)
	}
	return &u, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]chat.User, error) {
	ids, err := c.rdb.SMembers(ctx, usersKey()).Result()
	if err != nil {
		return nil, chat.E(chat.KindTransport, "list users").Wrap(err)
	}
	if len(ids) == 0 {
		return []chat.User{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(id)
	}
	raws, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, chat.E(chat.KindTransport, "list users").Wrap(err)
	}
	users := make([]chat.User, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // index entry without a document; skip
		}
		var u chat.User
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			c.logger.Warn("skipping undecodable user document", zap.Error(err))
			continue
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].DisplayName < users[j].DisplayName })
	return users, nil
}

func (c *Client) UpdateProfile(ctx context.Context, id, displayName, avatarURL string) error {
	u, err := c.GetUser(ctx, id)
	if err != nil {
		return err
	}
	u.DisplayName = displayName
	if avatarURL != "" {
		u.AvatarURL = avatarURL
	}
	return c.PutUser(ctx, u)
}

func (c *Client) SetPresence(ctx context.Context, id string, online bool, at int64) error {
	u, err := c.GetUser(ctx, id)
	if err != nil {
		return err
	}
	u.Online = online
	u.LastSeen = at
	return c.PutUser(ctx, u)
}

func (c *Client) WatchUser(ctx context.Context, id string) (<-chan chat.User, func(), error) {
	return watchSnapshots(ctx, c.rdb, userChannel(id), c.logger, func(ctx context.Context) (chat.User, error) {
		u, err := c.GetUser(ctx, id)
		if err != nil {
			return chat.User{}, err
		}
		return *u, nil
	})
}

// --- Conversations ---

func (c *Client) Upsert(ctx context.Context, conv *chat.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	doc := *conv
	doc.UnreadCount = nil // counters live in their own hash
	raw, err := json.Marshal(&doc)
	if err != nil {
		return chat.E(chat.KindValidation, "encode conversation").Wrap(err)
	}
	created, err := c.rdb.SetNX(ctx, convKey(conv.ID), raw, 0).Result()
	if err != nil {
		return chat.E(chat.KindTransport, "upsert conversation").Wrap(err)
	}
	if !created {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	for _, p := range conv.Participants {
		pipe.SAdd(ctx, userConvsKey(p), conv.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return chat.E(chat.KindTransport, "index conversation").Wrap(err)
	}
	c.notifyParticipants(ctx, conv.Participants)
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	raw, err := c.rdb.Get(ctx, convKey(id)).Bytes()
	if err == redis.Nil {
		return nil, chat.ErrConversationNotFound
	}
	if err != nil {
		return nil, chat.E(chat.KindTransport, "get conversation").Wrap(err)
	}
	conv, err := decodeConversation(raw)
	if err != nil {
		return nil, err
	}
	unread, err := c.rdb.HGetAll(ctx, unreadKey(id)).Result()
	if err != nil {
		return nil, chat.E(chat.KindTransport, "get unread counters").Wrap(err)
	}
	conv.UnreadCount = parseUnread(unread)
	return conv, nil
}

func (c *Client) ListFor(ctx context.Context, userID string) ([]chat.Conversation, error) {
	ids, err := c.rdb.SMembers(ctx, userConvsKey(userID)).Result()
	if err != nil {
		return nil, chat.E(chat.KindTransport, "list conversations").Wrap(err)
	}
	convs := make([]chat.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := c.Get(ctx, id)
		if err != nil {
			if chat.KindOf(err) == chat.KindNotFound {
				continue // stale index entry
			}
			return nil, err
		}
		convs = append(convs, *conv)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].LastMessageAt > convs[j].LastMessageAt })
	return convs, nil
}

func (c *Client) UpdateTail(ctx context.Context, convID string, tail Tail) error {
	conv, err := c.Get(ctx, convID)
	if err != nil {
		return err
	}
	conv.LastMessage = tail.Text
	conv.LastMessageType = tail.Type
	conv.LastMessageSenderID = tail.SenderID
	conv.LastMessageAt = tail.At
	doc := *conv
	doc.UnreadCount = nil
	raw, err := json.Marshal(&doc)
	if err != nil {
		return chat.E(chat.KindValidation, "encode conversation").Wrap(err)
	}
	if err := c.rdb.Set(ctx, convKey(convID), raw, 0).Err(); err != nil {
		return chat.E(chat.KindTransport, "update conversation tail").Wrap(err)
	}
	c.notifyParticipants(ctx, conv.Participants)
	return nil
}

func (c *Client) ResetUnread(ctx context.Context, convID, userID string) error {
	if err := c.rdb.HSet(ctx, unreadKey(convID), userID, 0).Err(); err != nil {
		return chat.E(chat.KindTransport, "reset unread").Wrap(err)
	}
	c.notifyConvChange(ctx, convID)
	return nil
}

func (c *Client) BumpUnread(ctx context.Context, convID, userID string) error {
	if err := c.rdb.HIncrBy(ctx, unreadKey(convID), userID, 1).Err(); err != nil {
		return chat.E(chat.KindTransport, "bump unread").Wrap(err)
	}
	c.notifyConvChange(ctx, convID)
	return nil
}

func (c *Client) Watch(ctx context.Context, userID string) (<-chan []chat.Conversation, func(), error) {
	return watchSnapshots(ctx, c.rdb, convsChannel(userID), c.logger, func(ctx context.Context) ([]chat.Conversation, error) {
		return c.ListFor(ctx, userID)
	})
}

// --- Messages ---

func (c *Client) Append(ctx context.Context, m *chat.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return chat.E(chat.KindValidation, "encode message").Wrap(err)
	}
	err = c.rdb.ZAdd(ctx, msgsKey(m.ConversationID), redis.Z{
		Score:  float64(m.Timestamp),
		Member: raw,
	}).Err()
	if err != nil {
		return chat.E(chat.KindTransport, "append message").Wrap(err)
	}
	c.rdb.Publish(ctx, msgsChannel(m.ConversationID), m.ID)
	return nil
}

func (c *Client) List(ctx context.Context, convID string) ([]chat.Message, error) {
	raws, err := c.rdb.ZRange(ctx, msgsKey(convID), 0, -1).Result()
	if err != nil {
		return nil, chat.E(chat.KindTransport, "list messages").Wrap(err)
	}
	msgs := make([]chat.Message, 0, len(raws))
	for _, raw := range raws {
		var m chat.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			c.logger.Warn("skipping undecodable message document", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *Client) WatchMessages(ctx context.Context, convID string) (<-chan []chat.Message, func(), error) {
	return watchSnapshots(ctx, c.rdb, msgsChannel(convID), c.logger, func(ctx context.Context) ([]chat.Message, error) {
		return c.List(ctx, convID)
	})
}

func (c *Client) notifyParticipants(ctx context.Context, participants []string) {
	for _, p := range participants {
		c.rdb.Publish(ctx, convsChannel(p), "changed")
	}
}

func (c *Client) notifyConvChange(ctx context.Context, convID string) {
	conv, err := c.Get(ctx, convID)
	if err != nil {
		c.logger.Warn("cannot notify conversation change", zap.String("conversation", convID), zap.Error(err))
		return
	}
	c.notifyParticipants(ctx, conv.Participants)
}

func decodeConversation(raw []byte) (*chat.Conversation, error) {
	var conv chat.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, chat.E(chat.KindTransport, "decode conversation").Wrap(err)
	}
	return &conv, nil
}

func parseUnread(h map[string]string) map[string]int {
	if len(h) == 0 {
		return map[string]int{}
	}
	out := make(map[string]int, len(h))
	for user, v := range h {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[user] = n
	}
	return out
}

// messagesView adapts the Client's message methods onto the Messages
// interface without colliding with the Conversations.Watch method name.
type messagesView struct{ c *Client }

func (v messagesView) Append(ctx context.Context, m *chat.Message) error { return v.c.Append(ctx, m) }
func (v messagesView) List(ctx context.Context, convID string) ([]chat.Message, error) {
	return v.c.List(ctx, convID)
}
func (v messagesView) Watch(ctx context.Context, convID string) (<-chan []chat.Message, func(), error) {
	return v.c.WatchMessages(ctx, convID)
}

// MessageLog returns the client viewed as the Messages collection.
func (c *Client) MessageLog() Messages { return messagesView{c} }
