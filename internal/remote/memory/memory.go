// Package memory is a complete in-memory implementation of the remote
// backend contracts, with the same watch semantics as the hosted adapters.
// It backs tests and offline development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
)

type account struct {
	userID       string
	email        string
	passwordHash string
	verified     bool
}

// Backend holds every collection behind one lock.
type Backend struct {
	mu           sync.RWMutex
	users        map[string]chat.User
	accounts     map[string]*account // keyed by lowercase email
	verifyTokens map[string]string   // token -> email
	resetTokens  map[string]string
	convs        map[string]*chat.Conversation
	userConvs    map[string]map[string]bool
	msgs         map[string][]chat.Message
	blobs        map[string][]byte

	wmu      sync.Mutex
	watchers map[string][]chan struct{} // topic -> change signals
}

var (
	_ remote.Identity      = (*Backend)(nil)
	_ remote.Directory     = (*Backend)(nil)
	_ remote.Conversations = (*Backend)(nil)
	_ remote.Blobs         = (*Backend)(nil)
)

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		users:        make(map[string]chat.User),
		accounts:     make(map[string]*account),
		verifyTokens: make(map[string]string),
		resetTokens:  make(map[string]string),
		convs:        make(map[string]*chat.Conversation),
		userConvs:    make(map[string]map[string]bool),
		msgs:         make(map[string][]chat.Message),
		blobs:        make(map[string][]byte),
		watchers:     make(map[string][]chan struct{}),
	}
}

// --- Identity ---

func (b *Backend) CreateAccount(_ context.Context, email, password, displayName string) (*remote.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, chat.E(chat.KindAuth, "hash password").Wrap(err)
	}

	b.mu.Lock()
	if _, exists := b.accounts[email]; exists {
		b.mu.Unlock()
		return nil, chat.ErrUserExists
	}
	acct := &account{
		userID:       uuid.New().String(),
		email:        email,
		passwordHash: string(hash),
	}
	b.accounts[email] = acct
	tok := uuid.New().String()
	b.verifyTokens[tok] = email
	b.mu.Unlock()

	return &remote.Session{
		UserID:      acct.userID,
		Email:       email,
		DisplayName: displayName,
		Token:       "mem-" + uuid.New().String(),
	}, nil
}

func (b *Backend) Authenticate(_ context.Context, email, password string) (*remote.Session, error) {
	b.mu.RLock()
	acct, ok := b.accounts[strings.ToLower(strings.TrimSpace(email))]
	b.mu.RUnlock()
	if !ok {
		return nil, chat.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(password)); err != nil {
		return nil, chat.ErrBadCredentials
	}
	return &remote.Session{
		UserID:        acct.userID,
		Email:         acct.email,
		Token:         "mem-" + uuid.New().String(),
		EmailVerified: acct.verified,
	}, nil
}

func (b *Backend) Reload(_ context.Context, session *remote.Session) (*remote.Session, error) {
	b.mu.RLock()
	acct, ok := b.accounts[session.Email]
	b.mu.RUnlock()
	if !ok {
		return nil, chat.ErrUserNotFound
	}
	refreshed := *session
	refreshed.EmailVerified = acct.verified
	return &refreshed, nil
}

func (b *Backend) SendEmailVerification(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for email, acct := range b.accounts {
		if acct.userID == userID {
			b.verifyTokens[uuid.New().String()] = email
			return nil
		}
	}
	return chat.ErrUserNotFound
}

func (b *Backend) VerifyEmail(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	email, ok := b.verifyTokens[token]
	if !ok {
		return chat.ErrTokenInvalid
	}
	if acct, ok := b.accounts[email]; ok {
		acct.verified = true
	}
	delete(b.verifyTokens, token)
	return nil
}

func (b *Backend) SendPasswordReset(_ context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[email]; !ok {
		return chat.ErrUserNotFound
	}
	b.resetTokens[uuid.New().String()] = email
	return nil
}

func (b *Backend) ResetPassword(_ context.Context, token, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.MinCost)
	if err != nil {
		return chat.E(chat.KindAuth, "hash password").Wrap(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	email, ok := b.resetTokens[token]
	if !ok {
		return chat.ErrTokenInvalid
	}
	if acct, ok := b.accounts[email]; ok {
		acct.passwordHash = string(hash)
	}
	delete(b.resetTokens, token)
	return nil
}

// VerificationToken returns a pending verification token for an email, for
// tests that complete the verify flow.
func (b *Backend) VerificationToken(email string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for tok, e := range b.verifyTokens {
		if e == strings.ToLower(email) {
			return tok
		}
	}
	return ""
}

// --- Directory ---

func (b *Backend) PutUser(_ context.Context, u *chat.User) error {
	b.mu.Lock()
	b.users[u.ID] = *u
	b.mu.Unlock()
	b.notify("user:" + u.ID)
	return nil
}

func (b *Backend) GetUser(_ context.Context, id string) (*chat.User, error) {
	b.mu.RLock()
	u, ok := b.users[id]
	b.mu.RUnlock()
	if !ok {
		return nil, chat.ErrUserNotFound
	}
	return &u, nil
}

func (b *Backend) ListUsers(_ context.Context) ([]chat.User, error) {
	b.mu.RLock()
	users := make([]chat.User, 0, len(b.users))
	for _, u := range b.users {
		users = append(users, u)
	}
	b.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i].DisplayName < users[j].DisplayName })
	return users, nil
}

func (b *Backend) UpdateProfile(ctx context.Context, id, displayName, avatarURL string) error {
	b.mu.Lock()
	u, ok := b.users[id]
	if !ok {
		b.mu.Unlock()
		return chat.ErrUserNotFound
	}
	u.DisplayName = displayName
	if avatarURL != "" {
		u.AvatarURL = avatarURL
	}
	b.users[id] = u
	b.mu.Unlock()
	b.notify("user:" + id)
	return nil
}

func (b *Backend) SetPresence(_ context.Context, id string, online bool, at int64) error {
	b.mu.Lock()
	u, ok := b.users[id]
	if !ok {
		b.mu.Unlock()
		return chat.ErrUserNotFound
	}
	u.Online = online
	u.LastSeen = at
	b.users[id] = u
	b.mu.Unlock()
	b.notify("user:" + id)
	return nil
}

func (b *Backend) WatchUser(ctx context.Context, id string) (<-chan chat.User, func(), error) {
	return watch(ctx, b, "user:"+id, func(ctx context.Context) (chat.User, error) {
		u, err := b.GetUser(ctx, id)
		if err != nil {
			return chat.User{}, err
		}
		return *u, nil
	})
}

// --- Conversations ---

func (b *Backend) Upsert(_ context.Context, c *chat.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, exists := b.convs[c.ID]; exists {
		b.mu.Unlock()
		return nil
	}
	doc := *c
	doc.Participants = append([]string(nil), c.Participants...)
	doc.ParticipantsInfo = make(map[string]chat.ParticipantInfo, len(c.ParticipantsInfo))
	for k, v := range c.ParticipantsInfo {
		doc.ParticipantsInfo[k] = v
	}
	doc.UnreadCount = make(map[string]int)
	b.convs[c.ID] = &doc
	for _, p := range c.Participants {
		if b.userConvs[p] == nil {
			b.userConvs[p] = make(map[string]bool)
		}
		b.userConvs[p][c.ID] = true
	}
	participants := doc.Participants
	b.mu.Unlock()
	b.notifyParticipants(participants)
	return nil
}

func (b *Backend) Get(_ context.Context, id string) (*chat.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	conv, ok := b.convs[id]
	if !ok {
		return nil, chat.ErrConversationNotFound
	}
	return copyConv(conv), nil
}

func (b *Backend) ListFor(_ context.Context, userID string) ([]chat.Conversation, error) {
	b.mu.RLock()
	convs := make([]chat.Conversation, 0, len(b.userConvs[userID]))
	for id := range b.userConvs[userID] {
		if conv, ok := b.convs[id]; ok {
			convs = append(convs, *copyConv(conv))
		}
	}
	b.mu.RUnlock()
	sort.Slice(convs, func(i, j int) bool { return convs[i].LastMessageAt > convs[j].LastMessageAt })
	return convs, nil
}

func (b *Backend) UpdateTail(_ context.Context, convID string, tail remote.Tail) error {
	b.mu.Lock()
	conv, ok := b.convs[convID]
	if !ok {
		b.mu.Unlock()
		return chat.ErrConversationNotFound
	}
	conv.LastMessage = tail.Text
	conv.LastMessageType = tail.Type
	conv.LastMessageSenderID = tail.SenderID
	conv.LastMessageAt = tail.At
	participants := append([]string(nil), conv.Participants...)
	b.mu.Unlock()
	b.notifyParticipants(participants)
	return nil
}

func (b *Backend) ResetUnread(_ context.Context, convID, userID string) error {
	b.mu.Lock()
	conv, ok := b.convs[convID]
	if !ok {
		b.mu.Unlock()
		return chat.ErrConversationNotFound
	}
	conv.UnreadCount[userID] = 0
	participants := append([]string(nil), conv.Participants...)
	b.mu.Unlock()
	b.notifyParticipants(participants)
	return nil
}

func (b *Backend) BumpUnread(_ context.Context, convID, userID string) error {
	b.mu.Lock()
	conv, ok := b.convs[convID]
	if !ok {
		b.mu.Unlock()
		return chat.ErrConversationNotFound
	}
	conv.UnreadCount[userID]++
	participants := append([]string(nil), conv.Participants...)
	b.mu.Unlock()
	b.notifyParticipants(participants)
	return nil
}

func (b *Backend) Watch(ctx context.Context, userID string) (<-chan []chat.Conversation, func(), error) {
	return watch(ctx, b, "convs:"+userID, func(ctx context.Context) ([]chat.Conversation, error) {
		return b.ListFor(ctx, userID)
	})
}

// --- Messages ---

func (b *Backend) Append(_ context.Context, m *chat.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	msgs := b.msgs[m.ConversationID]
	for _, existing := range msgs {
		if existing.ID == m.ID {
			b.mu.Unlock()
			return nil // idempotent append
		}
	}
	b.msgs[m.ConversationID] = append(msgs, *m)
	sort.SliceStable(b.msgs[m.ConversationID], func(i, j int) bool {
		return b.msgs[m.ConversationID][i].Timestamp < b.msgs[m.ConversationID][j].Timestamp
	})
	b.mu.Unlock()
	b.notify("msgs:" + m.ConversationID)
	return nil
}

func (b *Backend) List(_ context.Context, convID string) ([]chat.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]chat.Message(nil), b.msgs[convID]...), nil
}

func (b *Backend) WatchMessages(ctx context.Context, convID string) (<-chan []chat.Message, func(), error) {
	return watch(ctx, b, "msgs:"+convID, func(ctx context.Context) ([]chat.Message, error) {
		return b.List(ctx, convID)
	})
}

// MessageLog returns the backend viewed as the Messages collection.
func (b *Backend) MessageLog() remote.Messages { return messagesView{b} }

type messagesView struct{ b *Backend }

var _ remote.Messages = messagesView{}

func (v messagesView) Append(ctx context.Context, m *chat.Message) error { return v.b.Append(ctx, m) }
func (v messagesView) List(ctx context.Context, convID string) ([]chat.Message, error) {
	return v.b.List(ctx, convID)
}
func (v messagesView) Watch(ctx context.Context, convID string) (<-chan []chat.Message, func(), error) {
	return v.b.WatchMessages(ctx, convID)
}

// --- Blobs ---

func (b *Backend) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	b.blobs[key] = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

func (b *Backend) DownloadURL(_ context.Context, key string) (string, error) {
	b.mu.RLock()
	_, ok := b.blobs[key]
	b.mu.RUnlock()
	if !ok {
		return "", chat.E(chat.KindNotFound, "blob not found")
	}
	return "mem://" + key, nil
}

// BlobData returns stored blob bytes, for test assertions.
func (b *Backend) BlobData(key string) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.blobs[key]
}

// --- watch plumbing ---

func (b *Backend) notify(topic string) {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	for _, ch := range b.watchers[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Backend) notifyParticipants(participants []string) {
	for _, p := range participants {
		b.notify("convs:" + p)
	}
}

func (b *Backend) subscribe(topic string) (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.wmu.Lock()
	b.watchers[topic] = append(b.watchers[topic], ch)
	b.wmu.Unlock()
	return ch, func() {
		b.wmu.Lock()
		subs := b.watchers[topic]
		for i, c := range subs {
			if c == ch {
				b.watchers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.wmu.Unlock()
	}
}

// watch delivers a fresh snapshot on every topic notification, coalescing to
// the latest. Mirrors the hosted adapters' semantics.
func watch[T any](ctx context.Context, b *Backend, topic string, fetch func(context.Context) (T, error)) (<-chan T, func(), error) {
	signals, unsub := b.subscribe(topic)
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan T, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		defer close(done)

		if snap, err := fetch(ctx); err == nil {
			deliver(out, snap)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				snap, err := fetch(ctx)
				if err != nil || ctx.Err() != nil {
					continue
				}
				deliver(out, snap)
			}
		}
	}()

	stop := sync.OnceFunc(func() {
		cancel()
		unsub()
		<-done // no deliveries after stop returns
	})
	return out, stop, nil
}

func deliver[T any](out chan T, v T) {
	for {
		select {
		case out <- v:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}

func copyConv(c *chat.Conversation) *chat.Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.ParticipantsInfo = make(map[string]chat.ParticipantInfo, len(c.ParticipantsInfo))
	for k, v := range c.ParticipantsInfo {
		out.ParticipantsInfo[k] = v
	}
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	return &out
}
