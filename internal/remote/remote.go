// Package remote holds the SDK-shaped contracts to the hosted backend
// (document store with realtime listeners, identity provider, blob store)
// and their concrete adapters. The rest of the client depends only on the
// interfaces; everything local must be reconstructible from this store.
package remote

import (
	"context"

	"github.com/pigeon-im/pigeon/internal/chat"
)

// Session is the authenticated identity snapshot. It is an immutable value;
// holders replace it wholesale, never mutate it.
type Session struct {
	UserID        string
	Email         string
	DisplayName   string
	Token         string
	EmailVerified bool
}

// Identity is the managed auth provider.
type Identity interface {
	// CreateAccount registers a new account and issues an email
	// verification token. The returned session is not yet verified.
	CreateAccount(ctx context.Context, email, password, displayName string) (*Session, error)
	// Authenticate verifies credentials and issues a session token.
	// Callers must check EmailVerified before granting messaging access.
	Authenticate(ctx context.Context, email, password string) (*Session, error)
	// Reload re-reads the account, picking up a verification that happened
	// since the session was issued.
	Reload(ctx context.Context, session *Session) (*Session, error)
	SendEmailVerification(ctx context.Context, userID string) error
	VerifyEmail(ctx context.Context, token string) error
	SendPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// Directory is the user-document collection.
type Directory interface {
	PutUser(ctx context.Context, u *chat.User) error
	GetUser(ctx context.Context, id string) (*chat.User, error)
	// ListUsers returns every user document. Callers filter client-side;
	// at scale this must become a server-side indexed query.
	ListUsers(ctx context.Context) ([]chat.User, error)
	UpdateProfile(ctx context.Context, id, displayName, avatarURL string) error
	// SetPresence flips the online flag and stamps last-seen.
	SetPresence(ctx context.Context, id string, online bool, at int64) error
	// WatchUser streams the user document on every change. The stop
	// function releases the listener; it is safe to call more than once.
	WatchUser(ctx context.Context, id string) (<-chan chat.User, func(), error)
}

// Tail is the denormalized last-message summary written onto a conversation
// after a message append. It is eventually consistent with the stream.
type Tail struct {
	Text     string
	Type     chat.MessageType
	SenderID string
	At       int64
}

// Conversations is the conversation-document collection.
type Conversations interface {
	// Upsert creates the conversation if absent. An existing document is
	// left untouched, so creating from both sides is idempotent.
	Upsert(ctx context.Context, c *chat.Conversation) error
	Get(ctx context.Context, id string) (*chat.Conversation, error)
	// ListFor returns all conversations containing userID, ordered by last
	// message time descending.
	ListFor(ctx context.Context, userID string) ([]chat.Conversation, error)
	UpdateTail(ctx context.Context, convID string, tail Tail) error
	// ResetUnread zeroes one participant's counter, leaving others alone.
	ResetUnread(ctx context.Context, convID, userID string) error
	// BumpUnread atomically increments one participant's counter.
	BumpUnread(ctx context.Context, convID, userID string) error
	// Watch delivers a full ordered snapshot of the user's conversations on
	// every remote change, never a diff. Snapshots coalesce to the latest.
	Watch(ctx context.Context, userID string) (<-chan []chat.Conversation, func(), error)
}

// Messages is the per-conversation message log.
type Messages interface {
	// Append persists a message. Message documents are immutable.
	Append(ctx context.Context, m *chat.Message) error
	// List returns the conversation's messages ordered by send time
	// ascending.
	List(ctx context.Context, convID string) ([]chat.Message, error)
	// Watch delivers a full ascending snapshot on every change.
	Watch(ctx context.Context, convID string) (<-chan []chat.Message, func(), error)
}

// Blobs is the binary attachment store.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// DownloadURL returns a stable retrieval reference for a stored blob.
	DownloadURL(ctx context.Context, key string) (string, error)
}
