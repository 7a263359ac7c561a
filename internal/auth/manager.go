// Package auth tracks the signed-in session and fronts the managed identity
// service.
package auth

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
)

const minPasswordLen = 6

// Manager owns the current session. All methods are safe for concurrent use.
type Manager struct {
	identity remote.Identity
	dir      remote.Directory
	bus      *bus.Bus
	logger   *zap.Logger
	session  atomic.Pointer[remote.Session]
}

// NewManager creates a signed-out manager.
func NewManager(identity remote.Identity, dir remote.Directory, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		identity: identity,
		dir:      dir,
		bus:      b,
		logger:   logger,
	}
}

// SignUp registers a new account and its public directory record. The
// account starts unverified; sign-in is refused until the emailed
// verification token is redeemed.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) error {
	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	if err := validateSignUp(email, password, displayName); err != nil {
		return err
	}

	session, err := m.identity.CreateAccount(ctx, email, password, displayName)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if err := m.dir.PutUser(ctx, &chat.User{
		ID:          session.UserID,
		Email:       session.Email,
		DisplayName: displayName,
		Online:      false,
		LastSeen:    now,
		CreatedAt:   now,
	}); err != nil {
		return err
	}

	m.logger.Info("account created", zap.String("user_id", session.UserID))
	return nil
}

// SignIn authenticates and installs the session. Accounts with an unverified
// email are refused.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*remote.Session, error) {
	session, err := m.identity.Authenticate(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return nil, err
	}
	if !session.EmailVerified {
		return nil, chat.ErrEmailUnverified
	}

	m.session.Store(session)
	m.setPresence(ctx, session.UserID, true)

	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionSignedIn,
		Timestamp: time.Now(),
		Payload:   map[string]string{"user_id": session.UserID},
	})
	m.logger.Info("signed in", zap.String("user_id", session.UserID))
	return session, nil
}

// SignOut clears the session. A nil session is a no-op.
func (m *Manager) SignOut(ctx context.Context) {
	session := m.session.Swap(nil)
	if session == nil {
		return
	}
	m.setPresence(ctx, session.UserID, false)

	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionSignedOut,
		Timestamp: time.Now(),
		Payload:   map[string]string{"user_id": session.UserID},
	})
	m.logger.Info("signed out", zap.String("user_id", session.UserID))
}

// Current returns the signed-in session.
func (m *Manager) Current() (*remote.Session, error) {
	session := m.session.Load()
	if session == nil {
		return nil, chat.ErrNotSignedIn
	}
	return session, nil
}

// ResendVerification issues a fresh verification token for the signed-in
// user.
func (m *Manager) ResendVerification(ctx context.Context) error {
	session, err := m.Current()
	if err != nil {
		return err
	}
	return m.identity.SendEmailVerification(ctx, session.UserID)
}

// VerifyEmail redeems a verification token.
func (m *Manager) VerifyEmail(ctx context.Context, token string) error {
	return m.identity.VerifyEmail(ctx, token)
}

// RequestPasswordReset issues a reset token for the email's account.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	return m.identity.SendPasswordReset(ctx, strings.TrimSpace(email))
}

// ResetPassword redeems a reset token with a new password.
func (m *Manager) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return chat.E(chat.KindValidation, "password is too short")
	}
	return m.identity.ResetPassword(ctx, token, newPassword)
}

// UpdateProfile rewrites the signed-in user's directory profile.
func (m *Manager) UpdateProfile(ctx context.Context, displayName, avatarURL string) error {
	session, err := m.Current()
	if err != nil {
		return err
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return chat.E(chat.KindValidation, "display name is empty")
	}
	if err := m.dir.UpdateProfile(ctx, session.UserID, displayName, avatarURL); err != nil {
		return err
	}

	updated := *session
	updated.DisplayName = displayName
	m.session.Store(&updated)
	return nil
}

// Reload refreshes the session against the identity service, picking up a
// verification completed elsewhere.
func (m *Manager) Reload(ctx context.Context) (*remote.Session, error) {
	session, err := m.Current()
	if err != nil {
		return nil, err
	}
	refreshed, err := m.identity.Reload(ctx, session)
	if err != nil {
		return nil, err
	}
	m.session.Store(refreshed)
	return refreshed, nil
}

// setPresence is best-effort: presence is cosmetic and never fails an auth
// operation.
func (m *Manager) setPresence(ctx context.Context, userID string, online bool) {
	if err := m.dir.SetPresence(ctx, userID, online, time.Now().UnixMilli()); err != nil {
		m.logger.Warn("failed to set presence", zap.Error(err), zap.String("user_id", userID))
	}
}

func validateSignUp(email, password, displayName string) error {
	if email == "" || !strings.Contains(email, "@") {
		return chat.E(chat.KindValidation, "invalid email address")
	}
	if len(password) < minPasswordLen {
		return chat.E(chat.KindValidation, "password is too short")
	}
	if displayName == "" {
		return chat.E(chat.KindValidation, "display name is empty")
	}
	return nil
}
